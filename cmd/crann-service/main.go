// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Crann-service owns the authoritative state of one crann namespace and
// serves it to instances over a unix socket, and over WebRTC data
// channels when service.signal_dir is set.
//
// The namespace is read from a declaration file (YAML or JSONC) whose
// actions bind to the built-in handlers. Session-tier fields are
// snapshotted to a file in the runtime directory and durable fields
// are stored in SQLite under the data root. Both are loaded before the
// socket opens, so the first instance sees persisted values.
//
// SIGINT and SIGTERM disconnect every instance and exit cleanly.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/crann/lib/clock"
	"github.com/bureau-foundation/crann/lib/config"
	"github.com/bureau-foundation/crann/lib/persist"
	"github.com/bureau-foundation/crann/lib/process"
	"github.com/bureau-foundation/crann/lib/service"
	"github.com/bureau-foundation/crann/lib/sqlitepool"
	"github.com/bureau-foundation/crann/lib/statedef"
	"github.com/bureau-foundation/crann/lib/statestore"
	"github.com/bureau-foundation/crann/lib/tracing"
	"github.com/bureau-foundation/crann/lib/version"
	"github.com/bureau-foundation/crann/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	configPath  string
	declaration string
	namespace   string
	socket      string
	showVersion bool
}

func parseOptions(args []string) (*options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("crann-service", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "config file (default: $CRANN_CONFIG, then built-in defaults)")
	flagSet.StringVar(&opts.declaration, "declaration", "", "state declaration file (overrides paths.declaration)")
	flagSet.StringVarP(&opts.namespace, "namespace", "n", "", "state namespace (overrides namespace)")
	flagSet.StringVar(&opts.socket, "socket", "", "socket path (overrides service.socket_path)")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return &opts, nil
}

func (opts *options) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case opts.configPath != "":
		cfg, err = config.LoadFile(opts.configPath)
	case os.Getenv("CRANN_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default().Finish()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if opts.declaration != "" {
		cfg.Paths.Declaration = opts.declaration
	}
	if opts.namespace != "" {
		cfg.Namespace = opts.namespace
	}
	if opts.socket != "" {
		cfg.Service.SocketPath = opts.socket
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Paths.Declaration == "" {
		return nil, fmt.Errorf("no declaration file: set paths.declaration or pass --declaration")
	}
	return cfg, nil
}

func run(args []string) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		version.Print("crann-service")
		return nil
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, os.Stderr, os.Stdout)
}

// serve runs the service until ctx is done. Logs go to logOutput and
// stdout trace exports to traceOutput.
func serve(ctx context.Context, cfg *config.Config, logOutput, traceOutput io.Writer) error {
	logger, err := process.NewLogger(logOutput, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	tracerProvider, shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version.Short(),
		Stdout:         cfg.Tracing.Stdout,
		Writer:         traceOutput,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("flushing traces failed", "error", err)
		}
	}()

	definition, err := statedef.LoadFile(cfg.Paths.Declaration, statedef.Builtins())
	if err != nil {
		return err
	}
	encoding, err := cfg.Encoding()
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	durable, pool, err := persist.OpenSQLite(sqlitepool.Config{
		Path:        cfg.DatabasePath(),
		PoolSize:    cfg.Storage.PoolSize,
		Synchronous: sqlitepool.Synchronous(strings.ToUpper(cfg.Storage.Synchronous)),
		Logger:      logger.With("component", "sqlite"),
	}, clock.Real())
	if err != nil {
		return fmt.Errorf("opening durable store: %w", err)
	}
	defer pool.Close()

	logger.Info("starting crann-service",
		"version", version.Info(),
		"namespace", cfg.Namespace,
		"declaration", cfg.Paths.Declaration,
		"fields", len(definition.Fields()),
		"actions", len(definition.Actions()),
	)

	svc, err := service.New(service.Config{
		Definition:       definition,
		Session:          persist.NewSessionFile(cfg.SessionPath()),
		Durable:          durable,
		Prefix:           cfg.Storage.Prefix,
		Encoding:         encoding,
		ReconnectGrace:   cfg.Service.ReconnectGrace,
		HandshakeTimeout: cfg.Service.HandshakeTimeout,
		CallTimeout:      cfg.Service.CallTimeout,
		Interceptors:     []statestore.Interceptor{statestore.LogInterceptor{Logger: logger.With("component", "mutations")}},
		Logger:           logger.With("namespace", cfg.Namespace),
		TracerProvider:   tracerProvider,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Open(ctx); err != nil {
		return fmt.Errorf("loading persisted state: %w", err)
	}

	listeners, err := openListeners(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, listener := range listeners {
			listener.Close()
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	served := make(chan error, len(listeners))
	for _, listener := range listeners {
		go func() { served <- svc.Serve(ctx, listener) }()
	}
	// The first listener to fail stops the others.
	var serveErr error
	for range listeners {
		if err := <-served; err != nil && serveErr == nil {
			serveErr = err
			cancel()
		}
	}
	if serveErr != nil {
		return serveErr
	}
	logger.Info("shutting down")
	return nil
}

// openListeners opens the unix socket, plus a WebRTC listener when a
// signal directory is configured.
func openListeners(cfg *config.Config, logger *slog.Logger) ([]transport.Acceptor, error) {
	socket, err := transport.Listen(cfg.SocketPath())
	if err != nil {
		return nil, err
	}
	listeners := []transport.Acceptor{socket}
	if cfg.Service.SignalDir == "" {
		return listeners, nil
	}

	rtc, err := transport.ListenWebRTC(transport.WebRTCConfig{
		Name:       cfg.Namespace,
		Signaler:   transport.NewDirectorySignaler(cfg.Service.SignalDir),
		ICEServers: iceServers(cfg.Service.ICEServers),
		Logger:     logger.With("component", "webrtc"),
	})
	if err != nil {
		socket.Close()
		return nil, err
	}
	return append(listeners, rtc), nil
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
