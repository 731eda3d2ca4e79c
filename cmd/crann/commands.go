// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/crann/cmd/crann/cli"
	"github.com/bureau-foundation/crann/lib/agent"
	"github.com/bureau-foundation/crann/lib/config"
	"github.com/bureau-foundation/crann/lib/instance"
	"github.com/bureau-foundation/crann/lib/process"
	"github.com/bureau-foundation/crann/lib/rpc"
	"github.com/bureau-foundation/crann/lib/version"
	"github.com/bureau-foundation/crann/transport"
)

// exitRejected is the exit code when the service rejected a call.
const exitRejected = 2

// connectionFlags are shared by every command that talks to the
// service.
type connectionFlags struct {
	configPath string
	socket     string
	signalDir  string
	namespace  string
	id         string
	address    string
	timeout    time.Duration
	verbose    bool
}

func (c *connectionFlags) add(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.configPath, "config", "", "config file (default: $CRANN_CONFIG, then built-in defaults)")
	flagSet.StringVar(&c.socket, "socket", "", "service socket (default: from config)")
	flagSet.StringVar(&c.signalDir, "signal-dir", "", "connect over WebRTC, signaling through this directory (default: service.signal_dir)")
	flagSet.StringVarP(&c.namespace, "namespace", "n", "", "state namespace (default: from config)")
	flagSet.StringVar(&c.id, "id", "", "request this instance ID to resume its per-instance state")
	flagSet.StringVar(&c.address, "address", "cli", "instance address as context[/group][#frame]")
	flagSet.DurationVar(&c.timeout, "timeout", 10*time.Second, "time allowed for connecting and each call")
	flagSet.BoolVarP(&c.verbose, "verbose", "v", false, "log protocol activity to stderr")
}

func (c *connectionFlags) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case c.configPath != "":
		cfg, err = config.LoadFile(c.configPath)
	case os.Getenv("CRANN_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default().Finish()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if c.namespace != "" {
		cfg.Namespace = c.namespace
	}
	if c.socket != "" {
		cfg.Service.SocketPath = c.socket
	}
	if c.signalDir != "" {
		cfg.Service.SignalDir = c.signalDir
	}
	return cfg, nil
}

// connect dials the service and waits for the initial state.
func (c *connectionFlags) connect(ctx context.Context, stderr io.Writer) (*instance.Instance, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	encoding, err := cfg.Encoding()
	if err != nil {
		return nil, err
	}
	address, err := agent.ParseAddress(c.address)
	if err != nil {
		return nil, err
	}
	level := "warn"
	if c.verbose {
		level = "debug"
	}
	logger, err := process.NewLogger(stderr, level, "text")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	port, endpoint, err := dial(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", endpoint, err)
	}
	connected, err := instance.Connect(ctx, port, instance.Config{
		ID:          c.id,
		Address:     address,
		Encoding:    encoding,
		CallTimeout: c.timeout,
		Logger:      logger.With("endpoint", endpoint),
	})
	if err != nil {
		return nil, err
	}
	if err := connected.WaitReady(ctx); err != nil {
		connected.Close()
		return nil, fmt.Errorf("waiting for initial state: %w", err)
	}
	logger.Debug("connected", "agent", connected.Agent().ID)
	return connected, nil
}

// dial opens a port to the service: over WebRTC when a signal
// directory is configured, otherwise over the unix socket. The second
// result names the endpoint for messages.
func dial(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Port, string, error) {
	if cfg.Service.SignalDir == "" {
		port, err := transport.Dial(ctx, cfg.SocketPath())
		return port, cfg.SocketPath(), err
	}
	var servers []webrtc.ICEServer
	if len(cfg.Service.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.Service.ICEServers}}
	}
	port, err := transport.DialWebRTC(ctx, transport.WebRTCConfig{
		Name:       "cli",
		Signaler:   transport.NewDirectorySignaler(cfg.Service.SignalDir),
		ICEServers: servers,
		Logger:     logger.With("component", "webrtc"),
	}, cfg.Namespace)
	return port, "webrtc:" + cfg.Namespace, err
}

func root(ctx context.Context, stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:        "crann",
		Description: "Read, write, and watch the state of a crann namespace.",
		Output:      stderr,
		Subcommands: []*cli.Command{
			getCommand(ctx, stdout, stderr),
			setCommand(ctx, stdout, stderr),
			callCommand(ctx, stdout, stderr),
			watchCommand(ctx, stdout, stderr),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func([]string) error {
					_, err := fmt.Fprintf(stdout, "crann %s\n", version.Full())
					return err
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Print shared state and this instance's view",
				Command:     "crann get",
			},
			{
				Description: "Write a field as a named instance",
				Command:     "crann set --id editor-1 name=alice",
			},
			{
				Description: "Invoke a declared action",
				Command:     "crann call increment 2",
			},
		},
	}
}

func getCommand(ctx context.Context, stdout, stderr io.Writer) *cli.Command {
	var connection connectionFlags
	return &cli.Command{
		Name:    "get",
		Summary: "Print the state",
		Usage:   "crann get [field...] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("get", pflag.ContinueOnError)
			connection.add(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			connected, err := connection.connect(ctx, stderr)
			if err != nil {
				return err
			}
			defer connected.Close()

			state := connected.Get()
			if len(args) == 0 {
				return cli.WriteJSON(stdout, map[string]any(state))
			}
			selected := make(map[string]any, len(args))
			for _, field := range args {
				value, found := state[field]
				if !found {
					return fmt.Errorf("unknown field %q (fields: %v)", field, slices.Sorted(maps.Keys(state)))
				}
				selected[field] = value
			}
			if len(args) == 1 {
				return cli.WriteJSON(stdout, selected[args[0]])
			}
			return cli.WriteJSON(stdout, selected)
		},
	}
}

func setCommand(ctx context.Context, stdout, stderr io.Writer) *cli.Command {
	var connection connectionFlags
	return &cli.Command{
		Name:    "set",
		Summary: "Write fields",
		Usage:   "crann set <field>=<value>... [flags]",
		Description: `Write one or more fields in a single update. Values are parsed as
JSON; anything that is not valid JSON is written as a string.
Per-instance fields are written for this instance only.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("set", pflag.ContinueOnError)
			connection.add(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("at least one <field>=<value> is required")
			}
			update := make(map[string]any, len(args))
			for _, arg := range args {
				field, value, err := cli.ParseAssignment(arg)
				if err != nil {
					return err
				}
				update[field] = value
			}

			connected, err := connection.connect(ctx, stderr)
			if err != nil {
				return err
			}
			defer connected.Close()

			callCtx, cancel := context.WithTimeout(ctx, connection.timeout)
			defer cancel()
			if err := connected.Set(callCtx, update); err != nil {
				return reportRejection(stderr, err)
			}

			state := connected.Get()
			written := make(map[string]any, len(update))
			for field := range update {
				written[field] = state[field]
			}
			return cli.WriteJSON(stdout, written)
		},
	}
}

func callCommand(ctx context.Context, stdout, stderr io.Writer) *cli.Command {
	var connection connectionFlags
	return &cli.Command{
		Name:    "call",
		Summary: "Invoke a declared action",
		Usage:   "crann call [flags] <action> [arg...]",
		Description: `Invoke an action declared by the service and print its result as
JSON. Arguments are parsed like set values; flags must come before
the action name. Exits with status 2
when the service rejects the call.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("call", pflag.ContinueOnError)
			connection.add(flagSet)
			// Everything after the action name is an argument, so
			// negative numbers are not read as shorthand flags.
			flagSet.SetInterspersed(false)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("action name is required")
			}
			callArgs := make([]any, 0, len(args)-1)
			for _, arg := range args[1:] {
				callArgs = append(callArgs, cli.ParseValue(arg))
			}

			connected, err := connection.connect(ctx, stderr)
			if err != nil {
				return err
			}
			defer connected.Close()

			callCtx, cancel := context.WithTimeout(ctx, connection.timeout)
			defer cancel()
			result, err := connected.CallAction(callCtx, args[0], callArgs...)
			if err != nil {
				return reportRejection(stderr, err)
			}
			return cli.WriteJSON(stdout, result)
		},
	}
}

func watchCommand(ctx context.Context, stdout, stderr io.Writer) *cli.Command {
	var connection connectionFlags
	var changesOnly bool
	return &cli.Command{
		Name:    "watch",
		Summary: "Print state changes until interrupted",
		Usage:   "crann watch [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			connection.add(flagSet)
			flagSet.BoolVar(&changesOnly, "changes", false, "print only the changed fields")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			connected, err := connection.connect(ctx, stderr)
			if err != nil {
				return err
			}
			defer connected.Close()

			updates := make(chan instance.Update, 64)
			unsubscribe := connected.Subscribe(func(update instance.Update) {
				select {
				case updates <- update:
				case <-connected.Done():
				}
			})
			defer unsubscribe()

			if err := cli.WriteJSON(stdout, map[string]any(connected.Get())); err != nil {
				return err
			}
			for {
				select {
				case update := <-updates:
					value := map[string]any(update.State)
					if changesOnly {
						value = update.Changes
					}
					if err := cli.WriteJSON(stdout, value); err != nil {
						return err
					}
				case <-connected.Done():
					if err := connected.Err(); err != nil {
						return err
					}
					return fmt.Errorf("service closed the connection")
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}

// reportRejection prints a service rejection and converts it to an
// exit status. Other errors are returned unchanged.
func reportRejection(stderr io.Writer, err error) error {
	var callErr *rpc.CallError
	if !errors.As(err, &callErr) {
		return err
	}
	fmt.Fprintf(stderr, "%s: %s (%s)\n", callErr.Action, callErr.Message, callErr.Code)
	return &cli.ExitError{Code: exitRejected}
}
