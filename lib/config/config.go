// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/crann/lib/wire"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the configuration for crann-service and the crann CLI.
type Config struct {
	Environment Environment `yaml:"environment"`

	// Namespace names the state namespace. It selects the socket,
	// session snapshot, and database file names.
	Namespace string `yaml:"namespace"`

	Paths   PathsConfig   `yaml:"paths"`
	Service ServiceConfig `yaml:"service"`
	Storage StorageConfig `yaml:"storage"`
	Wire    WireConfig    `yaml:"wire"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Service *ServiceConfig `yaml:"service,omitempty"`
	Storage *StorageConfig `yaml:"storage,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Root is the base directory for durable crann data.
	Root string `yaml:"root"`

	// Runtime holds the service socket and the session-tier snapshot.
	// Its contents do not survive a reboot.
	Runtime string `yaml:"runtime"`

	// Declaration is the state declaration file (YAML or JSONC).
	Declaration string `yaml:"declaration"`
}

// ServiceConfig configures the service side of the protocol.
type ServiceConfig struct {
	// SocketPath overrides the default <runtime>/<namespace>.sock.
	SocketPath string `yaml:"socket_path"`

	// ReconnectGrace keeps a dropped instance's state for this long.
	ReconnectGrace time.Duration `yaml:"reconnect_grace"`

	// HandshakeTimeout bounds the wait for a connection's ready message.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// CallTimeout bounds RPC calls in either direction.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// SignalDir enables WebRTC data-channel connections alongside the
	// socket. Offers and answers are exchanged as files under this
	// directory, and the service answers under its namespace. Empty
	// disables WebRTC.
	SignalDir string `yaml:"signal_dir"`

	// ICEServers lists STUN or TURN URLs for WebRTC. Empty uses host
	// candidates only.
	ICEServers []string `yaml:"ice_servers"`
}

// StorageConfig configures the persistence tiers.
type StorageConfig struct {
	// Prefix is prepended to field names to form storage keys.
	Prefix string `yaml:"prefix"`

	// DatabasePath overrides the default <root>/<namespace>.db for the
	// durable tier.
	DatabasePath string `yaml:"database_path"`

	// PoolSize is the number of SQLite connections.
	PoolSize int `yaml:"pool_size"`

	// Synchronous is the SQLite synchronous mode: "full" or "normal".
	Synchronous string `yaml:"synchronous"`
}

// WireConfig configures the message encoding.
type WireConfig struct {
	// Encoding is "binary" or "passthrough". Sockets require binary.
	Encoding string `yaml:"encoding"`

	wire.BinaryOptions `yaml:",inline"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Stdout exports spans to stdout instead of discarding them.
	Stdout bool `yaml:"stdout"`

	ServiceName string `yaml:"service_name"`
}

// Default returns the default configuration, also used as the base
// onto which a config file is loaded.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "crann")

	return &Config{
		Environment: Development,
		Namespace:   "default",
		Paths: PathsConfig{
			Root:    defaultRoot,
			Runtime: "${XDG_RUNTIME_DIR:-/tmp}/crann",
		},
		Service: ServiceConfig{
			ReconnectGrace: 5 * time.Second,
			CallTimeout:    30 * time.Second,
		},
		Storage: StorageConfig{
			Prefix:      "crann_",
			PoolSize:    2,
			Synchronous: "normal",
		},
		Wire: WireConfig{
			Encoding: "binary",
			BinaryOptions: wire.BinaryOptions{
				Compression:     wire.CompressionNone,
				CompressAbove:   4096,
				MinStringLength: 4,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "crann",
		},
	}
}

// Load loads configuration from the CRANN_CONFIG environment variable.
func Load() (*Config, error) {
	configPath := os.Getenv("CRANN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CRANN_CONFIG environment variable not set; " +
			"set it to the path of your crann.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path on top of
// Default, applies the matching environment section, and expands path
// variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// Finish expands variables on a Config built in code. LoadFile does
// this itself.
func (c *Config) Finish() *Config {
	c.applyEnvironmentOverrides()
	c.expandVariables()
	return c
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: durable writes and bounded handshakes.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Service: &ServiceConfig{HandshakeTimeout: 10 * time.Second},
				Storage: &StorageConfig{Synchronous: "full"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.Runtime != "" {
			c.Paths.Runtime = overrides.Paths.Runtime
		}
		if overrides.Paths.Declaration != "" {
			c.Paths.Declaration = overrides.Paths.Declaration
		}
	}

	if overrides.Service != nil {
		if overrides.Service.SocketPath != "" {
			c.Service.SocketPath = overrides.Service.SocketPath
		}
		if overrides.Service.ReconnectGrace != 0 {
			c.Service.ReconnectGrace = overrides.Service.ReconnectGrace
		}
		if overrides.Service.HandshakeTimeout != 0 {
			c.Service.HandshakeTimeout = overrides.Service.HandshakeTimeout
		}
		if overrides.Service.CallTimeout != 0 {
			c.Service.CallTimeout = overrides.Service.CallTimeout
		}
		if overrides.Service.SignalDir != "" {
			c.Service.SignalDir = overrides.Service.SignalDir
		}
		if len(overrides.Service.ICEServers) > 0 {
			c.Service.ICEServers = overrides.Service.ICEServers
		}
	}

	if overrides.Storage != nil {
		if overrides.Storage.Prefix != "" {
			c.Storage.Prefix = overrides.Storage.Prefix
		}
		if overrides.Storage.DatabasePath != "" {
			c.Storage.DatabasePath = overrides.Storage.DatabasePath
		}
		if overrides.Storage.PoolSize != 0 {
			c.Storage.PoolSize = overrides.Storage.PoolSize
		}
		if overrides.Storage.Synchronous != "" {
			c.Storage.Synchronous = overrides.Storage.Synchronous
		}
	}

	if overrides.Logging != nil {
		if overrides.Logging.Level != "" {
			c.Logging.Level = overrides.Logging.Level
		}
		if overrides.Logging.Format != "" {
			c.Logging.Format = overrides.Logging.Format
		}
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"CRANN_ROOT": c.Paths.Root,
		"HOME":       os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["CRANN_ROOT"] = c.Paths.Root

	c.Paths.Runtime = expandVars(c.Paths.Runtime, vars)
	c.Paths.Declaration = expandVars(c.Paths.Declaration, vars)
	c.Service.SocketPath = expandVars(c.Service.SocketPath, vars)
	c.Service.SignalDir = expandVars(c.Service.SignalDir, vars)
	c.Storage.DatabasePath = expandVars(c.Storage.DatabasePath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// SocketPath returns the service socket path.
func (c *Config) SocketPath() string {
	if c.Service.SocketPath != "" {
		return c.Service.SocketPath
	}
	return filepath.Join(c.Paths.Runtime, c.Namespace+".sock")
}

// SessionPath returns the session-tier snapshot path.
func (c *Config) SessionPath() string {
	return filepath.Join(c.Paths.Runtime, c.Namespace+".cbor")
}

// DatabasePath returns the durable-tier SQLite path.
func (c *Config) DatabasePath() string {
	if c.Storage.DatabasePath != "" {
		return c.Storage.DatabasePath
	}
	return filepath.Join(c.Paths.Root, c.Namespace+".db")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Namespace == "" {
		errs = append(errs, fmt.Errorf("namespace is required"))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Runtime == "" {
		errs = append(errs, fmt.Errorf("paths.runtime is required"))
	}
	if c.Service.ReconnectGrace < 0 || c.Service.HandshakeTimeout < 0 || c.Service.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("service timeouts must not be negative"))
	}
	if c.Storage.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("storage.pool_size must be at least 1"))
	}
	checkOneOf := func(field, value string, allowed ...string) {
		if !slices.Contains(allowed, value) {
			errs = append(errs, fmt.Errorf("%s must be one of: %v", field, allowed))
		}
	}
	checkOneOf("storage.synchronous", c.Storage.Synchronous, "full", "normal")
	checkOneOf("wire.encoding", c.Wire.Encoding, "binary", "passthrough")
	if _, err := wire.ParseCompression(c.Wire.Compression.String()); err != nil {
		errs = append(errs, fmt.Errorf("wire.compression: %w", err))
	}
	checkOneOf("logging.level", c.Logging.Level, "debug", "info", "warn", "error")
	checkOneOf("logging.format", c.Logging.Format, "text", "json")

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Encoding returns the configured wire encoding.
func (c *Config) Encoding() (wire.Encoding, error) {
	return wire.ForName(c.Wire.Encoding, c.Wire.BinaryOptions)
}

// EnsurePaths creates the configured directories if they don't exist.
// The runtime directory is private to the user.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.Paths.Root, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.Root, err)
	}
	if err := os.MkdirAll(c.Paths.Runtime, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.Runtime, err)
	}
	return nil
}
