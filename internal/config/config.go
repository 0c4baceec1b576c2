// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/polybugger/internal/tracing"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete polybugger configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Python      PythonConfig      `yaml:"python"`
	Containers  ContainersConfig  `yaml:"containers"`
	SSH         SSHConfig         `yaml:"ssh"`
	Server      ServerConfig      `yaml:"server"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     tracing.Config    `yaml:"tracing"`
}

// LogConfig configures logging. Logs always go to stderr.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	// Environment: POLYBUGGER_LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format is the log format (text, json).
	// Environment: POLYBUGGER_LOG_FORMAT
	// Default: text
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// SessionsConfig configures session admission and lifetime.
type SessionsConfig struct {
	// MaxSessions limits concurrently live sessions.
	// Environment: POLYBUGGER_MAX_SESSIONS
	// Default: 10
	MaxSessions int `yaml:"max_sessions"`

	// Timeout is how long a session may sit idle before it is cleaned up.
	// Environment: POLYBUGGER_SESSION_TIMEOUT
	// Default: 60m
	Timeout time.Duration `yaml:"timeout"`

	// CleanupInterval is how often idle sessions are checked.
	// Default: 60s
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// RequestTimeout bounds each debug adapter request.
	// Default: 30s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// HandshakeTimeout bounds the initialize/launch/attach handshake.
	// Default: 30s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// EventQueueSize bounds the per-session event queue.
	// Default: 1000
	EventQueueSize int `yaml:"event_queue_size"`

	// OutputLimit bounds the lines of program output kept per session.
	// Default: 10000
	OutputLimit int `yaml:"output_limit"`
}

// PersistenceConfig configures the session record store.
type PersistenceConfig struct {
	// Enabled selects the SQLite store. When false records are kept in
	// memory and lost on exit.
	// Environment: POLYBUGGER_PERSISTENCE
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the database file.
	// Environment: POLYBUGGER_DB_PATH
	// Default: $XDG_DATA_HOME/polybugger/sessions.db
	Path string `yaml:"path"`

	// WAL enables write-ahead logging.
	WAL bool `yaml:"wal"`
}

// PythonConfig configures the debugpy backend.
type PythonConfig struct {
	// Interpreter is the default python executable.
	// Environment: POLYBUGGER_PYTHON
	Interpreter string `yaml:"interpreter,omitempty"`

	// AdapterTimeout bounds how long the adapter may take to listen.
	// Default: 10s
	AdapterTimeout time.Duration `yaml:"adapter_timeout"`
}

// ContainersConfig configures the container runtimes.
type ContainersConfig struct {
	// KubeContext selects the kubectl context.
	// Environment: POLYBUGGER_KUBE_CONTEXT
	KubeContext string `yaml:"kube_context,omitempty"`

	// Kubeconfig is the kubeconfig file passed to kubectl.
	// Environment: POLYBUGGER_KUBECONFIG
	Kubeconfig string `yaml:"kubeconfig,omitempty"`

	// StartupWait is how long to wait for a launched program's listener.
	// Default: 2s
	StartupWait time.Duration `yaml:"startup_wait"`
}

// SSHConfig configures tunnel creation.
type SSHConfig struct {
	// Binary is the ssh executable.
	// Environment: POLYBUGGER_SSH_BINARY
	// Default: ssh
	Binary string `yaml:"binary"`

	// ReadyTimeout bounds how long a new tunnel may take to accept
	// connections.
	// Default: 15s
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	// CallsPerSecond is the sustained tool call rate.
	// Environment: POLYBUGGER_RATE_LIMIT
	// Default: 20
	CallsPerSecond float64 `yaml:"calls_per_second"`

	// Burst is the number of tool calls allowed at once.
	// Default: 40
	Burst int `yaml:"burst"`

	// LaunchesPerMinute bounds launch and attach calls.
	// Default: 30
	LaunchesPerMinute int `yaml:"launches_per_minute"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	// Addr serves /metrics when set (e.g., "127.0.0.1:9464").
	// Environment: POLYBUGGER_METRICS_ADDR
	Addr string `yaml:"addr,omitempty"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Sessions: SessionsConfig{
			MaxSessions:      10,
			Timeout:          60 * time.Minute,
			CleanupInterval:  60 * time.Second,
			RequestTimeout:   30 * time.Second,
			HandshakeTimeout: 30 * time.Second,
			EventQueueSize:   1000,
			OutputLimit:      10000,
		},
		Persistence: PersistenceConfig{
			Enabled: true,
			Path:    defaultDBPath(),
			WAL:     true,
		},
		Python: PythonConfig{
			AdapterTimeout: 10 * time.Second,
		},
		Containers: ContainersConfig{
			StartupWait: 2 * time.Second,
		},
		SSH: SSHConfig{
			Binary:       "ssh",
			ReadyTimeout: 15 * time.Second,
		},
		Server: ServerConfig{
			CallsPerSecond:    20,
			Burst:             40,
			LaunchesPerMinute: 30,
			ShutdownTimeout:   10 * time.Second,
		},
		Tracing: tracing.Config{
			Exporter: "stdout",
		},
	}
}

// Load loads configuration from configPath, then applies environment
// overrides and validates the result. An empty configPath reads the
// default config file when it exists.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	path := configPath
	if path == "" {
		if p, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &pberrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &pberrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with defaults. Booleans are left
// alone: an explicit false in the file must survive.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	s, d := &c.Sessions, defaults.Sessions
	if s.MaxSessions == 0 {
		s.MaxSessions = d.MaxSessions
	}
	if s.Timeout == 0 {
		s.Timeout = d.Timeout
	}
	if s.CleanupInterval == 0 {
		s.CleanupInterval = d.CleanupInterval
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = d.RequestTimeout
	}
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = d.HandshakeTimeout
	}
	if s.EventQueueSize == 0 {
		s.EventQueueSize = d.EventQueueSize
	}
	if s.OutputLimit == 0 {
		s.OutputLimit = d.OutputLimit
	}

	if c.Persistence.Path == "" {
		c.Persistence.Path = defaults.Persistence.Path
	}
	if c.Python.AdapterTimeout == 0 {
		c.Python.AdapterTimeout = defaults.Python.AdapterTimeout
	}
	if c.Containers.StartupWait == 0 {
		c.Containers.StartupWait = defaults.Containers.StartupWait
	}
	if c.SSH.Binary == "" {
		c.SSH.Binary = defaults.SSH.Binary
	}
	if c.SSH.ReadyTimeout == 0 {
		c.SSH.ReadyTimeout = defaults.SSH.ReadyTimeout
	}

	if c.Server.CallsPerSecond == 0 {
		c.Server.CallsPerSecond = defaults.Server.CallsPerSecond
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = defaults.Server.Burst
	}
	if c.Server.LaunchesPerMinute == 0 {
		c.Server.LaunchesPerMinute = defaults.Server.LaunchesPerMinute
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables. Values that
// fail to parse are ignored.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("POLYBUGGER_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("POLYBUGGER_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("POLYBUGGER_DEBUG"); val == "1" || strings.ToLower(val) == "true" {
		c.Log.Level = "debug"
		c.Log.AddSource = true
	}

	if val := os.Getenv("POLYBUGGER_MAX_SESSIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Sessions.MaxSessions = n
		}
	}
	if val := os.Getenv("POLYBUGGER_SESSION_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Sessions.Timeout = d
		}
	}

	if val := os.Getenv("POLYBUGGER_PERSISTENCE"); val != "" {
		c.Persistence.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("POLYBUGGER_DB_PATH"); val != "" {
		c.Persistence.Path = val
	}

	if val := os.Getenv("POLYBUGGER_PYTHON"); val != "" {
		c.Python.Interpreter = val
	}

	if val := os.Getenv("POLYBUGGER_KUBE_CONTEXT"); val != "" {
		c.Containers.KubeContext = val
	}
	if val := os.Getenv("POLYBUGGER_KUBECONFIG"); val != "" {
		c.Containers.Kubeconfig = val
	}

	if val := os.Getenv("POLYBUGGER_SSH_BINARY"); val != "" {
		c.SSH.Binary = val
	}

	if val := os.Getenv("POLYBUGGER_RATE_LIMIT"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.Server.CallsPerSecond = rate
		}
	}

	if val := os.Getenv("POLYBUGGER_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}
	if val := os.Getenv("POLYBUGGER_TRACING"); val != "" {
		c.Tracing.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level must be one of trace, debug, info, warn, error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format must be text or json, got %q", c.Log.Format))
	}

	if c.Sessions.MaxSessions < 1 {
		errs = append(errs, fmt.Sprintf("sessions.max_sessions must be at least 1, got %d", c.Sessions.MaxSessions))
	}
	for key, d := range map[string]time.Duration{
		"sessions.timeout":           c.Sessions.Timeout,
		"sessions.cleanup_interval":  c.Sessions.CleanupInterval,
		"sessions.request_timeout":   c.Sessions.RequestTimeout,
		"sessions.handshake_timeout": c.Sessions.HandshakeTimeout,
		"python.adapter_timeout":     c.Python.AdapterTimeout,
		"containers.startup_wait":    c.Containers.StartupWait,
		"ssh.ready_timeout":          c.SSH.ReadyTimeout,
		"server.shutdown_timeout":    c.Server.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive, got %v", key, d))
		}
	}
	if c.Sessions.EventQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("sessions.event_queue_size must be positive, got %d", c.Sessions.EventQueueSize))
	}
	if c.Sessions.OutputLimit < 1 {
		errs = append(errs, fmt.Sprintf("sessions.output_limit must be positive, got %d", c.Sessions.OutputLimit))
	}

	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required when persistence is enabled")
	}

	if c.Server.CallsPerSecond <= 0 {
		errs = append(errs, fmt.Sprintf("server.calls_per_second must be positive, got %v", c.Server.CallsPerSecond))
	}
	if c.Server.Burst < 1 {
		errs = append(errs, fmt.Sprintf("server.burst must be at least 1, got %d", c.Server.Burst))
	}
	if c.Server.LaunchesPerMinute < 1 {
		errs = append(errs, fmt.Sprintf("server.launches_per_minute must be at least 1, got %d", c.Server.LaunchesPerMinute))
	}

	if c.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("metrics.addr %q is not host:port", c.Metrics.Addr))
		}
	}

	switch c.Tracing.Exporter {
	case "stdout", "none":
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter must be stdout or none, got %q", c.Tracing.Exporter))
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}
