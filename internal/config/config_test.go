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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// isolate points the XDG directories at a temp dir and clears the
// environment overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	for _, key := range []string{
		"POLYBUGGER_LOG_LEVEL", "POLYBUGGER_LOG_FORMAT", "POLYBUGGER_DEBUG",
		"POLYBUGGER_MAX_SESSIONS", "POLYBUGGER_SESSION_TIMEOUT",
		"POLYBUGGER_PERSISTENCE", "POLYBUGGER_DB_PATH", "POLYBUGGER_PYTHON",
		"POLYBUGGER_KUBE_CONTEXT", "POLYBUGGER_KUBECONFIG", "POLYBUGGER_SSH_BINARY",
		"POLYBUGGER_RATE_LIMIT", "POLYBUGGER_METRICS_ADDR", "POLYBUGGER_TRACING",
	} {
		t.Setenv(key, "")
	}
	return dir
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	dir := isolate(t)
	cfg := Default()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 10, cfg.Sessions.MaxSessions)
	assert.Equal(t, 60*time.Minute, cfg.Sessions.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Sessions.CleanupInterval)
	assert.True(t, cfg.Persistence.Enabled)
	assert.Equal(t, filepath.Join(dir, "data", "polybugger", "sessions.db"), cfg.Persistence.Path)
	assert.Equal(t, "ssh", cfg.SSH.Binary)
	assert.Equal(t, float64(20), cfg.Server.CallsPerSecond)
	assert.Equal(t, 40, cfg.Server.Burst)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Empty(t, cfg.Metrics.Addr)

	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFile(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_DefaultPath(t *testing.T) {
	isolate(t)
	path, err := ConfigPath()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("sessions:\n  max_sessions: 3\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Sessions.MaxSessions)
}

func TestLoad_File(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
log:
  level: debug
  format: json
sessions:
  max_sessions: 4
  timeout: 15m
persistence:
  enabled: false
containers:
  kube_context: staging
  kubeconfig: /etc/kube/config
ssh:
  binary: /usr/local/bin/ssh
server:
  calls_per_second: 5
  burst: 10
metrics:
  addr: 127.0.0.1:9464
tracing:
  enabled: true
  exporter: none
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Sessions.MaxSessions)
	assert.Equal(t, 15*time.Minute, cfg.Sessions.Timeout)
	assert.False(t, cfg.Persistence.Enabled)
	assert.Equal(t, "staging", cfg.Containers.KubeContext)
	assert.Equal(t, "/etc/kube/config", cfg.Containers.Kubeconfig)
	assert.Equal(t, "/usr/local/bin/ssh", cfg.SSH.Binary)
	assert.Equal(t, float64(5), cfg.Server.CallsPerSecond)
	assert.Equal(t, 10, cfg.Server.Burst)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Addr)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "none", cfg.Tracing.Exporter)

	// Unset values keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Sessions.CleanupInterval)
	assert.Equal(t, 30, cfg.Server.LaunchesPerMinute)
}

func TestLoad_Errors(t *testing.T) {
	isolate(t)

	tests := []struct {
		name    string
		content string
		key     string
	}{
		{
			name:    "invalid yaml",
			content: "sessions: [",
			key:     "config_file",
		},
		{
			name:    "invalid duration",
			content: "sessions:\n  timeout: soon\n",
			key:     "config_file",
		},
		{
			name:    "negative max sessions",
			content: "sessions:\n  max_sessions: -1\n",
			key:     "validation",
		},
		{
			name:    "unknown log format",
			content: "log:\n  format: xml\n",
			key:     "validation",
		},
		{
			name:    "bad metrics address",
			content: "metrics:\n  addr: localhost\n",
			key:     "validation",
		},
		{
			name:    "unknown exporter",
			content: "tracing:\n  exporter: jaeger\n",
			key:     "validation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)

			var cfgErr *pberrors.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.key, cfgErr.Key)
			if tt.key == "validation" {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Env(t *testing.T) {
	isolate(t)
	t.Setenv("POLYBUGGER_LOG_LEVEL", "WARN")
	t.Setenv("POLYBUGGER_MAX_SESSIONS", "2")
	t.Setenv("POLYBUGGER_SESSION_TIMEOUT", "5m")
	t.Setenv("POLYBUGGER_PERSISTENCE", "false")
	t.Setenv("POLYBUGGER_DB_PATH", "/var/lib/polybugger.db")
	t.Setenv("POLYBUGGER_PYTHON", "/opt/venv/bin/python")
	t.Setenv("POLYBUGGER_KUBE_CONTEXT", "prod")
	t.Setenv("POLYBUGGER_RATE_LIMIT", "2.5")
	t.Setenv("POLYBUGGER_METRICS_ADDR", ":9464")
	t.Setenv("POLYBUGGER_TRACING", "1")

	path := writeConfig(t, "sessions:\n  max_sessions: 8\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Sessions.MaxSessions, "environment overrides the file")
	assert.Equal(t, 5*time.Minute, cfg.Sessions.Timeout)
	assert.False(t, cfg.Persistence.Enabled)
	assert.Equal(t, "/var/lib/polybugger.db", cfg.Persistence.Path)
	assert.Equal(t, "/opt/venv/bin/python", cfg.Python.Interpreter)
	assert.Equal(t, "prod", cfg.Containers.KubeContext)
	assert.Equal(t, 2.5, cfg.Server.CallsPerSecond)
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestLoad_EnvDebug(t *testing.T) {
	isolate(t)
	t.Setenv("POLYBUGGER_LOG_LEVEL", "error")
	t.Setenv("POLYBUGGER_DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.AddSource)
}

func TestLoad_EnvIgnoresUnparsable(t *testing.T) {
	isolate(t)
	t.Setenv("POLYBUGGER_MAX_SESSIONS", "many")
	t.Setenv("POLYBUGGER_SESSION_TIMEOUT", "forever")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Sessions.MaxSessions)
	assert.Equal(t, 60*time.Minute, cfg.Sessions.Timeout)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Sessions.MaxSessions = 0
	cfg.Server.Burst = 0
	cfg.Persistence.Path = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "sessions.max_sessions")
	assert.Contains(t, err.Error(), "server.burst")
	assert.Contains(t, err.Error(), "persistence.path")
}

func TestValidate_PersistenceDisabledNeedsNoPath(t *testing.T) {
	cfg := Default()
	cfg.Persistence.Enabled = false
	cfg.Persistence.Path = ""
	assert.NoError(t, cfg.Validate())
}

func TestSave_RoundTrip(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Sessions.MaxSessions = 6
	cfg.Sessions.Timeout = 90 * time.Minute
	cfg.Containers.KubeContext = "dev"
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
	dir, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/xdg/config", "polybugger"), dir)

	path, err := ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/xdg/config", "polybugger", "config.yaml"), path)
}

func TestDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/xdg/data")
	dir, err := DataDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/xdg/data", "polybugger"), dir)
}
