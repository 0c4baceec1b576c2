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

package serve

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/polybugger/internal/config"
	pblog "github.com/tombee/polybugger/internal/log"
	"github.com/tombee/polybugger/internal/metrics"
	"github.com/tombee/polybugger/internal/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Persistence.Path = filepath.Join(t.TempDir(), "sessions.db")
	return cfg
}

func TestNewCommand(t *testing.T) {
	cmd := NewCommand()
	assert.Equal(t, "serve", cmd.Use)
	assert.NotEmpty(t, cmd.Long)
	assert.Error(t, cmd.Args(cmd, []string{"extra"}))

	flag := cmd.Flags().Lookup("ephemeral")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestNewStack(t *testing.T) {
	st, err := newStack(testConfig(t), "test", pblog.Discard())
	require.NoError(t, err)

	names := st.server.ToolNames()
	assert.Contains(t, names, "debug_create_session")
	assert.Contains(t, names, "debug_container_attach")

	require.NoError(t, st.sessions.Start(context.Background()))
	assert.Empty(t, st.sessions.List())
	assert.Equal(t, 0, st.tunnels.ActiveCount())

	require.NoError(t, st.close(context.Background()))
}

func TestNewStack_RecoversPersistedSessions(t *testing.T) {
	cfg := testConfig(t)

	st, err := newStack(cfg, "test", pblog.Discard())
	require.NoError(t, err)
	require.NoError(t, st.store.Save(context.Background(), session.Record{
		ID:          "abc123",
		Name:        "api",
		ProjectRoot: t.TempDir(),
		Language:    "python",
		State:       "paused",
		SavedAt:     time.Now(),
	}))
	require.NoError(t, st.close(context.Background()))

	st, err = newStack(cfg, "test", pblog.Discard())
	require.NoError(t, err)
	defer st.close(context.Background())

	require.NoError(t, st.sessions.Start(context.Background()))
	recoverable := st.sessions.ListRecoverable(context.Background())
	require.Len(t, recoverable, 1)
	assert.Equal(t, "abc123", recoverable[0].ID)
}

func TestNewStack_BadStorePath(t *testing.T) {
	cfg := config.Default()
	cfg.Persistence.Path = ""

	_, err := newStack(cfg, "test", pblog.Discard())
	assert.Error(t, err)
}

func TestServeMetrics(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	metrics.RecordToolCall("debug_list_sessions", "success")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- serveMetricsOn(ctx, ln, pblog.Discard()) }()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, string(body), "debug_list_sessions")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
