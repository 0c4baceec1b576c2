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

package sshtunnel

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/polybugger/internal/lifecycle"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// fakeProc emulates an ssh forward by listening on the forwarded local port.
type fakeProc struct {
	listener net.Listener
	done     chan struct{}
	once     sync.Once
	stderr   string
	code     int
}

func (p *fakeProc) Pid() int              { return 4242 }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) Stderr() string        { return p.stderr }
func (p *fakeProc) ExitCode() int {
	if p.Alive() {
		return -1
	}
	return p.code
}
func (p *fakeProc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
func (p *fakeProc) Close() error {
	p.once.Do(func() {
		if p.listener != nil {
			p.listener.Close()
		}
		close(p.done)
	})
	return nil
}

type fakeSpawner struct {
	spawns   atomic.Int32
	lastArgs []string
	lastEnv  []string
	mu       sync.Mutex
	// fail makes the spawned process exit immediately with this stderr.
	fail     string
}

func (s *fakeSpawner) Spawn(_ context.Context, _ string, args []string, opts lifecycle.SpawnOptions) (lifecycle.Handle, error) {
	s.spawns.Add(1)
	s.mu.Lock()
	s.lastArgs = args
	s.lastEnv = opts.Env
	s.mu.Unlock()

	p := &fakeProc{done: make(chan struct{})}
	if s.fail != "" {
		p.stderr = s.fail
		p.code = 255
		p.once.Do(func() { close(p.done) })
		return p, nil
	}

	forward := args[indexOf(args, "-L")+1]
	port := strings.SplitN(forward, ":", 2)[0]
	l, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		return nil, err
	}
	p.listener = l
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	return p, nil
}

func indexOf(args []string, want string) int {
	for i, a := range args {
		if a == want {
			return i
		}
	}
	return -1
}

func newTestManager(sp *fakeSpawner) *Manager {
	return NewManager(Options{
		Spawner:      sp,
		LookPath:     func(string) bool { return true },
		PollInterval: 10 * time.Millisecond,
		ReadyTimeout: 2 * time.Second,
	})
}

func TestCreateTunnel_ReusesLiveTunnel(t *testing.T) {
	sp := &fakeSpawner{}
	m := newTestManager(sp)
	defer m.CloseAll()

	cfg := Config{Host: "bastion", User: "deploy"}
	first, err := m.CreateTunnel(context.Background(), cfg, "172.17.0.2", 5678)
	require.NoError(t, err)
	second, err := m.CreateTunnel(context.Background(), cfg, "172.17.0.2", 5678)
	require.NoError(t, err)

	assert.Equal(t, first.LocalPort, second.LocalPort)
	assert.Equal(t, int32(1), sp.spawns.Load())
	assert.Equal(t, 1, m.ActiveCount())
}

func TestCreateTunnel_ConcurrentCallersShareSpawn(t *testing.T) {
	sp := &fakeSpawner{}
	m := newTestManager(sp)
	defer m.CloseAll()

	cfg := Config{Host: "bastion", User: "deploy"}
	ports := make([]int, 8)
	var wg sync.WaitGroup
	for i := range ports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tun, err := m.CreateTunnel(context.Background(), cfg, "10.0.0.5", 5678)
			if assert.NoError(t, err) {
				ports[i] = tun.LocalPort
			}
		}(i)
	}
	wg.Wait()

	for _, p := range ports[1:] {
		assert.Equal(t, ports[0], p)
	}
	assert.Equal(t, int32(1), sp.spawns.Load())
}

func TestCreateTunnel_ReplacesDeadTunnel(t *testing.T) {
	sp := &fakeSpawner{}
	m := newTestManager(sp)
	defer m.CloseAll()

	cfg := Config{Host: "bastion", User: "deploy"}
	first, err := m.CreateTunnel(context.Background(), cfg, "10.0.0.5", 5678)
	require.NoError(t, err)
	require.NoError(t, first.proc.Close())

	assert.Nil(t, m.GetTunnel("bastion", "10.0.0.5", 5678))

	second, err := m.CreateTunnel(context.Background(), cfg, "10.0.0.5", 5678)
	require.NoError(t, err)
	assert.True(t, second.Alive())
	assert.Equal(t, int32(2), sp.spawns.Load())
}

func TestCreateTunnel_ProcessExitReportsStderr(t *testing.T) {
	sp := &fakeSpawner{fail: "Permission denied (publickey)."}
	m := newTestManager(sp)

	_, err := m.CreateTunnel(context.Background(), Config{Host: "bastion", User: "deploy"}, "10.0.0.5", 5678)
	require.Error(t, err)
	assert.Equal(t, pberrors.CodeSSHError, pberrors.CodeOf(err, ""))
	assert.Contains(t, err.Error(), "Permission denied")
	assert.Equal(t, 0, m.ActiveCount())
}

func TestCreateTunnel_MissingKeyFile(t *testing.T) {
	sp := &fakeSpawner{}
	m := newTestManager(sp)

	cfg := Config{Host: "bastion", User: "deploy", KeyPath: filepath.Join(t.TempDir(), "id_missing")}
	_, err := m.CreateTunnel(context.Background(), cfg, "10.0.0.5", 5678)
	require.Error(t, err)
	assert.Equal(t, pberrors.CodeSSHError, pberrors.CodeOf(err, ""))
	assert.Contains(t, err.Error(), "SSH key file not found")
	assert.Equal(t, int32(0), sp.spawns.Load())
}

func TestCreateTunnel_NoSSHBinary(t *testing.T) {
	m := NewManager(Options{
		Spawner:  &fakeSpawner{},
		LookPath: func(string) bool { return false },
	})

	_, err := m.CreateTunnel(context.Background(), Config{Host: "h", User: "u"}, "10.0.0.5", 5678)
	require.Error(t, err)
	assert.Equal(t, "Install OpenSSH client (e.g., 'apt install openssh-client')", pberrors.DetailsOf(err)["hint"])
}

func TestCreateTunnel_DisablesAskPassWithoutCredentials(t *testing.T) {
	sp := &fakeSpawner{}
	m := newTestManager(sp)
	defer m.CloseAll()

	_, err := m.CreateTunnel(context.Background(), Config{Host: "h", User: "u"}, "10.0.0.5", 5678)
	require.NoError(t, err)
	assert.Contains(t, sp.lastEnv, "SSH_ASKPASS=")
	assert.Contains(t, sp.lastEnv, "SSH_ASKPASS_REQUIRE=never")
}

func TestCreateTunnel_WithKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_test")
	require.NoError(t, os.WriteFile(keyPath, []byte("not a real key"), 0o600))

	sp := &fakeSpawner{}
	m := newTestManager(sp)
	defer m.CloseAll()

	_, err := m.CreateTunnel(context.Background(), Config{Host: "h", User: "u", KeyPath: keyPath}, "10.0.0.5", 5678)
	require.NoError(t, err)
	assert.Equal(t, keyPath, sp.lastArgs[indexOf(sp.lastArgs, "-i")+1])
	assert.Empty(t, sp.lastEnv)
}

func TestCloseTunnel_Idempotent(t *testing.T) {
	sp := &fakeSpawner{}
	m := newTestManager(sp)

	tun, err := m.CreateTunnel(context.Background(), Config{Host: "h", User: "u"}, "10.0.0.5", 5678)
	require.NoError(t, err)

	closed, err := m.CloseTunnel("h", "10.0.0.5", 5678)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.False(t, tun.Alive())

	closed, err = m.CloseTunnel("h", "10.0.0.5", 5678)
	require.NoError(t, err)
	assert.False(t, closed)
	assert.NoError(t, tun.Close())
}

func TestCloseAll(t *testing.T) {
	sp := &fakeSpawner{}
	m := newTestManager(sp)

	for _, port := range []int{5678, 5679} {
		_, err := m.CreateTunnel(context.Background(), Config{Host: "h", User: "u"}, "10.0.0.5", port)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"h:10.0.0.5:5678", "h:10.0.0.5:5679"}, m.Keys())

	require.NoError(t, m.CloseAll())
	assert.Equal(t, 0, m.ActiveCount())
}

func TestBuildArgs(t *testing.T) {
	cfg := Config{
		Host:        "prod.example.com",
		User:        "deploy",
		Port:        2222,
		KeyPath:     "/keys/id",
		JumpHost:    "bastion",
		JumpUser:    "ops",
		JumpKeyPath: "/keys/jump",
	}

	args := BuildArgs(cfg, 40000, "172.17.0.2", 5678)
	joined := strings.Join(args, " ")

	assert.Equal(t, "-N", args[0])
	assert.Contains(t, joined, "-L 40000:172.17.0.2:5678")
	assert.Contains(t, joined, "-o StrictHostKeyChecking=accept-new")
	assert.Contains(t, joined, "-o BatchMode=yes")
	assert.Contains(t, joined, "-o ServerAliveCountMax=3")
	assert.Contains(t, joined, "-p "+strconv.Itoa(2222))
	assert.Contains(t, joined, "-i /keys/id")
	assert.Contains(t, joined, "-J ops@bastion -i /keys/jump")
	assert.Equal(t, "deploy@prod.example.com", args[len(args)-1])
}

func TestBuildArgs_DefaultPort(t *testing.T) {
	args := BuildArgs(Config{Host: "h", User: "u"}, 1, "r", 2)
	assert.Equal(t, "22", args[indexOf(args, "-p")+1])
	assert.Equal(t, -1, indexOf(args, "-i"))
	assert.Equal(t, -1, indexOf(args, "-J"))
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{User: "u"}.Validate())
	assert.Error(t, Config{Host: "h"}.Validate())
	assert.Error(t, Config{Host: "h", User: "u", Port: 70000}.Validate())
	assert.NoError(t, Config{Host: "h", User: "u"}.Validate())
}
