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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/tombee/polybugger/internal/lifecycle"
	pblog "github.com/tombee/polybugger/internal/log"
	"github.com/tombee/polybugger/internal/metrics"
	"github.com/tombee/polybugger/internal/tracing"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

const (
	// DefaultBinary is the ssh client executable.
	DefaultBinary = "ssh"

	// DefaultReadyTimeout bounds how long a new tunnel may take to accept
	// connections.
	DefaultReadyTimeout = 15 * time.Second

	stderrLimit = 500
)

// Options configures a Manager.
type Options struct {
	// Binary is the ssh executable. Default: "ssh"
	Binary string

	// ReadyTimeout bounds the readiness poll. Default: 15s
	ReadyTimeout time.Duration

	// PollInterval is the readiness poll interval. Default: 200ms
	PollInterval time.Duration

	// Spawner starts the ssh process. Default: lifecycle.ExecSpawner
	Spawner lifecycle.Spawner

	// LookPath reports whether a binary is installed. Default: lifecycle.LookPath
	LookPath func(string) bool

	// FreePort picks the local port. Default: lifecycle.FreePort
	FreePort func() (int, error)

	Logger *slog.Logger
}

// Manager is the registry of live SSH tunnels. It is safe for concurrent
// use; concurrent requests for the same key share one spawn.
type Manager struct {
	binary       string
	readyTimeout time.Duration
	pollInterval time.Duration
	spawner      lifecycle.Spawner
	lookPath     func(string) bool
	freePort     func() (int, error)
	logger       *slog.Logger

	mu      sync.Mutex
	tunnels map[string]*Tunnel
	group   singleflight.Group
}

// NewManager creates a tunnel manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		binary:       opts.Binary,
		readyTimeout: opts.ReadyTimeout,
		pollInterval: opts.PollInterval,
		spawner:      opts.Spawner,
		lookPath:     opts.LookPath,
		freePort:     opts.FreePort,
		logger:       opts.Logger,
		tunnels:      make(map[string]*Tunnel),
	}
	if m.binary == "" {
		m.binary = DefaultBinary
	}
	if m.readyTimeout <= 0 {
		m.readyTimeout = DefaultReadyTimeout
	}
	if m.pollInterval <= 0 {
		m.pollInterval = lifecycle.DefaultPollInterval
	}
	if m.spawner == nil {
		m.spawner = lifecycle.ExecSpawner{}
	}
	if m.lookPath == nil {
		m.lookPath = lifecycle.LookPath
	}
	if m.freePort == nil {
		m.freePort = lifecycle.FreePort
	}
	if m.logger == nil {
		m.logger = pblog.Discard()
	}
	m.logger = pblog.WithComponent(m.logger, "sshtunnel")
	return m
}

// CreateTunnel returns a live tunnel forwarding a local port to
// remoteHost:remotePort as seen from the SSH server. A cached live tunnel is
// returned without spawning.
func (m *Manager) CreateTunnel(ctx context.Context, cfg Config, remoteHost string, remotePort int) (*Tunnel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := Key(cfg.Host, remoteHost, remotePort)

	if t := m.GetTunnel(cfg.Host, remoteHost, remotePort); t != nil {
		return t, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		// Another caller may have finished while we waited to enter.
		if t := m.GetTunnel(cfg.Host, remoteHost, remotePort); t != nil {
			return t, nil
		}
		m.dropStale(key)

		t, err := m.open(ctx, cfg, remoteHost, remotePort)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.tunnels[key] = t
		n := len(m.tunnels)
		m.mu.Unlock()
		metrics.SetTunnels(n)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tunnel), nil
}

func (m *Manager) open(ctx context.Context, cfg Config, remoteHost string, remotePort int) (t *Tunnel, err error) {
	ctx, span := tracing.Start(ctx, "sshtunnel.create",
		attribute.String("ssh.host", cfg.Host),
		attribute.String("remote.host", remoteHost),
		attribute.Int("remote.port", remotePort))
	defer func() { tracing.End(span, err) }()

	if !m.lookPath(m.binary) {
		return nil, pberrors.E(pberrors.CodeSSHError, "SSH client not found").
			WithDetail("hint", "Install OpenSSH client (e.g., 'apt install openssh-client')")
	}

	cfg.KeyPath = expandPath(cfg.KeyPath)
	cfg.JumpKeyPath = expandPath(cfg.JumpKeyPath)
	if cfg.KeyPath != "" {
		if err := checkIdentity(cfg.KeyPath, m.logger); err != nil {
			return nil, err
		}
	}

	localPort, err := m.freePort()
	if err != nil {
		return nil, pberrors.E(pberrors.CodeSSHError, "failed to allocate local port").WithCause(err)
	}

	name := m.binary
	args := BuildArgs(cfg, localPort, remoteHost, remotePort)
	var env []string
	switch {
	case cfg.Password != "" && cfg.KeyPath == "" && m.lookPath("sshpass"):
		// sshpass feeds the password; BatchMode would refuse password auth.
		name = "sshpass"
		args = append([]string{"-e", m.binary}, withoutBatchMode(args)...)
		env = append(env, "SSHPASS="+cfg.Password)
	case cfg.KeyPath == "" && cfg.Password == "":
		env = append(env, "SSH_ASKPASS=", "SSH_ASKPASS_REQUIRE=never")
	}

	m.logger.Info("creating SSH tunnel",
		slog.Int("local_port", localPort),
		slog.String("via", cfg.Destination()),
		slog.String("remote", fmt.Sprintf("%s:%d", remoteHost, remotePort)))

	proc, err := m.spawner.Spawn(ctx, name, args, lifecycle.SpawnOptions{Env: env})
	if err != nil {
		return nil, pberrors.E(pberrors.CodeSSHError, "failed to create SSH tunnel").WithCause(err)
	}

	t = &Tunnel{
		LocalPort:  localPort,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		SSHHost:    cfg.Host,
		SSHUser:    cfg.User,
		proc:       proc,
	}

	err = lifecycle.WaitForPort(ctx, t.LocalAddr(), proc, m.pollInterval, m.readyTimeout)
	if err == nil {
		m.logger.Info("SSH tunnel ready", slog.Int("local_port", localPort))
		return t, nil
	}

	_ = t.Close()
	switch {
	case errors.Is(err, lifecycle.ErrProcessExited):
		stderr := pberrors.Truncate(proc.Stderr(), stderrLimit)
		return nil, pberrors.E(pberrors.CodeSSHError, "SSH tunnel failed to start: %s", strings.TrimSpace(stderr)).
			WithDetail("exit_code", proc.ExitCode()).
			WithDetail("stderr", stderr).
			WithDetail("cmd", name+" "+strings.Join(args, " "))
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, pberrors.E(pberrors.CodeSSHError, "SSH tunnel connection timeout").
			WithDetail("timeout", m.readyTimeout.Seconds()).
			WithDetail("local_port", localPort)
	}
}

// dropStale removes and closes a dead entry for key.
func (m *Manager) dropStale(key string) {
	m.mu.Lock()
	stale := m.tunnels[key]
	delete(m.tunnels, key)
	m.mu.Unlock()
	if stale != nil {
		m.logger.Debug("replacing dead SSH tunnel", slog.String(pblog.TunnelKey, key))
		_ = stale.Close()
	}
}

// GetTunnel returns the live tunnel for the key, or nil.
func (m *Manager) GetTunnel(sshHost, remoteHost string, remotePort int) *Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tunnels[Key(sshHost, remoteHost, remotePort)]
	if t != nil && t.Alive() {
		return t
	}
	return nil
}

// CloseTunnel closes and forgets the tunnel for the key. It reports whether
// a tunnel was registered.
func (m *Manager) CloseTunnel(sshHost, remoteHost string, remotePort int) (bool, error) {
	key := Key(sshHost, remoteHost, remotePort)
	m.mu.Lock()
	t, ok := m.tunnels[key]
	delete(m.tunnels, key)
	n := len(m.tunnels)
	m.mu.Unlock()
	metrics.SetTunnels(n)

	if !ok {
		return false, nil
	}
	m.logger.Info("closing SSH tunnel", slog.String(pblog.TunnelKey, key))
	return true, t.Close()
}

// CloseAll closes every tunnel. It returns the first close error.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	tunnels := m.tunnels
	m.tunnels = make(map[string]*Tunnel)
	m.mu.Unlock()
	metrics.SetTunnels(0)

	var firstErr error
	for _, t := range tunnels {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ActiveCount returns the number of live tunnels.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tunnels {
		if t.Alive() {
			n++
		}
	}
	return n
}

// Keys returns the registry keys of live tunnels in sorted order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.tunnels))
	for k, t := range m.tunnels {
		if t.Alive() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func withoutBatchMode(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "-o" && i+1 < len(args) && args[i+1] == "BatchMode=yes" {
			i++
			continue
		}
		out = append(out, args[i])
	}
	return out
}
