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

// Package session owns the set of live debug sessions: admission, idle
// cleanup, persistence and recovery.
package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tombee/polybugger/internal/debug"
	pblog "github.com/tombee/polybugger/internal/log"
	"github.com/tombee/polybugger/internal/metrics"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

const (
	// DefaultMaxSessions is the admission limit for live sessions.
	DefaultMaxSessions = 10

	// DefaultSessionTimeout is how long a session may sit idle before the
	// cleanup loop terminates it.
	DefaultSessionTimeout = 60 * time.Minute

	// DefaultCleanupInterval is how often idle sessions are checked.
	DefaultCleanupInterval = 60 * time.Second

	// DefaultLanguage is used when a create request names none.
	DefaultLanguage = debug.LanguagePython

	shutdownSaveTimeout = 5 * time.Second
)

// Config controls session admission and lifetime.
type Config struct {
	MaxSessions     int
	SessionTimeout  time.Duration
	CleanupInterval time.Duration

	// Passed through to every session.
	EventQueueSize   int
	OutputLimit      int
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxSessions:     DefaultMaxSessions,
		SessionTimeout:  DefaultSessionTimeout,
		CleanupInterval: DefaultCleanupInterval,
	}
}

func (c *Config) setDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
}

// CreateOptions describes a new session.
type CreateOptions struct {
	ProjectRoot string
	Name        string
	Language    string
	PythonPath  string

	// Timeout overrides Config.SessionTimeout for this session.
	Timeout time.Duration
}

type entry struct {
	session *debug.Session
	timeout time.Duration
}

// Manager owns every live session. It enforces the admission limit,
// terminates idle sessions and persists session configuration so it can
// be recovered after a restart.
type Manager struct {
	cfg      Config
	store    Store
	registry *debug.Registry
	logger   *slog.Logger

	mu          sync.RWMutex
	sessions    map[string]*entry
	recoverable map[string]Record

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
}

// NewManager creates a manager. A nil store keeps records in memory only.
func NewManager(cfg Config, store Store, registry *debug.Registry, logger *slog.Logger) *Manager {
	cfg.setDefaults()
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = pblog.Discard()
	}
	return &Manager{
		cfg:         cfg,
		store:       store,
		registry:    registry,
		logger:      pblog.WithComponent(logger, "session-manager"),
		sessions:    make(map[string]*entry),
		recoverable: make(map[string]Record),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start loads persisted records into the recoverable list and starts the
// idle-cleanup loop. It returns once the records are loaded.
func (m *Manager) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		var records []Record
		records, err = m.store.List(ctx)
		if err != nil {
			err = pberrors.Wrap(err, "loading session records")
			return
		}
		m.mu.Lock()
		for _, r := range records {
			if _, live := m.sessions[r.ID]; !live {
				m.recoverable[r.ID] = r
			}
		}
		m.started = true
		m.mu.Unlock()

		m.logger.Info("session manager started",
			"recoverable", len(records),
			"max_sessions", m.cfg.MaxSessions,
			"session_timeout", m.cfg.SessionTimeout)
		go m.cleanupLoop()
	})
	return err
}

func (m *Manager) cleanupLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n := m.CleanupIdle(context.Background()); n > 0 {
				m.logger.Info("terminated idle sessions", "count", n)
			}
		}
	}
}

// Languages lists the languages sessions can be created for.
func (m *Manager) Languages() []string {
	return m.registry.Languages()
}

// Create admits a new session in the created state and persists its record.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*debug.Session, error) {
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	backend, err := m.registry.Get(opts.Language)
	if err != nil {
		return nil, err
	}
	root, err := checkProjectRoot(opts.ProjectRoot)
	if err != nil {
		return nil, err
	}

	s := debug.New(m.sessionOptions(debug.Options{
		Name:        opts.Name,
		ProjectRoot: root,
		Language:    opts.Language,
		PythonPath:  opts.PythonPath,
		Backend:     backend,
	}))
	if err := m.admit(s, opts.Timeout); err != nil {
		return nil, err
	}
	m.persist(ctx, s)

	m.logger.Info("session created",
		pblog.SessionIDKey, s.ID(),
		"name", s.Name(),
		"language", opts.Language,
		"project_root", root)
	return s, nil
}

func (m *Manager) sessionOptions(opts debug.Options) debug.Options {
	opts.Logger = m.logger
	opts.EventQueueSize = m.cfg.EventQueueSize
	opts.OutputLimit = m.cfg.OutputLimit
	opts.RequestTimeout = m.cfg.RequestTimeout
	opts.HandshakeTimeout = m.cfg.HandshakeTimeout
	return opts
}

// admit registers s if the limit allows.
func (m *Manager) admit(s *debug.Session, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.cfg.SessionTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, live := m.sessions[s.ID()]; live {
		return pberrors.E(pberrors.CodeInvalidState, "session %s is already live", s.ID())
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		return &pberrors.LimitError{Limit: m.cfg.MaxSessions}
	}
	m.sessions[s.ID()] = &entry{session: s, timeout: timeout}
	delete(m.recoverable, s.ID())
	metrics.SessionOpened(s.Language())
	return nil
}

func checkProjectRoot(root string) (string, error) {
	if root == "" {
		return "", &pberrors.ValidationError{Field: "project_root", Message: "is required"}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", &pberrors.ValidationError{Field: "project_root", Message: err.Error()}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", &pberrors.ValidationError{
			Field:      "project_root",
			Message:    "does not exist: " + abs,
			Suggestion: "Pass the absolute path of an existing project directory",
		}
	}
	if !info.IsDir() {
		return "", &pberrors.ValidationError{Field: "project_root", Message: "not a directory: " + abs}
	}
	return abs, nil
}

// Get returns the live session with id.
func (m *Manager) Get(id string) (*debug.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, &pberrors.NotFoundError{Resource: "session", ID: id}
	}
	return e.session, nil
}

// List returns a snapshot of every live session, oldest first.
func (m *Manager) List() []debug.Info {
	m.mu.RLock()
	out := make([]debug.Info, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Terminate stops the session with id and deletes its record. Terminating
// an id that is only recoverable discards the record.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	m.mu.Lock()
	e, live := m.sessions[id]
	delete(m.sessions, id)
	_, saved := m.recoverable[id]
	delete(m.recoverable, id)
	m.mu.Unlock()

	if !live && !saved {
		return &pberrors.NotFoundError{Resource: "session", ID: id}
	}
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Warn("failed to delete session record", pblog.SessionIDKey, id, pblog.Error(err))
	}
	if !live {
		return nil
	}

	metrics.SessionClosed()
	err := e.session.Terminate(ctx)
	m.logger.Info("session terminated", pblog.SessionIDKey, id)
	return err
}

// Save persists the current breakpoints and watches of a live session.
func (m *Manager) Save(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return m.store.Save(ctx, recordOf(s))
}

func (m *Manager) persist(ctx context.Context, s *debug.Session) {
	if err := m.store.Save(ctx, recordOf(s)); err != nil {
		m.logger.Warn("failed to persist session", pblog.SessionIDKey, s.ID(), pblog.Error(err))
	}
}

func recordOf(s *debug.Session) Record {
	info := s.Info()
	return Record{
		ID:          info.ID,
		Name:        info.Name,
		ProjectRoot: info.ProjectRoot,
		Language:    info.Language,
		PythonPath:  info.PythonPath,
		State:       string(info.State),
		Breakpoints: s.Breakpoints(),
		Watches:     s.Watches(),
		SavedAt:     time.Now().UTC(),
	}
}

// ListRecoverable returns records from a previous run that have not been
// recovered, most recently saved first.
func (m *Manager) ListRecoverable(_ context.Context) []Record {
	m.mu.RLock()
	out := make([]Record, 0, len(m.recoverable))
	for _, r := range m.recoverable {
		out = append(out, cloneRecord(r))
	}
	m.mu.RUnlock()
	SortRecords(out)
	return out
}

// Recover rebuilds a created-state session from a persisted record. Only
// configuration is restored: the caller must launch or attach again.
func (m *Manager) Recover(ctx context.Context, id string) (*debug.Session, error) {
	m.mu.RLock()
	r, ok := m.recoverable[id]
	_, live := m.sessions[id]
	m.mu.RUnlock()
	if live {
		return nil, pberrors.E(pberrors.CodeInvalidState, "session %s is already live", id)
	}
	if !ok {
		loaded, err := m.store.Load(ctx, id)
		if err != nil {
			return nil, &pberrors.NotFoundError{Resource: "recoverable session", ID: id}
		}
		r = *loaded
	}

	language := r.Language
	if language == "" {
		language = DefaultLanguage
	}
	backend, err := m.registry.Get(language)
	if err != nil {
		return nil, err
	}

	s := debug.New(m.sessionOptions(debug.Options{
		ID:          r.ID,
		Name:        r.Name,
		ProjectRoot: r.ProjectRoot,
		Language:    language,
		PythonPath:  r.PythonPath,
		Backend:     backend,
	}))
	if err := s.Restore(r.Breakpoints, r.Watches); err != nil {
		return nil, err
	}
	if err := m.admit(s, 0); err != nil {
		return nil, err
	}
	m.persist(ctx, s)

	m.logger.Info("session recovered",
		pblog.SessionIDKey, s.ID(),
		"previous_state", r.State,
		"breakpoints", r.BreakpointCount(),
		"watches", len(r.Watches))
	return s, nil
}

// CleanupIdle terminates sessions idle longer than their timeout. Their
// records are kept so they can be recovered. It returns the number of
// sessions terminated.
func (m *Manager) CleanupIdle(ctx context.Context) int {
	now := time.Now()

	m.mu.Lock()
	var idle []*debug.Session
	for id, e := range m.sessions {
		if now.Sub(e.session.LastActivity()) > e.timeout {
			idle = append(idle, e.session)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		r := recordOf(s)
		if err := m.store.Save(ctx, r); err != nil {
			m.logger.Warn("failed to persist idle session", pblog.SessionIDKey, s.ID(), pblog.Error(err))
		}
		m.mu.Lock()
		m.recoverable[r.ID] = r
		m.mu.Unlock()

		metrics.SessionClosed()
		if err := s.Terminate(ctx); err != nil {
			m.logger.Warn("failed to terminate idle session", pblog.SessionIDKey, s.ID(), pblog.Error(err))
		}
		m.logger.Info("idle session terminated",
			pblog.SessionIDKey, s.ID(),
			"idle", now.Sub(s.LastActivity()).Round(time.Second))
	}
	return len(idle)
}

// Shutdown persists and terminates every live session and stops the
// cleanup loop. Records are kept for recovery on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.mu.Lock()
	started := m.started
	sessions := make([]*debug.Session, 0, len(m.sessions))
	for id, e := range m.sessions {
		sessions = append(sessions, e.session)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if started {
		select {
		case <-m.doneCh:
		case <-ctx.Done():
		}
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownSaveTimeout)
		m.persist(saveCtx, s)
		cancel()

		wg.Add(1)
		go func(s *debug.Session) {
			defer wg.Done()
			metrics.SessionClosed()
			if err := s.Terminate(ctx); err != nil {
				m.logger.Warn("failed to terminate session", pblog.SessionIDKey, s.ID(), pblog.Error(err))
			}
		}(s)
	}
	wg.Wait()

	m.logger.Info("session manager stopped", "terminated", len(sessions))
	return nil
}
