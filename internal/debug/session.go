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

package debug

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tombee/polybugger/internal/dap"
	"github.com/tombee/polybugger/internal/lifecycle"
	pblog "github.com/tombee/polybugger/internal/log"
	"github.com/tombee/polybugger/internal/metrics"
	"github.com/tombee/polybugger/internal/tracing"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

const (
	// DefaultRequestTimeout bounds a single protocol request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultHandshakeTimeout bounds launch and attach.
	DefaultHandshakeTimeout = 30 * time.Second

	disconnectTimeout = 2 * time.Second
	locationTimeout   = 5 * time.Second
)

// Options configures a new Session.
type Options struct {
	// ID defaults to a new UUID. Recovery passes the persisted id.
	ID          string
	Name        string
	ProjectRoot string
	Language    string
	PythonPath  string
	Backend     Backend
	Logger      *slog.Logger

	EventQueueSize   int
	OutputLimit      int
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
}

// Location is where a thread stopped.
type Location struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
}

// Info is a point-in-time view of a session.
type Info struct {
	ID              string    `json:"session_id"`
	Name            string    `json:"name"`
	ProjectRoot     string    `json:"project_root"`
	Language        string    `json:"language"`
	PythonPath      string    `json:"python_path,omitempty"`
	State           State     `json:"state"`
	CurrentThreadID int       `json:"current_thread_id,omitempty"`
	StopReason      string    `json:"stop_reason,omitempty"`
	StopLocation    *Location `json:"stop_location,omitempty"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	EventsDropped   uint64    `json:"events_dropped,omitempty"`
}

// Session is one debugging session bound to at most one backend connection.
type Session struct {
	id          string
	name        string
	projectRoot string
	language    string
	pythonPath  string
	createdAt   time.Time

	backend          Backend
	logger           *slog.Logger
	requestTimeout   time.Duration
	handshakeTimeout time.Duration

	// opMu serializes protocol operations.
	opMu sync.Mutex

	mu           sync.Mutex
	state        State
	threadID     int
	stopReason   string
	stopLocation *Location
	exitCode     *int
	lastActivity time.Time
	breakpoints  breakpointTable
	watches      watchList
	refs         *refScope
	mappings     PathMappings
	client       *dap.Client
	adapter      lifecycle.Handle

	events *eventQueue
	output *outputBuffer

	terminateOnce sync.Once
}

// New creates a session in the created state.
func New(opts Options) *Session {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := opts.Name
	if name == "" {
		name = "session-" + id[:8]
	}
	logger := opts.Logger
	if logger == nil {
		logger = pblog.Discard()
	}
	now := time.Now()
	s := &Session{
		id:               id,
		name:             name,
		projectRoot:      opts.ProjectRoot,
		language:         opts.Language,
		pythonPath:       opts.PythonPath,
		createdAt:        now,
		backend:          opts.Backend,
		logger:           pblog.WithSession(logger, id),
		requestTimeout:   opts.RequestTimeout,
		handshakeTimeout: opts.HandshakeTimeout,
		state:            StateCreated,
		lastActivity:     now,
		breakpoints:      make(breakpointTable),
		refs:             newRefScope(),
		events:           newEventQueue(opts.EventQueueSize),
		output:           newOutputBuffer(opts.OutputLimit),
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = DefaultRequestTimeout
	}
	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = DefaultHandshakeTimeout
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Name returns the display name.
func (s *Session) Name() string { return s.name }

// ProjectRoot returns the directory relative paths resolve against.
func (s *Session) ProjectRoot() string { return s.projectRoot }

// Language returns the backend language.
func (s *Session) Language() string { return s.language }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns when the session was last used.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:              s.id,
		Name:            s.name,
		ProjectRoot:     s.projectRoot,
		Language:        s.language,
		PythonPath:      s.pythonPath,
		State:           s.state,
		CurrentThreadID: s.threadID,
		StopReason:      s.stopReason,
		CreatedAt:       s.createdAt,
		LastActivity:    s.lastActivity,
		EventsDropped:   s.events.droppedCount(),
	}
	if s.stopLocation != nil {
		loc := *s.stopLocation
		info.StopLocation = &loc
	}
	if s.exitCode != nil {
		code := *s.exitCode
		info.ExitCode = &code
	}
	return info
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// setStateLocked moves to `to` if the state graph allows it.
func (s *Session) setStateLocked(to State) bool {
	if !s.state.CanTransition(to) {
		if s.state != to {
			s.logger.Debug("ignoring state change",
				slog.String("from", string(s.state)), slog.String("to", string(to)))
		}
		return false
	}
	s.logger.Debug("state change", slog.String("from", string(s.state)), slog.String("to", string(to)))
	s.state = to
	metrics.RecordTransition(string(to))
	return true
}

func (s *Session) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.requestTimeout)
}

// Launch starts the program described by cfg under the debugger.
func (s *Session) Launch(ctx context.Context, cfg LaunchConfig) error {
	if cfg.Program == "" && cfg.Module == "" {
		return &pberrors.ValidationError{
			Field:   "program",
			Message: "either program or module must be specified",
		}
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.begin("launch", StateLaunching); err != nil {
		return err
	}
	s.touch()

	if cfg.Cwd == "" {
		cfg.Cwd = s.projectRoot
	} else {
		cfg.Cwd = resolvePath(s.projectRoot, cfg.Cwd)
	}
	if cfg.Program != "" {
		cfg.Program = resolvePath(s.projectRoot, cfg.Program)
	}
	if cfg.PythonPath == "" {
		cfg.PythonPath = s.pythonPath
	}

	ctx, span := tracing.Start(ctx, "debug.launch",
		attribute.String("session.id", s.id),
		attribute.String("session.language", s.language))
	err := s.launch(ctx, cfg)
	tracing.End(span, err)
	if err != nil {
		s.fail(err)
		return pberrors.E(pberrors.CodeLaunchFailed, "failed to launch program").WithCause(err)
	}
	s.logger.Info("program launched", slog.String("program", cfg.Program), slog.String("module", cfg.Module))
	return nil
}

func (s *Session) launch(ctx context.Context, cfg LaunchConfig) error {
	ctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	adapter, err := s.backend.StartAdapter(ctx, AdapterOptions{
		PythonPath: cfg.PythonPath,
		Cwd:        cfg.Cwd,
		Logger:     s.logger,
	})
	if err != nil {
		return err
	}
	if err := s.connect(ctx, adapter); err != nil {
		return err
	}
	return s.handshake(ctx, "launch", s.backend.LaunchArguments(cfg), s.backend.ExceptionFilters(cfg.StopOnException))
}

// Attach connects to a running debuggee.
func (s *Session) Attach(ctx context.Context, cfg AttachConfig) error {
	cfg.setDefaults()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.begin("attach", StateAttaching); err != nil {
		return err
	}
	s.touch()

	s.mu.Lock()
	s.mappings = PathMappings(cfg.PathMappings)
	s.mu.Unlock()

	ctx, span := tracing.Start(ctx, "debug.attach",
		attribute.String("session.id", s.id),
		attribute.String("attach.host", cfg.Host),
		attribute.Int("attach.port", cfg.Port))
	err := s.attach(ctx, cfg)
	tracing.End(span, err)
	if err != nil {
		s.fail(err)
		return pberrors.E(pberrors.CodeAttachFailed, "failed to attach").WithCause(err)
	}
	s.logger.Info("attached", slog.String("host", cfg.Host), slog.Int("port", cfg.Port))
	return nil
}

func (s *Session) attach(ctx context.Context, cfg AttachConfig) error {
	ctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	var adapter *Adapter
	if cfg.ProcessID != 0 {
		a, err := s.backend.StartAdapter(ctx, AdapterOptions{PythonPath: s.pythonPath, Cwd: s.projectRoot, Logger: s.logger})
		if err != nil {
			return err
		}
		adapter = a
	} else {
		adapter = &Adapter{Addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))}
	}
	if err := s.connect(ctx, adapter); err != nil {
		return err
	}
	return s.handshake(ctx, "attach", s.backend.AttachArguments(cfg), s.backend.ExceptionFilters(cfg.StopOnException))
}

// begin moves a created session into launching or attaching.
func (s *Session) begin(op string, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return invalidState(op, s.state, StateCreated)
	}
	s.setStateLocked(to)
	return nil
}

func (s *Session) connect(ctx context.Context, adapter *Adapter) error {
	client, err := dap.Dial(ctx, adapter.Addr,
		dap.WithEventHandler(s.handleEvent),
		dap.WithLogger(s.logger))
	if err != nil {
		if adapter.Process != nil {
			adapter.Process.Close()
		}
		return err
	}
	s.mu.Lock()
	s.client = client
	s.adapter = adapter.Process
	s.mu.Unlock()
	return nil
}

// handshake runs the configuration sequence: initialize, launch or attach,
// wait for initialized, send breakpoints and exception filters, then
// configurationDone. Adapters may answer launch/attach only after
// configurationDone, so that response is awaited last.
func (s *Session) handshake(ctx context.Context, command string, args map[string]any, filters []string) error {
	c := s.currentClient()
	if _, err := c.Initialize(ctx, s.backend.AdapterID()); err != nil {
		return err
	}

	call, err := c.Start(command, args)
	if err != nil {
		return err
	}
	result := make(chan error, 1)
	go func() {
		_, err := call.Wait(ctx)
		result <- err
	}()

	select {
	case <-c.Initialized():
	case err := <-result:
		if err != nil {
			return err
		}
		result = nil
		if err := c.WaitInitialized(ctx); err != nil {
			return err
		}
	case <-c.Done():
		return c.WaitInitialized(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}

	s.sendAllBreakpoints(ctx, c)
	if err := c.SetExceptionBreakpoints(ctx, filters); err != nil {
		s.logger.Warn("failed to set exception breakpoints", pblog.Error(err))
	}
	if err := c.ConfigurationDone(ctx); err != nil {
		return err
	}
	if result != nil {
		if err := <-result; err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.state == StateLaunching || s.state == StateAttaching {
		s.setStateLocked(StateRunning)
	}
	s.mu.Unlock()

	go s.watchClient(c)
	return nil
}

// sendAllBreakpoints forwards the breakpoint table. A file the backend
// rejects keeps its breakpoints unverified.
func (s *Session) sendAllBreakpoints(ctx context.Context, c *dap.Client) {
	s.mu.Lock()
	table := s.breakpoints.snapshot()
	files := s.breakpoints.files()
	mappings := s.mappings
	s.mu.Unlock()

	for _, file := range files {
		bps := table[file]
		resp, err := c.SetBreakpoints(ctx, mappings.ToRemote(file), toDAPBreakpoints(bps))
		if err != nil {
			s.logger.Warn("failed to set breakpoints", slog.String("file", file), pblog.Error(err))
			continue
		}
		bps = applyVerification(bps, resp)
		s.mu.Lock()
		if _, ok := s.breakpoints[file]; ok {
			s.breakpoints[file] = bps
		}
		s.mu.Unlock()
	}
}

// applyVerification copies the backend's verdicts onto bps. Responses are
// positional.
func applyVerification(bps []SourceBreakpoint, resp []dap.Breakpoint) []SourceBreakpoint {
	out := make([]SourceBreakpoint, len(bps))
	for i, bp := range bps {
		bp.Verified = false
		bp.Message = ""
		if i < len(resp) {
			bp.Verified = resp[i].Verified
			bp.Message = resp[i].Message
		}
		out[i] = bp
	}
	return out
}

// watchClient marks the session terminated when the connection ends
// unexpectedly.
func (s *Session) watchClient(c *dap.Client) {
	<-c.Done()

	s.mu.Lock()
	if s.client != c || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateTerminated)
	s.mu.Unlock()

	reason := "connection closed"
	if err := c.Err(); err != nil {
		reason = err.Error()
	}
	s.logger.Warn("debug backend connection lost", slog.String("reason", reason))
	s.events.push(Event{
		Type:      EventTerminated,
		Timestamp: time.Now(),
		Data:      map[string]any{"reason": "connection_lost"},
	})
}

// fail moves the session to failed and releases the backend.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	s.setStateLocked(StateFailed)
	client, adapter := s.client, s.adapter
	s.client, s.adapter = nil, nil
	s.mu.Unlock()

	s.logger.Error("session failed", pblog.Error(cause))
	if client != nil {
		client.Close()
	}
	if adapter != nil {
		adapter.Close()
	}
}

// Terminate ends the session. It is safe to call more than once and does
// not wait for in-flight operations, whose requests fail once the
// connection closes.
func (s *Session) Terminate(ctx context.Context) error {
	s.terminateOnce.Do(func() {
		s.mu.Lock()
		connected := s.state.Active()
		if !s.state.Terminal() {
			s.setStateLocked(StateTerminated)
		}
		client, adapter := s.client, s.adapter
		s.client, s.adapter = nil, nil
		s.refs.reset()
		s.mu.Unlock()

		s.events.close()

		if client != nil {
			if connected {
				dctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
				if err := client.Disconnect(dctx, true); err != nil {
					s.logger.Debug("disconnect failed", pblog.Error(err))
				}
				cancel()
			}
			client.Close()
		}
		if adapter != nil {
			if err := adapter.Close(); err != nil {
				s.logger.Warn("failed to stop debug adapter", pblog.Error(err))
			}
		}
		s.logger.Info("session terminated")
	})
	return nil
}

// currentClient returns the connected client, or nil.
func (s *Session) currentClient() *dap.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// handleEvent runs on the client's receive goroutine. It must not issue
// requests synchronously.
func (s *Session) handleEvent(evt dap.Event) {
	now := time.Now()
	switch evt.Event {
	case dap.EventStopped:
		var body dap.StoppedEventBody
		s.decode(evt, &body)
		s.mu.Lock()
		s.setStateLocked(StatePaused)
		s.refs.reset()
		if body.ThreadID != 0 {
			s.threadID = body.ThreadID
		}
		s.stopReason = body.Reason
		s.stopLocation = nil
		threadID, generation, client := s.threadID, s.refs.generation, s.client
		s.mu.Unlock()

		if client != nil && threadID != 0 {
			go s.resolveLocation(client, threadID, generation)
		}
		s.events.push(Event{Type: EventStopped, Timestamp: now, Data: map[string]any{
			"reason":              body.Reason,
			"thread_id":           body.ThreadID,
			"description":         body.Description,
			"text":                body.Text,
			"all_threads_stopped": body.AllThreadsStopped,
			"hit_breakpoint_ids":  body.HitBreakpointIDs,
		}})

	case dap.EventContinued:
		var body dap.ContinuedEventBody
		s.decode(evt, &body)
		s.mu.Lock()
		if s.setStateLocked(StateRunning) {
			s.refs.reset()
		}
		s.mu.Unlock()
		s.events.push(Event{Type: EventContinued, Timestamp: now, Data: map[string]any{
			"thread_id":             body.ThreadID,
			"all_threads_continued": body.AllThreadsContinued,
		}})

	case dap.EventOutput:
		var body dap.OutputEventBody
		s.decode(evt, &body)
		if body.Category == "telemetry" {
			return
		}
		s.output.append(body.Category, body.Output)
		s.events.push(Event{Type: EventOutput, Timestamp: now, Data: map[string]any{
			"category": body.Category,
			"output":   body.Output,
		}})

	case dap.EventExited:
		var body dap.ExitedEventBody
		s.decode(evt, &body)
		s.mu.Lock()
		code := body.ExitCode
		s.exitCode = &code
		s.setStateLocked(StateTerminated)
		s.mu.Unlock()
		s.events.push(Event{Type: EventExited, Timestamp: now, Data: map[string]any{"exit_code": body.ExitCode}})

	case dap.EventTerminated:
		s.mu.Lock()
		s.setStateLocked(StateTerminated)
		s.mu.Unlock()
		s.events.push(Event{Type: EventTerminated, Timestamp: now, Data: rawData(evt.Body)})

	case dap.EventBreakpoint:
		s.events.push(Event{Type: EventBreakpoint, Timestamp: now, Data: rawData(evt.Body)})

	case dap.EventThread:
		var body dap.ThreadEventBody
		s.decode(evt, &body)
		s.events.push(Event{Type: EventThread, Timestamp: now, Data: map[string]any{
			"reason":    body.Reason,
			"thread_id": body.ThreadID,
		}})

	case dap.EventModule:
		s.events.push(Event{Type: EventModule, Timestamp: now, Data: rawData(evt.Body)})

	default:
		pblog.Trace(s.logger, "ignoring event", slog.String("event", evt.Event))
	}
}

func (s *Session) decode(evt dap.Event, v any) {
	if len(evt.Body) == 0 {
		return
	}
	if err := json.Unmarshal(evt.Body, v); err != nil {
		s.logger.Warn("malformed event body", slog.String("event", evt.Event), pblog.Error(err))
	}
}

func rawData(body json.RawMessage) map[string]any {
	data := map[string]any{}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &data)
	}
	return data
}

// resolveLocation records the top frame of the stopped thread, unless the
// session has resumed in the meantime.
func (s *Session) resolveLocation(c *dap.Client, threadID int, generation uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), locationTimeout)
	defer cancel()

	frames, _, err := c.StackTrace(ctx, threadID, 0, 1)
	if err != nil || len(frames) == 0 {
		if err != nil {
			s.logger.Debug("failed to resolve stop location", pblog.Error(err))
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs.generation != generation {
		return
	}
	top := frames[0]
	s.refs.addFrame(top.ID)
	loc := &Location{Line: top.Line, Function: top.Name}
	if top.Source != nil {
		loc.File = s.mappings.ToLocal(top.Source.Path)
	}
	s.stopLocation = loc
}

// Restore loads persisted breakpoints and watches into a created session.
func (s *Session) Restore(breakpoints map[string][]SourceBreakpoint, watches []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return invalidState("restore", s.state, StateCreated)
	}
	for file, bps := range breakpoints {
		s.breakpoints.set(resolvePath(s.projectRoot, file), applyVerification(dedupeBreakpoints(bps), nil))
	}
	for _, w := range watches {
		s.watches = s.watches.add(w)
	}
	return nil
}
