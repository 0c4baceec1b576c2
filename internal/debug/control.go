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
	"log/slog"
	"time"

	"github.com/tombee/polybugger/internal/dap"
	pblog "github.com/tombee/polybugger/internal/log"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// Step modes.
const (
	StepOver = "over"
	StepInto = "into"
	StepOut  = "out"
)

// SetBreakpoints replaces the breakpoints of file. Relative paths resolve
// against the project root. While connected the set is forwarded to the
// backend; the local table is updated either way.
func (s *Session) SetBreakpoints(ctx context.Context, file string, bps []SourceBreakpoint) ([]SourceBreakpoint, error) {
	if file == "" {
		return nil, &pberrors.ValidationError{Field: "file_path", Message: "file path is required"}
	}
	if err := validateBreakpoints(bps); err != nil {
		return nil, err
	}
	path := resolvePath(s.projectRoot, file)
	bps = applyVerification(dedupeBreakpoints(bps), nil)

	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.touch()

	client, mappings := s.connected()
	var sendErr error
	if client != nil {
		rctx, cancel := s.requestContext(ctx)
		resp, err := client.SetBreakpoints(rctx, mappings.ToRemote(path), toDAPBreakpoints(bps))
		cancel()
		if err != nil {
			sendErr = err
		} else {
			bps = applyVerification(bps, resp)
		}
	}

	s.mu.Lock()
	s.breakpoints.set(path, bps)
	s.mu.Unlock()

	if sendErr != nil {
		return nil, pberrors.Wrapf(sendErr, "set breakpoints in %s", path)
	}
	out := make([]SourceBreakpoint, len(bps))
	copy(out, bps)
	return out, nil
}

// Breakpoints returns the breakpoint table keyed by absolute file path.
func (s *Session) Breakpoints() map[string][]SourceBreakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakpoints.snapshot()
}

// BreakpointFiles returns the files with breakpoints in sorted order.
func (s *Session) BreakpointFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakpoints.files()
}

// ClearBreakpoints removes the breakpoints of every file pattern selects
// and returns those files. An empty pattern clears all files; otherwise
// pattern is an exact path or a doublestar glob.
func (s *Session) ClearBreakpoints(ctx context.Context, pattern string) ([]string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.touch()

	s.mu.Lock()
	files, err := s.breakpoints.match(s.projectRoot, pattern)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	client, mappings := s.connected()
	for _, f := range files {
		if client != nil {
			rctx, cancel := s.requestContext(ctx)
			if _, err := client.SetBreakpoints(rctx, mappings.ToRemote(f), nil); err != nil {
				s.logger.Warn("failed to clear breakpoints in backend", slog.String("file", f), pblog.Error(err))
			}
			cancel()
		}
		s.mu.Lock()
		s.breakpoints.set(f, nil)
		s.mu.Unlock()
	}
	if files == nil {
		files = []string{}
	}
	return files, nil
}

// connected returns the client while the backend is running or paused.
func (s *Session) connected() (*dap.Client, PathMappings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Active() {
		return nil, s.mappings
	}
	return s.client, s.mappings
}

// Continue resumes threadID, or the current thread when zero.
func (s *Session) Continue(ctx context.Context, threadID int) error {
	return s.resume(ctx, "continue", threadID, (*dap.Client).Continue)
}

// StepOver steps to the next line.
func (s *Session) StepOver(ctx context.Context, threadID int) error {
	return s.resume(ctx, "step_over", threadID, (*dap.Client).Next)
}

// StepInto steps into the next call.
func (s *Session) StepInto(ctx context.Context, threadID int) error {
	return s.resume(ctx, "step_into", threadID, (*dap.Client).StepIn)
}

// StepOut runs until the current function returns.
func (s *Session) StepOut(ctx context.Context, threadID int) error {
	return s.resume(ctx, "step_out", threadID, (*dap.Client).StepOut)
}

// Step dispatches on mode: over, into or out.
func (s *Session) Step(ctx context.Context, mode string, threadID int) error {
	switch mode {
	case StepOver:
		return s.StepOver(ctx, threadID)
	case StepInto:
		return s.StepInto(ctx, threadID)
	case StepOut:
		return s.StepOut(ctx, threadID)
	default:
		return pberrors.E(pberrors.CodeInvalidMode, "invalid step mode: %s. Use 'over', 'into', or 'out'", mode).
			WithDetail("mode", mode)
	}
}

// resume sends a resuming request from the paused state. The session is
// running as soon as the request is sent; it does not wait for the next stop.
func (s *Session) resume(ctx context.Context, op string, threadID int, send func(*dap.Client, context.Context, int) error) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.touch()

	s.mu.Lock()
	if s.state != StatePaused {
		state := s.state
		s.mu.Unlock()
		return invalidState(op, state, StatePaused)
	}
	client := s.client
	if threadID == 0 {
		threadID = s.threadID
	}
	s.mu.Unlock()

	rctx, cancel := s.requestContext(ctx)
	defer cancel()

	threadID, err := s.resolveThread(rctx, client, threadID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.setStateLocked(StateRunning)
	s.refs.reset()
	s.stopLocation = nil
	s.mu.Unlock()

	if err := send(client, rctx, threadID); err != nil {
		s.mu.Lock()
		if s.state == StateRunning {
			s.setStateLocked(StatePaused)
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// Pause interrupts a running thread. The stop is reported as an event.
func (s *Session) Pause(ctx context.Context, threadID int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.touch()

	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		return invalidState("pause", state, StateRunning)
	}
	client := s.client
	if threadID == 0 {
		threadID = s.threadID
	}
	s.mu.Unlock()

	rctx, cancel := s.requestContext(ctx)
	defer cancel()

	threadID, err := s.resolveThread(rctx, client, threadID)
	if err != nil {
		return err
	}
	return client.Pause(rctx, threadID)
}

// resolveThread returns threadID, or the first backend thread when zero.
func (s *Session) resolveThread(ctx context.Context, client *dap.Client, threadID int) (int, error) {
	if threadID != 0 {
		return threadID, nil
	}
	threads, err := client.Threads(ctx)
	if err != nil {
		return 0, err
	}
	if len(threads) == 0 {
		return 0, &pberrors.ProtocolError{Command: "threads", Message: "debuggee has no threads"}
	}
	return threads[0].ID, nil
}

// AddWatch appends expr unless already watched and returns the list.
func (s *Session) AddWatch(expr string) ([]string, error) {
	if expr == "" {
		return nil, pberrors.E(pberrors.CodeMissingExpression, "expression required for add")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.watches = s.watches.add(expr)
	return append([]string{}, s.watches...), nil
}

// RemoveWatch removes expr and returns the list.
func (s *Session) RemoveWatch(expr string) ([]string, error) {
	if expr == "" {
		return nil, pberrors.E(pberrors.CodeMissingExpression, "expression required for remove")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.watches = s.watches.remove(expr)
	return append([]string{}, s.watches...), nil
}

// Watches returns the watch expressions in insertion order.
func (s *Session) Watches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.watches...)
}

// PollEvents drains queued events, waiting up to timeout when none are
// queued. It does not hold the operation lock.
func (s *Session) PollEvents(ctx context.Context, timeout time.Duration) ([]Event, error) {
	s.touch()
	return s.events.poll(ctx, timeout)
}

// Output returns a page of program output.
func (s *Session) Output(offset, limit int) OutputPage {
	s.touch()
	return s.output.page(offset, limit)
}
