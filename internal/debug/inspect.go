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
	"os"
	"strings"
	"time"

	"github.com/tombee/polybugger/internal/dap"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// DefaultStackLevels is used when GetStackTrace is called with levels <= 0.
const DefaultStackLevels = 20

const staleReference = "stale variable reference"

// Frame is a stack frame with its source path in local terms.
type Frame struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// Scope is a variable container of a frame.
type Scope struct {
	Name               string `json:"name"`
	VariablesReference int    `json:"variables_reference"`
	Expensive          bool   `json:"expensive"`
}

// Variable is a named value. HasChildren is true when VariablesReference
// can be expanded with GetVariables.
type Variable struct {
	Name               string `json:"name"`
	Value              string `json:"value"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variables_reference"`
	HasChildren        bool   `json:"has_children"`
}

// inspection holds what an inspection request needs, captured under mu.
type inspection struct {
	client     *dap.Client
	threadID   int
	mappings   PathMappings
	generation uint64
}

// beginInspection checks that the session is paused.
func (s *Session) beginInspection(op string) (inspection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	if s.state != StatePaused {
		return inspection{}, invalidState(op, s.state, StatePaused)
	}
	return inspection{
		client:     s.client,
		threadID:   s.threadID,
		mappings:   s.mappings,
		generation: s.refs.generation,
	}, nil
}

// register runs fn under mu when the stop that issued the handles is
// still current.
func (s *Session) register(generation uint64, fn func(*refScope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs.generation == generation {
		fn(s.refs)
	}
}

func (s *Session) stale(op string) error {
	return &pberrors.InvalidStateError{Operation: op, State: string(StatePaused), Reason: staleReference}
}

// GetStackTrace returns up to levels frames of threadID, or of the current
// thread when zero, along with the backend's total frame count.
func (s *Session) GetStackTrace(ctx context.Context, threadID, levels int) ([]Frame, int, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	in, err := s.beginInspection("get_stacktrace")
	if err != nil {
		return nil, 0, err
	}
	if threadID == 0 {
		threadID = in.threadID
	}
	if levels <= 0 {
		levels = DefaultStackLevels
	}

	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	if threadID, err = s.resolveThread(rctx, in.client, threadID); err != nil {
		return nil, 0, err
	}
	return s.stackTrace(rctx, in, threadID, levels)
}

func (s *Session) stackTrace(ctx context.Context, in inspection, threadID, levels int) ([]Frame, int, error) {
	raw, total, err := in.client.StackTrace(ctx, threadID, 0, levels)
	if err != nil {
		return nil, 0, err
	}
	frames := make([]Frame, len(raw))
	for i, f := range raw {
		frames[i] = Frame{ID: f.ID, Name: f.Name, Line: f.Line, Column: f.Column}
		if f.Source != nil && f.Source.Path != "" {
			frames[i].File = in.mappings.ToLocal(f.Source.Path)
		}
	}
	s.register(in.generation, func(r *refScope) {
		for _, f := range frames {
			r.addFrame(f.ID)
		}
	})
	return frames, total, nil
}

// GetScopes returns the scopes of frameID. The frame must come from a stack
// trace taken during the current stop.
func (s *Session) GetScopes(ctx context.Context, frameID int) ([]Scope, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	in, err := s.beginInspection("get_scopes")
	if err != nil {
		return nil, err
	}
	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	if err := s.checkFrame(rctx, in, frameID, "get_scopes"); err != nil {
		return nil, err
	}

	raw, err := in.client.Scopes(rctx, frameID)
	if err != nil {
		return nil, err
	}
	scopes := make([]Scope, len(raw))
	for i, sc := range raw {
		scopes[i] = Scope{Name: sc.Name, VariablesReference: sc.VariablesReference, Expensive: sc.Expensive}
	}
	s.register(in.generation, func(r *refScope) {
		for _, sc := range scopes {
			r.addVar(sc.VariablesReference)
		}
	})
	return scopes, nil
}

// checkFrame verifies frameID belongs to the current stop. A frame the
// caller has not listed yet is looked up in the current thread's stack.
func (s *Session) checkFrame(ctx context.Context, in inspection, frameID int, op string) error {
	s.mu.Lock()
	known := s.refs.generation == in.generation && s.refs.hasFrame(frameID)
	s.mu.Unlock()
	if known {
		return nil
	}
	if in.threadID != 0 {
		frames, _, err := s.stackTrace(ctx, in, in.threadID, 0)
		if err != nil {
			return err
		}
		for _, f := range frames {
			if f.ID == frameID {
				return nil
			}
		}
	}
	return s.stale(op)
}

// GetVariables expands ref. start and count page through large containers;
// count 0 returns everything.
func (s *Session) GetVariables(ctx context.Context, ref, start, count int) ([]Variable, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	in, err := s.beginInspection("get_variables")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	known := s.refs.hasVar(ref)
	s.mu.Unlock()
	if !known {
		return nil, s.stale("get_variables")
	}

	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	raw, err := in.client.Variables(rctx, ref, start, count)
	if err != nil {
		return nil, err
	}
	vars := make([]Variable, len(raw))
	for i, v := range raw {
		vars[i] = Variable{
			Name:               v.Name,
			Value:              v.Value,
			Type:               v.Type,
			VariablesReference: v.VariablesReference,
			HasChildren:        v.VariablesReference > 0,
		}
	}
	s.register(in.generation, func(r *refScope) {
		for _, v := range vars {
			r.addVar(v.VariablesReference)
		}
	})
	return vars, nil
}

// Evaluate evaluates expr in frameID, or in the top frame of the current
// thread when frameID is zero. The backend result is returned as is.
func (s *Session) Evaluate(ctx context.Context, expr string, frameID int) (*dap.EvaluateResult, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, pberrors.E(pberrors.CodeMissingExpression, "expression is required")
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	in, err := s.beginInspection("evaluate")
	if err != nil {
		return nil, err
	}
	rctx, cancel := s.requestContext(ctx)
	defer cancel()

	frameID, err = s.evalFrame(rctx, in, frameID)
	if err != nil {
		return nil, err
	}
	return s.evaluate(rctx, in, expr, frameID)
}

func (s *Session) evaluate(ctx context.Context, in inspection, expr string, frameID int) (*dap.EvaluateResult, error) {
	res, err := in.client.Evaluate(ctx, expr, frameID, "repl")
	if err != nil {
		return nil, pberrors.E(pberrors.CodeEvalError, "evaluation failed").
			WithCause(err).
			WithDetail("expression", expr)
	}
	s.register(in.generation, func(r *refScope) { r.addVar(res.VariablesReference) })
	return res, nil
}

// evalFrame resolves the frame an evaluation runs in.
func (s *Session) evalFrame(ctx context.Context, in inspection, frameID int) (int, error) {
	if frameID != 0 {
		return frameID, s.checkFrame(ctx, in, frameID, "evaluate")
	}
	threadID, err := s.resolveThread(ctx, in.client, in.threadID)
	if err != nil {
		return 0, err
	}
	frames, _, err := s.stackTrace(ctx, in, threadID, 1)
	if err != nil {
		return 0, err
	}
	if len(frames) == 0 {
		return 0, &pberrors.ProtocolError{Command: "stackTrace", Message: "no frames for thread"}
	}
	return frames[0].ID, nil
}

// EvaluateWatches evaluates every watch expression. A failing expression
// is reported in its row rather than failing the call.
func (s *Session) EvaluateWatches(ctx context.Context, frameID int) ([]WatchResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	in, err := s.beginInspection("evaluate_watches")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	watches := append([]string{}, s.watches...)
	s.mu.Unlock()

	results := make([]WatchResult, 0, len(watches))
	if len(watches) == 0 {
		return results, nil
	}

	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	frameID, err = s.evalFrame(rctx, in, frameID)
	if err != nil {
		return nil, err
	}

	for _, expr := range watches {
		row := WatchResult{Expression: expr}
		res, err := s.evaluate(rctx, in, expr, frameID)
		if err != nil {
			row.Error = errorMessage(err)
		} else {
			row.Result = res.Result
			row.Type = res.Type
			row.VariablesReference = res.VariablesReference
		}
		results = append(results, row)
	}
	return results, nil
}

// errorMessage returns the innermost useful message of an evaluation error.
func errorMessage(err error) string {
	var perr *pberrors.ProtocolError
	if pberrors.As(err, &perr) {
		return perr.Message
	}
	return err.Error()
}

// SourceLine is one line of source context.
type SourceLine struct {
	Line    int    `json:"line"`
	Text    string `json:"text"`
	Current bool   `json:"current,omitempty"`
}

// CallFrame is one entry of a call chain, outermost caller first.
type CallFrame struct {
	Depth    int          `json:"depth"`
	FrameID  int          `json:"frame_id"`
	Function string       `json:"function"`
	File     string       `json:"file,omitempty"`
	Line     int          `json:"line"`
	Source   string       `json:"source,omitempty"`
	Context  []SourceLine `json:"context,omitempty"`
}

// GetCallChain returns the stack of threadID from the outermost caller to
// the current frame. When contextLines is positive, each frame whose file
// is readable locally carries that many lines around the current line.
func (s *Session) GetCallChain(ctx context.Context, threadID, levels, contextLines int) ([]CallFrame, error) {
	frames, _, err := s.GetStackTrace(ctx, threadID, levels)
	if err != nil {
		return nil, err
	}

	files := make(map[string][]string)
	chain := make([]CallFrame, len(frames))
	for i := range frames {
		f := frames[len(frames)-1-i]
		cf := CallFrame{Depth: i, FrameID: f.ID, Function: f.Name, File: f.File, Line: f.Line}
		lines, ok := files[f.File]
		if !ok && f.File != "" {
			lines = readLines(f.File)
			files[f.File] = lines
		}
		if f.Line >= 1 && f.Line <= len(lines) {
			cf.Source = strings.TrimSpace(lines[f.Line-1])
			if contextLines > 0 {
				cf.Context = sourceContext(lines, f.Line, contextLines)
			}
		}
		chain[i] = cf
	}
	return chain, nil
}

func readLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
}

func sourceContext(lines []string, line, n int) []SourceLine {
	from := max(1, line-n)
	to := min(len(lines), line+n)
	out := make([]SourceLine, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, SourceLine{Line: i, Text: lines[i-1], Current: i == line})
	}
	return out
}
