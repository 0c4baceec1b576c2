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

package server

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/polybugger/internal/debug"
	pblog "github.com/tombee/polybugger/internal/log"
)

func (s *Server) registerBreakpointTools() {
	s.addTool(mcp.Tool{
		Name:        "debug_set_breakpoints",
		Description: "Replace the breakpoints of a file. Optional per-line conditions, hit conditions and log messages (logpoints) are matched to lines by position.",
		InputSchema: objectSchema(map[string]any{
			"session_id":     sessionIDProp(),
			"file_path":      prop("string", "Source file path, absolute or relative to the project root"),
			"lines":          arrayProp("integer", "Line numbers"),
			"conditions":     arrayProp("string", "Optional condition per line (e.g. \"x > 5\"); null skips a line"),
			"hit_conditions": arrayProp("string", "Optional hit count condition per line (e.g. \">=5\", \"%3==0\")"),
			"log_messages":   arrayProp("string", "Optional log message per line. Can include {expressions}"),
		}, "session_id", "file_path", "lines"),
	}, s.handleSetBreakpoints)

	s.addTool(mcp.Tool{
		Name:        "debug_get_breakpoints",
		Description: "Get all breakpoints organized by file, including conditions, hit counts and log messages.",
		InputSchema: objectSchema(map[string]any{
			"session_id": sessionIDProp(),
		}, "session_id"),
	}, s.handleGetBreakpoints)

	s.addTool(mcp.Tool{
		Name:        "debug_clear_breakpoints",
		Description: "Clear breakpoints from one file, from the files matching a glob (e.g. \"tests/**/*.py\"), or from all files.",
		InputSchema: objectSchema(map[string]any{
			"session_id": sessionIDProp(),
			"file_path":  prop("string", "File path or glob. Omit to clear every file"),
		}, "session_id"),
	}, s.handleClearBreakpoints)
}

// optNullableStrings parses an array whose elements are strings or null.
// Null elements become empty strings.
func optNullableStrings(request mcp.CallToolRequest, key string) ([]string, error) {
	v, ok := lookup(request, key)
	if !ok {
		return nil, nil
	}
	items, err := toSlice(key, v)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, item := range items {
		if item == nil {
			continue
		}
		str, ok := item.(string)
		if !ok {
			return nil, argError(key, "element %d must be a string or null", i)
		}
		out[i] = str
	}
	return out, nil
}

func at(values []string, i int) string {
	if i < len(values) {
		return values[i]
	}
	return ""
}

func (s *Server) handleSetBreakpoints(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	file, err := requireString(request, "file_path")
	if err != nil {
		return nil, err
	}
	lines, err := requireInts(request, "lines")
	if err != nil {
		return nil, err
	}
	conditions, err := optNullableStrings(request, "conditions")
	if err != nil {
		return nil, err
	}
	hitConditions, err := optNullableStrings(request, "hit_conditions")
	if err != nil {
		return nil, err
	}
	logMessages, err := optNullableStrings(request, "log_messages")
	if err != nil {
		return nil, err
	}

	bps := make([]debug.SourceBreakpoint, len(lines))
	for i, line := range lines {
		bps[i] = debug.SourceBreakpoint{
			Line:         line,
			Condition:    at(conditions, i),
			HitCondition: at(hitConditions, i),
			LogMessage:   at(logMessages, i),
		}
	}

	result, err := sess.SetBreakpoints(ctx, file, bps)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Save(ctx, sess.ID()); err != nil {
		s.logger.Warn("failed to save breakpoints",
			slog.String(pblog.SessionIDKey, sess.ID()),
			pblog.Error(err))
	}

	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(sess.ProjectRoot(), path)
	}
	resp := map[string]any{
		"file":        filepath.Clean(path),
		"breakpoints": result,
	}
	if !isPathWithinDir(path, sess.ProjectRoot()) {
		resp["warning"] = "file is outside the session project root"
	}
	return resp, nil
}

func (s *Server) handleGetBreakpoints(_ context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"files": sess.Breakpoints(),
	}, nil
}

func (s *Server) handleClearBreakpoints(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	pattern, err := optString(request, "file_path", "")
	if err != nil {
		return nil, err
	}

	cleared, err := sess.ClearBreakpoints(ctx, pattern)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Save(ctx, sess.ID()); err != nil {
		s.logger.Warn("failed to save breakpoints",
			slog.String(pblog.SessionIDKey, sess.ID()),
			pblog.Error(err))
	}

	resp := map[string]any{
		"status":  "cleared",
		"cleared": cleared,
	}
	if pattern == "" {
		resp["files"] = "all"
	} else {
		resp["file"] = pattern
	}
	return resp, nil
}

func breakpointCount(sess *debug.Session) int {
	n := 0
	for _, bps := range sess.Breakpoints() {
		n += len(bps)
	}
	return n
}
