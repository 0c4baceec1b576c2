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

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/polybugger/internal/debug"
)

const (
	defaultMaxFrames    = 20
	defaultMaxVariables = 100
	defaultContextLines = 2
)

func (s *Server) registerInspectionTools() {
	s.addTool(mcp.Tool{
		Name:        "debug_get_stacktrace",
		Description: "Get the call stack of a paused thread, innermost frame first.",
		InputSchema: objectSchema(map[string]any{
			"session_id": sessionIDProp(),
			"thread_id":  prop("integer", "Thread ID (default: current)"),
			"max_frames": prop("integer", "Max frames (default: 20)"),
		}, "session_id"),
	}, s.handleGetStackTrace)

	s.addTool(mcp.Tool{
		Name:        "debug_get_scopes",
		Description: "Get the scopes (locals, globals) of a frame.",
		InputSchema: objectSchema(map[string]any{
			"session_id": sessionIDProp(),
			"frame_id":   prop("integer", "Frame ID from debug_get_stacktrace"),
		}, "session_id", "frame_id"),
	}, s.handleGetScopes)

	s.addTool(mcp.Tool{
		Name:        "debug_get_variables",
		Description: "Get the variables of a scope or of a compound variable.",
		InputSchema: objectSchema(map[string]any{
			"session_id":          sessionIDProp(),
			"variables_reference": prop("integer", "Reference from debug_get_scopes or a nested variable"),
			"start":               prop("integer", "Index of the first child to return (default: 0)"),
			"max_count":           prop("integer", "Max variables (default: 100)"),
		}, "session_id", "variables_reference"),
	}, s.handleGetVariables)

	s.addTool(mcp.Tool{
		Name:        "debug_evaluate",
		Description: "Evaluate an expression in the context of a frame.",
		InputSchema: objectSchema(map[string]any{
			"session_id": sessionIDProp(),
			"expression": prop("string", "Expression to evaluate"),
			"frame_id":   prop("integer", "Frame ID (default: topmost)"),
		}, "session_id", "expression"),
	}, s.handleEvaluate)

	s.addTool(mcp.Tool{
		Name:        "debug_inspect_variable",
		Description: "Inspect a variable with type-aware structure: DataFrame shape and columns, array dtype, dict keys, a bounded preview and optional statistics.",
		InputSchema: objectSchema(map[string]any{
			"session_id":         sessionIDProp(),
			"variable_name":      prop("string", "Variable to inspect; attribute access and literal subscripts are allowed"),
			"frame_id":           prop("integer", "Frame ID (default: topmost)"),
			"max_preview_rows":   prop("integer", "Preview rows or items, 1-100 (default: 5)"),
			"include_statistics": prop("boolean", "Compute statistics for numeric data (default: true)"),
		}, "session_id", "variable_name"),
	}, s.handleInspectVariable)

	s.addTool(mcp.Tool{
		Name:        "debug_get_call_chain",
		Description: "Get the call chain from the outermost caller to the current frame, with the source line of each frame.",
		InputSchema: objectSchema(map[string]any{
			"session_id":             sessionIDProp(),
			"thread_id":              prop("integer", "Thread ID (default: current)"),
			"include_source_context": prop("boolean", "Include surrounding source lines (default: true)"),
			"context_lines":          prop("integer", "Lines of context before and after (default: 2)"),
		}, "session_id"),
	}, s.handleGetCallChain)
}

func (s *Server) handleGetStackTrace(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	threadID, err := optInt(request, "thread_id", 0)
	if err != nil {
		return nil, err
	}
	maxFrames, err := optInt(request, "max_frames", defaultMaxFrames)
	if err != nil {
		return nil, err
	}
	if maxFrames < 1 {
		return nil, argError("max_frames", "must be positive")
	}

	frames, total, err := sess.GetStackTrace(ctx, threadID, maxFrames)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"frames": frames,
		"total":  total,
	}, nil
}

func (s *Server) handleGetScopes(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	frameID, err := requireInt(request, "frame_id")
	if err != nil {
		return nil, err
	}
	scopes, err := sess.GetScopes(ctx, frameID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"scopes": scopes,
	}, nil
}

func (s *Server) handleGetVariables(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	ref, err := requireInt(request, "variables_reference")
	if err != nil {
		return nil, err
	}
	start, err := optInt(request, "start", 0)
	if err != nil {
		return nil, err
	}
	count, err := optInt(request, "max_count", defaultMaxVariables)
	if err != nil {
		return nil, err
	}
	if start < 0 || count < 0 {
		return nil, argError("max_count", "start and max_count must not be negative")
	}

	vars, err := sess.GetVariables(ctx, ref, start, count)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"variables": vars,
	}, nil
}

func (s *Server) handleEvaluate(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	expr, err := requireString(request, "expression")
	if err != nil {
		return nil, err
	}
	frameID, err := optInt(request, "frame_id", 0)
	if err != nil {
		return nil, err
	}

	res, err := sess.Evaluate(ctx, expr, frameID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"expression":          expr,
		"result":              res.Result,
		"type":                res.Type,
		"variables_reference": res.VariablesReference,
	}, nil
}

func (s *Server) handleInspectVariable(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	name, err := requireString(request, "variable_name")
	if err != nil {
		return nil, err
	}
	frameID, err := optInt(request, "frame_id", 0)
	if err != nil {
		return nil, err
	}
	rows, err := optInt(request, "max_preview_rows", debug.DefaultPreviewRows)
	if err != nil {
		return nil, err
	}
	if rows < 1 || rows > debug.MaxPreviewRows {
		return nil, argError("max_preview_rows", "must be between 1 and %d", debug.MaxPreviewRows)
	}
	stats, err := optBool(request, "include_statistics", true)
	if err != nil {
		return nil, err
	}

	in, err := sess.InspectVariable(ctx, name, frameID, debug.InspectOptions{
		MaxPreviewRows:    rows,
		IncludeStatistics: stats,
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (s *Server) handleGetCallChain(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	threadID, err := optInt(request, "thread_id", 0)
	if err != nil {
		return nil, err
	}
	withContext, err := optBool(request, "include_source_context", true)
	if err != nil {
		return nil, err
	}
	contextLines, err := optInt(request, "context_lines", defaultContextLines)
	if err != nil {
		return nil, err
	}
	if !withContext {
		contextLines = 0
	}

	chain, err := sess.GetCallChain(ctx, threadID, defaultMaxFrames, contextLines)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"call_chain": chain,
		"depth":      len(chain),
	}, nil
}
