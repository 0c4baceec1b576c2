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
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/polybugger/internal/debug"
	"github.com/tombee/polybugger/internal/session"
)

func (s *Server) registerSessionTools() {
	s.addTool(mcp.Tool{
		Name:        "debug_create_session",
		Description: "Create a debug session for a project. Set breakpoints, then launch or attach.",
		InputSchema: objectSchema(map[string]any{
			"project_root":    prop("string", "Absolute path to the project directory"),
			"name":            prop("string", "Optional human-readable session name"),
			"language":        prop("string", "Programming language (default: python). See debug_list_languages"),
			"python_path":     prop("string", "Python interpreter used to run the debug adapter and the program"),
			"timeout_minutes": prop("integer", "Idle minutes before the session is cleaned up (default: server setting)"),
		}, "project_root"),
	}, s.handleCreateSession)

	s.addTool(mcp.Tool{
		Name:        "debug_list_languages",
		Description: "List the languages debug sessions can be created for.",
		InputSchema: objectSchema(map[string]any{}),
	}, s.handleListLanguages)

	s.addTool(mcp.Tool{
		Name:        "debug_list_sessions",
		Description: "List live debug sessions.",
		InputSchema: objectSchema(map[string]any{}),
	}, s.handleListSessions)

	s.addTool(mcp.Tool{
		Name:        "debug_get_session",
		Description: "Get the state of a debug session, including where it last stopped.",
		InputSchema: objectSchema(map[string]any{
			"session_id": sessionIDProp(),
		}, "session_id"),
	}, s.handleGetSession)

	s.addTool(mcp.Tool{
		Name:        "debug_terminate_session",
		Description: "Terminate a debug session, stop the debuggee and forget its saved state.",
		InputSchema: objectSchema(map[string]any{
			"session_id": sessionIDProp(),
		}, "session_id"),
	}, s.handleTerminateSession)

	s.addTool(mcp.Tool{
		Name:        "debug_list_recoverable",
		Description: "List sessions saved by a previous server run that can be recovered.",
		InputSchema: objectSchema(map[string]any{}),
	}, s.handleListRecoverable)

	s.addTool(mcp.Tool{
		Name:        "debug_recover_session",
		Description: "Recover a saved session. Breakpoints and watches are restored; the program must be launched again.",
		InputSchema: objectSchema(map[string]any{
			"session_id": prop("string", "Session ID from debug_list_recoverable"),
		}, "session_id"),
	}, s.handleRecoverSession)
}

func (s *Server) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	root, err := requireString(request, "project_root")
	if err != nil {
		return nil, err
	}
	name, err := optString(request, "name", "")
	if err != nil {
		return nil, err
	}
	language, err := optString(request, "language", session.DefaultLanguage)
	if err != nil {
		return nil, err
	}
	pythonPath, err := optString(request, "python_path", "")
	if err != nil {
		return nil, err
	}
	minutes, err := optInt(request, "timeout_minutes", 0)
	if err != nil {
		return nil, err
	}
	if minutes < 0 {
		return nil, argError("timeout_minutes", "must not be negative")
	}

	sess, err := s.sessions.Create(ctx, session.CreateOptions{
		ProjectRoot: root,
		Name:        name,
		Language:    language,
		PythonPath:  pythonPath,
		Timeout:     time.Duration(minutes) * time.Minute,
	})
	if err != nil {
		return nil, err
	}

	info := sess.Info()
	return map[string]any{
		"session_id":   info.ID,
		"name":         info.Name,
		"project_root": info.ProjectRoot,
		"language":     info.Language,
		"python_path":  info.PythonPath,
		"state":        info.State,
		"message":      fmt.Sprintf("Session created for %s. Set breakpoints and then launch.", info.Language),
	}, nil
}

func (s *Server) handleListLanguages(_ context.Context, _ mcp.CallToolRequest) (any, error) {
	languages := s.sessions.Languages()
	return map[string]any{
		"languages": languages,
		"default":   session.DefaultLanguage,
		"message":   fmt.Sprintf("%d language(s) available", len(languages)),
	}, nil
}

func (s *Server) handleListSessions(_ context.Context, _ mcp.CallToolRequest) (any, error) {
	sessions := s.sessions.List()
	return map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	}, nil
}

// sessionDetail is debug_get_session's result.
type sessionDetail struct {
	debug.Info
	BreakpointCount int      `json:"breakpoint_count"`
	Watches         []string `json:"watches"`
}

func (s *Server) handleGetSession(_ context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	return sessionDetail{
		Info:            sess.Info(),
		BreakpointCount: breakpointCount(sess),
		Watches:         sess.Watches(),
	}, nil
}

func (s *Server) handleTerminateSession(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "session_id")
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Terminate(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":     "terminated",
		"session_id": id,
	}, nil
}

func (s *Server) handleListRecoverable(ctx context.Context, _ mcp.CallToolRequest) (any, error) {
	records := s.sessions.ListRecoverable(ctx)
	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		out = append(out, map[string]any{
			"session_id":       r.ID,
			"name":             r.Name,
			"project_root":     r.ProjectRoot,
			"language":         r.Language,
			"previous_state":   r.State,
			"saved_at":         r.SavedAt.Format(time.RFC3339),
			"breakpoint_count": r.BreakpointCount(),
			"watch_count":      len(r.Watches),
		})
	}
	return map[string]any{
		"sessions": out,
		"total":    len(out),
	}, nil
}

func (s *Server) handleRecoverSession(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "session_id")
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Recover(ctx, id)
	if err != nil {
		return nil, err
	}

	info := sess.Info()
	return map[string]any{
		"session_id":           info.ID,
		"name":                 info.Name,
		"project_root":         info.ProjectRoot,
		"state":                info.State,
		"breakpoints_restored": breakpointCount(sess),
		"watches_restored":     len(sess.Watches()),
		"message":              "Session recovered. Set any additional breakpoints and launch.",
	}, nil
}
