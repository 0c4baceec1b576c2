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

func (s *Server) registerExecutionTools() {
	s.addTool(mcp.Tool{
		Name:        "debug_launch",
		Description: "Launch a program under the debugger. Use program OR module. Poll events or wait for the stopped state afterwards.",
		InputSchema: objectSchema(map[string]any{
			"session_id":        sessionIDProp(),
			"program":           prop("string", "Script path, absolute or relative to the project root"),
			"module":            prop("string", "Module to run with -m"),
			"args":              arrayProp("string", "Program arguments"),
			"cwd":               prop("string", "Working directory (default: project root)"),
			"env":               prop("object", "Extra environment variables"),
			"stop_on_entry":     prop("boolean", "Stop at the first line (default: false)"),
			"stop_on_exception": prop("boolean", "Stop on raised and uncaught exceptions (default: true)"),
			"just_my_code":      prop("boolean", "Only step through project code (default: true)"),
		}, "session_id"),
	}, s.handleLaunch)

	s.addTool(mcp.Tool{
		Name:        "debug_attach",
		Description: "Attach to a running debugpy listener (python -m debugpy --listen host:port), or to a local process id.",
		InputSchema: objectSchema(map[string]any{
			"session_id":        sessionIDProp(),
			"host":              prop("string", "Host running debugpy (default: localhost)"),
			"port":              prop("integer", "debugpy port (default: 5678)"),
			"process_id":        prop("integer", "Local PID to attach to instead of host:port"),
			"path_mappings":     pathMappingsProp(),
			"stop_on_exception": prop("boolean", "Stop on raised and uncaught exceptions (default: true)"),
			"just_my_code":      prop("boolean", "Only step through project code (default: true)"),
		}, "session_id"),
	}, s.handleAttach)

	s.addTool(mcp.Tool{
		Name:        "debug_continue",
		Description: "Continue until the next breakpoint or the end of the program.",
		InputSchema: objectSchema(map[string]any{
			"session_id": sessionIDProp(),
			"thread_id":  prop("integer", "Thread ID (default: current)"),
		}, "session_id"),
	}, s.handleContinue)

	s.addTool(mcp.Tool{
		Name:        "debug_step",
		Description: "Step execution: over (next line), into (enter function), out (exit function).",
		InputSchema: objectSchema(map[string]any{
			"session_id": sessionIDProp(),
			"mode":       enumProp("Step mode", debug.StepOver, debug.StepInto, debug.StepOut),
			"thread_id":  prop("integer", "Thread ID (default: current)"),
		}, "session_id", "mode"),
	}, s.handleStep)

	s.addTool(mcp.Tool{
		Name:        "debug_pause",
		Description: "Pause a running program.",
		InputSchema: objectSchema(map[string]any{
			"session_id": sessionIDProp(),
			"thread_id":  prop("integer", "Thread ID (default: current)"),
		}, "session_id"),
	}, s.handlePause)
}

func (s *Server) handleLaunch(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	var cfg debug.LaunchConfig
	if cfg.Program, err = optString(request, "program", ""); err != nil {
		return nil, err
	}
	if cfg.Module, err = optString(request, "module", ""); err != nil {
		return nil, err
	}
	if cfg.Args, err = optStrings(request, "args"); err != nil {
		return nil, err
	}
	if cfg.Cwd, err = optString(request, "cwd", ""); err != nil {
		return nil, err
	}
	if cfg.Env, err = optStringMap(request, "env"); err != nil {
		return nil, err
	}
	if cfg.StopOnEntry, err = optBool(request, "stop_on_entry", false); err != nil {
		return nil, err
	}
	if cfg.StopOnException, err = optBool(request, "stop_on_exception", true); err != nil {
		return nil, err
	}
	if cfg.JustMyCode, err = optBoolPtr(request, "just_my_code"); err != nil {
		return nil, err
	}

	if err := sess.Launch(ctx, cfg); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":     "launched",
		"session_id": sess.ID(),
		"state":      sess.State(),
		"message":    "Program launched. Poll events or wait for stopped state.",
	}, nil
}

func (s *Server) handleAttach(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	var cfg debug.AttachConfig
	if cfg.Host, err = optString(request, "host", debug.DefaultAttachHost); err != nil {
		return nil, err
	}
	if cfg.Port, err = optInt(request, "port", debug.DefaultAttachPort); err != nil {
		return nil, err
	}
	if cfg.ProcessID, err = optInt(request, "process_id", 0); err != nil {
		return nil, err
	}
	if cfg.PathMappings, err = pathMappings(request, sess.ProjectRoot()); err != nil {
		return nil, err
	}
	if cfg.StopOnException, err = optBool(request, "stop_on_exception", true); err != nil {
		return nil, err
	}
	if cfg.JustMyCode, err = optBoolPtr(request, "just_my_code"); err != nil {
		return nil, err
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, argError("port", "%d is out of range", cfg.Port)
	}

	if err := sess.Attach(ctx, cfg); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":     "attached",
		"session_id": sess.ID(),
		"state":      sess.State(),
		"message":    "Attached. Poll events or wait for stopped state.",
	}, nil
}

func (s *Server) handleContinue(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	threadID, err := optInt(request, "thread_id", 0)
	if err != nil {
		return nil, err
	}
	if err := sess.Continue(ctx, threadID); err != nil {
		return nil, err
	}
	return map[string]any{
		"status": "continued",
		"state":  sess.State(),
	}, nil
}

func (s *Server) handleStep(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	mode, err := requireString(request, "mode")
	if err != nil {
		return nil, err
	}
	threadID, err := optInt(request, "thread_id", 0)
	if err != nil {
		return nil, err
	}
	if err := sess.Step(ctx, mode, threadID); err != nil {
		return nil, err
	}
	return map[string]any{
		"status": "stepping",
		"mode":   mode,
	}, nil
}

func (s *Server) handlePause(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	threadID, err := optInt(request, "thread_id", 0)
	if err != nil {
		return nil, err
	}
	if err := sess.Pause(ctx, threadID); err != nil {
		return nil, err
	}
	return map[string]any{
		"status": "pausing",
	}, nil
}
