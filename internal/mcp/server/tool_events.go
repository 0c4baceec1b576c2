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
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	defaultPollTimeout = 5.0
	maxPollTimeout     = 60.0
	defaultOutputLimit = 100
)

func (s *Server) registerEventTools() {
	s.addTool(mcp.Tool{
		Name:        "debug_poll_events",
		Description: "Poll for events (stopped, continued, output, terminated). Use after launch, continue or step.",
		InputSchema: objectSchema(map[string]any{
			"session_id":      sessionIDProp(),
			"timeout_seconds": prop("number", "How long to wait when no event is queued (default: 5, max: 60)"),
		}, "session_id"),
	}, s.handlePollEvents)

	s.addTool(mcp.Tool{
		Name:        "debug_get_output",
		Description: "Get a page of program stdout/stderr output.",
		InputSchema: objectSchema(map[string]any{
			"session_id": sessionIDProp(),
			"offset":     prop("integer", "First line to return (default: 0)"),
			"limit":      prop("integer", "Max lines (default: 100)"),
		}, "session_id"),
	}, s.handleGetOutput)
}

func (s *Server) handlePollEvents(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	seconds, err := optFloat(request, "timeout_seconds", defaultPollTimeout)
	if err != nil {
		return nil, err
	}
	seconds = max(0, min(seconds, maxPollTimeout))

	events, err := sess.PollEvents(ctx, time.Duration(seconds*float64(time.Second)))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"events":        events,
		"session_state": sess.State(),
	}, nil
}

func (s *Server) handleGetOutput(_ context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	offset, err := optInt(request, "offset", 0)
	if err != nil {
		return nil, err
	}
	limit, err := optInt(request, "limit", defaultOutputLimit)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, argError("offset", "must not be negative")
	}
	if limit < 1 {
		return nil, argError("limit", "must be positive")
	}
	return sess.Output(offset, limit), nil
}
