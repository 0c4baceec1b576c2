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

	"github.com/mark3labs/mcp-go/mcp"

	pblog "github.com/tombee/polybugger/internal/log"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

func (s *Server) registerWatchTools() {
	s.addTool(mcp.Tool{
		Name:        "debug_watch",
		Description: "Manage watch expressions: add, remove, or list.",
		InputSchema: objectSchema(map[string]any{
			"session_id": sessionIDProp(),
			"action":     enumProp("Watch action", "add", "remove", "list"),
			"expression": prop("string", "Expression (required for add and remove)"),
		}, "session_id", "action"),
	}, s.handleWatch)

	s.addTool(mcp.Tool{
		Name:        "debug_evaluate_watches",
		Description: "Evaluate every watch expression. A failing expression reports its error instead of a result.",
		InputSchema: objectSchema(map[string]any{
			"session_id": sessionIDProp(),
			"frame_id":   prop("integer", "Frame ID (default: topmost)"),
		}, "session_id"),
	}, s.handleEvaluateWatches)
}

func (s *Server) handleWatch(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	action, err := requireString(request, "action")
	if err != nil {
		return nil, err
	}
	expr, err := optString(request, "expression", "")
	if err != nil {
		return nil, err
	}

	var watches []string
	switch action {
	case "add":
		watches, err = sess.AddWatch(expr)
	case "remove":
		watches, err = sess.RemoveWatch(expr)
	case "list":
		watches = sess.Watches()
	default:
		return nil, pberrors.E(pberrors.CodeInvalidAction, "Invalid action: %s. Use 'add', 'remove', or 'list'", action).
			WithDetail("action", action)
	}
	if err != nil {
		return nil, err
	}

	if action != "list" {
		if err := s.sessions.Save(ctx, sess.ID()); err != nil {
			s.logger.Warn("failed to save watches",
				slog.String(pblog.SessionIDKey, sess.ID()),
				pblog.Error(err))
		}
	}
	return map[string]any{
		"watches": watches,
	}, nil
}

func (s *Server) handleEvaluateWatches(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	frameID, err := optInt(request, "frame_id", 0)
	if err != nil {
		return nil, err
	}
	results, err := sess.EvaluateWatches(ctx, frameID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"results": results,
	}, nil
}
