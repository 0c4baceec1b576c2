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

// Package server implements the MCP server that exposes debug sessions as tools.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	pblog "github.com/tombee/polybugger/internal/log"
	"github.com/tombee/polybugger/internal/metrics"
	"github.com/tombee/polybugger/internal/remote"
	"github.com/tombee/polybugger/internal/session"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// Server wraps the MCP server and maps tool calls onto debug sessions
type Server struct {
	mcpServer   *server.MCPServer
	name        string
	version     string
	rateLimiter *RateLimiter
	sessions    *session.Manager
	remote      *remote.Pipeline
	logger      *slog.Logger

	// handlers holds the wrapped handler of every registered tool.
	handlers map[string]server.ToolHandlerFunc
}

// ServerConfig configures the MCP server
type ServerConfig struct {
	// Name is the server name (default: "polybugger")
	Name string

	// Version is the polybugger version
	Version string

	// Sessions owns the live debug sessions. Required.
	Sessions *session.Manager

	// Remote runs container attach and launch. Container tools are not
	// registered when nil.
	Remote *remote.Pipeline

	// RateLimit configures tool call throttling. Zero values use defaults.
	RateLimit RateLimitConfig

	Logger *slog.Logger
}

// toolHandler produces the JSON-encodable result of a tool call.
type toolHandler func(ctx context.Context, request mcp.CallToolRequest) (any, error)

// fallbackCodes is the error code reported when a tool fails with an
// error that carries no code of its own.
var fallbackCodes = map[string]string{
	"debug_launch":                   pberrors.CodeLaunchFailed,
	"debug_attach":                   pberrors.CodeAttachFailed,
	"debug_evaluate":                 pberrors.CodeEvalError,
	"debug_inspect_variable":         pberrors.CodeInspectionError,
	"debug_container_attach":         pberrors.CodeAttachFailed,
	"debug_container_launch":         pberrors.CodeLaunchFailed,
	"debug_container_list_processes": pberrors.CodeContainerError,
}

// launchTools start processes and draw from the launch budget as well.
var launchTools = map[string]bool{
	"debug_launch":           true,
	"debug_attach":           true,
	"debug_container_attach": true,
	"debug_container_launch": true,
}

// NewServer creates a new MCP server instance
func NewServer(config ServerConfig) (*Server, error) {
	if config.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if config.Name == "" {
		config.Name = "polybugger"
	}
	if config.Version == "" {
		config.Version = "dev"
	}
	logger := config.Logger
	if logger == nil {
		logger = pblog.Discard()
	}

	s := &Server{
		mcpServer:   server.NewMCPServer(config.Name, config.Version, server.WithToolCapabilities(false)),
		name:        config.Name,
		version:     config.Version,
		rateLimiter: NewRateLimiter(config.RateLimit),
		sessions:    config.Sessions,
		remote:      config.Remote,
		logger:      pblog.WithComponent(logger, "mcp-server"),
		handlers:    make(map[string]server.ToolHandlerFunc),
	}

	s.registerSessionTools()
	s.registerBreakpointTools()
	s.registerExecutionTools()
	s.registerInspectionTools()
	s.registerWatchTools()
	s.registerEventTools()
	if s.remote != nil {
		s.registerContainerTools()
	}

	return s, nil
}

// addTool registers a tool whose handler result is returned as JSON text.
func (s *Server) addTool(tool mcp.Tool, handle toolHandler) {
	h := s.wrap(tool.Name, handle)
	s.handlers[tool.Name] = h
	s.mcpServer.AddTool(tool, h)
}

// ToolNames returns the registered tool names, sorted.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallTool invokes a registered tool directly, bypassing the transport.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	var request mcp.CallToolRequest
	request.Params.Name = name
	request.Params.Arguments = args
	return h(ctx, request)
}

// wrap applies rate limiting, metrics and error encoding around handle.
func (s *Server) wrap(name string, handle toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !s.rateLimiter.AllowCall() || (launchTools[name] && !s.rateLimiter.AllowLaunch()) {
			metrics.RecordToolCall(name, metrics.OutcomeFailure)
			return errorResponse(pberrors.E(pberrors.CodeRateLimited, "rate limit exceeded for %s, retry shortly", name), ""), nil
		}

		result, err := handle(ctx, request)
		if err != nil {
			outcome := metrics.OutcomeFailure
			if pberrors.HasCode(err, pberrors.CodeTimeout) {
				outcome = metrics.OutcomeTimeout
			}
			metrics.RecordToolCall(name, outcome)
			s.logger.Debug("tool call failed",
				slog.String("tool", name),
				slog.String("code", pberrors.CodeOf(err, fallbackCode(name))),
				pblog.Error(err))
			return errorResponse(err, fallbackCode(name)), nil
		}

		metrics.RecordToolCall(name, metrics.OutcomeSuccess)
		return jsonResponse(result), nil
	}
}

func fallbackCode(tool string) string {
	if code, ok := fallbackCodes[tool]; ok {
		return code
	}
	return pberrors.CodeInternal
}

// Run serves MCP over stdio until ctx is cancelled or stdin closes
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting polybugger MCP server",
		slog.String("version", s.version),
		slog.Int("tools", len(s.handlers)))

	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

// Shutdown persists and terminates every live session
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down polybugger MCP server")
	return s.sessions.Shutdown(ctx)
}

// errorPayload is the body of a failed tool call.
type errorPayload struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// errorResponse encodes err with its stable code. fallback is used when err
// carries no code.
func errorResponse(err error, fallback string) *mcp.CallToolResult {
	if fallback == "" {
		fallback = pberrors.CodeInternal
	}
	payload := errorPayload{
		Error:   err.Error(),
		Code:    pberrors.CodeOf(err, fallback),
		Details: pberrors.DetailsOf(err),
	}
	extra := map[string]any{}
	if hint := suggestionOf(err); hint != "" {
		extra["suggestion"] = hint
	}
	var classified pberrors.ErrorClassifier
	if pberrors.As(err, &classified) && classified.IsRetryable() {
		extra["retryable"] = true
	}
	if len(extra) > 0 {
		payload.Details = maps.Clone(payload.Details)
		if payload.Details == nil {
			payload.Details = map[string]any{}
		}
		maps.Copy(payload.Details, extra)
	}

	data, merr := json.Marshal(payload)
	if merr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(data))
}

func suggestionOf(err error) string {
	var verr *pberrors.ValidationError
	if pberrors.As(err, &verr) {
		return verr.Suggestion
	}
	var visible pberrors.UserVisibleError
	if pberrors.As(err, &visible) {
		return visible.Suggestion()
	}
	return ""
}

// jsonResponse encodes a successful result.
func jsonResponse(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResponse(pberrors.E(pberrors.CodeInternal, "failed to encode result").WithCause(err), "")
	}
	return textResponse(string(data))
}

// Helper function to create success response
func textResponse(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}
