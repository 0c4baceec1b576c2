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

package dap

import (
	"context"

	"github.com/google/go-dap"
)

// ClientID identifies this client to adapters.
const ClientID = "polybugger"

// Initialize performs the initialize handshake and returns the adapter's
// capabilities.
func (c *Client) Initialize(ctx context.Context, adapterID string) (*Capabilities, error) {
	resp, err := c.Request(ctx, "initialize", dap.InitializeRequestArguments{
		ClientID:             ClientID,
		ClientName:           ClientID,
		AdapterID:            adapterID,
		Locale:               "en-US",
		LinesStartAt1:        true,
		ColumnsStartAt1:      true,
		PathFormat:           "path",
		SupportsVariableType: true,
	})
	if err != nil {
		return nil, err
	}
	caps, err := decodeBody[Capabilities](resp)
	if err != nil {
		return nil, err
	}
	return &caps, nil
}

// SetBreakpoints replaces the breakpoints of one source file.
func (c *Client) SetBreakpoints(ctx context.Context, path string, bps []dap.SourceBreakpoint) ([]Breakpoint, error) {
	if bps == nil {
		bps = []dap.SourceBreakpoint{}
	}
	resp, err := c.Request(ctx, "setBreakpoints", dap.SetBreakpointsArguments{
		Source:      dap.Source{Path: path},
		Breakpoints: bps,
	})
	if err != nil {
		return nil, err
	}
	body, err := decodeBody[struct {
		Breakpoints []Breakpoint `json:"breakpoints"`
	}](resp)
	return body.Breakpoints, err
}

// SetExceptionBreakpoints sets the active exception filters.
func (c *Client) SetExceptionBreakpoints(ctx context.Context, filters []string) error {
	if filters == nil {
		filters = []string{}
	}
	_, err := c.Request(ctx, "setExceptionBreakpoints", dap.SetExceptionBreakpointsArguments{Filters: filters})
	return err
}

// ConfigurationDone ends the configuration phase.
func (c *Client) ConfigurationDone(ctx context.Context) error {
	_, err := c.Request(ctx, "configurationDone", nil)
	return err
}

// Continue resumes the thread.
func (c *Client) Continue(ctx context.Context, threadID int) error {
	_, err := c.Request(ctx, "continue", dap.ContinueArguments{ThreadId: threadID})
	return err
}

// Next steps over.
func (c *Client) Next(ctx context.Context, threadID int) error {
	_, err := c.Request(ctx, "next", dap.NextArguments{ThreadId: threadID})
	return err
}

// StepIn steps into.
func (c *Client) StepIn(ctx context.Context, threadID int) error {
	_, err := c.Request(ctx, "stepIn", dap.StepInArguments{ThreadId: threadID})
	return err
}

// StepOut steps out.
func (c *Client) StepOut(ctx context.Context, threadID int) error {
	_, err := c.Request(ctx, "stepOut", dap.StepOutArguments{ThreadId: threadID})
	return err
}

// Pause suspends the thread.
func (c *Client) Pause(ctx context.Context, threadID int) error {
	_, err := c.Request(ctx, "pause", dap.PauseArguments{ThreadId: threadID})
	return err
}

// Threads lists debuggee threads.
func (c *Client) Threads(ctx context.Context) ([]Thread, error) {
	resp, err := c.Request(ctx, "threads", nil)
	if err != nil {
		return nil, err
	}
	body, err := decodeBody[struct {
		Threads []Thread `json:"threads"`
	}](resp)
	return body.Threads, err
}

// StackTrace returns up to levels frames of the thread's stack starting at
// startFrame, and the total frame count when the adapter reports it.
func (c *Client) StackTrace(ctx context.Context, threadID, startFrame, levels int) ([]StackFrame, int, error) {
	resp, err := c.Request(ctx, "stackTrace", dap.StackTraceArguments{
		ThreadId:   threadID,
		StartFrame: startFrame,
		Levels:     levels,
	})
	if err != nil {
		return nil, 0, err
	}
	body, err := decodeBody[struct {
		StackFrames []StackFrame `json:"stackFrames"`
		TotalFrames int          `json:"totalFrames"`
	}](resp)
	if err != nil {
		return nil, 0, err
	}
	total := body.TotalFrames
	if total == 0 {
		total = len(body.StackFrames)
	}
	return body.StackFrames, total, nil
}

// Scopes returns the scopes of a frame.
func (c *Client) Scopes(ctx context.Context, frameID int) ([]Scope, error) {
	resp, err := c.Request(ctx, "scopes", dap.ScopesArguments{FrameId: frameID})
	if err != nil {
		return nil, err
	}
	body, err := decodeBody[struct {
		Scopes []Scope `json:"scopes"`
	}](resp)
	return body.Scopes, err
}

// Variables expands a variables reference. A zero count means all.
func (c *Client) Variables(ctx context.Context, ref, start, count int) ([]Variable, error) {
	resp, err := c.Request(ctx, "variables", dap.VariablesArguments{
		VariablesReference: ref,
		Start:              start,
		Count:              count,
	})
	if err != nil {
		return nil, err
	}
	body, err := decodeBody[struct {
		Variables []Variable `json:"variables"`
	}](resp)
	return body.Variables, err
}

// Evaluate evaluates an expression in a frame. evalContext is one of
// "watch", "repl", "hover" or "clipboard".
func (c *Client) Evaluate(ctx context.Context, expression string, frameID int, evalContext string) (*EvaluateResult, error) {
	resp, err := c.Request(ctx, "evaluate", dap.EvaluateArguments{
		Expression: expression,
		FrameId:    frameID,
		Context:    evalContext,
	})
	if err != nil {
		return nil, err
	}
	res, err := decodeBody[EvaluateResult](resp)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Disconnect ends the debug session, optionally terminating the debuggee.
func (c *Client) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	_, err := c.Request(ctx, "disconnect", dap.DisconnectArguments{TerminateDebuggee: terminateDebuggee})
	return err
}
