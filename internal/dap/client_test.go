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

package dap_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	godap "github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/polybugger/internal/dap"
	"github.com/tombee/polybugger/internal/dap/daptest"
	pblog "github.com/tombee/polybugger/internal/log"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dial(t *testing.T, srv *daptest.Server, opts ...dap.Option) *dap.Client {
	t.Helper()
	c, err := dap.Dial(testCtx(t), srv.Addr(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_RequestResponse(t *testing.T) {
	srv := daptest.NewServer(t, func(req daptest.Request) daptest.Reply {
		switch req.Command {
		case "initialize":
			return daptest.Reply{Body: dap.Capabilities{SupportsConfigurationDoneRequest: true}}
		case "threads":
			return daptest.Reply{Body: map[string]any{"threads": []dap.Thread{{ID: 1, Name: "MainThread"}}}}
		}
		return daptest.Reply{}
	})
	c := dial(t, srv)

	caps, err := c.Initialize(testCtx(t), "python")
	require.NoError(t, err)
	assert.True(t, caps.SupportsConfigurationDoneRequest)

	threads, err := c.Threads(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []dap.Thread{{ID: 1, Name: "MainThread"}}, threads)

	args := srv.Args("initialize")
	assert.Equal(t, "python", args["adapterID"])
	assert.Equal(t, true, args["linesStartAt1"])
	assert.Equal(t, []string{"initialize", "threads"}, srv.Commands())
}

func TestClient_FailedResponse(t *testing.T) {
	srv := daptest.NewServer(t, func(daptest.Request) daptest.Reply {
		return daptest.Reply{Fail: "name 'x' is not defined"}
	})
	c := dial(t, srv)

	_, err := c.Evaluate(testCtx(t), "x", 1, "repl")
	require.Error(t, err)

	var perr *pberrors.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "evaluate", perr.Command)
	assert.Equal(t, "name 'x' is not defined", perr.Message)
}

func TestClient_ErrorBodyFormatWins(t *testing.T) {
	srv := daptest.NewServer(t, func(daptest.Request) daptest.Reply {
		return daptest.Reply{Fail: "error", Body: map[string]any{"error": map[string]any{"format": "Thread 9 not found"}}}
	})
	c := dial(t, srv)

	err := c.Continue(testCtx(t), 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Thread 9 not found")
}

func TestClient_EventsInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	gotAll := make(chan struct{})

	srv := daptest.NewServer(t, func(daptest.Request) daptest.Reply {
		return daptest.Reply{Events: []daptest.Event{
			{Name: dap.EventInitialized},
			{Name: dap.EventOutput, Body: dap.OutputEventBody{Category: "stdout", Output: "hi\n"}},
			{Name: dap.EventStopped, Body: dap.StoppedEventBody{Reason: "breakpoint", ThreadID: 1}},
		}}
	})
	c := dial(t, srv, dap.WithEventHandler(func(evt dap.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt.Event)
		if len(got) == 3 {
			close(gotAll)
		}
	}))

	require.NoError(t, c.ConfigurationDone(testCtx(t)))
	require.NoError(t, c.WaitInitialized(testCtx(t)))

	select {
	case <-gotAll:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}
	assert.Equal(t, []string{dap.EventInitialized, dap.EventOutput, dap.EventStopped}, got)
}

func TestClient_StartThenWait(t *testing.T) {
	var launchReq daptest.Request
	var srv *daptest.Server
	srv = daptest.NewServer(t, func(req daptest.Request) daptest.Reply {
		switch req.Command {
		case "launch":
			launchReq = req
			return daptest.Reply{Defer: true, Events: []daptest.Event{{Name: dap.EventInitialized}}}
		case "configurationDone":
			srv.Respond(launchReq, daptest.Reply{})
		}
		return daptest.Reply{}
	})
	c := dial(t, srv)

	call, err := c.Start("launch", map[string]any{"program": "app.py"})
	require.NoError(t, err)
	require.NoError(t, c.WaitInitialized(testCtx(t)))
	require.NoError(t, c.ConfigurationDone(testCtx(t)))

	_, err = call.Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "app.py", srv.Args("launch")["program"])
}

func TestClient_PendingFailOnDisconnect(t *testing.T) {
	srv := daptest.NewServer(t, func(daptest.Request) daptest.Reply {
		return daptest.Reply{Defer: true}
	})
	c := dial(t, srv)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Threads(context.Background())
		errc <- err
	}()

	require.Eventually(t, func() bool { return len(srv.Commands()) == 1 }, 2*time.Second, 10*time.Millisecond)
	srv.DropClient()

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.True(t, errors.Is(err, dap.ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request did not fail")
	}
	<-c.Done()
	assert.Error(t, c.Err())

	_, err := c.Start("threads", nil)
	assert.ErrorIs(t, err, dap.ErrClosed)
}

func TestClient_ContextCancel(t *testing.T) {
	srv := daptest.NewServer(t, func(daptest.Request) daptest.Reply { return daptest.Reply{Defer: true} })
	c := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Pause(ctx, 1), context.DeadlineExceeded)
}

func TestClient_Close(t *testing.T) {
	srv := daptest.NewServer(t, daptest.OK)
	c, err := dap.Dial(testCtx(t), srv.Addr())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Err(), dap.ErrClosed)
	assert.ErrorIs(t, c.WaitInitialized(testCtx(t)), dap.ErrClosed)
}

func TestClient_DialFailure(t *testing.T) {
	srv := daptest.NewServer(t, daptest.OK)
	addr := srv.Addr()
	srv.Close()

	_, err := dap.Dial(testCtx(t), addr)
	assert.Error(t, err)
}

func TestClient_TypedRequests(t *testing.T) {
	srv := daptest.NewServer(t, func(req daptest.Request) daptest.Reply {
		switch req.Command {
		case "setBreakpoints":
			return daptest.Reply{Body: map[string]any{"breakpoints": []dap.Breakpoint{
				{Verified: true, Line: 10},
				{Verified: false, Line: 20, Message: "no code"},
			}}}
		case "stackTrace":
			return daptest.Reply{Body: map[string]any{"stackFrames": []dap.StackFrame{
				{ID: 1, Name: "main", Source: &dap.Source{Path: "/app/main.py"}, Line: 10, Column: 1},
			}}}
		case "scopes":
			return daptest.Reply{Body: map[string]any{"scopes": []dap.Scope{{Name: "Locals", VariablesReference: 7}}}}
		case "variables":
			return daptest.Reply{Body: map[string]any{"variables": []dap.Variable{{Name: "x", Value: "1", Type: "int"}}}}
		case "evaluate":
			return daptest.Reply{Body: dap.EvaluateResult{Result: "2", Type: "int"}}
		}
		return daptest.Reply{}
	})
	c := dial(t, srv)
	ctx := testCtx(t)

	bps, err := c.SetBreakpoints(ctx, "/app/main.py", []godap.SourceBreakpoint{{Line: 10, Condition: "x > 1"}, {Line: 20}})
	require.NoError(t, err)
	require.Len(t, bps, 2)
	assert.False(t, bps[1].Verified)
	assert.Equal(t, "no code", bps[1].Message)

	args := srv.Args("setBreakpoints")
	assert.Equal(t, "/app/main.py", args["source"].(map[string]any)["path"])
	first := args["breakpoints"].([]any)[0].(map[string]any)
	assert.Equal(t, "x > 1", first["condition"])

	frames, total, err := c.StackTrace(ctx, 1, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "/app/main.py", frames[0].Source.Path)

	scopes, err := c.Scopes(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 7, scopes[0].VariablesReference)

	vars, err := c.Variables(ctx, 7, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "x", vars[0].Name)

	res, err := c.Evaluate(ctx, "x + 1", 1, "repl")
	require.NoError(t, err)
	assert.Equal(t, "2", res.Result)

	require.NoError(t, c.SetExceptionBreakpoints(ctx, nil))
	assert.Equal(t, []any{}, srv.Args("setExceptionBreakpoints")["filters"])

	require.NoError(t, c.Next(ctx, 1))
	require.NoError(t, c.StepIn(ctx, 1))
	require.NoError(t, c.StepOut(ctx, 1))
	require.NoError(t, c.Disconnect(ctx, true))
	assert.Equal(t, true, srv.Args("disconnect")["terminateDebuggee"])
}

func TestClient_RejectsReverseRequest(t *testing.T) {
	srv := daptest.NewServer(t, daptest.OK)
	c := dial(t, srv)

	require.NoError(t, c.ConfigurationDone(testCtx(t)))
	srv.SendRequest("runInTerminal", map[string]any{"args": []string{"python"}})

	require.Eventually(t, func() bool {
		for _, r := range srv.Requests() {
			if r.Type == "response" && r.Command == "runInTerminal" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

// syncBuffer is a bytes.Buffer safe for the client's concurrent logging.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClient_TraceMasksLaunchSecrets(t *testing.T) {
	srv := daptest.NewServer(t, func(daptest.Request) daptest.Reply { return daptest.Reply{} })

	var logs syncBuffer
	logger := pblog.New(&pblog.Config{Level: "trace", Format: pblog.FormatJSON, Output: &logs})
	c := dial(t, srv, dap.WithLogger(logger))

	_, err := c.Request(testCtx(t), "launch", map[string]any{
		"program": "/app/main.py",
		"env":     map[string]string{"DB_PASSWORD": "correct-horse", "PORT": "8000"},
	})
	require.NoError(t, err)

	out := logs.String()
	assert.Contains(t, out, `"command":"launch"`)
	assert.Contains(t, out, "8000")
	assert.NotContains(t, out, "correct-horse")
}
