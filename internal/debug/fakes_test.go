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
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/tombee/polybugger/internal/dap/daptest"
)

// fakeProc is a lifecycle.Handle that never runs anything.
type fakeProc struct {
	once   sync.Once
	done   chan struct{}
	stderr string

	mu     sync.Mutex
	closed int
}

func newFakeProc() *fakeProc { return &fakeProc{done: make(chan struct{})} }

func (p *fakeProc) Pid() int { return 4242 }

func (p *fakeProc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) ExitCode() int         { return 1 }
func (p *fakeProc) Stderr() string        { return p.stderr }

func (p *fakeProc) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProc) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeBackend reuses the debugpy argument builders and points every
// adapter at a scripted server.
type fakeBackend struct {
	*Python
	addr     string
	proc     *fakeProc
	startErr error
}

func (b *fakeBackend) StartAdapter(context.Context, AdapterOptions) (*Adapter, error) {
	if b.startErr != nil {
		return nil, b.startErr
	}
	return &Adapter{Addr: b.addr, Process: b.proc}, nil
}

// adapterScript answers like debugpy: launch and attach are answered after
// configurationDone, and initialized is sent as soon as they arrive.
type adapterScript struct {
	srv *daptest.Server

	mu          sync.Mutex
	pending     *daptest.Request
	stopOnEntry bool
	failLaunch  string
	remoteFile  string

	// evaluate overrides the evaluate reply when set.
	evaluate func(expr string) daptest.Reply
}

func newAdapterScript(t *testing.T) *adapterScript {
	a := &adapterScript{remoteFile: "/srv/app/main.py"}
	a.srv = daptest.NewServer(t, a.handle)
	return a
}

func (a *adapterScript) handle(req daptest.Request) daptest.Reply {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch req.Command {
	case "initialize":
		return daptest.Reply{Body: map[string]any{"supportsConfigurationDoneRequest": true}}
	case "launch", "attach":
		if a.failLaunch != "" {
			return daptest.Reply{Fail: a.failLaunch}
		}
		r := req
		a.pending = &r
		return daptest.Reply{Defer: true, Events: []daptest.Event{{Name: "initialized"}}}
	case "setBreakpoints":
		var args struct {
			Breakpoints []struct {
				Line int `json:"line"`
			} `json:"breakpoints"`
		}
		decodeArgs(req, &args)
		bps := make([]map[string]any, len(args.Breakpoints))
		for i, bp := range args.Breakpoints {
			bps[i] = map[string]any{"id": i + 1, "verified": bp.Line != 999, "line": bp.Line}
			if bp.Line == 999 {
				bps[i]["message"] = "line out of range"
			}
		}
		return daptest.Reply{Body: map[string]any{"breakpoints": bps}}
	case "configurationDone":
		if a.pending != nil {
			a.srv.Respond(*a.pending, daptest.Reply{})
			a.pending = nil
		}
		if a.stopOnEntry {
			return daptest.Reply{Events: []daptest.Event{stoppedEvent("entry")}}
		}
		return daptest.Reply{}
	case "threads":
		return daptest.Reply{Body: map[string]any{"threads": []map[string]any{{"id": 1, "name": "MainThread"}}}}
	case "stackTrace":
		return daptest.Reply{Body: map[string]any{
			"stackFrames": []map[string]any{
				{"id": 10, "name": "handler", "source": map[string]any{"path": a.remoteFile}, "line": 12, "column": 1},
				{"id": 11, "name": "<module>", "source": map[string]any{"path": a.remoteFile}, "line": 30, "column": 1},
			},
			"totalFrames": 2,
		}}
	case "scopes":
		return daptest.Reply{Body: map[string]any{"scopes": []map[string]any{
			{"name": "Locals", "variablesReference": 100},
			{"name": "Globals", "variablesReference": 200, "expensive": true},
		}}}
	case "variables":
		return daptest.Reply{Body: map[string]any{"variables": []map[string]any{
			{"name": "x", "value": "1", "type": "int", "variablesReference": 0},
			{"name": "items", "value": "[1, 2]", "type": "list", "variablesReference": 101},
		}}}
	case "evaluate":
		var args struct {
			Expression string `json:"expression"`
		}
		decodeArgs(req, &args)
		if a.evaluate != nil {
			return a.evaluate(args.Expression)
		}
		if args.Expression == "missing" {
			return daptest.Reply{Fail: "NameError: name 'missing' is not defined"}
		}
		return daptest.Reply{Body: map[string]any{"result": "42", "type": "int", "variablesReference": 0}}
	case "pause":
		return daptest.Reply{Events: []daptest.Event{stoppedEvent("pause")}}
	default:
		return daptest.Reply{}
	}
}

func (a *adapterScript) setStopOnEntry(v bool) {
	a.configure(func(a *adapterScript) { a.stopOnEntry = v })
}

// configure changes the script under its lock; the server reads it from
// its own goroutine.
func (a *adapterScript) configure(fn func(*adapterScript)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a)
}

func stoppedEvent(reason string) daptest.Event {
	return daptest.Event{Name: "stopped", Body: map[string]any{"reason": reason, "threadId": 1, "allThreadsStopped": true}}
}

func newTestSession(t *testing.T, a *adapterScript) (*Session, *fakeBackend) {
	t.Helper()
	b := &fakeBackend{Python: NewPython(PythonOptions{Interpreter: "python3"}), addr: a.srv.Addr(), proc: newFakeProc()}
	s := New(Options{ProjectRoot: t.TempDir(), Language: LanguagePython, Backend: b})
	t.Cleanup(func() { s.Terminate(context.Background()) })
	return s, b
}

func decodeArgs(req daptest.Request, v any) {
	_ = json.Unmarshal(req.Arguments, v)
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}

func itoa(i int) string { return strconv.Itoa(i) }
