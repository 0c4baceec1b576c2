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

package container

import (
	"context"
	"strings"
	"sync"

	"github.com/tombee/polybugger/internal/lifecycle"
)

// fakeRunner answers CLI invocations with a handler and records them.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	handler func(args []string) lifecycle.ExecResult
}

func (f *fakeRunner) Run(_ context.Context, name string, args []string, _ lifecycle.RunOptions) (lifecycle.ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	return f.handler(args), nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

// countContaining counts recorded calls whose joined form contains s.
func (f *fakeRunner) countContaining(s string) int {
	n := 0
	for _, c := range f.commands() {
		if strings.Contains(c, s) {
			n++
		}
	}
	return n
}

func ok(stdout string) lifecycle.ExecResult {
	return lifecycle.ExecResult{Stdout: stdout}
}

func fail(code int, stderr string) lifecycle.ExecResult {
	return lifecycle.ExecResult{ExitCode: code, Stderr: stderr}
}

const runningInspect = `{
  "Id": "0123456789abcdef0123456789abcdef",
  "Name": "/web",
  "Created": "2025-01-02T03:04:05.123456789Z",
  "State": {"Status": "running"},
  "Config": {"Image": "python:3.12", "Labels": {"app": "web"}},
  "NetworkSettings": {
    "Networks": {"bridge": {"IPAddress": "172.17.0.2"}},
    "Ports": {"5678/tcp": [{"HostIp": "0.0.0.0", "HostPort": "15678"}], "80/tcp": null}
  }
}`

// dockerHandler serves inspect from inspectJSON and delegates exec calls
// to exec, keyed by the command after the container reference.
func dockerHandler(inspectJSON string, exec func(cmd []string) lifecycle.ExecResult) func([]string) lifecycle.ExecResult {
	return func(args []string) lifecycle.ExecResult {
		switch args[0] {
		case "inspect":
			return ok(inspectJSON)
		case "exec":
			i := 1
			for i < len(args) && strings.HasPrefix(args[i], "-") {
				if args[i] == "-d" {
					i++
					continue
				}
				i += 2
			}
			return exec(args[i+1:])
		}
		return fail(1, "unexpected")
	}
}
