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
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/polybugger/internal/lifecycle"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

func TestPython_LaunchArguments(t *testing.T) {
	p := NewPython(PythonOptions{Interpreter: "python3"})

	args := p.LaunchArguments(LaunchConfig{
		Program:     "/proj/app.py",
		Args:        []string{"--verbose"},
		Cwd:         "/proj",
		Env:         map[string]string{"DEBUG": "1"},
		StopOnEntry: true,
		PythonPath:  "/venv/bin/python",
	})

	assert.Equal(t, "/proj/app.py", args["program"])
	assert.NotContains(t, args, "module")
	assert.Equal(t, []string{"--verbose"}, args["args"])
	assert.Equal(t, "/proj", args["cwd"])
	assert.Equal(t, map[string]string{"DEBUG": "1"}, args["env"])
	assert.Equal(t, true, args["stopOnEntry"])
	assert.Equal(t, "internalConsole", args["console"])
	assert.Equal(t, true, args["justMyCode"])
	assert.Equal(t, []string{"/venv/bin/python"}, args["python"])
}

func TestPython_LaunchModule(t *testing.T) {
	p := NewPython(PythonOptions{Interpreter: "python3"})
	off := false

	args := p.LaunchArguments(LaunchConfig{Module: "pkg.cli", JustMyCode: &off})

	assert.Equal(t, "pkg.cli", args["module"])
	assert.NotContains(t, args, "program")
	assert.NotContains(t, args, "python")
	assert.Equal(t, []string{}, args["args"])
	assert.Equal(t, false, args["justMyCode"])
}

func TestPython_AttachArguments(t *testing.T) {
	p := NewPython(PythonOptions{Interpreter: "python3"})

	args := p.AttachArguments(AttachConfig{
		Host:         "10.0.0.5",
		Port:         5678,
		PathMappings: []PathMapping{{LocalRoot: "/src", RemoteRoot: "/app"}},
	})
	assert.Equal(t, map[string]any{"host": "10.0.0.5", "port": 5678}, args["connect"])
	assert.Equal(t, []map[string]string{{"localRoot": "/src", "remoteRoot": "/app"}}, args["pathMappings"])

	args = p.AttachArguments(AttachConfig{ProcessID: 31})
	assert.Equal(t, 31, args["processId"])
	assert.NotContains(t, args, "connect")
}

func TestPython_ExceptionFilters(t *testing.T) {
	p := NewPython(PythonOptions{Interpreter: "python3"})
	assert.Equal(t, []string{"raised", "uncaught"}, p.ExceptionFilters(true))
	assert.Equal(t, []string{}, p.ExceptionFilters(false))
}

// listenSpawner pretends to start the adapter by listening on the port
// passed with --port.
type listenSpawner struct {
	t    *testing.T
	name string
	args []string
}

func (s *listenSpawner) Spawn(_ context.Context, name string, args []string, _ lifecycle.SpawnOptions) (lifecycle.Handle, error) {
	s.name, s.args = name, args
	port := args[len(args)-1]
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
	require.NoError(s.t, err)
	s.t.Cleanup(func() { ln.Close() })
	return newFakeProc(), nil
}

func TestPython_StartAdapter(t *testing.T) {
	port, err := lifecycle.FreePort()
	require.NoError(t, err)
	spawner := &listenSpawner{t: t}
	p := NewPython(PythonOptions{
		Spawner:     spawner,
		Interpreter: "python3",
		FreePort:    func() (int, error) { return port, nil },
	})

	adapter, err := p.StartAdapter(context.Background(), AdapterOptions{PythonPath: "/venv/bin/python"})
	require.NoError(t, err)

	assert.Equal(t, lifecycle.LocalAddr(port), adapter.Addr)
	assert.NotNil(t, adapter.Process)
	assert.Equal(t, "/venv/bin/python", spawner.name)
	assert.Equal(t, []string{"-m", "debugpy.adapter", "--host", "127.0.0.1", "--port", strconv.Itoa(port)}, spawner.args)
}

func TestPython_StartAdapterProcessExits(t *testing.T) {
	proc := newFakeProc()
	proc.stderr = "No module named debugpy"
	spawner := lifecycle.SpawnerFunc(func(context.Context, string, []string, lifecycle.SpawnOptions) (lifecycle.Handle, error) {
		proc.Close()
		return proc, nil
	})
	port, err := lifecycle.FreePort()
	require.NoError(t, err)
	p := NewPython(PythonOptions{
		Spawner:      spawner,
		Interpreter:  "python3",
		FreePort:     func() (int, error) { return port, nil },
		ReadyTimeout: 2 * time.Second,
	})

	_, err = p.StartAdapter(context.Background(), AdapterOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No module named debugpy")
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry(nil)
	assert.Equal(t, []string{"python"}, r.Languages())

	b, err := r.Get("python")
	require.NoError(t, err)
	assert.Equal(t, "debugpy", b.AdapterID())

	_, err = r.Get("cobol")
	require.Error(t, err)
	assert.Equal(t, pberrors.CodeUnsupportedLanguage, pberrors.CodeOf(err, ""))
	assert.Equal(t, []string{"python"}, pberrors.DetailsOf(err)["supported"])
}
