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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/polybugger/internal/container"
	"github.com/tombee/polybugger/internal/remote"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// fakeRuntime implements the listing half of container.Runtime. Calling
// any other method panics on the nil embedded interface.
type fakeRuntime struct {
	container.Runtime

	kind      container.Kind
	available bool
	procs     []container.ProcessInfo
	targets   []container.Target
}

func (f *fakeRuntime) Kind() container.Kind             { return f.kind }
func (f *fakeRuntime) CLI() string                      { return string(f.kind) }
func (f *fakeRuntime) IsAvailable(context.Context) bool { return f.available }

func (f *fakeRuntime) FindProcesses(_ context.Context, target container.Target) ([]container.ProcessInfo, error) {
	f.targets = append(f.targets, target)
	return f.procs, nil
}

type fakeRuntimes map[container.Kind]*fakeRuntime

func (f fakeRuntimes) Get(name string) (container.Runtime, error) {
	kind, err := container.ParseKind(name)
	if err != nil {
		return nil, err
	}
	rt, ok := f[kind]
	if !ok {
		return nil, pberrors.E(pberrors.CodeRuntimeNotAvailable, "%s not configured", kind)
	}
	return rt, nil
}

var testProcs = []container.ProcessInfo{
	{PID: 1, Name: "python", Cmdline: "python -m gunicorn app:app", User: "app", IsPython: true},
	{PID: 42, Name: "python", Cmdline: "python worker.py", User: "root", IsPython: true},
}

func newContainerServer(t *testing.T) (*Server, fakeRuntimes) {
	t.Helper()
	runtimes := fakeRuntimes{
		container.Docker:     {kind: container.Docker, available: true, procs: testProcs},
		container.Kubernetes: {kind: container.Kubernetes, available: true, procs: testProcs},
		container.Podman:     {kind: container.Podman, available: false},
	}
	pipeline := remote.NewPipeline(remote.Options{Runtimes: runtimes})
	s := newTestServer(t, func(c *ServerConfig) {
		c.Remote = pipeline
	})
	return s, runtimes
}

func TestContainerTools_Registered(t *testing.T) {
	s, _ := newContainerServer(t)
	names := s.ToolNames()
	assert.Contains(t, names, "debug_container_list_processes")
	assert.Contains(t, names, "debug_container_attach")
	assert.Contains(t, names, "debug_container_launch")
}

func TestContainerListProcesses(t *testing.T) {
	s, runtimes := newContainerServer(t)

	out := call(t, s, "debug_container_list_processes", map[string]any{
		"runtime":   "docker",
		"container": "web",
	})
	assert.Equal(t, "web", out["container"])
	assert.Equal(t, "docker", out["runtime"])
	assert.Equal(t, float64(2), out["total"])

	require.Len(t, runtimes[container.Docker].targets, 1)
	assert.Equal(t, "web", runtimes[container.Docker].targets[0].ContainerName)
}

func TestContainerListProcesses_Filter(t *testing.T) {
	s, _ := newContainerServer(t)

	out := call(t, s, "debug_container_list_processes", map[string]any{
		"runtime":   "docker",
		"container": "web",
		"filter":    `user == "root"`,
	})
	procs := out["processes"].([]any)
	require.Len(t, procs, 1)
	assert.Equal(t, float64(42), procs[0].(map[string]any)["pid"])

	errOut := callError(t, s, "debug_container_list_processes", map[string]any{
		"runtime":   "docker",
		"container": "web",
		"filter":    "user ==",
	})
	assert.Equal(t, pberrors.CodeInvalidArgs, errOut.Code)
	assert.NotEmpty(t, errOut.Details["suggestion"])
}

func TestContainerListProcesses_Reference(t *testing.T) {
	s, runtimes := newContainerServer(t)

	out := call(t, s, "debug_container_list_processes", map[string]any{
		"container": "k8s:staging/api/worker",
	})
	assert.Equal(t, "staging/api/worker", out["container"])
	assert.Equal(t, "kubernetes", out["runtime"])

	require.Len(t, runtimes[container.Kubernetes].targets, 1)
	target := runtimes[container.Kubernetes].targets[0]
	assert.Equal(t, "staging", target.Namespace)
	assert.Equal(t, "api", target.Pod)
	assert.Equal(t, "worker", target.PodContainer)
}

func TestContainerListProcesses_ReferenceUsesNamespaceArg(t *testing.T) {
	s, runtimes := newContainerServer(t)

	call(t, s, "debug_container_list_processes", map[string]any{
		"container": "kubernetes:api",
		"namespace": "prod",
	})
	require.Len(t, runtimes[container.Kubernetes].targets, 1)
	assert.Equal(t, "prod", runtimes[container.Kubernetes].targets[0].Namespace)
}

func TestContainerListProcesses_Errors(t *testing.T) {
	s, _ := newContainerServer(t)

	tests := []struct {
		name string
		args map[string]any
		code string
	}{
		{
			name: "missing container",
			args: map[string]any{"runtime": "docker"},
			code: pberrors.CodeInvalidArgs,
		},
		{
			name: "runtime required for plain names",
			args: map[string]any{"container": "web"},
			code: pberrors.CodeInvalidArgs,
		},
		{
			name: "unsupported runtime",
			args: map[string]any{"runtime": "lxc", "container": "web"},
			code: pberrors.CodeUnsupportedRuntime,
		},
		{
			name: "runtime not available",
			args: map[string]any{"runtime": "podman", "container": "web"},
			code: pberrors.CodeRuntimeNotAvailable,
		},
		{
			name: "ssh without user",
			args: map[string]any{"runtime": "docker", "container": "web", "ssh_host": "bastion"},
			code: pberrors.CodeInvalidArgs,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := callError(t, s, "debug_container_list_processes", tt.args)
			assert.Equal(t, tt.code, out.Code)
		})
	}
}

func TestContainerLaunch_RequiresProgramOrModule(t *testing.T) {
	s, _ := newContainerServer(t)
	id := createSession(t, s, t.TempDir())

	out := callError(t, s, "debug_container_launch", map[string]any{
		"session_id": id,
		"runtime":    "docker",
		"container":  "web",
	})
	assert.Equal(t, pberrors.CodeInvalidArgs, out.Code)
}

func TestContainerAttach_InvalidPathMappings(t *testing.T) {
	s, _ := newContainerServer(t)
	id := createSession(t, s, t.TempDir())

	out := callError(t, s, "debug_container_attach", map[string]any{
		"session_id":    id,
		"runtime":       "docker",
		"container":     "web",
		"path_mappings": []any{map[string]any{"local_root": ".", "remote_root": "app"}},
	})
	assert.Equal(t, pberrors.CodeInvalidArgs, out.Code)
}

func TestSSHConfig(t *testing.T) {
	cfg, err := sshConfig(requestWith(map[string]any{"runtime": "docker"}))
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = sshConfig(requestWith(map[string]any{
		"ssh_host":      "10.0.0.5",
		"ssh_user":      "deploy",
		"ssh_port":      2222.0,
		"ssh_key_path":  "/keys/id_ed25519",
		"ssh_jump_host": "bastion",
	}))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, "deploy", cfg.User)
	assert.Equal(t, 2222, cfg.Port)
	assert.Equal(t, "/keys/id_ed25519", cfg.KeyPath)
	assert.Equal(t, "bastion", cfg.JumpHost)
}
