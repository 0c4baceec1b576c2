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

package containers

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/polybugger/internal/commands/shared"
	"github.com/tombee/polybugger/internal/config"
	"github.com/tombee/polybugger/internal/container"
	"github.com/tombee/polybugger/internal/remote"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// fakeRuntime answers process listings; any other Runtime method panics.
type fakeRuntime struct {
	container.Runtime

	kind      container.Kind
	available bool
	procs     []container.ProcessInfo
	targets   []container.Target
}

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
	return f[kind], nil
}

func setup(t *testing.T, useJSON bool) fakeRuntimes {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))

	procs := []container.ProcessInfo{
		{PID: 1, Name: "python", Cmdline: "python -m gunicorn app:app", User: "app", CPU: 12.5, IsPython: true},
		{PID: 7, Name: "python", Cmdline: "python worker.py", User: "root", IsPython: true},
	}
	runtimes := fakeRuntimes{
		container.Docker:     {kind: container.Docker, available: true, procs: procs},
		container.Podman:     {kind: container.Podman, available: false},
		container.Kubernetes: {kind: container.Kubernetes, available: true, procs: procs},
	}

	prev := newRuntimes
	newRuntimes = func(*config.Config) (remote.Runtimes, func() error) {
		return runtimes, func() error { return nil }
	}
	jsonFlag, _, _ := shared.RegisterFlagPointers()
	*jsonFlag = useJSON
	t.Cleanup(func() {
		newRuntimes = prev
		*jsonFlag = false
	})
	return runtimes
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestPS_Table(t *testing.T) {
	setup(t, false)

	out, err := run(t, "ps", "docker:web")
	require.NoError(t, err)
	assert.Contains(t, out, "COMMAND")
	assert.Contains(t, out, "gunicorn")
	assert.Contains(t, out, "2 process(es) in web (docker)")
}

func TestPS_JSONWithFilter(t *testing.T) {
	setup(t, true)

	out, err := run(t, "ps", "docker:web", "--filter", `user == "root"`)
	require.NoError(t, err)

	var resp struct {
		Command   string                  `json:"command"`
		Container string                  `json:"container"`
		Runtime   string                  `json:"runtime"`
		Total     int                     `json:"total"`
		Processes []container.ProcessInfo `json:"processes"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "containers ps", resp.Command)
	assert.Equal(t, "docker", resp.Runtime)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, 7, resp.Processes[0].PID)
}

func TestPS_KubernetesFlags(t *testing.T) {
	runtimes := setup(t, false)

	_, err := run(t, "ps", "api", "--runtime", "kubernetes", "-n", "staging", "--container", "worker")
	require.NoError(t, err)

	require.Len(t, runtimes[container.Kubernetes].targets, 1)
	target := runtimes[container.Kubernetes].targets[0]
	assert.Equal(t, "staging", target.Namespace)
	assert.Equal(t, "worker", target.PodContainer)
}

func TestPS_ReferenceNamespaceFallback(t *testing.T) {
	runtimes := setup(t, false)

	_, err := run(t, "ps", "k8s:api", "-n", "prod")
	require.NoError(t, err)
	require.Len(t, runtimes[container.Kubernetes].targets, 1)
	assert.Equal(t, "prod", runtimes[container.Kubernetes].targets[0].Namespace)
}

func TestPS_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code string
	}{
		{"bare name without runtime", []string{"ps", "web"}, pberrors.CodeInvalidArgs},
		{"unsupported runtime", []string{"ps", "web", "--runtime", "lxc"}, pberrors.CodeUnsupportedRuntime},
		{"bad filter", []string{"ps", "docker:web", "--filter", "cpu >"}, pberrors.CodeInvalidArgs},
		{"runtime unavailable", []string{"ps", "podman:web"}, pberrors.CodeRuntimeNotAvailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup(t, false)
			_, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.code, pberrors.CodeOf(err, ""))
		})
	}
}
