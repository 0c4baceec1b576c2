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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/polybugger/internal/lifecycle"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

func newTestDocker(exec func(cmd []string) lifecycle.ExecResult) (*DockerRuntime, *fakeRunner) {
	runner := &fakeRunner{handler: dockerHandler(runningInspect, exec)}
	return NewDocker(DockerOptions{Runner: runner}), runner
}

func isImportCheck(cmd []string) bool {
	return len(cmd) == 3 && cmd[0] == "python" && cmd[1] == "-c"
}

func TestCheckListener(t *testing.T) {
	d, _ := newTestDocker(func(cmd []string) lifecycle.ExecResult {
		return ok("1.8.1\n")
	})
	installed, version, err := d.CheckListener(context.Background(), NewTarget(Docker, "web", "", ""))
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Equal(t, "1.8.1", version)

	d, _ = newTestDocker(func([]string) lifecycle.ExecResult {
		return fail(1, "ModuleNotFoundError: No module named 'debugpy'")
	})
	installed, _, err = d.CheckListener(context.Background(), NewTarget(Docker, "web", "", ""))
	require.NoError(t, err)
	assert.False(t, installed)
}

func TestInstallListener_SkipsWhenPresent(t *testing.T) {
	d, runner := newTestDocker(func([]string) lifecycle.ExecResult { return ok("1.8.0") })

	require.NoError(t, d.InstallListener(context.Background(), NewTarget(Docker, "web", "", "")))
	assert.Zero(t, runner.countContaining("install"))
}

func TestInstallListener_FallbackChain(t *testing.T) {
	d, runner := newTestDocker(func(cmd []string) lifecycle.ExecResult {
		switch {
		case isImportCheck(cmd):
			return fail(1, "no module")
		case cmd[0] == "pip", cmd[0] == "pip3":
			return fail(127, cmd[0]+": not found")
		default:
			return ok("Successfully installed debugpy")
		}
	})

	require.NoError(t, d.InstallListener(context.Background(), NewTarget(Docker, "web", "", "")))
	assert.Equal(t, 1, runner.countContaining("web pip install"))
	assert.Equal(t, 1, runner.countContaining("web pip3 install"))
	assert.Equal(t, 1, runner.countContaining("web python -m pip install"))
}

func TestInstallListener_AllFail(t *testing.T) {
	d, _ := newTestDocker(func(cmd []string) lifecycle.ExecResult {
		return fail(1, "network unreachable")
	})

	err := d.InstallListener(context.Background(), NewTarget(Docker, "web", "", ""))
	require.Error(t, err)

	var execErr *pberrors.ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "pip install debugpy", execErr.Command)
	assert.Contains(t, execErr.Stderr, "network unreachable")
}

func TestInjectListener(t *testing.T) {
	tests := []struct {
		name     string
		stderr   string
		wantCode string
	}{
		{"ptrace denied", "Error: Operation not permitted", pberrors.CodeContainerSecurity},
		{"ptrace marker", "ptrace: attach failed", pberrors.CodeContainerSecurity},
		{"eperm", "EPERM", pberrors.CodeContainerSecurity},
		{"other failure", "gdb: command not found", pberrors.CodeContainerExecError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDocker(func(cmd []string) lifecycle.ExecResult {
				if isImportCheck(cmd) {
					return ok("1.8.0")
				}
				return fail(1, tt.stderr)
			})

			err := d.InjectListener(context.Background(), NewTarget(Docker, "web", "", ""), 42, 5678)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, pberrors.CodeOf(err, ""))

			if tt.wantCode == pberrors.CodeContainerSecurity {
				var secErr *pberrors.SecurityError
				require.ErrorAs(t, err, &secErr)
				assert.Equal(t, "Cannot inject debugpy: ptrace not permitted", secErr.Reason)
				assert.NotEmpty(t, secErr.Remediation)
			}
		})
	}
}

func TestInjectListener_Success(t *testing.T) {
	d, runner := newTestDocker(func([]string) lifecycle.ExecResult { return ok("1.8.0") })

	require.NoError(t, d.InjectListener(context.Background(), NewTarget(Docker, "web", "", ""), 42, 5678))
	assert.Equal(t, 1, runner.countContaining("python -m debugpy --listen 0.0.0.0:5678 --pid 42"))
}

func TestFindProcesses(t *testing.T) {
	psOut := strings.Join([]string{
		"USER PID %CPU %MEM VSZ RSS TTY STAT START TIME COMMAND",
		"root 1 0.0 0.1 1000 2000 ? Ss 00:00 0:00 /bin/sh -c run",
		"app 7 2.0 1.0 1000 2000 ? Sl 00:00 0:01 python app.py",
	}, "\n")

	t.Run("ps", func(t *testing.T) {
		d, _ := newTestDocker(func(cmd []string) lifecycle.ExecResult { return ok(psOut) })
		procs, err := d.FindProcesses(context.Background(), NewTarget(Docker, "web", "", ""))
		require.NoError(t, err)
		require.Len(t, procs, 1)
		assert.Equal(t, 7, procs[0].PID)
	})

	t.Run("proc fallback", func(t *testing.T) {
		d, _ := newTestDocker(func(cmd []string) lifecycle.ExecResult {
			if cmd[0] == "ps" {
				return fail(127, "ps: not found")
			}
			return ok("1 (sh) /bin/sh\n9 (python3) python3 worker.py\n2 (kthreadd) \n")
		})
		procs, err := d.FindProcesses(context.Background(), NewTarget(Docker, "web", "", ""))
		require.NoError(t, err)
		require.Len(t, procs, 1)
		assert.Equal(t, 9, procs[0].PID)
		assert.Equal(t, "python3 worker.py", procs[0].Cmdline)
	})

	t.Run("both fail", func(t *testing.T) {
		d, _ := newTestDocker(func([]string) lifecycle.ExecResult { return fail(1, "nope") })
		procs, err := d.FindProcesses(context.Background(), NewTarget(Docker, "web", "", ""))
		require.NoError(t, err)
		assert.NotNil(t, procs)
		assert.Empty(t, procs)
	})
}

func TestListenerCommand(t *testing.T) {
	assert.Equal(t,
		[]string{"python", "-m", "debugpy", "--listen", "0.0.0.0:5678", "-m", "pkg"},
		listenerCommand(LaunchSpec{Command: []string{"-m", "pkg"}}))
}
