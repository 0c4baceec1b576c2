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

package lifecycle

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesOutput(t *testing.T) {
	res, err := Run(context.Background(), "sh", []string{"-c", "echo out; echo err >&2"}, RunOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)

	assert.True(t, res.Success())
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.TimedOut)
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	res, err := Run(context.Background(), "sh", []string{"-c", "exit 3"}, RunOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)

	assert.False(t, res.Success())
	assert.Equal(t, 3, res.ExitCode)
}

func TestRun_TimeoutKillsProcess(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(), "sleep", []string{"10"}, RunOptions{Timeout: 200 * time.Millisecond})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.False(t, res.Success())
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, TimedOutMessage, res.Stderr)
	assert.Less(t, elapsed, 2*time.Second, "timeout should kill promptly")
}

func TestRun_TimeoutKillsShellChildren(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(), "sh", []string{"-c", "sleep 10; echo done"}, RunOptions{Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRun_EnvAndDir(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), "sh", []string{"-c", "echo $PB_TEST_VAR; pwd"}, RunOptions{
		Env: []string{"PB_TEST_VAR=hello"},
		Dir: dir,
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "hello", lines[0])
	assert.Contains(t, lines[1], dir[len(dir)-8:])
}

func TestRun_MissingBinary(t *testing.T) {
	_, err := Run(context.Background(), "polybugger-no-such-binary", nil, RunOptions{})
	assert.Error(t, err)
}

func TestRun_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := Run(ctx, "sleep", []string{"10"}, RunOptions{Timeout: 10 * time.Second})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.TimedOut)
}

func TestRunnerFunc(t *testing.T) {
	var got []string
	r := RunnerFunc(func(_ context.Context, name string, args []string, _ RunOptions) (ExecResult, error) {
		got = append([]string{name}, args...)
		return ExecResult{Stdout: "ok"}, nil
	})

	res, err := r.Run(context.Background(), "docker", []string{"ps"}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
	assert.Equal(t, []string{"docker", "ps"}, got)
}
