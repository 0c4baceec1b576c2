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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// TimedOutMessage is the stderr reported for a command killed on timeout.
const TimedOutMessage = "Command timed out"

// DefaultTimeout applies when RunOptions.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// ExecResult is the outcome of a one-shot command.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

// Success reports whether the command exited 0 and did not time out.
func (r ExecResult) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// RunOptions configures a one-shot command.
type RunOptions struct {
	// Env is appended to the current process environment.
	Env []string

	// Dir is the working directory.
	Dir string

	// Stdin is connected to the command's standard input. nil means /dev/null.
	Stdin io.Reader

	// Timeout bounds the command's runtime. Default: DefaultTimeout.
	Timeout time.Duration
}

// Runner executes one-shot commands. Container runtimes depend on this
// interface so tests can script CLI responses.
type Runner interface {
	Run(ctx context.Context, name string, args []string, opts RunOptions) (ExecResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, name string, args []string, opts RunOptions) (ExecResult, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, name string, args []string, opts RunOptions) (ExecResult, error) {
	return f(ctx, name, args, opts)
}

// CommandRunner is the Runner backed by os/exec.
type CommandRunner struct{}

// Run implements Runner.
func (CommandRunner) Run(ctx context.Context, name string, args []string, opts RunOptions) (ExecResult, error) {
	return Run(ctx, name, args, opts)
}

// Run executes name with args and waits for it to finish or time out.
//
// A non-zero exit is not an error: it is reported through ExecResult. An
// error is returned only when the command could not be started or when ctx
// itself was cancelled.
func Run(ctx context.Context, name string, args []string, opts RunOptions) (ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stdin = opts.Stdin

	// Kill the whole group so shells cannot leave orphans holding our pipes.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return ExecResult{ExitCode: -1}, ctx.Err()
		}
		return ExecResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   TimedOutMessage,
			TimedOut: true,
		}, nil
	}

	res := ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return ExecResult{ExitCode: -1}, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return res, nil
}

// LookPath reports whether a binary is resolvable on PATH.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
