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
	"sync"
	"syscall"
	"time"
)

// DefaultGracePeriod is how long Close waits after SIGTERM before SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// ErrProcessExited is returned when a process exits before becoming ready.
var ErrProcessExited = errors.New("process exited")

// Handle is a long-lived external process owned by polybugger.
type Handle interface {
	// Pid returns the operating system process id.
	Pid() int

	// Alive reports whether the process has not exited.
	Alive() bool

	// Done is closed when the process exits.
	Done() <-chan struct{}

	// ExitCode returns the exit status, or -1 while running.
	ExitCode() int

	// Stderr returns the captured standard error so far.
	Stderr() string

	// Close terminates the process. Safe to call more than once.
	Close() error
}

// Spawner starts long-lived processes. Tunnel and port-forward managers
// depend on this interface so tests can count spawns.
type Spawner interface {
	Spawn(ctx context.Context, name string, args []string, opts SpawnOptions) (Handle, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, name string, args []string, opts SpawnOptions) (Handle, error)

// Spawn implements Spawner.
func (f SpawnerFunc) Spawn(ctx context.Context, name string, args []string, opts SpawnOptions) (Handle, error) {
	return f(ctx, name, args, opts)
}

// SpawnOptions configures a long-lived process.
type SpawnOptions struct {
	// Env is appended to the current process environment.
	Env []string

	// Dir is the working directory.
	Dir string

	// Stdout receives standard output. nil discards it.
	Stdout io.Writer

	// GracePeriod overrides DefaultGracePeriod for Close.
	GracePeriod time.Duration
}

// ExecSpawner is the Spawner backed by os/exec.
type ExecSpawner struct{}

// Spawn implements Spawner.
func (ExecSpawner) Spawn(ctx context.Context, name string, args []string, opts SpawnOptions) (Handle, error) {
	return Spawn(ctx, name, args, opts)
}

// Process is a Handle for a spawned os/exec command. The process runs in its
// own process group with stdin attached to /dev/null.
type Process struct {
	cmd    *exec.Cmd
	stderr *syncBuffer
	grace  time.Duration

	done     chan struct{}
	exitCode int

	closeOnce sync.Once
	closeErr  error
}

// Spawn starts name with args in the background. ctx only bounds the start;
// the process lives until it exits or Close is called.
func Spawn(ctx context.Context, name string, args []string, opts SpawnOptions) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stdin = nil
	cmd.Stdout = opts.Stdout
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	p := &Process{
		cmd:      cmd,
		stderr:   stderr,
		grace:    grace,
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	p.exitCode = code
	close(p.done)
}

// Pid implements Handle.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done implements Handle.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive implements Handle.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode implements Handle.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

// Stderr implements Handle.
func (p *Process) Stderr() string { return p.stderr.String() }

// Close implements Handle. It sends SIGTERM to the process group, waits up
// to the grace period, then sends SIGKILL and waits for exit.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.terminate()
	})
	return p.closeErr
}

func (p *Process) terminate() error {
	if !p.Alive() {
		return nil
	}
	pgid := -p.cmd.Process.Pid

	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
	}

	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
		return fmt.Errorf("process %d did not die after SIGKILL", p.cmd.Process.Pid)
	}
}

// syncBuffer is a bytes.Buffer safe for a writer goroutine and concurrent
// readers.
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
