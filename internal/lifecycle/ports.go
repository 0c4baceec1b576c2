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
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultPollInterval is the readiness polling interval.
const DefaultPollInterval = 200 * time.Millisecond

// FreePort asks the kernel for an unused local TCP port.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// LocalAddr formats a loopback address for port.
func LocalAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// WaitForPort polls addr every interval until a TCP connection succeeds.
//
// It returns ErrProcessExited (wrapped) if owner exits first, a
// *ReadyTimeoutError once timeout elapses, or ctx.Err() on cancellation.
// owner may be nil.
func WaitForPort(ctx context.Context, addr string, owner Handle, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var done <-chan struct{}
	if owner != nil {
		done = owner.Done()
	}

	for {
		conn, err := net.DialTimeout("tcp", addr, interval)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return fmt.Errorf("%w with code %d", ErrProcessExited, owner.ExitCode())
		case <-deadline.C:
			return &ReadyTimeoutError{Addr: addr, Timeout: timeout}
		case <-ticker.C:
		}
	}
}

// ReadyTimeoutError is returned by WaitForPort when the address never
// accepted a connection.
type ReadyTimeoutError struct {
	Addr    string
	Timeout time.Duration
}

func (e *ReadyTimeoutError) Error() string {
	return fmt.Sprintf("%s not ready after %v", e.Addr, e.Timeout)
}
