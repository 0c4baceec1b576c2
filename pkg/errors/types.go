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

package errors

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// maxStderr bounds the captured stderr carried inside errors.
const maxStderr = 500

// ValidationError represents invalid caller input.
type ValidationError struct {
	// Field identifies which input failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid arguments: %s", e.Message)
}

// Code implements Coded.
func (e *ValidationError) Code() string { return CodeInvalidArgs }

// NotFoundError represents a resource that does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "session", "container", "pod")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Code implements Coded. Containers and pods report a container-specific code.
func (e *NotFoundError) Code() string {
	switch e.Resource {
	case "container", "pod":
		return CodeContainerNotFound
	default:
		return CodeNotFound
	}
}

// InvalidStateError is returned when an operation is not permitted in the
// current session state.
type InvalidStateError struct {
	Operation string
	State     string
	Allowed   []string
	// Reason overrides the generated message when set.
	Reason string
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("cannot %s in state %s", e.Operation, e.State)
	}
	return fmt.Sprintf("cannot %s in state %s (requires %s)",
		e.Operation, e.State, strings.Join(e.Allowed, " or "))
}

// Code implements Coded.
func (e *InvalidStateError) Code() string { return CodeInvalidState }

// LimitError is returned when the session admission limit is reached.
type LimitError struct {
	Limit int
}

// Error implements the error interface.
func (e *LimitError) Error() string {
	return fmt.Sprintf("maximum number of sessions (%d) reached", e.Limit)
}

// Code implements Coded.
func (e *LimitError) Code() string { return CodeSessionLimit }

// IsUserVisible implements UserVisibleError.
func (e *LimitError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *LimitError) UserMessage() string { return e.Error() }

// Suggestion implements UserVisibleError.
func (e *LimitError) Suggestion() string {
	return "Terminate an idle session with debug_terminate_session and retry"
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "sessions.timeout")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := "config error: " + e.Reason
	if e.Key != "" {
		msg = fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ExecError represents an external command that ran and exited non-zero.
type ExecError struct {
	// Command is a short description of what was run
	Command string

	// Container identifies the target the command ran in, if any
	Container string

	ExitCode int

	// Stderr is truncated to a bounded length
	Stderr string
}

// NewExecError builds an ExecError with stderr truncated.
func NewExecError(command, container string, exitCode int, stderr string) *ExecError {
	return &ExecError{
		Command:   command,
		Container: container,
		ExitCode:  exitCode,
		Stderr:    Truncate(stderr, maxStderr),
	}
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	msg := fmt.Sprintf("command %q failed with exit code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

// Code implements Coded.
func (e *ExecError) Code() string { return CodeContainerExecError }

// Details implements Detailer.
func (e *ExecError) Details() map[string]any {
	d := map[string]any{
		"command":   e.Command,
		"exit_code": e.ExitCode,
		"stderr":    e.Stderr,
	}
	if e.Container != "" {
		d["container"] = e.Container
	}
	return d
}

// SecurityError represents an operation denied by the target's security
// policy. It always carries remediation steps.
type SecurityError struct {
	Operation   string
	Container   string
	Reason      string
	Remediation []string
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	return e.Reason
}

// Code implements Coded.
func (e *SecurityError) Code() string { return CodeContainerSecurity }

// Details implements Detailer.
func (e *SecurityError) Details() map[string]any {
	return map[string]any{
		"operation":   e.Operation,
		"container":   e.Container,
		"remediation": e.Remediation,
	}
}

// IsUserVisible implements UserVisibleError.
func (e *SecurityError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *SecurityError) UserMessage() string { return e.Reason }

// Suggestion implements UserVisibleError.
func (e *SecurityError) Suggestion() string {
	return strings.Join(e.Remediation, "\n")
}

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "port-forward", "ssh tunnel")
	Operation string

	// Duration is how long the operation waited
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Code implements Coded.
func (e *TimeoutError) Code() string { return CodeTimeout }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// ProtocolError represents a malformed or unexpected debug backend response.
type ProtocolError struct {
	// Command is the request that produced the failure
	Command string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("%s: %s", e.Command, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// Code implements Coded.
func (e *ProtocolError) Code() string { return CodeProtocolError }

// Error is a general error carrying an explicit stable code and optional
// structured details.
type Error struct {
	code    string
	Message string
	Detail  map[string]any
	Cause   error
}

// E creates an Error with the given code and formatted message.
func E(code, format string, args ...any) *Error {
	return &Error{code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetail adds one structured detail.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Cause }

// Code implements Coded.
func (e *Error) Code() string { return e.code }

// Details implements Detailer.
func (e *Error) Details() map[string]any { return e.Detail }

// Truncate shortens s to at most n bytes without splitting a UTF-8
// sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
