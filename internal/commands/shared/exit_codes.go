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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// Exit codes
const (
	ExitSuccess     = 0
	ExitFailed      = 1
	ExitConfigError = 2
	ExitNotFound    = 3
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates an error for configuration that fails to load
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitConfigError,
		Message: msg,
		Cause:   cause,
	}
}

// NewNotFoundError creates an error for a missing session or container
func NewNotFoundError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitNotFound,
		Message: msg,
		Cause:   cause,
	}
}

// HandleExitError prints err and exits with the code it carries
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(reportError(os.Stderr, err))
}

// reportError writes err and any suggestion to w and returns the exit code.
func reportError(w io.Writer, err error) int {
	fmt.Fprintln(w, RenderError(err.Error()))
	printUserVisibleSuggestion(w, err)

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if pberrors.HasCode(err, pberrors.CodeNotFound) {
		return ExitNotFound
	}
	return ExitFailed
}

// printUserVisibleSuggestion prints the suggestion of the first
// UserVisibleError or ValidationError in err's chain.
func printUserVisibleSuggestion(w io.Writer, err error) {
	var suggestion string
	var verr *pberrors.ValidationError
	var userErr pberrors.UserVisibleError
	switch {
	case errors.As(err, &verr):
		suggestion = verr.Suggestion
	case errors.As(err, &userErr) && userErr.IsUserVisible():
		suggestion = userErr.Suggestion()
	}
	if suggestion != "" {
		fmt.Fprintf(w, "\n%s %s\n", Bold.Render("Suggestion:"), suggestion)
	}
}
