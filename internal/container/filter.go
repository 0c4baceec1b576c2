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
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// Filter selects processes with a boolean expression over ProcessInfo
// fields, e.g. `cmdline contains "gunicorn" && user == "app"`.
type Filter struct {
	source  string
	program *vm.Program
}

// CompileFilter compiles a process filter. An empty expression matches
// every process.
func CompileFilter(source string) (*Filter, error) {
	if source == "" {
		return &Filter{}, nil
	}
	program, err := expr.Compile(source, expr.Env(ProcessInfo{}), expr.AsBool())
	if err != nil {
		return nil, &pberrors.ValidationError{
			Field:      "filter",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "fields: pid, name, cmdline, user, cpu, mem, is_python",
		}
	}
	return &Filter{source: source, program: program}, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.source }

// Match reports whether p satisfies the filter.
func (f *Filter) Match(p ProcessInfo) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, p)
	if err != nil {
		return false, &pberrors.ValidationError{
			Field:   "filter",
			Message: fmt.Sprintf("expression evaluation failed: %s", err.Error()),
		}
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Apply returns the processes that match, preserving order.
func (f *Filter) Apply(procs []ProcessInfo) ([]ProcessInfo, error) {
	if f == nil || f.program == nil {
		return procs, nil
	}
	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		ok, err := f.Match(p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}
