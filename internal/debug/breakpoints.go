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

package debug

import (
	"path/filepath"
	"slices"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	godap "github.com/google/go-dap"

	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// SourceBreakpoint is a line breakpoint. Verified and Message are filled in
// by the backend once the breakpoint has been sent.
type SourceBreakpoint struct {
	Line         int    `json:"line"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hit_condition,omitempty"`
	LogMessage   string `json:"log_message,omitempty"`
	Verified     bool   `json:"verified"`
	Message      string `json:"message,omitempty"`
}

// dedupeBreakpoints keeps one breakpoint per line. The last definition of a
// line wins while the line keeps the position of its first appearance.
func dedupeBreakpoints(bps []SourceBreakpoint) []SourceBreakpoint {
	out := make([]SourceBreakpoint, 0, len(bps))
	index := make(map[int]int, len(bps))
	for _, bp := range bps {
		if i, ok := index[bp.Line]; ok {
			out[i] = bp
			continue
		}
		index[bp.Line] = len(out)
		out = append(out, bp)
	}
	return out
}

func validateBreakpoints(bps []SourceBreakpoint) error {
	for _, bp := range bps {
		if bp.Line < 1 {
			return &pberrors.ValidationError{
				Field:   "lines",
				Message: "line numbers start at 1",
			}
		}
	}
	return nil
}

// toDAPBreakpoints converts the local table entries to request arguments.
func toDAPBreakpoints(bps []SourceBreakpoint) []godap.SourceBreakpoint {
	out := make([]godap.SourceBreakpoint, len(bps))
	for i, bp := range bps {
		out[i] = godap.SourceBreakpoint{
			Line:         bp.Line,
			Condition:    bp.Condition,
			HitCondition: bp.HitCondition,
			LogMessage:   bp.LogMessage,
		}
	}
	return out
}

// breakpointTable maps absolute file paths to their breakpoints. It is not
// safe for concurrent use; Session guards it.
type breakpointTable map[string][]SourceBreakpoint

func (t breakpointTable) files() []string {
	files := make([]string, 0, len(t))
	for f := range t {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

func (t breakpointTable) snapshot() map[string][]SourceBreakpoint {
	out := make(map[string][]SourceBreakpoint, len(t))
	for f, bps := range t {
		out[f] = slices.Clone(bps)
	}
	return out
}

func (t breakpointTable) set(file string, bps []SourceBreakpoint) {
	if len(bps) == 0 {
		delete(t, file)
		return
	}
	t[file] = bps
}

// match returns the files selected by pattern: every file for an empty
// pattern, the file itself for an exact path, otherwise the files matching
// the doublestar glob. Relative patterns are resolved against root.
func (t breakpointTable) match(root, pattern string) ([]string, error) {
	if pattern == "" {
		return t.files(), nil
	}
	resolved := resolvePath(root, pattern)
	if _, ok := t[resolved]; ok {
		return []string{resolved}, nil
	}
	glob := filepath.ToSlash(resolved)
	if _, err := doublestar.Match(glob, "test"); err != nil {
		return nil, &pberrors.ValidationError{
			Field:      "file_path",
			Message:    "invalid glob pattern " + pattern,
			Suggestion: "Use a file path or a glob such as src/**/*.py",
		}
	}

	var matched []string
	for _, f := range t.files() {
		if ok, _ := doublestar.Match(glob, filepath.ToSlash(f)); ok {
			matched = append(matched, f)
		}
	}
	return matched, nil
}

// resolvePath makes p absolute relative to root and cleans it.
func resolvePath(root, p string) string {
	if p == "" || filepath.IsAbs(p) || root == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}
