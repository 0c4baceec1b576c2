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
	"context"
	"log/slog"
	"sort"

	"github.com/tombee/polybugger/internal/lifecycle"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// LaunchConfig describes a program to start under the debugger. Exactly one
// of Program and Module is set.
type LaunchConfig struct {
	Program         string
	Module          string
	Args            []string
	Cwd             string
	Env             map[string]string
	StopOnEntry     bool
	StopOnException bool

	// PythonPath overrides the session interpreter.
	PythonPath string

	// JustMyCode limits stepping to user code. nil leaves the backend default.
	JustMyCode *bool
}

// AttachConfig describes a running debuggee. A non-zero ProcessID attaches
// to a local process through a freshly started adapter; otherwise the
// session connects to Host:Port.
type AttachConfig struct {
	Host            string
	Port            int
	ProcessID       int
	PathMappings    []PathMapping
	StopOnException bool
	JustMyCode      *bool
}

// Attach defaults.
const (
	DefaultAttachHost = "localhost"
	DefaultAttachPort = 5678
)

func (c *AttachConfig) setDefaults() {
	if c.Host == "" {
		c.Host = DefaultAttachHost
	}
	if c.Port == 0 {
		c.Port = DefaultAttachPort
	}
}

// AdapterOptions configures a locally started debug adapter.
type AdapterOptions struct {
	PythonPath string
	Cwd        string
	Logger     *slog.Logger
}

// Adapter is a started debug adapter. Process is nil when the adapter is
// not owned by polybugger.
type Adapter struct {
	Addr    string
	Process lifecycle.Handle
}

// Backend knows how to start and drive one language's debug adapter.
type Backend interface {
	// Language is the name callers select the backend by.
	Language() string

	// AdapterID is sent in the initialize request.
	AdapterID() string

	// StartAdapter starts a local adapter and returns its address once it
	// accepts connections.
	StartAdapter(ctx context.Context, opts AdapterOptions) (*Adapter, error)

	LaunchArguments(cfg LaunchConfig) map[string]any
	AttachArguments(cfg AttachConfig) map[string]any

	// ExceptionFilters returns the setExceptionBreakpoints filters.
	ExceptionFilters(stopOnException bool) []string
}

// Registry is the static table of language backends.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry builds a registry from backends. Later entries replace
// earlier ones with the same language.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		r.backends[b.Language()] = b
	}
	return r
}

// DefaultRegistry returns the built-in backends.
func DefaultRegistry(spawner lifecycle.Spawner) *Registry {
	return NewRegistry(NewPython(PythonOptions{Spawner: spawner}))
}

// Get returns the backend for language.
func (r *Registry) Get(language string) (Backend, error) {
	if b, ok := r.backends[language]; ok {
		return b, nil
	}
	return nil, pberrors.E(pberrors.CodeUnsupportedLanguage, "unsupported language: %s", language).
		WithDetail("language", language).
		WithDetail("supported", r.Languages())
}

// Languages lists the registered languages in sorted order.
func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.backends))
	for l := range r.backends {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
