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
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tombee/polybugger/internal/lifecycle"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// Options carries the dependencies shared by every runtime.
type Options struct {
	Runner  lifecycle.Runner
	Spawner lifecycle.Spawner

	// KubeContext and Kubeconfig configure the Kubernetes runtime.
	KubeContext string
	Kubeconfig  string

	Logger *slog.Logger
}

type constructor func(Options) Runtime

var registry = map[Kind]constructor{
	Docker: func(o Options) Runtime {
		return NewDocker(DockerOptions{Kind: Docker, Runner: o.Runner, Logger: o.Logger})
	},
	Podman: func(o Options) Runtime {
		return NewDocker(DockerOptions{Kind: Podman, Runner: o.Runner, Logger: o.Logger})
	},
	Kubernetes: func(o Options) Runtime {
		return NewKubernetes(KubernetesOptions{
			Context:    o.KubeContext,
			Kubeconfig: o.Kubeconfig,
			Runner:     o.Runner,
			Spawner:    o.Spawner,
			Logger:     o.Logger,
		})
	},
}

// ParseKind normalizes a runtime name. Unknown names return an
// UNSUPPORTED_RUNTIME error listing the supported kinds.
func ParseKind(name string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := registry[kind]; !ok {
		return "", unsupported(name)
	}
	return kind, nil
}

// New creates a runtime by name.
func New(name string, opts Options) (Runtime, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return nil, err
	}
	return registry[kind](opts), nil
}

// Supported returns the supported runtime names, sorted.
func Supported() []string {
	out := make([]string, 0, len(registry))
	for kind := range registry {
		out = append(out, string(kind))
	}
	sort.Strings(out)
	return out
}

// IsSupported reports whether name is a supported runtime.
func IsSupported(name string) bool {
	_, err := ParseKind(name)
	return err == nil
}

func unsupported(name string) error {
	return pberrors.E(pberrors.CodeUnsupportedRuntime, "Container runtime '%s' is not supported", name).
		WithDetail("runtime", name).
		WithDetail("supported", Supported())
}

// Pool hands out one long-lived runtime per kind so that state such as
// Kubernetes port-forwards survives across calls.
type Pool struct {
	opts Options

	mu       sync.Mutex
	runtimes map[Kind]Runtime
}

// NewPool creates an empty pool.
func NewPool(opts Options) *Pool {
	return &Pool{opts: opts, runtimes: make(map[Kind]Runtime)}
}

// Get returns the pooled runtime for name, creating it on first use.
func (p *Pool) Get(name string) (Runtime, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if rt, ok := p.runtimes[kind]; ok {
		return rt, nil
	}
	rt := registry[kind](p.opts)
	p.runtimes[kind] = rt
	return rt, nil
}

// Close closes every pooled runtime.
func (p *Pool) Close() error {
	p.mu.Lock()
	runtimes := p.runtimes
	p.runtimes = make(map[Kind]Runtime)
	p.mu.Unlock()

	var errs []error
	for _, rt := range runtimes {
		if err := rt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
