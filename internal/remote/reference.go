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

// Package remote orchestrates debugging inside containers: it resolves a
// target, finds or starts a python process under a debug listener,
// resolves a reachable endpoint (through an SSH tunnel when configured) and
// attaches a session to it.
package remote

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tombee/polybugger/internal/container"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// Reference is a parsed container reference.
// Format: runtime:target
// Examples:
//   - docker:web
//   - podman:3f2a9c1b7d4e
//   - kubernetes:api-7d9f
//   - kubernetes:staging/api-7d9f
//   - k8s:staging/api-7d9f/worker
type Reference struct {
	// Runtime is the container runtime kind
	Runtime container.Kind

	// Container is the container name or id, or the pod name for
	// Kubernetes
	Container string

	// Namespace is the Kubernetes namespace. Empty means default.
	Namespace string

	// PodContainer selects a container in a multi-container pod
	PodContainer string
}

var (
	// referencePattern matches runtime:target
	referencePattern = regexp.MustCompile(`^([a-zA-Z0-9]+):(.+)$`)

	// podPattern matches [namespace/]pod[/container]
	podPattern = regexp.MustCompile(`^(?:([a-z0-9][a-z0-9-]*)/)?([a-z0-9][a-z0-9.-]*)(?:/([a-z0-9][a-z0-9-]*))?$`)

	// runtimeAliases maps shorthand runtime names.
	runtimeAliases = map[string]string{
		"k8s":  string(container.Kubernetes),
		"kube": string(container.Kubernetes),
	}
)

// ParseReference parses a container reference string.
func ParseReference(ref string) (*Reference, error) {
	matches := referencePattern.FindStringSubmatch(strings.TrimSpace(ref))
	if matches == nil {
		return nil, &pberrors.ValidationError{
			Field:      "container",
			Message:    fmt.Sprintf("invalid reference format: %s (expected runtime:target)", ref),
			Suggestion: "e.g. docker:web or kubernetes:namespace/pod/container",
		}
	}

	name := strings.ToLower(matches[1])
	if alias, ok := runtimeAliases[name]; ok {
		name = alias
	}
	kind, err := container.ParseKind(name)
	if err != nil {
		return nil, err
	}

	r := &Reference{Runtime: kind}
	if kind != container.Kubernetes {
		r.Container = matches[2]
		return r, nil
	}

	pod := podPattern.FindStringSubmatch(matches[2])
	if pod == nil {
		return nil, &pberrors.ValidationError{
			Field:   "container",
			Message: fmt.Sprintf("invalid pod reference: %s (expected [namespace/]pod[/container])", matches[2]),
		}
	}
	r.Namespace = pod[1]
	r.Container = pod[2]
	r.PodContainer = pod[3]
	return r, nil
}

// Target converts the reference to a container target.
func (r *Reference) Target() container.Target {
	return container.NewTarget(r.Runtime, r.Container, r.Namespace, r.PodContainer)
}

// String returns the canonical string representation of the reference.
func (r *Reference) String() string {
	if r.Runtime != container.Kubernetes {
		return fmt.Sprintf("%s:%s", r.Runtime, r.Container)
	}
	ns := r.Namespace
	if ns == "" {
		ns = container.DefaultNamespace
	}
	s := fmt.Sprintf("%s:%s/%s", r.Runtime, ns, r.Container)
	if r.PodContainer != "" {
		s += "/" + r.PodContainer
	}
	return s
}

// IsReference checks if a string looks like a container reference.
func IsReference(ref string) bool {
	m := referencePattern.FindStringSubmatch(ref)
	if m == nil {
		return false
	}
	name := strings.ToLower(m[1])
	if _, ok := runtimeAliases[name]; ok {
		return true
	}
	return container.IsSupported(name)
}
