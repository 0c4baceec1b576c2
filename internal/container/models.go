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
	"strings"
	"time"

	"github.com/tombee/polybugger/internal/sshtunnel"
)

// Kind identifies a container runtime.
type Kind string

const (
	Docker     Kind = "docker"
	Podman     Kind = "podman"
	Kubernetes Kind = "kubernetes"
)

// State is the canonical container state across runtimes.
type State string

const (
	StateCreated    State = "created"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateRestarting State = "restarting"
	StateRemoving   State = "removing"
	StateExited     State = "exited"
	StateDead       State = "dead"
	StateUnknown    State = "unknown"
)

// DefaultNamespace is the Kubernetes namespace used when none is given.
const DefaultNamespace = "default"

// Target identifies a container or pod to operate on. It is built per call
// and never mutated.
type Target struct {
	Runtime Kind

	// ContainerID or ContainerName identify Docker and Podman containers.
	ContainerID   string
	ContainerName string

	// Namespace, Pod and PodContainer identify a Kubernetes container.
	Namespace    string
	Pod          string
	PodContainer string

	// SSH, when set, routes the debug connection through an SSH tunnel.
	SSH *sshtunnel.Config
}

// NewTarget builds a Target from a user-supplied reference. For Kubernetes
// ref is the pod name; otherwise it is a container name or id.
func NewTarget(kind Kind, ref, namespace, podContainer string) Target {
	t := Target{Runtime: kind}
	switch kind {
	case Kubernetes:
		t.Pod = ref
		t.Namespace = namespace
		if t.Namespace == "" {
			t.Namespace = DefaultNamespace
		}
		t.PodContainer = podContainer
	default:
		if isHexID(ref) {
			t.ContainerID = ref
		} else {
			t.ContainerName = strings.TrimPrefix(ref, "/")
		}
	}
	return t
}

// Identifier returns a human-readable reference: ns/pod[/container] for
// Kubernetes, the name or id otherwise.
func (t Target) Identifier() string {
	if t.Runtime == Kubernetes {
		id := t.namespace() + "/" + t.Pod
		if t.PodContainer != "" {
			id += "/" + t.PodContainer
		}
		return id
	}
	switch {
	case t.ContainerName != "":
		return t.ContainerName
	case t.ContainerID != "":
		return t.ContainerID
	default:
		return "unknown"
	}
}

// ref returns the name or id passed to docker-style CLIs.
func (t Target) ref() string {
	if t.ContainerName != "" {
		return t.ContainerName
	}
	return t.ContainerID
}

func (t Target) namespace() string {
	if t.Namespace == "" {
		return DefaultNamespace
	}
	return t.Namespace
}

func isHexID(s string) bool {
	if len(s) < 12 || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// Info describes a container as reported by its runtime.
type Info struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	State     State             `json:"state"`
	Image     string            `json:"image"`
	IPAddress string            `json:"ip_address,omitempty"`
	Ports     map[int]int       `json:"ports,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Created   time.Time         `json:"created,omitempty"`
}

// Running reports whether commands can be executed in the container.
func (i *Info) Running() bool {
	return i.State == StateRunning
}

// ProcessInfo describes a process inside a container.
type ProcessInfo struct {
	PID      int     `json:"pid" expr:"pid"`
	Name     string  `json:"name" expr:"name"`
	Cmdline  string  `json:"cmdline" expr:"cmdline"`
	User     string  `json:"user,omitempty" expr:"user"`
	CPU      float64 `json:"cpu_percent" expr:"cpu"`
	Mem      float64 `json:"mem_percent" expr:"mem"`
	IsPython bool    `json:"is_python" expr:"is_python"`
}

// Endpoint is a host and port reachable from this machine.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ExecOptions configures Runtime.Exec.
type ExecOptions struct {
	Env     map[string]string
	Workdir string
	User    string

	// Timeout bounds the command. Default: 30s
	Timeout time.Duration
}

// LaunchSpec configures Runtime.LaunchWithListener.
type LaunchSpec struct {
	// Command is the program and arguments run under the listener,
	// e.g. ["app.py", "--flag"] or ["-m", "mypkg"].
	Command       []string
	Port          int
	WaitForClient bool
	Env           map[string]string
	Workdir       string
}
