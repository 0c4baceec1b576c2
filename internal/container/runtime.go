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

// Package container adapts container runtime CLIs (docker, podman, kubectl)
// to one capability set used by the remote debugging pipeline: inspect,
// exec, process discovery, debug listener installation and injection, and
// endpoint resolution.
//
// Every runtime is driven through its CLI as a subprocess with a hard
// timeout. Status vocabularies are mapped through explicit tables; values
// missing from a table become StateUnknown.
package container

import (
	"context"

	"github.com/tombee/polybugger/internal/lifecycle"
)

// Runtime is the capability set shared by every container runtime.
type Runtime interface {
	// Kind returns the runtime kind.
	Kind() Kind

	// CLI returns the executable this runtime drives.
	CLI() string

	// IsAvailable reports whether the CLI is installed and responds.
	IsAvailable(ctx context.Context) bool

	// GetContainerInfo inspects the target.
	GetContainerInfo(ctx context.Context, target Target) (*Info, error)

	// Exec runs a command inside a running target.
	Exec(ctx context.Context, target Target, command []string, opts ExecOptions) (lifecycle.ExecResult, error)

	// FindProcesses lists python processes inside the target.
	FindProcesses(ctx context.Context, target Target) ([]ProcessInfo, error)

	// CheckListener reports whether the debug listener package is
	// importable, and its version.
	CheckListener(ctx context.Context, target Target) (bool, string, error)

	// InstallListener installs the debug listener package if missing.
	InstallListener(ctx context.Context, target Target) error

	// InjectListener attaches a listener on port to a running process.
	InjectListener(ctx context.Context, target Target, pid, port int) error

	// LaunchWithListener starts a new detached process under the listener.
	LaunchWithListener(ctx context.Context, target Target, spec LaunchSpec) error

	// GetEndpoint resolves an address reachable from this host for the
	// listener port inside the target.
	GetEndpoint(ctx context.Context, target Target, port int) (Endpoint, error)

	// Close releases runtime-owned resources such as port-forwards.
	Close() error
}
