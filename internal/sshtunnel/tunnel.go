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

// Package sshtunnel manages local port-forwards through SSH servers.
//
// A Manager owns a registry of tunnels keyed by (ssh host, remote host,
// remote port). A live tunnel is reused; a dead one is replaced. Each tunnel
// is an `ssh -N -L` child process whose liveness is its exit status.
package sshtunnel

import (
	"github.com/tombee/polybugger/internal/lifecycle"
)

// Tunnel is one local port-forward through an SSH server.
type Tunnel struct {
	LocalPort  int
	RemoteHost string
	RemotePort int
	SSHHost    string
	SSHUser    string

	proc lifecycle.Handle
}

// Key returns the registry key of the tunnel.
func (t *Tunnel) Key() string {
	return Key(t.SSHHost, t.RemoteHost, t.RemotePort)
}

// LocalAddr returns the loopback address callers should connect to.
func (t *Tunnel) LocalAddr() string {
	return lifecycle.LocalAddr(t.LocalPort)
}

// Alive reports whether the ssh process is still running.
func (t *Tunnel) Alive() bool {
	return t.proc != nil && t.proc.Alive()
}

// Close terminates the ssh process. Safe to call more than once.
func (t *Tunnel) Close() error {
	if t.proc == nil {
		return nil
	}
	return t.proc.Close()
}
