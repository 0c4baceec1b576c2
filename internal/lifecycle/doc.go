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

/*
Package lifecycle runs and supervises the external processes polybugger
depends on: container runtime CLIs, ssh, kubectl port-forward and local debug
adapters.

# One-shot Commands

Run executes a command with a hard timeout and captures its output. A
command that outlives its timeout is killed together with its process group
and reported as a timed-out result rather than an error:

	res, err := lifecycle.Run(ctx, "docker", []string{"ps"}, lifecycle.RunOptions{
	    Timeout: 5 * time.Second,
	})
	if err != nil {
	    // binary missing or ctx cancelled
	}
	if res.TimedOut {
	    // never finished
	}

# Long-lived Processes

Spawn starts a background process and returns a Handle whose liveness is
derived from the process exit status. Close is idempotent and always leaves
the process dead: SIGTERM first, SIGKILL after the grace period.

	h, err := lifecycle.Spawn(ctx, "ssh", args, lifecycle.SpawnOptions{})
	defer h.Close()

# Readiness

WaitForPort polls a local TCP address until it accepts a connection, the
owning process exits, or the timeout elapses.
*/
package lifecycle
