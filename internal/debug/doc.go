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

// Package debug implements the debug session: a state machine over one
// Debug Adapter Protocol connection.
//
// # Lifecycle
//
// A Session starts in StateCreated. Launch or Attach connects a language
// backend and moves it through StateLaunching or StateAttaching to
// StateRunning (or StatePaused when the program stops on entry). Execution
// control alternates between running and paused until the program ends or
// Terminate is called. Any failure moves the session to StateFailed.
//
// # Local state
//
// Breakpoints and watch expressions live on the session independently of
// the backend and are replayed to it on connect, so they can be set before
// launch and restored after recovery. Backend events are queued for
// polling; program output is kept in a bounded, paged buffer.
//
// # Inspection handles
//
// Frame ids and variable references are only valid while the program stays
// stopped. Every resume starts a new generation; handles from an earlier
// generation are rejected as stale.
//
// # Concurrency
//
// Protocol operations on one session are serialized. PollEvents waits
// outside that lock, and Terminate closes the event queue so blocked
// pollers return.
package debug
