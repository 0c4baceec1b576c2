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
	"slices"

	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateCreated    State = "created"
	StateLaunching  State = "launching"
	StateAttaching  State = "attaching"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateTerminated State = "terminated"
	StateFailed     State = "failed"
)

// transitions lists the states reachable from each non-terminal state.
var transitions = map[State][]State{
	StateCreated:   {StateLaunching, StateAttaching, StateTerminated, StateFailed},
	StateLaunching: {StateRunning, StatePaused, StateTerminated, StateFailed},
	StateAttaching: {StateRunning, StatePaused, StateTerminated, StateFailed},
	StateRunning:   {StatePaused, StateTerminated, StateFailed},
	StatePaused:    {StateRunning, StateTerminated, StateFailed},
}

// CanTransition reports whether the state graph allows s → to.
func (s State) CanTransition(to State) bool {
	return slices.Contains(transitions[s], to)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// Active reports whether a backend connection is expected.
func (s State) Active() bool {
	return s == StateRunning || s == StatePaused
}

func invalidState(op string, current State, allowed ...State) error {
	names := make([]string, len(allowed))
	for i, a := range allowed {
		names[i] = string(a)
	}
	return &pberrors.InvalidStateError{Operation: op, State: string(current), Allowed: names}
}
