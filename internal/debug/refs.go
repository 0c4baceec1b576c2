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

// refScope tracks the frame ids and variable references handed out since
// the last stop. Handles from an earlier stop are rejected.
type refScope struct {
	generation uint64
	frames     map[int]struct{}
	vars       map[int]struct{}
}

func newRefScope() *refScope {
	return &refScope{
		frames: make(map[int]struct{}),
		vars:   make(map[int]struct{}),
	}
}

// reset invalidates every handle.
func (r *refScope) reset() {
	r.generation++
	clear(r.frames)
	clear(r.vars)
}

func (r *refScope) addFrame(id int) {
	r.frames[id] = struct{}{}
}

func (r *refScope) addVar(ref int) {
	if ref > 0 {
		r.vars[ref] = struct{}{}
	}
}

func (r *refScope) hasFrame(id int) bool {
	_, ok := r.frames[id]
	return ok
}

func (r *refScope) hasVar(ref int) bool {
	_, ok := r.vars[ref]
	return ok
}
