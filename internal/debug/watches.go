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
	"strings"
)

// watchList is an ordered list of unique expressions.
type watchList []string

func (w watchList) add(expr string) watchList {
	expr = strings.TrimSpace(expr)
	if expr == "" || slices.Contains(w, expr) {
		return w
	}
	return append(w, expr)
}

func (w watchList) remove(expr string) watchList {
	expr = strings.TrimSpace(expr)
	return slices.DeleteFunc(w, func(e string) bool { return e == expr })
}

// WatchResult is one evaluated watch expression. Error is set instead of
// Result when evaluation fails.
type WatchResult struct {
	Expression         string `json:"expression"`
	Result             string `json:"result,omitempty"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variables_reference,omitempty"`
	Error              string `json:"error,omitempty"`
}
