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
	"path"
	"path/filepath"
	"strings"
)

// PathMapping rewrites source paths between the local checkout and the
// filesystem the debuggee runs on.
type PathMapping struct {
	LocalRoot  string `json:"local_root"`
	RemoteRoot string `json:"remote_root"`
}

// ToRemote rewrites a local path under LocalRoot. ok is false when p is not
// under LocalRoot.
func (m PathMapping) ToRemote(p string) (string, bool) {
	rest, ok := trimRoot(filepath.ToSlash(p), filepath.ToSlash(m.LocalRoot))
	if !ok {
		return p, false
	}
	return path.Join(m.RemoteRoot, rest), true
}

// ToLocal rewrites a remote path under RemoteRoot.
func (m PathMapping) ToLocal(p string) (string, bool) {
	rest, ok := trimRoot(p, m.RemoteRoot)
	if !ok {
		return p, false
	}
	return filepath.Join(m.LocalRoot, filepath.FromSlash(rest)), true
}

// trimRoot returns p relative to root when p equals root or lies below it.
func trimRoot(p, root string) (string, bool) {
	if root == "" {
		return "", false
	}
	root = strings.TrimSuffix(root, "/")
	if p == root {
		return "", true
	}
	if strings.HasPrefix(p, root+"/") {
		return p[len(root)+1:], true
	}
	return "", false
}

// PathMappings applies the first matching mapping.
type PathMappings []PathMapping

// ToRemote rewrites p with the first mapping whose local root contains it.
func (ms PathMappings) ToRemote(p string) string {
	for _, m := range ms {
		if r, ok := m.ToRemote(p); ok {
			return r
		}
	}
	return p
}

// ToLocal rewrites p with the first mapping whose remote root contains it.
func (ms PathMappings) ToLocal(p string) string {
	for _, m := range ms {
		if l, ok := m.ToLocal(p); ok {
			return l
		}
	}
	return p
}
