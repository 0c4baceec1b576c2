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

package server

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/polybugger/internal/debug"
)

// pathMappings parses the path_mappings argument: a list of
// {"local_root": ..., "remote_root": ...} objects. A relative local root is
// resolved against projectRoot; remote roots must be absolute POSIX paths.
func pathMappings(request mcp.CallToolRequest, projectRoot string) ([]debug.PathMapping, error) {
	const key = "path_mappings"
	v, ok := lookup(request, key)
	if !ok {
		return nil, nil
	}
	items, err := toSlice(key, v)
	if err != nil {
		return nil, err
	}

	out := make([]debug.PathMapping, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, argError(key, "element %d must be an object", i)
		}
		local, _ := m["local_root"].(string)
		remote, _ := m["remote_root"].(string)
		if local == "" || remote == "" {
			return nil, argError(key, "element %d needs local_root and remote_root", i)
		}
		if !strings.HasPrefix(remote, "/") {
			return nil, argError(key, "remote_root %q must be absolute", remote)
		}
		if !filepath.IsAbs(local) {
			local = filepath.Join(projectRoot, local)
		}
		out = append(out, debug.PathMapping{
			LocalRoot:  filepath.Clean(local),
			RemoteRoot: path.Clean(remote),
		})
	}
	return out, nil
}

// isPathWithinDir checks if path is within or equal to dir
func isPathWithinDir(path, dir string) bool {
	path = filepath.Clean(path)
	dir = filepath.Clean(dir)

	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return false
		}
		path = absPath
	}
	if !filepath.IsAbs(dir) {
		absDir, err := filepath.Abs(dir)
		if err != nil {
			return false
		}
		dir = absDir
	}

	// Add separator to avoid false matches like /foo matching /foobar
	dirWithSep := dir + string(filepath.Separator)
	pathWithSep := path + string(filepath.Separator)

	return path == dir || strings.HasPrefix(pathWithSep, dirWithSep)
}
