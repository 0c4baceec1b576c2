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
	"github.com/mark3labs/mcp-go/mcp"
)

// objectSchema builds a tool input schema.
func objectSchema(properties map[string]any, required ...string) mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

func prop(typ, description string) map[string]any {
	return map[string]any{
		"type":        typ,
		"description": description,
	}
}

func enumProp(description string, values ...string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
		"enum":        values,
	}
}

func arrayProp(itemType, description string) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": description,
		"items":       map[string]any{"type": itemType},
	}
}

func sessionIDProp() map[string]any {
	return prop("string", "Session ID from debug_create_session")
}

func pathMappingsProp() map[string]any {
	return map[string]any{
		"type":        "array",
		"description": "Local/remote path mappings for source files",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"local_root":  prop("string", "Path on this machine (relative paths resolve against the project root)"),
				"remote_root": prop("string", "Absolute path where the debuggee sees the same files"),
			},
			"required": []string{"local_root", "remote_root"},
		},
	}
}
