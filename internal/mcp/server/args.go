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
	"encoding/json"
	"fmt"
	"math"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/polybugger/internal/debug"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// Tool arguments arrive as decoded JSON, so numbers are float64 and arrays
// are []any. These helpers convert them and report INVALID_ARGS naming the
// argument when the type is wrong.

func argError(key, format string, args ...any) error {
	return &pberrors.ValidationError{Field: key, Message: fmt.Sprintf(format, args...)}
}

func lookup(request mcp.CallToolRequest, key string) (any, bool) {
	v, ok := request.GetArguments()[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func requireString(request mcp.CallToolRequest, key string) (string, error) {
	s, err := optString(request, key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", argError(key, "is required")
	}
	return s, nil
}

func optString(request mcp.CallToolRequest, key, def string) (string, error) {
	v, ok := lookup(request, key)
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", argError(key, "must be a string")
	}
	return s, nil
}

func toInt(key string, v any) (int, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, argError(key, "must be an integer")
		}
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, argError(key, "must be an integer")
		}
		return int(i), nil
	default:
		return 0, argError(key, "must be an integer")
	}
}

func requireInt(request mcp.CallToolRequest, key string) (int, error) {
	v, ok := lookup(request, key)
	if !ok {
		return 0, argError(key, "is required")
	}
	return toInt(key, v)
}

func optInt(request mcp.CallToolRequest, key string, def int) (int, error) {
	v, ok := lookup(request, key)
	if !ok {
		return def, nil
	}
	return toInt(key, v)
}

func optFloat(request mcp.CallToolRequest, key string, def float64) (float64, error) {
	v, ok := lookup(request, key)
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, argError(key, "must be a number")
	}
}

func optBool(request mcp.CallToolRequest, key string, def bool) (bool, error) {
	v, ok := lookup(request, key)
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, argError(key, "must be a boolean")
	}
	return b, nil
}

// optBoolPtr returns nil when key is absent.
func optBoolPtr(request mcp.CallToolRequest, key string) (*bool, error) {
	if _, ok := lookup(request, key); !ok {
		return nil, nil
	}
	b, err := optBool(request, key, false)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func toSlice(key string, v any) ([]any, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, argError(key, "must be an array")
	}
	return items, nil
}

func optStrings(request mcp.CallToolRequest, key string) ([]string, error) {
	v, ok := lookup(request, key)
	if !ok {
		return nil, nil
	}
	items, err := toSlice(key, v)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, argError(key, "element %d must be a string", i)
		}
		out[i] = s
	}
	return out, nil
}

func requireInts(request mcp.CallToolRequest, key string) ([]int, error) {
	v, ok := lookup(request, key)
	if !ok {
		return nil, argError(key, "is required")
	}
	items, err := toSlice(key, v)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(items))
	for i, item := range items {
		n, err := toInt(key, item)
		if err != nil {
			return nil, argError(key, "element %d must be an integer", i)
		}
		out[i] = n
	}
	return out, nil
}

func optStringMap(request mcp.CallToolRequest, key string) (map[string]string, error) {
	v, ok := lookup(request, key)
	if !ok {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, argError(key, "must be an object of strings")
	}
	out := make(map[string]string, len(m))
	for k, item := range m {
		s, ok := item.(string)
		if !ok {
			return nil, argError(key, "value of %q must be a string", k)
		}
		out[k] = s
	}
	return out, nil
}

// sessionFor resolves the session_id argument.
func (s *Server) sessionFor(request mcp.CallToolRequest) (*debug.Session, error) {
	id, err := requireString(request, "session_id")
	if err != nil {
		return nil, err
	}
	return s.sessions.Get(id)
}
