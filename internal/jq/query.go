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

// Package jq evaluates gojq queries against JSON documents produced by
// container runtime CLIs.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds one query evaluation.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize is the largest document Decode accepts (10MB).
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Query is a compiled jq expression. It is safe for concurrent use.
type Query struct {
	expression string
	code       *gojq.Code
}

// Compile parses and compiles expression. variables names the $-prefixed
// variables supplied positionally to First and All.
func Compile(expression string, variables ...string) (*Query, error) {
	parsed, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(parsed, gojq.WithVariables(variables))
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}
	return &Query{expression: expression, code: code}, nil
}

// MustCompile is like Compile but panics on error. Use for package-level
// queries with constant expressions.
func MustCompile(expression string, variables ...string) *Query {
	q, err := Compile(expression, variables...)
	if err != nil {
		panic(err)
	}
	return q
}

// String returns the source expression.
func (q *Query) String() string { return q.expression }

// All runs the query and collects every result.
func (q *Query) All(ctx context.Context, data any, values ...any) ([]any, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var results []any
	iter := q.code.RunWithContext(ctx, data, values...)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if _, halt := err.(*gojq.HaltError); halt {
				break
			}
			return nil, fmt.Errorf("jq %s: %w", q.expression, err)
		}
		results = append(results, v)
	}
	return results, nil
}

// First returns the first non-null result, or nil when there is none.
func (q *Query) First(ctx context.Context, data any, values ...any) (any, error) {
	results, err := q.All(ctx, data, values...)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r != nil {
			return r, nil
		}
	}
	return nil, nil
}

// FirstString runs the query and returns the first result as a string. Non-string
// results yield "".
func (q *Query) FirstString(ctx context.Context, data any, values ...any) (string, error) {
	v, err := q.First(ctx, data, values...)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// Decode parses raw JSON into the generic form gojq operates on.
func Decode(raw []byte) (any, error) {
	if len(raw) > DefaultMaxInputSize {
		return nil, fmt.Errorf("data size (%d bytes) exceeds maximum (%d bytes)", len(raw), DefaultMaxInputSize)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
