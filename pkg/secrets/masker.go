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

// Package secrets masks sensitive values before they reach logs.
//
// Debug launches carry the debuggee's environment, which routinely holds
// tokens and passwords. Anything derived from that environment is passed
// through a Masker before it is logged.
package secrets

import (
	"encoding/json"
	"strings"
)

// Redacted replaces every masked value.
const Redacted = "***"

// minSecretLen keeps short values such as "1" or "on" from being masked
// everywhere they appear.
const minSecretLen = 4

// defaultSuffixes mark environment keys whose values are secret.
var defaultSuffixes = []string{
	"_TOKEN",
	"_SECRET",
	"_KEY",
	"_PASSWORD",
	"_PASS",
	"_PWD",
	"_CREDENTIALS",
}

// Masker replaces known secret values in strings and JSON documents.
// A Masker is not safe for concurrent mutation; build it, then share it.
type Masker struct {
	suffixes []string
	secrets  map[string]struct{}
}

// NewMasker creates a masker with the default key patterns.
func NewMasker() *Masker {
	return &Masker{
		suffixes: defaultSuffixes,
		secrets:  make(map[string]struct{}),
	}
}

// AddSecret registers a value to be masked.
func (m *Masker) AddSecret(value string) {
	if len(value) >= minSecretLen {
		m.secrets[value] = struct{}{}
	}
}

// AddSecretsFromEnv registers the values of env keys that look secret.
func (m *Masker) AddSecretsFromEnv(env map[string]string) {
	for key, value := range env {
		if IsSecretKey(key) {
			m.AddSecret(value)
		}
	}
}

// IsSecretKey reports whether an environment key likely holds a secret.
func IsSecretKey(key string) bool {
	upper := strings.ToUpper(key)
	if upper == "PASSWORD" || upper == "TOKEN" || upper == "SECRET" {
		return true
	}
	for _, suffix := range defaultSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// Empty reports whether no secrets are registered.
func (m *Masker) Empty() bool {
	return len(m.secrets) == 0
}

// Mask replaces every registered secret in s.
func (m *Masker) Mask(s string) string {
	for secret := range m.secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, Redacted)
		}
	}
	return s
}

// MaskEnv returns a copy of env with secret-looking values redacted.
func MaskEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if IsSecretKey(k) && v != "" {
			v = Redacted
		}
		out[k] = v
	}
	return out
}

// MaskValue masks strings anywhere inside a decoded JSON value.
func (m *Masker) MaskValue(v any) any {
	switch val := v.(type) {
	case string:
		return m.Mask(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = m.MaskValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.MaskValue(item)
		}
		return out
	default:
		return val
	}
}

// MaskJSON masks secrets in a JSON document. Invalid JSON is masked as
// plain text.
func (m *Masker) MaskJSON(doc []byte) string {
	if m.Empty() {
		return string(doc)
	}
	var data any
	if err := json.Unmarshal(doc, &data); err != nil {
		return m.Mask(string(doc))
	}
	out, err := json.Marshal(m.MaskValue(data))
	if err != nil {
		return m.Mask(string(doc))
	}
	return string(out)
}

// MaskLaunchArguments masks a debug adapter launch or attach argument
// document: the values of secret-looking keys in its "env" object are
// redacted wherever they appear.
func MaskLaunchArguments(doc []byte) string {
	var args struct {
		Env map[string]any `json:"env"`
	}
	if err := json.Unmarshal(doc, &args); err != nil || len(args.Env) == 0 {
		return string(doc)
	}
	m := NewMasker()
	for k, v := range args.Env {
		if s, ok := v.(string); ok && IsSecretKey(k) {
			m.AddSecret(s)
		}
	}
	return m.MaskJSON(doc)
}
