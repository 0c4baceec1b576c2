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

// Package dap is a Debug Adapter Protocol client.
//
// Framing (Content-Length headers) and request argument types come from
// github.com/google/go-dap. Message envelopes keep their bodies raw so the
// client works against any adapter version; bodies are decoded into the
// small set of types defined here.
//
// A Client correlates responses to requests by sequence number and hands
// every event to one handler, in arrival order, from its receive loop.
// Handlers must not block on client requests.
package dap
