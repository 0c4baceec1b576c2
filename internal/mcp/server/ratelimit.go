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
	"golang.org/x/time/rate"
)

// Default rate limits.
const (
	DefaultCallsPerSecond    = 20
	DefaultCallBurst         = 40
	DefaultLaunchesPerMinute = 30
)

// RateLimitConfig configures tool call throttling.
type RateLimitConfig struct {
	// CallsPerSecond is the sustained rate of tool calls.
	CallsPerSecond float64

	// Burst is the number of calls allowed at once.
	Burst int

	// LaunchesPerMinute bounds the tools that start processes (launch,
	// attach and their container variants).
	LaunchesPerMinute int
}

// RateLimiter implements token bucket rate limiting for MCP tool calls
type RateLimiter struct {
	calls    *rate.Limiter
	launches *rate.Limiter
}

// NewRateLimiter creates a rate limiter, filling zero fields with defaults
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.CallsPerSecond <= 0 {
		cfg.CallsPerSecond = DefaultCallsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultCallBurst
	}
	if cfg.LaunchesPerMinute <= 0 {
		cfg.LaunchesPerMinute = DefaultLaunchesPerMinute
	}
	return &RateLimiter{
		calls:    rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), cfg.Burst),
		launches: rate.NewLimiter(rate.Limit(float64(cfg.LaunchesPerMinute)/60.0), cfg.LaunchesPerMinute),
	}
}

// AllowCall checks if any tool call is allowed
func (rl *RateLimiter) AllowCall() bool {
	return rl.calls.Allow()
}

// AllowLaunch checks if a process-starting call is allowed
func (rl *RateLimiter) AllowLaunch() bool {
	return rl.launches.Allow()
}
