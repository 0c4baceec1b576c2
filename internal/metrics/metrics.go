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

// Package metrics holds the Prometheus collectors exported by polybugger.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "polybugger_sessions_active",
			Help: "Number of live debug sessions",
		},
	)

	sessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polybugger_sessions_created_total",
			Help: "Total number of debug sessions created, including recovered ones",
		},
		[]string{"language"},
	)

	sessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polybugger_session_transitions_total",
			Help: "Total number of session state transitions by target state",
		},
		[]string{"to"},
	)

	containerExecs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polybugger_container_exec_total",
			Help: "Total number of commands executed in containers",
		},
		[]string{"runtime", "outcome"},
	)

	tunnelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "polybugger_ssh_tunnels_active",
			Help: "Number of SSH tunnels currently registered",
		},
	)

	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polybugger_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "outcome"},
	)
)

// Exec outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// SessionOpened records a newly registered session.
func SessionOpened(language string) {
	sessionsActive.Inc()
	sessionsCreated.WithLabelValues(language).Inc()
}

// SessionClosed records a session leaving the registry.
func SessionClosed() {
	sessionsActive.Dec()
}

// RecordTransition counts a session entering state.
func RecordTransition(state string) {
	sessionTransitions.WithLabelValues(state).Inc()
}

// RecordExec counts one container exec. outcome is one of the Outcome constants.
func RecordExec(runtime, outcome string) {
	containerExecs.WithLabelValues(runtime, outcome).Inc()
}

// SetTunnels reports the current tunnel registry size.
func SetTunnels(n int) {
	tunnelsActive.Set(float64(n))
}

// RecordToolCall counts one MCP tool invocation.
func RecordToolCall(tool, outcome string) {
	toolCalls.WithLabelValues(tool, outcome).Inc()
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
