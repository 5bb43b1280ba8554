// Copyright 2025 The mcpdesk Authors
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

// Package metrics exposes prometheus instrumentation for server lifecycles
// and tool calls.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpdesk_transitions_total",
		Help: "Total lifecycle transitions applied",
	}, []string{"server", "event", "to_state"})

	RejectedTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpdesk_rejected_transitions_total",
		Help: "Total transition events rejected by the state machine",
	}, []string{"server", "event", "state"})

	ServersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcpdesk_servers_running",
		Help: "Number of servers currently in the running state",
	})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpdesk_tool_calls_total",
		Help: "Total tool calls by outcome",
	}, []string{"server", "tool", "status"})

	ToolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcpdesk_tool_call_duration_seconds",
		Help:    "Tool call duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"server", "tool"})

	StartDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcpdesk_server_start_duration_seconds",
		Help:    "Time from start request to running state",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"server"})

	CrashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpdesk_server_crashes_total",
		Help: "Unsolicited server process exits",
	}, []string{"server"})

	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpdesk_token_refreshes_total",
		Help: "OAuth token refreshes by outcome",
	}, []string{"server", "status"})
)
