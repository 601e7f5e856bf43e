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

// Package metrics exposes the coordinator's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// workersSpawned counts worker spawns by role
	workersSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_workers_spawned_total",
			Help: "Total workers spawned by role",
		},
		[]string{"role"},
	)

	// workersDismissed counts worker dismissals
	workersDismissed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_workers_dismissed_total",
			Help: "Total workers dismissed",
		},
	)

	// workersActive tracks the current worker population
	workersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_workers_active",
			Help: "Number of currently active workers",
		},
	)

	// workerRestarts counts automatic restarts of unhealthy workers
	workerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_worker_restarts_total",
			Help: "Total automatic worker restarts",
		},
	)

	// messagesPosted counts blackboard and mail traffic
	messagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_messages_total",
			Help: "Total messages by kind (blackboard, mail, broadcast)",
		},
		[]string{"kind"},
	)

	// spawnRequestsQueued counts spawn queue admissions by outcome
	spawnRequestsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_spawn_requests_total",
			Help: "Total spawn requests by outcome (queued, rejected)",
		},
		[]string{"outcome"},
	)

	// workflowExecutions counts execution lifecycle transitions
	workflowExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_workflow_executions_total",
			Help: "Total workflow executions by terminal status",
		},
		[]string{"status"},
	)

	// stepsExecuted counts step outcomes by type
	stepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_workflow_steps_total",
			Help: "Total workflow steps by type and status",
		},
		[]string{"step_type", "status"},
	)

	// wsClients tracks connected event subscribers
	wsClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_ws_clients",
			Help: "Number of connected websocket subscribers",
		},
	)

	// httpRequests counts API requests by route and status class
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_http_requests_total",
			Help: "Total HTTP requests by method, route, and status class",
		},
		[]string{"method", "route", "status"},
	)
)

// RecordSpawn increments the spawn counter and active gauge.
func RecordSpawn(role string) {
	workersSpawned.WithLabelValues(role).Inc()
	workersActive.Inc()
}

// RecordDismiss increments the dismiss counter and decrements the
// active gauge.
func RecordDismiss() {
	workersDismissed.Inc()
	workersActive.Dec()
}

// RecordRestart increments the restart counter.
func RecordRestart() {
	workerRestarts.Inc()
}

// SetActiveWorkers pins the active gauge to a recounted value.
func SetActiveWorkers(n int) {
	workersActive.Set(float64(n))
}

// RecordMessage increments the message counter for a traffic kind.
func RecordMessage(kind string) {
	messagesPosted.WithLabelValues(kind).Inc()
}

// RecordSpawnRequest increments the queue admission counter.
func RecordSpawnRequest(outcome string) {
	spawnRequestsQueued.WithLabelValues(outcome).Inc()
}

// RecordExecution increments the execution counter for a terminal
// status.
func RecordExecution(status string) {
	workflowExecutions.WithLabelValues(status).Inc()
}

// RecordStep increments the step counter.
func RecordStep(stepType, status string) {
	stepsExecuted.WithLabelValues(stepType, status).Inc()
}

// ClientConnected adjusts the websocket subscriber gauge.
func ClientConnected(delta int) {
	wsClients.Add(float64(delta))
}

// RecordHTTPRequest increments the API request counter.
func RecordHTTPRequest(method, route, statusClass string) {
	httpRequests.WithLabelValues(method, route, statusClass).Inc()
}
