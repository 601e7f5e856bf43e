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

// Package config provides coordinator configuration.
//
// Most tuning constants are fixed by design and exposed as package
// constants; only the values the operator legitimately varies between
// deployments are environment-configurable.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/tombee/fleet/pkg/errors"
)

// Fixed tuning constants. These are deliberately not configurable.
const (
	// HealthCheckInterval is how often worker health is evaluated.
	HealthCheckInterval = 15 * time.Second

	// HealthyThreshold is the max heartbeat age for a healthy worker.
	HealthyThreshold = 30 * time.Second

	// UnhealthyThreshold is the heartbeat age at which a worker is
	// considered unhealthy and eligible for automatic restart.
	UnhealthyThreshold = 60 * time.Second

	// MaxRestartAttempts bounds automatic worker restarts.
	MaxRestartAttempts = 3

	// MaxOutputLines is the per-worker output ring buffer capacity.
	MaxOutputLines = 100

	// SoftAgentLimit is the active-worker count at which the spawn
	// drainer backs off for the cycle.
	SoftAgentLimit = 50

	// HardAgentLimit is the active-worker count at which new spawn
	// requests are rejected outright.
	HardAgentLimit = 100

	// MaxDepthLevel bounds recursive spawning (0 = root).
	MaxDepthLevel = 3

	// ProcessInterval is the cadence of the spawn drainer, workflow
	// processor, and trigger poller.
	ProcessInterval = 5 * time.Second

	// MaxConcurrentSteps caps steps claimed per execution per cycle.
	MaxConcurrentSteps = 5

	// HeartbeatInterval is the WebSocket ping/pong cadence.
	HeartbeatInterval = 30 * time.Second

	// DismissGrace is how long a dismissed worker gets between SIGTERM
	// and SIGKILL.
	DismissGrace = 5 * time.Second

	// SpawnStartupTimeout dismisses workers that never produce output.
	SpawnStartupTimeout = 30 * time.Second
)

// Config holds the environment-configurable coordinator settings.
type Config struct {
	// MaxWorkers bounds the supervised worker population.
	MaxWorkers int `env:"MAX_WORKERS" envDefault:"5"`

	// ListenAddr is the HTTP/WebSocket listen address.
	ListenAddr string `env:"FLEET_LISTEN_ADDR" envDefault:"127.0.0.1:4620"`

	// DatabasePath is the SQLite database file. Empty selects the
	// in-memory backend.
	DatabasePath string `env:"FLEET_DB_PATH"`

	// WorkflowsDir is scanned for YAML workflow templates.
	WorkflowsDir string `env:"FLEET_WORKFLOWS_DIR"`

	// PIDFile, when set, records the daemon PID for start/stop tooling.
	PIDFile string `env:"FLEET_PID_FILE"`

	// WorkerCommand is the executable spawned for each worker.
	WorkerCommand string `env:"FLEET_WORKER_COMMAND" envDefault:"claude"`

	// BaseURL is handed to workers so they can call back into the
	// coordinator.
	BaseURL string `env:"CLAUDE_FLEET_URL" envDefault:"http://127.0.0.1:4620"`

	// AutoRestart enables automatic restart of unhealthy workers.
	AutoRestart bool `env:"FLEET_AUTO_RESTART" envDefault:"true"`

	// UseWorktrees creates a git worktree per spawned worker.
	UseWorktrees bool `env:"FLEET_USE_WORKTREES" envDefault:"false"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, &errors.ValidationError{
			Field:      "environment",
			Message:    err.Error(),
			Suggestion: "check MAX_WORKERS and FLEET_* environment variables",
		}
	}
	if cfg.MaxWorkers < 1 {
		return nil, &errors.ValidationError{
			Field:      "MAX_WORKERS",
			Message:    "must be at least 1",
			Suggestion: "unset MAX_WORKERS to use the default of 5",
		}
	}
	return cfg, nil
}
