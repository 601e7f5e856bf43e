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

package supervisor

import (
	"context"
	"time"

	"github.com/tombee/fleet/internal/checkpoint"
	"github.com/tombee/fleet/internal/config"
	"github.com/tombee/fleet/internal/log"
	"github.com/tombee/fleet/internal/store"
)

// Health is the derived liveness state of a worker, computed from the
// time since its last output.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// healthOf classifies a heartbeat age.
func healthOf(sinceHeartbeat time.Duration) Health {
	switch {
	case sinceHeartbeat < config.HealthyThreshold:
		return HealthHealthy
	case sinceHeartbeat < config.UnhealthyThreshold:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// WorkerHealth is a point-in-time health report for one worker.
type WorkerHealth struct {
	Handle        string    `json:"handle"`
	Health        Health    `json:"health"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// HealthReport returns the health of every tracked worker.
func (s *Supervisor) HealthReport() []WorkerHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	report := make([]WorkerHealth, 0, len(s.procs))
	for _, proc := range s.procs {
		hb := proc.heartbeat()
		report = append(report, WorkerHealth{
			Handle:        proc.handle,
			Health:        healthOf(now.Sub(hb)),
			LastHeartbeat: hb,
		})
	}
	return report
}

// Run drives the periodic health check until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth(ctx)
		}
	}
}

// checkHealth scans tracked workers and restarts the unhealthy ones
// that still have restart budget.
func (s *Supervisor) checkHealth(ctx context.Context) {
	s.mu.RLock()
	procs := make([]*workerProcess, 0, len(s.procs))
	for _, proc := range s.procs {
		procs = append(procs, proc)
	}
	s.mu.RUnlock()

	now := time.Now()
	for _, proc := range procs {
		if proc.pidOnly {
			// Recovered workers have no output stream; liveness is the
			// PID check done at dismissal time.
			continue
		}
		if silent, tracked := proc.silentSince(); silent && tracked > config.SpawnStartupTimeout {
			s.logger.Warn("worker produced no output within startup timeout",
				log.HandleKey, proc.handle, "tracked", tracked.String())
			s.maybeRestart(ctx, proc)
			continue
		}
		age := now.Sub(proc.heartbeat())
		switch healthOf(age) {
		case HealthDegraded:
			s.logger.Debug("worker degraded", log.HandleKey, proc.handle, "heartbeat_age", age.String())
		case HealthUnhealthy:
			s.logger.Warn("worker unhealthy", log.HandleKey, proc.handle, "heartbeat_age", age.String())
			s.maybeRestart(ctx, proc)
		}
	}
}

// maybeRestart restarts an unhealthy worker, preserving its session
// and prepending its latest checkpoint so the replacement can resume.
// Workers that exhaust the restart budget are marked error and left
// alone.
func (s *Supervisor) maybeRestart(ctx context.Context, proc *workerProcess) {
	w, err := s.workers.GetWorker(ctx, proc.workerID)
	if err != nil {
		return
	}
	if !s.cfg.AutoRestart || w.RestartCount >= config.MaxRestartAttempts {
		s.logger.Warn("restart budget exhausted, marking worker as error",
			log.HandleKey, w.Handle, "restart_count", w.RestartCount)
		s.updateWorker(ctx, proc.workerID, func(w *store.Worker) {
			w.Status = store.WorkerError
		})
		return
	}

	s.logger.Info("restarting unhealthy worker",
		log.HandleKey, w.Handle, "restart_count", w.RestartCount+1, "session_id", w.SessionID)

	prompt := w.InitialPrompt
	if s.checkpoints != nil {
		if cp, err := s.checkpoints.GetLatest(ctx, w.Handle); err == nil && cp != nil {
			prompt = checkpoint.FormatForResume(cp) + "\n" + prompt
		}
	}

	if _, err := s.Dismiss(ctx, w.TeamName, w.Handle); err != nil {
		s.logger.Warn("failed to dismiss worker for restart", log.Error(err), log.HandleKey, w.Handle)
		return
	}

	_, err = s.Spawn(ctx, SpawnConfig{
		Handle:        w.Handle,
		TeamName:      w.TeamName,
		Role:          w.Role,
		SwarmID:       w.SwarmID,
		DepthLevel:    w.DepthLevel,
		InitialPrompt: prompt,
		SessionID:     w.SessionID,
		RestartCount:  w.RestartCount + 1,
	})
	if err != nil {
		s.logger.Error("failed to respawn worker", log.Error(err), log.HandleKey, w.Handle)
	}
}
