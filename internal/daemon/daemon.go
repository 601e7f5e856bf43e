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

// Package daemon assembles the coordinator: storage, services, the
// supervisor, the spawn queue, the workflow engine, and the HTTP
// surface, plus their background loops.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tombee/fleet/internal/api"
	"github.com/tombee/fleet/internal/blackboard"
	"github.com/tombee/fleet/internal/checkpoint"
	"github.com/tombee/fleet/internal/config"
	"github.com/tombee/fleet/internal/hub"
	"github.com/tombee/fleet/internal/lifecycle"
	"github.com/tombee/fleet/internal/log"
	"github.com/tombee/fleet/internal/mail"
	"github.com/tombee/fleet/internal/spawnqueue"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/internal/store/memory"
	"github.com/tombee/fleet/internal/store/sqlite"
	"github.com/tombee/fleet/internal/supervisor"
	"github.com/tombee/fleet/internal/swarm"
	"github.com/tombee/fleet/internal/workflow"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the long-running coordinator process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store      store.Store
	hub        *hub.Hub
	supervisor *supervisor.Supervisor
	queue      *spawnqueue.Controller
	engine     *workflow.Engine
	sweeper    *swarm.Pheromones

	server  *http.Server
	pidFile *lifecycle.PIDFileManager

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
}

// New wires the coordinator's components together.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := log.WithComponent(log.New(log.FromEnv()), "daemon")

	var st store.Store
	if cfg.DatabasePath != "" {
		backend, err := sqlite.New(sqlite.Config{Path: cfg.DatabasePath, WAL: true})
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		st = backend
	} else {
		st = memory.New()
		logger.Warn("no database path configured, state is in-memory only")
	}

	h := hub.New(logger)
	mailSvc := mail.NewService(st, st, logger)
	boardSvc := blackboard.NewService(st, logger)
	cpSvc := checkpoint.NewService(st, logger)
	consensus := swarm.NewConsensus(st, logger)
	pheromones := swarm.NewPheromones(st, logger)

	sup := supervisor.New(cfg, st, mailSvc, cpSvc, h, logger)

	queue := spawnqueue.New(st, st, func(ctx context.Context, req *store.SpawnRequest) (string, error) {
		w, err := sup.Spawn(ctx, supervisor.SpawnConfig{
			Handle:        workerHandle(req),
			Role:          req.TargetAgentType,
			SwarmID:       req.SwarmID,
			DepthLevel:    req.DepthLevel,
			InitialPrompt: spawnPrompt(req),
		})
		if err != nil {
			return "", err
		}
		return w.ID, nil
	}, logger)

	engine := workflow.New(st, st, st, st, h, logger)
	engine.SetSpawnEnqueuer(func(ctx context.Context, requester string, role store.WorkerRole, task, swarmID string, priority store.Priority) (string, error) {
		created, err := queue.Enqueue(ctx, spawnqueue.EnqueueRequest{
			RequesterHandle: requester,
			TargetAgentType: role,
			SwarmID:         swarmID,
			Priority:        priority,
			Payload:         store.SpawnPayload{Task: task},
		})
		if err != nil {
			return "", err
		}
		return created.ID, nil
	})

	srv := api.NewServer(api.Deps{
		Store:       st,
		Supervisor:  sup,
		Queue:       queue,
		Engine:      engine,
		Mail:        mailSvc,
		Board:       boardSvc,
		Checkpoints: cpSvc,
		Consensus:   consensus,
		Pheromones:  pheromones,
		Hub:         h,
		Logger:      logger,
	})
	mux := http.NewServeMux()
	srv.RegisterHTTP(mux)
	handler := api.Instrument(mux)

	return &Daemon{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		store:      st,
		hub:        h,
		supervisor: sup,
		queue:      queue,
		engine:     engine,
		sweeper:    pheromones,
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}, nil
}

// Start runs the daemon until the context is cancelled or the server
// fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	if d.cfg.PIDFile != "" {
		d.pidFile = lifecycle.NewPIDFileManager(d.cfg.PIDFile)
		if err := d.pidFile.Create(os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
	}

	// Re-attach to workers that survived a previous coordinator run.
	if err := d.supervisor.Recover(ctx); err != nil {
		d.logger.Warn("worker recovery incomplete", log.Error(err))
	}

	if d.cfg.WorkflowsDir != "" {
		if err := d.engine.LoadDirectory(ctx, d.cfg.WorkflowsDir); err != nil {
			d.logger.Warn("failed to load workflows directory", log.Error(err),
				slog.String("dir", d.cfg.WorkflowsDir))
		}
		// WatchDirectory blocks until ctx is cancelled; it runs as its
		// own loop so Start can proceed to serving.
		dir := d.cfg.WorkflowsDir
		d.runLoop(func() {
			if err := d.engine.WatchDirectory(ctx, dir); err != nil {
				d.logger.Warn("workflow hot-reload unavailable", log.Error(err))
			}
		})
	}

	d.runLoop(func() { d.supervisor.Run(ctx) })
	d.runLoop(func() { d.queue.Run(ctx) })
	d.runLoop(func() { d.engine.Run(ctx) })
	d.runLoop(func() { d.sweepPheromones(ctx) })
	d.runLoop(func() { d.broadcastSnapshots(ctx) })

	d.logger.Info("fleet coordinator starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", d.cfg.ListenAddr))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (d *Daemon) runLoop(fn func()) {
	d.loops.Add(1)
	go func() {
		defer d.loops.Done()
		fn()
	}()
}

// sweepPheromones applies trail decay once an hour per known swarm.
func (d *Daemon) sweepPheromones(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swarms, err := d.activeSwarmIDs(ctx)
			if err != nil {
				d.logger.Warn("pheromone sweep skipped", log.Error(err))
				continue
			}
			for _, swarmID := range swarms {
				if _, err := d.sweeper.Sweep(ctx, swarmID, swarm.DefaultDecayRatePerHour); err != nil {
					d.logger.Warn("pheromone sweep failed", log.Error(err),
						slog.String("swarm_id", swarmID))
				}
			}
		}
	}
}

// broadcastSnapshots pushes a fleet snapshot to connected clients every
// 30s, skipping the store reads when nobody is listening.
func (d *Daemon) broadcastSnapshots(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.hub.SubscriberCount(hub.TopicAll) == 0 {
				continue
			}
			snap, err := d.supervisor.Snapshot(ctx)
			if err != nil {
				d.logger.Warn("snapshot broadcast skipped", log.Error(err))
				continue
			}
			d.hub.Publish(hub.Event{Type: "fleet_snapshot", Payload: snap})
		}
	}
}

func (d *Daemon) activeSwarmIDs(ctx context.Context) ([]string, error) {
	workers, err := d.store.ListWorkers(ctx, store.WorkerFilter{})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var ids []string
	for _, w := range workers {
		if w.SwarmID != "" && !seen[w.SwarmID] {
			seen[w.SwarmID] = true
			ids = append(ids, w.SwarmID)
		}
	}
	return ids, nil
}

// Shutdown stops the HTTP server, dismisses all workers, and closes
// storage.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated")
	if d.cancel != nil {
		d.cancel()
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", log.Error(err))
		}
	}

	d.supervisor.DismissAll(ctx)
	d.loops.Wait()

	if d.pidFile != nil {
		if err := d.pidFile.Remove(); err != nil {
			d.logger.Error("failed to remove PID file", log.Error(err))
		}
	}

	if err := d.store.Close(); err != nil {
		d.logger.Error("failed to close store", log.Error(err))
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

func workerHandle(req *store.SpawnRequest) string {
	return fmt.Sprintf("%s-%s", req.TargetAgentType, req.ID[:8])
}

func spawnPrompt(req *store.SpawnRequest) string {
	prompt := req.Payload.Task
	if req.Payload.Context != "" {
		prompt += "\n\nContext:\n" + req.Payload.Context
	}
	if req.Payload.Checkpoint != "" {
		prompt += "\n\nResume from checkpoint:\n" + req.Payload.Checkpoint
	}
	return prompt
}
