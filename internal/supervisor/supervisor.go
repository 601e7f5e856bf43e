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

// Package supervisor manages the bounded population of subprocess
// workers: spawning, stdin/stdout plumbing, health tracking, automatic
// restarts, and dismissal. Lifecycle status lives in the store; health
// is derived in memory from the time since a worker last produced
// output.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/fleet/internal/checkpoint"
	"github.com/tombee/fleet/internal/config"
	"github.com/tombee/fleet/internal/hub"
	"github.com/tombee/fleet/internal/lifecycle"
	"github.com/tombee/fleet/internal/log"
	"github.com/tombee/fleet/internal/mail"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
)

// SpawnConfig describes one worker to start.
type SpawnConfig struct {
	Handle        string
	TeamName      string
	Role          store.WorkerRole
	SwarmID       string
	DepthLevel    int
	InitialPrompt string
	SessionID     string
	WorkingDir    string
	RestartCount  int
}

// workerProcess is the in-memory side of a tracked worker.
type workerProcess struct {
	workerID     string
	handle       string
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	stdoutReader io.Reader
	ring         *outputRing

	spawnedAt time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time
	sawOutput     bool

	// pidOnly marks a worker recovered from a previous run: the PID is
	// tracked for liveness but stdio is no longer attached.
	pidOnly bool
	pid     int

	done chan struct{}
}

func (p *workerProcess) touch() {
	p.mu.Lock()
	p.lastHeartbeat = time.Now()
	p.sawOutput = true
	p.mu.Unlock()
}

// silentSince reports whether the worker has produced no output at all
// and how long it has been tracked.
func (p *workerProcess) silentSince() (bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.sawOutput, time.Since(p.spawnedAt)
}

func (p *workerProcess) heartbeat() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHeartbeat
}

// Supervisor manages worker subprocesses.
type Supervisor struct {
	cfg         *config.Config
	workers     store.WorkerStore
	mail        *mail.Service
	checkpoints *checkpoint.Service
	events      hub.Publisher
	logger      *slog.Logger

	// spawnMu serializes Spawn so the capacity and handle checks stay
	// consistent with the row creation that follows them.
	spawnMu sync.Mutex

	mu    sync.RWMutex
	procs map[string]*workerProcess // keyed by handle
}

// New creates a worker supervisor.
func New(cfg *config.Config, workers store.WorkerStore, mailSvc *mail.Service, checkpoints *checkpoint.Service, events hub.Publisher, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		workers:     workers,
		mail:        mailSvc,
		checkpoints: checkpoints,
		events:      events,
		logger:      log.WithComponent(logger, "supervisor"),
		procs:       make(map[string]*workerProcess),
	}
}

// Spawn starts a worker subprocess and persists its row in pending
// status. Fails with a ConflictError when the population is at
// MaxWorkers or the handle is already in use.
func (s *Supervisor) Spawn(ctx context.Context, sc SpawnConfig) (*store.Worker, error) {
	if sc.Handle == "" {
		return nil, &errors.ValidationError{Field: "handle", Message: "handle is required"}
	}
	if sc.TeamName == "" {
		sc.TeamName = "default"
	}
	if sc.Role == "" {
		sc.Role = store.RoleWorker
	}

	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	active, err := s.workers.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count workers: %w", err)
	}
	if active >= s.cfg.MaxWorkers {
		return nil, &errors.ConflictError{
			Resource: "worker",
			Reason:   fmt.Sprintf("worker limit reached (%d/%d)", active, s.cfg.MaxWorkers),
		}
	}
	if _, err := s.workers.GetWorkerByHandle(ctx, sc.TeamName, sc.Handle); err == nil {
		return nil, &errors.ConflictError{Resource: "worker", Reason: "handle already in use: " + sc.Handle}
	}

	w := &store.Worker{
		ID:            uuid.New().String(),
		Handle:        sc.Handle,
		TeamName:      sc.TeamName,
		Role:          sc.Role,
		Status:        store.WorkerPending,
		SwarmID:       sc.SwarmID,
		DepthLevel:    sc.DepthLevel,
		SessionID:     sc.SessionID,
		RestartCount:  sc.RestartCount,
		InitialPrompt: sc.InitialPrompt,
	}

	prompt := sc.InitialPrompt
	if s.mail != nil {
		injection, err := s.mail.FormatForInjection(ctx, sc.Handle)
		if err != nil {
			s.logger.Warn("failed to format mail injection", log.Error(err), log.HandleKey, sc.Handle)
		} else if injection != "" {
			prompt = injection + "\n" + prompt
		}
	}

	if s.cfg.UseWorktrees && sc.WorkingDir != "" {
		path, branch, err := createWorktree(ctx, sc.WorkingDir, sc.Handle)
		if err != nil {
			s.logger.Warn("failed to create worktree", log.Error(err), log.HandleKey, sc.Handle)
		} else {
			w.WorktreePath = path
			w.WorktreeBranch = branch
			sc.WorkingDir = path
		}
	}

	proc, err := s.startProcess(w, sc, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}
	w.PID = proc.cmd.Process.Pid

	if err := s.workers.CreateWorker(ctx, w); err != nil {
		proc.cmd.Process.Kill()
		return nil, err
	}

	s.mu.Lock()
	s.procs[sc.Handle] = proc
	s.mu.Unlock()

	go s.readOutput(w.ID, proc)
	go s.waitExit(w.ID, proc)

	s.logger.Info("worker spawned",
		log.HandleKey, w.Handle, log.WorkerIDKey, w.ID, "pid", w.PID, "role", string(w.Role))
	s.events.Publish(hub.Event{Type: hub.EventWorkerSpawned, Payload: w})
	return w, nil
}

// startProcess builds the subprocess with the worker environment
// contract and attaches its pipes.
func (s *Supervisor) startProcess(w *store.Worker, sc SpawnConfig, prompt string) (*workerProcess, error) {
	args := []string{}
	if sc.SessionID != "" {
		args = append(args, "--resume", sc.SessionID)
	}

	cmd := exec.Command(s.cfg.WorkerCommand, args...)
	if sc.WorkingDir != "" {
		cmd.Dir = sc.WorkingDir
	}
	cmd.Env = append(os.Environ(),
		"CLAUDE_CODE_AGENT_NAME="+w.Handle,
		"CLAUDE_CODE_AGENT_ID="+w.ID,
		"CLAUDE_CODE_TEAM_NAME="+w.TeamName,
		"CLAUDE_CODE_AGENT_TYPE="+string(w.Role),
		"CLAUDE_CODE_AGENT_UID="+uuid.New().String(),
		"CLAUDE_FLEET_URL="+s.cfg.BaseURL,
	)
	if w.SwarmID != "" {
		cmd.Env = append(cmd.Env, "CLAUDE_CODE_SWARM_ID="+w.SwarmID)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	proc := &workerProcess{
		workerID:      w.ID,
		handle:        w.Handle,
		cmd:           cmd,
		stdin:         stdin,
		ring:          newOutputRing(config.MaxOutputLines),
		spawnedAt:     time.Now(),
		lastHeartbeat: time.Now(),
		pid:           cmd.Process.Pid,
		done:          make(chan struct{}),
	}
	proc.stdoutReader = stdout

	if prompt != "" {
		go func() {
			fmt.Fprintln(stdin, prompt)
		}()
	}
	return proc, nil
}

// readOutput consumes the worker's stdout line stream until the pipe
// closes. Every event refreshes the heartbeat, lands in the ring
// buffer, and fans out to subscribers.
func (s *Supervisor) readOutput(workerID string, proc *workerProcess) {
	scanner := bufio.NewScanner(proc.stdoutReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev := parseEvent(line)
		proc.touch()
		proc.ring.Append(ev)
		s.handleEvent(workerID, proc, ev)
	}
}

// handleEvent applies an event's side effects to the worker row.
// The first event of any kind proves the subprocess is alive and flips
// a pending worker to ready; the session id is captured whenever the
// stream carries one (the system/init event usually does).
func (s *Supervisor) handleEvent(workerID string, proc *workerProcess, ev *WorkerEvent) {
	ctx := context.Background()

	now := time.Now()
	s.updateWorker(ctx, workerID, func(w *store.Worker) {
		if w.Status == store.WorkerPending {
			w.Status = store.WorkerReady
		}
		if ev.SessionID != "" {
			w.SessionID = ev.SessionID
		}
		w.LastHeartbeat = &now
	})

	if ev.Type == EventTypeResult {
		s.logger.Info("worker turn completed",
			log.HandleKey, proc.handle,
			log.DurationKey, ev.DurationMs,
			"cost_usd", ev.CostUSD,
			"is_error", ev.IsError)
		s.updateWorker(ctx, workerID, func(w *store.Worker) {
			if w.Status == store.WorkerBusy {
				w.Status = store.WorkerReady
			}
		})
	}

	s.events.Publish(hub.Event{
		Type:    hub.EventWorkerOutput,
		Payload: map[string]any{"handle": proc.handle, "event": ev},
	})
}

// waitExit reaps the subprocess and records an unexpected exit.
func (s *Supervisor) waitExit(workerID string, proc *workerProcess) {
	err := proc.cmd.Wait()
	close(proc.done)

	ctx := context.Background()
	w, getErr := s.workers.GetWorker(ctx, workerID)
	if getErr != nil {
		return
	}
	if w.Status == store.WorkerDismissed {
		return
	}

	s.logger.Warn("worker exited unexpectedly",
		log.HandleKey, proc.handle, log.WorkerIDKey, workerID, log.Error(err))
	s.updateWorker(ctx, workerID, func(w *store.Worker) {
		w.Status = store.WorkerError
	})
	s.events.Publish(hub.Event{
		Type:    hub.EventWorkerExit,
		Payload: map[string]any{"handle": proc.handle, "worker_id": workerID},
	})
}

func (s *Supervisor) updateWorker(ctx context.Context, workerID string, mutate func(*store.Worker)) {
	w, err := s.workers.GetWorker(ctx, workerID)
	if err != nil {
		return
	}
	mutate(w)
	if err := s.workers.UpdateWorker(ctx, w); err != nil {
		s.logger.Warn("failed to update worker", log.Error(err), log.WorkerIDKey, workerID)
	}
}

// Dismiss stops a worker: SIGTERM, escalating to SIGKILL after the
// grace period. Returns false without error when the worker is already
// dismissed.
func (s *Supervisor) Dismiss(ctx context.Context, teamName, handle string) (bool, error) {
	w, err := s.workers.GetWorkerByHandle(ctx, teamName, handle)
	if err != nil {
		var nf *errors.NotFoundError
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}

	now := time.Now()
	w.Status = store.WorkerDismissed
	w.DismissedAt = &now
	if err := s.workers.UpdateWorker(ctx, w); err != nil {
		return false, err
	}

	s.mu.Lock()
	proc := s.procs[handle]
	delete(s.procs, handle)
	s.mu.Unlock()

	if proc != nil {
		s.terminate(proc)
	} else if w.PID > 0 && lifecycle.IsProcessRunning(w.PID) {
		// Recovered worker without attached pipes.
		if err := lifecycle.GracefulShutdown(w.PID, config.DismissGrace, true); err != nil {
			s.logger.Warn("failed to stop recovered worker", log.Error(err), log.HandleKey, handle)
		}
	}

	if w.WorktreePath != "" {
		repoDir := filepath.Dir(filepath.Dir(w.WorktreePath))
		if err := removeWorktree(ctx, repoDir, w.WorktreePath); err != nil {
			s.logger.Warn("failed to remove worktree", log.Error(err), log.HandleKey, handle)
		}
	}

	s.logger.Info("worker dismissed", log.HandleKey, handle, log.WorkerIDKey, w.ID)
	s.events.Publish(hub.Event{Type: hub.EventWorkerDismissed, Payload: w})
	return true, nil
}

// terminate signals the subprocess and force-kills after the grace
// period.
func (s *Supervisor) terminate(proc *workerProcess) {
	if proc.pidOnly {
		if lifecycle.IsProcessRunning(proc.pid) {
			lifecycle.GracefulShutdown(proc.pid, config.DismissGrace, true)
		}
		return
	}

	proc.stdin.Close()
	proc.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-proc.done:
	case <-time.After(config.DismissGrace):
		proc.cmd.Process.Kill()
		<-proc.done
	}
}

// DismissAll dismisses every tracked worker in parallel. Used on
// shutdown.
func (s *Supervisor) DismissAll(ctx context.Context) {
	s.mu.RLock()
	handles := make([]*workerProcess, 0, len(s.procs))
	for _, proc := range s.procs {
		handles = append(handles, proc)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, proc := range handles {
		wg.Add(1)
		go func(p *workerProcess) {
			defer wg.Done()
			w, err := s.workers.GetWorker(ctx, p.workerID)
			if err != nil {
				return
			}
			if _, err := s.Dismiss(ctx, w.TeamName, w.Handle); err != nil {
				s.logger.Warn("failed to dismiss worker", log.Error(err), log.HandleKey, w.Handle)
			}
		}(proc)
	}
	wg.Wait()
}

// Send writes one line to a worker's stdin. A write failure is treated
// as a worker exit.
func (s *Supervisor) Send(ctx context.Context, handle, message string) error {
	s.mu.RLock()
	proc := s.procs[handle]
	s.mu.RUnlock()

	if proc == nil {
		return &errors.NotFoundError{Resource: "worker", ID: handle}
	}
	if proc.pidOnly {
		return &errors.ConflictError{Resource: "worker", Reason: "recovered worker has no attached stdin: " + handle}
	}

	if _, err := fmt.Fprintln(proc.stdin, message); err != nil {
		s.logger.Warn("stdin write failed, treating as exit", log.Error(err), log.HandleKey, handle)
		s.updateWorker(ctx, proc.workerID, func(w *store.Worker) {
			w.Status = store.WorkerError
		})
		return fmt.Errorf("failed to write to worker %s: %w", handle, err)
	}

	s.updateWorker(ctx, proc.workerID, func(w *store.Worker) {
		if w.Status == store.WorkerReady {
			w.Status = store.WorkerBusy
		}
	})
	return nil
}

// GetOutput returns the tail of a worker's output ring buffer. Pass a
// negative since to read the whole buffer.
func (s *Supervisor) GetOutput(handle string, since int64) ([]OutputLine, error) {
	s.mu.RLock()
	proc := s.procs[handle]
	s.mu.RUnlock()

	if proc == nil {
		return nil, &errors.NotFoundError{Resource: "worker", ID: handle}
	}
	if proc.ring == nil {
		return []OutputLine{}, nil
	}
	return proc.ring.Since(since), nil
}

// Recover loads the non-dismissed workers persisted by a previous run.
// Workers whose PID is still alive are tracked pid-only; the rest are
// transitioned to error.
func (s *Supervisor) Recover(ctx context.Context) error {
	workers, err := s.workers.ListWorkers(ctx, store.WorkerFilter{})
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}

	for _, w := range workers {
		if w.Status == store.WorkerDismissed {
			continue
		}
		if w.PID > 0 && lifecycle.IsProcessRunning(w.PID) {
			proc := &workerProcess{
				workerID:      w.ID,
				handle:        w.Handle,
				ring:          newOutputRing(config.MaxOutputLines),
				spawnedAt:     time.Now(),
				lastHeartbeat: time.Now(),
				pidOnly:       true,
				pid:           w.PID,
				done:          make(chan struct{}),
			}
			s.mu.Lock()
			s.procs[w.Handle] = proc
			s.mu.Unlock()
			s.logger.Info("recovered running worker", log.HandleKey, w.Handle, "pid", w.PID)
			continue
		}

		w.Status = store.WorkerError
		if err := s.workers.UpdateWorker(ctx, w); err != nil {
			s.logger.Warn("failed to mark stale worker", log.Error(err), log.HandleKey, w.Handle)
		} else {
			s.logger.Info("marked stale worker as error", log.HandleKey, w.Handle, "pid", w.PID)
		}
	}
	return nil
}
