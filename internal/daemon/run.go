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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/fleet/internal/config"
	"github.com/tombee/fleet/internal/log"
)

// RunOptions configures daemon execution.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	// Config overrides
	ListenAddr    string
	DatabasePath  string
	WorkflowsDir  string
	WorkerCommand string
	MaxWorkers    int
	PIDFile       string
}

// Run starts the daemon and blocks until a shutdown signal arrives.
// Used by both foreground mode and the detached daemon child.
func Run(opts RunOptions) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if opts.ListenAddr != "" {
		cfg.ListenAddr = opts.ListenAddr
	}
	if opts.DatabasePath != "" {
		cfg.DatabasePath = opts.DatabasePath
	}
	if opts.WorkflowsDir != "" {
		cfg.WorkflowsDir = opts.WorkflowsDir
	}
	if opts.WorkerCommand != "" {
		cfg.WorkerCommand = opts.WorkerCommand
	}
	if opts.MaxWorkers > 0 {
		cfg.MaxWorkers = opts.MaxWorkers
	}
	if opts.PIDFile != "" {
		cfg.PIDFile = opts.PIDFile
	}

	d, err := New(cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("daemon error: %w", err)
		}
		return nil
	}
}
