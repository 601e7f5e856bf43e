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

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/fleet/internal/daemon"
	"github.com/tombee/fleet/internal/lifecycle"
)

func newDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the coordinator daemon",
	}
	cmd.AddCommand(newDaemonStartCommand(), newDaemonStopCommand(), newDaemonStatusCommand())
	return cmd
}

func newDaemonStartCommand() *cobra.Command {
	var (
		foreground   bool
		listenAddr   string
		databasePath string
		workflowsDir string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the coordinator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := filepath.Join(stateDir(), "fleetd.pid")

			if foreground {
				return daemon.Run(daemon.RunOptions{
					Version:      version,
					Commit:       commit,
					BuildDate:    buildDate,
					ListenAddr:   listenAddr,
					DatabasePath: databasePath,
					WorkflowsDir: workflowsDir,
					PIDFile:      pidPath,
				})
			}

			lcLog := lifecycle.NewLifecycleLogger(filepath.Join(stateDir(), "lifecycle.log"))
			lcLog.LogStart(version, os.Args[1:], "")

			pidMgr := lifecycle.NewPIDFileManager(pidPath)
			if pidMgr.Exists() {
				if pid, err := pidMgr.Read(); err == nil {
					if lifecycle.IsProcessRunning(pid) {
						lcLog.LogAlreadyRunning(pid)
						return fmt.Errorf("daemon already running (pid %d)", pid)
					}
					lcLog.LogStalePID(pid, "process not running")
				}
			}

			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to locate binary: %w", err)
			}
			childArgs := []string{"daemon", "start", "--foreground"}
			if listenAddr != "" {
				childArgs = append(childArgs, "--listen", listenAddr)
			}
			if databasePath != "" {
				childArgs = append(childArgs, "--db", databasePath)
			}
			if workflowsDir != "" {
				childArgs = append(childArgs, "--workflows-dir", workflowsDir)
			}

			logPath := filepath.Join(stateDir(), "fleetd.log")
			started := time.Now()
			pid, err := lifecycle.NewSpawner().SpawnDetached(self, childArgs, logPath)
			if err != nil {
				lcLog.LogStartFailure(err)
				return fmt.Errorf("failed to start daemon: %w", err)
			}

			baseURL := coordinatorURL
			if baseURL == "" {
				baseURL = os.Getenv("CLAUDE_FLEET_URL")
			}
			if baseURL == "" {
				baseURL = "http://127.0.0.1:4620"
			}
			checker := lifecycle.NewHealthChecker(baseURL + "/health")
			attempts := 0
			err = checker.WaitUntilHealthyWithCallback(30*time.Second, func(_ *lifecycle.HealthCheckResult, attempt int) {
				attempts = attempt
			})
			if err != nil {
				lcLog.LogHealthCheckFailed(baseURL+"/health", attempts, time.Since(started), err)
				return fmt.Errorf("daemon started (pid %d) but did not become healthy: %w", pid, err)
			}
			lcLog.LogStartSuccess(pid, attempts, time.Since(started))

			cmd.Printf("daemon started (pid %d), logs at %s\n", pid, logPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run in the foreground")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address")
	cmd.Flags().StringVar(&databasePath, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&workflowsDir, "workflows-dir", "", "directory of YAML workflow templates")
	return cmd
}

func newDaemonStopCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the coordinator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidMgr := lifecycle.NewPIDFileManager(filepath.Join(stateDir(), "fleetd.pid"))
			pid, err := pidMgr.Read()
			if err != nil {
				return fmt.Errorf("daemon not running: %w", err)
			}
			lcLog := lifecycle.NewLifecycleLogger(filepath.Join(stateDir(), "lifecycle.log"))
			lcLog.LogStop(pid, true)
			began := time.Now()
			if err := lifecycle.GracefulShutdown(pid, timeout, true); err != nil {
				lcLog.LogStopFailure(pid, err)
				return fmt.Errorf("failed to stop daemon: %w", err)
			}
			lcLog.LogStopSuccess(pid, time.Since(began))
			cmd.Printf("daemon stopped (pid %d)\n", pid)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait before SIGKILL")
	return cmd
}

func newDaemonStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show coordinator status",
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := apiClient().Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("coordinator unreachable: %w", err)
			}
			cmd.Printf("status: %s\n", health.Status)
			if len(health.Workers) > 0 {
				cmd.Printf("workers: %s\n", string(health.Workers))
			}
			return nil
		},
	}
}
