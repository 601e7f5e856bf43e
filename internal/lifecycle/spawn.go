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

package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Spawner starts the daemon as a detached background process. Used by
// `fleet daemon start` to re-exec the binary in foreground mode and
// return control to the shell.
type Spawner struct {
	env []string
}

// NewSpawner spawns with the current process environment.
func NewSpawner() *Spawner {
	return &Spawner{env: os.Environ()}
}

// WithEnv replaces the child environment.
func (s *Spawner) WithEnv(env []string) *Spawner {
	s.env = env
	return s
}

// SpawnDetached starts binary with args in its own session and process
// group, stdin closed and both output streams appended to logPath. The
// child survives the parent exiting. Returns the child PID.
func (s *Spawner) SpawnDetached(binary string, args []string, logPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return 0, fmt.Errorf("creating log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(binary, args...)
	cmd.Env = s.env
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Setsid detaches from the controlling terminal; Setpgid keeps the
	// child out of the CLI's process group so shell signals miss it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting process: %w", err)
	}

	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("process started but failed to release: %w", err)
	}
	return pid, nil
}
