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
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

var (
	// ErrProcessNotRunning is returned when the PID does not name a live process.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrNotFleetProcess is returned when the PID belongs to something
	// other than a fleet coordinator.
	ErrNotFleetProcess = errors.New("process is not a fleet coordinator")

	// ErrShutdownTimeout is returned when the process outlives the
	// shutdown deadline.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// ProcessInfo describes a probed process.
type ProcessInfo struct {
	PID     int
	Running bool
	Command string
}

// IsProcessRunning probes pid with signal 0, which checks existence and
// permission without delivering anything.
func IsProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// IsFleetProcess reports whether pid is a fleet coordinator. Guards
// against stale PID files pointing at a recycled PID; signalling an
// unrelated process would be worse than failing the stop.
func IsFleetProcess(pid int) bool {
	return isFleetProcess(pid)
}

// SendSignal delivers sig to pid.
func SendSignal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signalling process %d with %v: %w", pid, sig, err)
	}
	return nil
}

// WaitForExit polls every 100ms until pid is gone or the timeout lapses.
func WaitForExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsProcessRunning(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ErrShutdownTimeout
}

// GracefulShutdown SIGTERMs pid and waits up to timeout for it to exit.
// With force set, a process that ignores SIGTERM gets SIGKILL.
func GracefulShutdown(pid int, timeout time.Duration, force bool) error {
	if !IsProcessRunning(pid) {
		return ErrProcessNotRunning
	}
	if err := SendSignal(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	err := WaitForExit(pid, timeout)
	if err == nil {
		return nil
	}
	if !force {
		return err
	}

	if err := SendSignal(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("sending SIGKILL: %w", err)
	}
	if err := WaitForExit(pid, 5*time.Second); err != nil {
		return fmt.Errorf("process survived SIGKILL: %w", err)
	}
	return nil
}

// GetProcessInfo probes pid and, when running, resolves its command name.
func GetProcessInfo(pid int) (*ProcessInfo, error) {
	info := &ProcessInfo{PID: pid, Running: IsProcessRunning(pid)}
	if info.Running {
		cmd, err := getProcessCommand(pid)
		if err != nil {
			info.Command = "<unknown>"
		} else {
			info.Command = cmd
		}
	}
	return info, nil
}
