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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LifecycleEvent is one JSON line in the lifecycle audit log.
type LifecycleEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	Event      string            `json:"event"`
	PID        int               `json:"pid,omitempty"`
	Version    string            `json:"version,omitempty"`
	Success    bool              `json:"success"`
	Message    string            `json:"message,omitempty"`
	Flags      map[string]string `json:"flags,omitempty"`
	ConfigFile string            `json:"config_file,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// LifecycleLogger appends daemon start/stop events to an audit file,
// separate from the daemon's own slog output so the CLI can record
// events even when the daemon never came up.
type LifecycleLogger struct {
	path string
}

// NewLifecycleLogger writes events to the file at path.
func NewLifecycleLogger(path string) *LifecycleLogger {
	return &LifecycleLogger{path: path}
}

// LogStart records a start attempt with its flags.
func (l *LifecycleLogger) LogStart(version string, args []string, configFile string) error {
	return l.append(LifecycleEvent{
		Event:      "start",
		Version:    version,
		Success:    true,
		Message:    "daemon start initiated",
		Flags:      flagsFromArgs(args),
		ConfigFile: configFile,
	})
}

// LogStartSuccess records the daemon becoming healthy.
func (l *LifecycleLogger) LogStartSuccess(pid int, healthCheckAttempts int, duration time.Duration) error {
	return l.append(LifecycleEvent{
		Event:   "start_success",
		PID:     pid,
		Success: true,
		Message: fmt.Sprintf("daemon started (health checks: %d, duration: %v)", healthCheckAttempts, duration),
	})
}

// LogStartFailure records a failed start.
func (l *LifecycleLogger) LogStartFailure(err error) error {
	return l.append(LifecycleEvent{
		Event:   "start_failure",
		Message: "daemon failed to start",
		Error:   err.Error(),
	})
}

// LogStop records a stop attempt.
func (l *LifecycleLogger) LogStop(pid int, force bool) error {
	msg := "daemon stop initiated"
	if force {
		msg = "daemon force stop initiated"
	}
	return l.append(LifecycleEvent{Event: "stop", PID: pid, Success: true, Message: msg})
}

// LogStopSuccess records a clean shutdown.
func (l *LifecycleLogger) LogStopSuccess(pid int, duration time.Duration) error {
	return l.append(LifecycleEvent{
		Event:   "stop_success",
		PID:     pid,
		Success: true,
		Message: fmt.Sprintf("daemon stopped (duration: %v)", duration),
	})
}

// LogStopFailure records a shutdown that did not complete.
func (l *LifecycleLogger) LogStopFailure(pid int, err error) error {
	return l.append(LifecycleEvent{
		Event:   "stop_failure",
		PID:     pid,
		Message: "failed to stop daemon",
		Error:   err.Error(),
	})
}

// LogHealthCheckFailed records the daemon starting but never answering
// its health endpoint.
func (l *LifecycleLogger) LogHealthCheckFailed(endpoint string, attempts int, elapsed time.Duration, err error) error {
	e := LifecycleEvent{
		Event:   "health_check_failed",
		Message: fmt.Sprintf("health check failed (endpoint: %s, attempts: %d, elapsed: %v)", endpoint, attempts, elapsed),
	}
	if err != nil {
		e.Error = err.Error()
	}
	return l.append(e)
}

// LogStalePID records a PID file pointing at a dead process.
func (l *LifecycleLogger) LogStalePID(pid int, reason string) error {
	return l.append(LifecycleEvent{
		Event:   "stale_pid_detected",
		PID:     pid,
		Success: true,
		Message: "stale PID file detected: " + reason,
	})
}

// LogAlreadyRunning records a start attempt against a live daemon.
func (l *LifecycleLogger) LogAlreadyRunning(pid int) error {
	return l.append(LifecycleEvent{
		Event:   "already_running",
		PID:     pid,
		Success: true,
		Message: "daemon already running",
	})
}

func (l *LifecycleLogger) append(event LifecycleEvent) error {
	event.Timestamp = time.Now()

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("opening lifecycle log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// flagsFromArgs reduces a flag-style argv to a key/value map for the
// audit line. Values follow their flag; a flag with no value records
// "true".
func flagsFromArgs(args []string) map[string]string {
	flags := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if !strings.HasPrefix(args[i], "-") {
			continue
		}
		key := strings.TrimLeft(args[i], "-")
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			flags[key] = args[i+1]
			i++
		} else {
			flags[key] = "true"
		}
	}
	return flags
}
