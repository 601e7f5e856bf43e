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

/*
Package lifecycle handles the daemon's process plumbing: PID files,
detached spawning, health polling, signal delivery, and a JSON-lines
audit log of start/stop events.

The PID file decides which process `fleet daemon stop` signals, so it is
created atomically (O_EXCL) under an exclusive flock, and PIDs read back
from it are validated with IsFleetProcess before anything is signalled:

	manager := lifecycle.NewPIDFileManager(pidPath)
	if err := manager.Create(os.Getpid()); err != nil {
	    return err
	}
	defer manager.Remove()

Background starts re-exec the fleet binary detached from the terminal,
then poll /health with exponential backoff until the daemon answers:

	pid, err := lifecycle.NewSpawner().SpawnDetached(self, args, logPath)
	if err != nil {
	    return err
	}
	checker := lifecycle.NewHealthChecker(baseURL + "/health")
	if err := checker.WaitUntilHealthy(30 * time.Second); err != nil {
	    return err
	}

Stops escalate SIGTERM to SIGKILL when the grace period lapses:

	if err := lifecycle.GracefulShutdown(pid, 10*time.Second, true); err != nil {
	    return err
	}

Every start and stop attempt is also appended to the lifecycle audit
log via LifecycleLogger, which works even when the daemon itself never
came up.
*/
package lifecycle
