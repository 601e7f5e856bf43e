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

// fleetd runs the fleet coordinator daemon in the foreground.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tombee/fleet/internal/daemon"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		listenAddr    = flag.String("listen", "", "HTTP listen address")
		databasePath  = flag.String("db", "", "SQLite database path (empty for in-memory)")
		workflowsDir  = flag.String("workflows-dir", "", "Directory of YAML workflow templates")
		workerCommand = flag.String("worker-command", "", "Executable spawned for each worker")
		maxWorkers    = flag.Int("max-workers", 0, "Maximum concurrent workers")
		pidFile       = flag.String("pid-file", "", "PID file path")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleetd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	err := daemon.Run(daemon.RunOptions{
		Version:       version,
		Commit:        commit,
		BuildDate:     buildDate,
		ListenAddr:    *listenAddr,
		DatabasePath:  *databasePath,
		WorkflowsDir:  *workflowsDir,
		WorkerCommand: *workerCommand,
		MaxWorkers:    *maxWorkers,
		PIDFile:       *pidFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
		os.Exit(1)
	}
}
