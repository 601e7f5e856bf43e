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

// fleet is the command-line client for the fleet coordinator.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/fleet/internal/client"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var coordinatorURL string

func apiClient() *client.Client {
	if coordinatorURL != "" {
		return client.New(client.WithBaseURL(coordinatorURL))
	}
	return client.New()
}

// stateDir is where the CLI keeps the daemon PID and log files.
func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fleet"
	}
	return filepath.Join(home, ".fleet")
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleet",
		Short:         "Coordinate a fleet of AI workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&coordinatorURL, "url", "", "coordinator base URL (default $CLAUDE_FLEET_URL)")

	// Accept underscore variants of multi-word flags (--depends_on etc).
	root.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	root.AddCommand(
		newVersionCommand(),
		newDaemonCommand(),
		newSpawnCommand(),
		newDismissCommand(),
		newSendCommand(),
		newOutputCommand(),
		newWorkersCommand(),
		newQueueCommand(),
		newWorkflowCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("fleet version %s\n", version)
			cmd.Printf("  commit:     %s\n", commit)
			cmd.Printf("  build date: %s\n", buildDate)
			return nil
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fleet: %v\n", err)
		os.Exit(1)
	}
}
