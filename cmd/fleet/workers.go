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
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/fleet/internal/client"
)

func newSpawnCommand() *cobra.Command {
	var req client.SpawnRequest
	cmd := &cobra.Command{
		Use:   "spawn <handle>",
		Short: "Spawn a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Handle = args[0]
			w, err := apiClient().Spawn(cmd.Context(), req)
			if err != nil {
				return err
			}
			cmd.Printf("spawned %s (id %s, status %s)\n", w.Handle, w.ID, w.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.TeamName, "team", "", "team name")
	cmd.Flags().StringVar(&req.Role, "role", "", "worker role")
	cmd.Flags().StringVar(&req.InitialPrompt, "prompt", "", "initial prompt")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "session id to resume")
	cmd.Flags().StringVar(&req.SwarmID, "swarm", "", "swarm id")
	cmd.Flags().StringVar(&req.WorkingDir, "dir", "", "working directory")
	return cmd
}

func newDismissCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <handle>",
		Short: "Dismiss a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dismissed, err := apiClient().Dismiss(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !dismissed {
				cmd.Printf("%s was not running\n", args[0])
				return nil
			}
			cmd.Printf("dismissed %s\n", args[0])
			return nil
		},
	}
}

func newSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <handle> <message>",
		Short: "Send a message to a worker's stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiClient().SendMessage(cmd.Context(), args[0], args[1])
		},
	}
}

func newOutputCommand() *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "output <handle>",
		Short: "Show a worker's buffered output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := apiClient().Output(cmd.Context(), args[0], since)
			if err != nil {
				return err
			}
			var pretty json.RawMessage = lines
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render output: %w", err)
			}
			cmd.Println(string(out))
			return nil
		},
	}
	cmd.Flags().Int64Var(&since, "since", -1, "only lines after this sequence number")
	return cmd
}

func newWorkersCommand() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, err := apiClient().Workers(cmd.Context(), status)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HANDLE\tTEAM\tROLE\tSTATUS\tPID")
			for _, w := range workers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", w.Handle, w.TeamName, w.Role, w.Status, w.PID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}
