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

	"github.com/spf13/cobra"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the spawn queue",
	}

	var (
		requester string
		role      string
		swarmID   string
		priority  string
		dependsOn []string
	)
	add := &cobra.Command{
		Use:   "add <task>",
		Short: "Queue a spawn request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"requesterHandle": requester,
				"targetAgentType": role,
				"task":            args[0],
				"swarmId":         swarmID,
				"priority":        priority,
				"dependsOn":       dependsOn,
			}
			resp, err := apiClient().Post(cmd.Context(), "/spawn-queue", body)
			if err != nil {
				return err
			}
			cmd.Printf("queued request %v\n", resp["id"])
			return nil
		},
	}
	add.Flags().StringVar(&requester, "requester", "cli", "requester handle")
	add.Flags().StringVar(&role, "role", "worker", "target agent role")
	add.Flags().StringVar(&swarmID, "swarm", "", "swarm id")
	add.Flags().StringVar(&priority, "priority", "", "priority (low, normal, high, critical)")
	add.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "request ids this spawn waits for")

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending spawn request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiClient().Delete(cmd.Context(), "/spawn-queue/"+args[0])
		},
	}

	cmd.AddCommand(add, cancel)
	return cmd
}

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflows",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient().Get(cmd.Context(), "/workflows")
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(resp["workflows"], "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render workflows: %w", err)
			}
			cmd.Println(string(out))
			return nil
		},
	}

	var (
		inputsJSON string
		swarmID    string
	)
	start := &cobra.Command{
		Use:   "start <workflow-id>",
		Short: "Start a workflow execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inputs map[string]any
			if inputsJSON != "" {
				if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
					return fmt.Errorf("invalid --inputs JSON: %w", err)
				}
			}
			exec, err := apiClient().StartWorkflow(cmd.Context(), args[0], inputs, swarmID)
			if err != nil {
				return err
			}
			cmd.Printf("started execution %s (status %s)\n", exec.ID, exec.Status)
			return nil
		},
	}
	start.Flags().StringVar(&inputsJSON, "inputs", "", "workflow inputs as JSON")
	start.Flags().StringVar(&swarmID, "swarm", "", "swarm id")

	status := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := apiClient().Get(cmd.Context(), "/executions/"+args[0])
			if err != nil {
				return err
			}
			steps, err := apiClient().Get(cmd.Context(), "/executions/"+args[0]+"/steps")
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(map[string]any{
				"execution": exec,
				"steps":     steps["steps"],
			}, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render execution: %w", err)
			}
			cmd.Println(string(out))
			return nil
		},
	}

	cmd.AddCommand(list, start, status)
	return cmd
}
