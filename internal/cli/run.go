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

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rewindworks/rewind/internal/client"
	"github.com/rewindworks/rewind/internal/world"
)

func newRunCommand(flags *Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage workflow runs",
	}
	cmd.AddCommand(
		newRunStartCommand(flags),
		newRunGetCommand(flags),
		newRunListCommand(flags),
		newRunCancelCommand(flags),
	)
	return cmd
}

func newRunStartCommand(flags *Flags) *cobra.Command {
	var inputs []string
	cmd := &cobra.Command{
		Use:   "start <workflow-name>",
		Short: "Start a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := client.StartRunRequest{WorkflowName: args[0]}
			for _, in := range inputs {
				req.Input = append(req.Input, parseArg(in))
			}
			run, err := flags.Client().StartRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			if flags.JSON {
				return writeJSON(cmd.OutOrStdout(), run)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started run %s (%s)\n", run.RunID, run.WorkflowName)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Workflow argument, JSON or plain string (repeatable, positional order)")
	return cmd
}

// parseArg accepts an argument as JSON when it parses, else as a plain
// string.
func parseArg(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

func newRunGetCommand(flags *Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run with its payloads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := flags.Client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flags.JSON {
				return writeJSON(cmd.OutOrStdout(), run)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:       %s\n", run.RunID)
			fmt.Fprintf(out, "Workflow:  %s\n", run.WorkflowName)
			fmt.Fprintf(out, "Status:    %s\n", renderStatus(string(run.Status)))
			fmt.Fprintf(out, "Created:   %s\n", formatTime(run.CreatedAt))
			fmt.Fprintf(out, "Started:   %s\n", formatTimePtr(run.StartedAt))
			fmt.Fprintf(out, "Completed: %s\n", formatTimePtr(run.CompletedAt))
			if len(run.Input) > 0 {
				data, _ := json.Marshal(run.Input)
				fmt.Fprintf(out, "Input:     %s\n", truncate(string(data), 200))
			}
			if len(run.Output) > 0 {
				fmt.Fprintf(out, "Output:    %s\n", truncate(string(run.Output), 200))
			}
			if run.Error != nil {
				fmt.Fprintf(out, "Error:     %s\n", run.Error.Message)
			}
			return nil
		},
	}
}

func newRunListCommand(flags *Flags) *cobra.Command {
	var (
		workflowName string
		status       string
		cursor       string
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := flags.Client().ListRuns(cmd.Context(), world.RunFilter{
				WorkflowName: workflowName,
				Status:       world.RunStatus(status),
				Cursor:       cursor,
				Limit:        limit,
			})
			if err != nil {
				return err
			}
			if flags.JSON {
				return writeJSON(cmd.OutOrStdout(), page)
			}
			rows := make([][]string, 0, len(page.Runs))
			for _, run := range page.Runs {
				rows = append(rows, []string{
					run.RunID,
					truncate(run.WorkflowName, 40),
					renderStatus(string(run.Status)),
					formatTime(run.CreatedAt),
					formatTimePtr(run.CompletedAt),
				})
			}
			renderTable(cmd.OutOrStdout(), []string{"RUN ID", "WORKFLOW", "STATUS", "CREATED", "COMPLETED"}, rows)
			if page.NextCursor != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\nMore: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowName, "workflow", "", "Filter by workflow name")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Resume from a previous page's cursor")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size")
	return cmd
}

func newRunCancelCommand(flags *Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := flags.Client().CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flags.JSON {
				return writeJSON(cmd.OutOrStdout(), run)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s is %s\n", run.RunID, renderStatus(string(run.Status)))
			return nil
		},
	}
}
