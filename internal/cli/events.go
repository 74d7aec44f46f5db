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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rewindworks/rewind/internal/world"
)

func newEventsCommand(flags *Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect run event logs",
	}
	cmd.AddCommand(newEventsListCommand(flags))
	return cmd
}

func newEventsListCommand(flags *Flags) *cobra.Command {
	var (
		cursor  string
		limit   int
		resolve bool
	)
	cmd := &cobra.Command{
		Use:   "list <run-id>",
		Short: "List a run's events in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := world.EventFilter{Cursor: cursor, Limit: limit}
			if resolve {
				filter.Resolve = world.ResolveAll
			}
			page, err := flags.Client().ListEvents(cmd.Context(), args[0], filter)
			if err != nil {
				return err
			}
			if flags.JSON {
				return writeJSON(cmd.OutOrStdout(), page)
			}
			rows := make([][]string, 0, len(page.Events))
			for _, ev := range page.Events {
				row := []string{
					ev.EventID,
					string(ev.EventType),
					orDash(ev.CorrelationID),
					formatTime(ev.CreatedAt),
				}
				if resolve {
					row = append(row, truncate(string(ev.EventData), 60))
				}
				rows = append(rows, row)
			}
			headers := []string{"EVENT ID", "TYPE", "CORRELATION", "CREATED"}
			if resolve {
				headers = append(headers, "DATA")
			}
			renderTable(cmd.OutOrStdout(), headers, rows)
			if page.NextCursor != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\nMore: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cursor, "cursor", "", "Resume from a previous page's cursor")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size")
	cmd.Flags().BoolVar(&resolve, "data", false, "Include event payloads")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
