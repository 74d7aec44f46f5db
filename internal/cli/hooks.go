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
	"github.com/spf13/cobra"
)

func newHooksCommand(flags *Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Inspect a run's live suspension points",
	}
	cmd.AddCommand(newHooksListCommand(flags))
	return cmd
}

func newHooksListCommand(flags *Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "list <run-id>",
		Short: "List a run's live hooks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hooks, err := flags.Client().ListHooks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flags.JSON {
				return writeJSON(cmd.OutOrStdout(), hooks)
			}
			rows := make([][]string, 0, len(hooks))
			for _, h := range hooks {
				rows = append(rows, []string{
					h.HookID,
					h.Token,
					formatTime(h.CreatedAt),
				})
			}
			renderTable(cmd.OutOrStdout(), []string{"HOOK ID", "TOKEN", "CREATED"}, rows)
			return nil
		},
	}
}
