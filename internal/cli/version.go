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
)

func newVersionCommand(flags *Flags, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client and daemon versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Client: %s\n", version)
			// The daemon may not be running; that is not an error here.
			info, err := flags.Client().Version(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "Daemon: unreachable (%v)\n", err)
				return nil
			}
			fmt.Fprintf(out, "Daemon: %s (spec %s)\n", info["version"], info["spec_version"])
			return nil
		},
	}
}
