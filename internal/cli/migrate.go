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
	"os"

	"github.com/spf13/cobra"

	"github.com/rewindworks/rewind/internal/world/postgres"
)

func newMigrateCommand() *cobra.Command {
	var postgresURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres schema migrations",
		Long: `Migrate connects to the postgres world database and applies any
pending embedded schema migrations. The daemon does this on startup;
migrate exists for pipelines that roll schema ahead of deploys.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := postgresURL
			if url == "" {
				url = os.Getenv("WORKFLOW_POSTGRES_URL")
			}
			if url == "" {
				return fmt.Errorf("a postgres URL is required (--postgres-url or WORKFLOW_POSTGRES_URL)")
			}
			// Open applies pending migrations before returning.
			a, err := postgres.Open(postgres.Config{URL: url})
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}
	cmd.Flags().StringVar(&postgresURL, "postgres-url", "", "PostgreSQL connection URL (default $WORKFLOW_POSTGRES_URL)")
	return cmd
}
