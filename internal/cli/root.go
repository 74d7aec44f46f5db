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

// Package cli implements the rewind operator CLI: run management, event
// and hook inspection, webhook delivery, schema migration, and config
// scaffolding against a running daemon.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rewindworks/rewind/internal/client"
)

// Flags are the persistent flags shared by every subcommand.
type Flags struct {
	Server string
	Token  string
	JSON   bool
}

// Client builds the admin API client from flags and environment.
func (f *Flags) Client() *client.Client {
	server := f.Server
	if server == "" {
		server = os.Getenv("REWIND_SERVER")
	}
	token := f.Token
	if token == "" {
		token = os.Getenv("REWIND_TOKEN")
	}
	return client.New(client.WithBaseURL(server), client.WithToken(token))
}

// NewRootCommand creates the root cobra command.
func NewRootCommand(version string) *cobra.Command {
	flags := &Flags{}

	cmd := &cobra.Command{
		Use:   "rewind",
		Short: "Rewind - durable workflow engine",
		Long: `Rewind runs long-lived, crash-tolerant workflows composed of
retryable steps. This CLI operates a running daemon: start and inspect
runs, deliver webhooks, and manage deployment plumbing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.Server, "server", "", "Daemon address (default $REWIND_SERVER or "+client.DefaultBaseURL+")")
	cmd.PersistentFlags().StringVar(&flags.Token, "token", "", "Bearer token for admin endpoints (default $REWIND_TOKEN)")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "Output raw JSON")

	cmd.AddCommand(
		newRunCommand(flags),
		newEventsCommand(flags),
		newHooksCommand(flags),
		newSendCommand(flags),
		newMigrateCommand(),
		newInitCommand(),
		newVersionCommand(flags, version),
	)
	return cmd
}
