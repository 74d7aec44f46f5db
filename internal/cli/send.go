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
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newSendCommand(flags *Flags) *cobra.Command {
	var (
		data        string
		contentType string
	)
	cmd := &cobra.Command{
		Use:   "send <token>",
		Short: "Deliver a webhook payload to a hook token",
		Long: `Send posts a payload to the daemon's webhook endpoint, resuming the
run suspended on the token. The payload comes from --data: an inline
value, @file to read a file, or - to read stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(data, cmd.InOrStdin())
			if err != nil {
				return err
			}
			receipt, err := flags.Client().Send(cmd.Context(), args[0], payload, contentType)
			if err != nil {
				return err
			}
			if flags.JSON {
				return writeJSON(cmd.OutOrStdout(), receipt)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Delivered to hook %s (run %s)\n", receipt.HookID, receipt.RunID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "{}", "Payload: inline value, @file, or - for stdin")
	cmd.Flags().StringVar(&contentType, "content-type", "application/json", "Payload content type")
	return cmd
}

func readPayload(data string, stdin io.Reader) ([]byte, error) {
	switch {
	case data == "-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(data, "@"):
		return os.ReadFile(data[1:])
	default:
		return []byte(data), nil
	}
}
