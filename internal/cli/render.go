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
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// CLI style palette.
var (
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	styleInfo  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // blue
	styleMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
)

// isTTY reports whether stdout is a terminal; plain output otherwise so
// pipes stay parseable.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// renderStatus colors a lifecycle status for terminal output.
func renderStatus(status string) string {
	if !isTTY() {
		return status
	}
	switch status {
	case "completed":
		return styleOK.Render(status)
	case "failed":
		return styleError.Render(status)
	case "cancelled":
		return styleWarn.Render(status)
	case "running":
		return styleInfo.Render(status)
	default:
		return styleMuted.Render(status)
	}
}

// renderTable writes an aligned header + rows table.
func renderTable(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// writeJSON emits v as indented JSON, for --json output.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

// truncate shortens long cell values so tables stay on one line.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
