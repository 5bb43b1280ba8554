// Copyright 2025 The mcpdesk Authors
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

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Show detailed status of an MCP server",
		Long: `Show a server's lifecycle state, process information and the
capability snapshot from its last start.

Examples:
  mcpdesk status github
  mcpdesk status github --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{}, func(ctx context.Context, app *App) error {
				return runStatus(app, args[0])
			})
		},
	}
}

func runStatus(app *App, id string) error {
	st, err := app.Registry.GetServer(id)
	if err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Server:   %s (%s)\n", st.ID, st.Name)
	fmt.Printf("State:    %s\n", st.State)
	fmt.Printf("Enabled:  %v\n", st.Enabled)
	if st.PID != 0 {
		fmt.Printf("PID:      %d\n", st.PID)
		fmt.Printf("Started:  %s\n", st.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if st.RestartCount > 0 {
		fmt.Printf("Retries:  %d\n", st.RestartCount)
	}
	if st.LastError != "" {
		fmt.Printf("Error:    %s\n", st.LastError)
	}
	if caps := st.Capabilities; caps != nil {
		fmt.Printf("\nProtocol: %s (%s %s)\n", caps.ProtocolVersion, caps.ServerInfo.Name, caps.ServerInfo.Version)
		fmt.Printf("Tools:    %d\n", len(caps.Tools))
		for _, tool := range caps.Tools {
			fmt.Printf("  - %s  %s\n", tool.Name, truncate(tool.Description, 50))
		}
		if len(caps.Prompts) > 0 {
			fmt.Printf("Prompts:  %d\n", len(caps.Prompts))
		}
		if len(caps.Resources) > 0 {
			fmt.Printf("Resources: %d\n", len(caps.Resources))
		}
	}
	return nil
}

func newHistoryCommand() *cobra.Command {
	var limit int
	var persisted bool

	cmd := &cobra.Command{
		Use:   "history <name>",
		Short: "Show a server's lifecycle transitions",
		Long: `Show a server's recent lifecycle transitions. With --persisted, read
the audit trail instead of the in-memory history of this process.

Examples:
  mcpdesk history github
  mcpdesk history github --persisted --limit 50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{withAudit: persisted}, func(ctx context.Context, app *App) error {
				return runHistory(ctx, app, args[0], limit, persisted)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of transitions to show")
	cmd.Flags().BoolVar(&persisted, "persisted", false, "Read the persisted audit trail")
	return cmd
}

func runHistory(ctx context.Context, app *App, id string, limit int, persisted bool) error {
	if persisted {
		records, err := app.Registry.AuditHistory(ctx, id, limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			data, err := json.MarshalIndent(records, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		for _, rec := range records {
			line := fmt.Sprintf("%s  %-14s %s -> %s",
				rec.Timestamp.Format("2006-01-02 15:04:05"), rec.Event, rec.FromState, rec.ToState)
			if msg := rec.Metadata["error"]; msg != "" {
				line += "  (" + strings.ReplaceAll(msg, "\n", " ") + ")"
			}
			fmt.Println(line)
		}
		return nil
	}

	history, err := app.Registry.History(id)
	if err != nil {
		return err
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	if jsonOutput {
		data, err := json.MarshalIndent(history, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	for _, tr := range history {
		fmt.Printf("%s  %-14s %s -> %s\n",
			tr.Timestamp.Format("2006-01-02 15:04:05"), tr.Event, tr.From, tr.To)
	}
	return nil
}
