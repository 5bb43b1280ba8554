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

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all registered MCP servers",
		Long: `List all registered MCP servers with their lifecycle state.

Examples:
  mcpdesk list
  mcpdesk list --json
  mcpdesk list --json | jq -r '.[].id'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{}, runList)
		},
	}
}

func runList(ctx context.Context, app *App) error {
	servers := app.Registry.ListServers()

	if jsonOutput {
		data, err := json.MarshalIndent(servers, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(servers) == 0 {
		fmt.Println("No MCP servers registered.")
		fmt.Println("\nTo add a server:")
		fmt.Println("  mcpdesk add <name> --command <cmd>")
		return nil
	}

	fmt.Printf("%-20s %-16s %-8s %-8s %s\n", "ID", "STATE", "ENABLED", "PID", "LAST ERROR")
	fmt.Println(strings.Repeat("-", 78))
	for _, s := range servers {
		pid := "-"
		if s.PID != 0 {
			pid = fmt.Sprintf("%d", s.PID)
		}
		enabled := "no"
		if s.Enabled {
			enabled = "yes"
		}
		fmt.Printf("%-20s %-16s %-8s %-8s %s\n",
			truncate(s.ID, 20), s.State, enabled, pid, truncate(s.LastError, 30))
	}
	return nil
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
