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
	"fmt"

	"github.com/spf13/cobra"
)

func newLogsCommand() *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Show recent stderr output of an MCP server",
		Long: `Show the last stderr lines the server process wrote. Covers the
current process, or the last one if the server has exited.

Examples:
  mcpdesk logs github
  mcpdesk logs github --lines 50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{}, func(ctx context.Context, app *App) error {
				logs, err := app.Registry.Logs(args[0])
				if err != nil {
					return err
				}
				if lines > 0 && len(logs) > lines {
					logs = logs[len(logs)-lines:]
				}
				if len(logs) == 0 {
					fmt.Printf("No logs for MCP server %s.\n", args[0])
					return nil
				}
				for _, line := range logs {
					fmt.Println(line)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "Number of lines to show")
	return cmd
}
