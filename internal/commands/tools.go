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

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/mcpdesk/mcpdesk/internal/mcp"
)

func newToolsCommand() *cobra.Command {
	var start bool

	cmd := &cobra.Command{
		Use:   "tools <name>",
		Short: "List tools available from an MCP server",
		Long: `List the tools a running MCP server provides. With --start the server
is started first if needed.

Examples:
  mcpdesk tools github
  mcpdesk tools github --start --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{withAudit: start}, func(ctx context.Context, app *App) error {
				return runTools(ctx, app, args[0], start)
			})
		},
	}

	cmd.Flags().BoolVar(&start, "start", false, "Start the server first if it is not running")
	return cmd
}

func runTools(ctx context.Context, app *App, id string, start bool) error {
	if start {
		st, err := app.Registry.GetServer(id)
		if err != nil {
			return err
		}
		if st.State != mcp.StateRunning {
			if err := app.Registry.Start(ctx, id); err != nil {
				return err
			}
		}
	}

	tools, err := app.Registry.ListTools(ctx, id)
	if err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(tools, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(tools) == 0 {
		fmt.Printf("Server %s provides no tools.\n", id)
		return nil
	}
	for _, tool := range tools {
		fmt.Printf("%-30s %s\n", tool.Name, truncate(tool.Description, 60))
	}
	return nil
}

func newCallCommand() *cobra.Command {
	var argsJSON string

	cmd := &cobra.Command{
		Use:   "call <name> <tool>",
		Short: "Call a tool on a running MCP server",
		Long: `Call a tool on a running MCP server. Arguments are passed as a JSON
object with --args.

Examples:
  mcpdesk call github search_issues --args '{"query":"is:open label:bug"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{}, func(ctx context.Context, app *App) error {
				return runCall(ctx, app, args[0], args[1], argsJSON)
			})
		},
	}

	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	return cmd
}

func runCall(ctx context.Context, app *App, id, tool, argsJSON string) error {
	var toolArgs map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
			return fmt.Errorf("parse --args: %w", err)
		}
	}

	result, callErr := app.Registry.CallTool(ctx, id, tool, toolArgs)
	if result != nil {
		printToolResult(result)
	}
	return callErr
}

func printToolResult(result *mcpproto.CallToolResult) {
	if jsonOutput {
		data, err := json.MarshalIndent(result, "", "  ")
		if err == nil {
			fmt.Println(string(data))
		}
		return
	}
	for _, content := range result.Content {
		if text, ok := mcpproto.AsTextContent(content); ok {
			fmt.Println(text.Text)
		}
	}
}
