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

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Short: "Start an MCP server",
		Long: `Start an MCP server: validate its configuration, spawn the process
and probe its capabilities. Returns once the server is running.

Examples:
  mcpdesk start github`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{withAudit: true}, func(ctx context.Context, app *App) error {
				if err := app.Registry.Start(ctx, args[0]); err != nil {
					return err
				}
				st, err := app.Registry.GetServer(args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Started MCP server: %s (pid %d", args[0], st.PID)
				if st.Capabilities != nil {
					fmt.Printf(", %d tools", len(st.Capabilities.Tools))
				}
				fmt.Println(")")
				return nil
			})
		},
	}
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a running MCP server",
		Long: `Stop a running MCP server gracefully, escalating to SIGKILL after
the grace period.

Examples:
  mcpdesk stop github`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{withAudit: true}, func(ctx context.Context, app *App) error {
				if err := app.Registry.Stop(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Stopped MCP server: %s\n", args[0])
				return nil
			})
		},
	}
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <name>",
		Short: "Retry a failed start or authorization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{withAudit: true}, func(ctx context.Context, app *App) error {
				if err := app.Registry.Retry(ctx, args[0]); err != nil {
					return err
				}
				st, err := app.Registry.GetServer(args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Retried MCP server: %s (state %s)\n", args[0], st.State)
				return nil
			})
		},
	}
}

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <name>",
		Short: "Acknowledge a server's error state",
		Long: `Acknowledge an error or abandon a pending authorization, returning
the server to idle and clearing its history and counters.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{withAudit: true}, func(ctx context.Context, app *App) error {
				if err := app.Registry.Reset(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Reset MCP server: %s\n", args[0])
				return nil
			})
		},
	}
}
