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
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpdesk/mcpdesk/internal/mcp"
)

// authWaitTimeout bounds how long the CLI waits for the user to finish the
// browser round trip.
const authWaitTimeout = 5 * time.Minute

func newAuthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "auth <name>",
		Short: "Run the browser authorization flow for a server",
		Long: `Open the provider's authorization page in the browser and wait for
the callback. On success the server is validated and started.

Examples:
  mcpdesk auth linear`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{withAudit: true}, func(ctx context.Context, app *App) error {
				return runAuth(ctx, app, args[0])
			})
		},
	}
}

func runAuth(ctx context.Context, app *App, id string) error {
	settled := make(chan mcp.ServerState, 1)
	unsubscribe := app.Registry.Subscribe(func(change mcp.StateChange) {
		if change.ServerID != id {
			return
		}
		switch change.To {
		case mcp.StateRunning, mcp.StateAuthFailed, mcp.StateRuntimeError, mcp.StateConfigError:
			select {
			case settled <- change.To:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := app.Registry.Authenticate(ctx, id); err != nil {
		return err
	}
	fmt.Println("Waiting for authorization in the browser...")

	select {
	case state := <-settled:
		st, err := app.Registry.GetServer(id)
		if err != nil {
			return err
		}
		switch state {
		case mcp.StateRunning:
			fmt.Printf("Authorized and started MCP server: %s\n", id)
			return nil
		case mcp.StateAuthFailed:
			return mcp.ErrAuthFailed(id, nil).WithDetail(st.LastError)
		default:
			return fmt.Errorf("server %s ended in state %s: %s", id, state, st.LastError)
		}
	case <-time.After(authWaitTimeout):
		return mcp.ErrTimeout("auth", int(authWaitTimeout.Seconds()))
	}
}
