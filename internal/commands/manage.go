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

	"github.com/mcpdesk/mcpdesk/internal/mcp"
	"github.com/mcpdesk/mcpdesk/internal/oauth"
)

func newAddCommand() *cobra.Command {
	var (
		command      string
		cmdArgs      []string
		env          map[string]string
		enabled      bool
		description  string
		category     string
		oauthClient  string
		oauthAuthURL string
		oauthToken   string
		oauthRedir   string
		oauthScopes  []string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new MCP server",
		Long: `Register a new MCP server. Env values may use "$VAR" to resolve from
the host environment at start time, or "keyring:<ref>" for the OS keychain.

Examples:
  mcpdesk add github --command npx --arg -y --arg @modelcontextprotocol/server-github \
    --env GITHUB_TOKEN='$GITHUB_TOKEN'
  mcpdesk add linear --command mcp-linear \
    --oauth-client-id abc --oauth-auth-url https://linear.app/oauth/authorize \
    --oauth-token-url https://api.linear.app/oauth/token \
    --oauth-redirect-uri mcpdesk://callback`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg := &mcp.ServerConfig{
				ID:          name,
				Name:        name,
				Command:     command,
				Args:        cmdArgs,
				Env:         env,
				Enabled:     enabled,
				Description: description,
				Category:    category,
			}
			if oauthClient != "" {
				cfg.AuthType = mcp.AuthOAuth
				cfg.RequiresAuth = true
				cfg.OAuth = &oauth.Config{
					ClientID:    oauthClient,
					AuthURL:     oauthAuthURL,
					TokenURL:    oauthToken,
					RedirectURI: oauthRedir,
					Scopes:      oauthScopes,
				}
			}
			return withApp(appOptions{}, func(ctx context.Context, app *App) error {
				if err := app.Registry.AddServer(ctx, cfg); err != nil {
					return err
				}
				fmt.Printf("Added MCP server: %s\n", name)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "Executable to spawn (required)")
	cmd.Flags().StringArrayVar(&cmdArgs, "arg", nil, "Command argument (repeatable)")
	cmd.Flags().StringToStringVar(&env, "env", nil, "Environment variable KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "Allow the server to be started")
	cmd.Flags().StringVar(&description, "description", "", "Human-readable description")
	cmd.Flags().StringVar(&category, "category", "", "Category for grouping")
	cmd.Flags().StringVar(&oauthClient, "oauth-client-id", "", "OAuth client id")
	cmd.Flags().StringVar(&oauthAuthURL, "oauth-auth-url", "", "OAuth authorization endpoint")
	cmd.Flags().StringVar(&oauthToken, "oauth-token-url", "", "OAuth token endpoint")
	cmd.Flags().StringVar(&oauthRedir, "oauth-redirect-uri", "", "OAuth redirect URI")
	cmd.Flags().StringSliceVar(&oauthScopes, "oauth-scope", nil, "OAuth scope (repeatable)")
	_ = cmd.MarkFlagRequired("command")

	return cmd
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a user-added MCP server",
		Long: `Remove a user-added MCP server, stopping it first if running.
Built-in servers cannot be removed, only disabled.

Examples:
  mcpdesk remove github`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{}, func(ctx context.Context, app *App) error {
				if err := app.Registry.RemoveServer(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Removed MCP server: %s\n", args[0])
				return nil
			})
		},
	}
}

func newEnableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>",
		Short: "Allow a server to be started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{}, func(ctx context.Context, app *App) error {
				if err := app.Registry.SetEnabled(ctx, args[0], true); err != nil {
					return err
				}
				fmt.Printf("Enabled MCP server: %s\n", args[0])
				return nil
			})
		},
	}
}

func newDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Stop and disable a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{withAudit: true}, func(ctx context.Context, app *App) error {
				if err := app.Registry.SetEnabled(ctx, args[0], false); err != nil {
					return err
				}
				fmt.Printf("Disabled MCP server: %s\n", args[0])
				return nil
			})
		},
	}
}
