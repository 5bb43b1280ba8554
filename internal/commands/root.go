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

// Package commands implements the mcpdesk CLI.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mcpdesk/mcpdesk/internal/adapter"
	"github.com/mcpdesk/mcpdesk/internal/audit"
	"github.com/mcpdesk/mcpdesk/internal/config"
	"github.com/mcpdesk/mcpdesk/internal/log"
	"github.com/mcpdesk/mcpdesk/internal/mcp"
	"github.com/mcpdesk/mcpdesk/internal/oauth"
	"github.com/mcpdesk/mcpdesk/internal/secrets"
)

// Version information, injected via ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build-time version information.
func SetVersion(v, c, d string) {
	version, commit, buildDate = v, c, d
}

var jsonOutput bool

// NewRootCommand creates the mcpdesk root command with all subcommands.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcpdesk",
		Short: "Manage MCP (Model Context Protocol) servers",
		Long: `mcpdesk manages the lifecycle of MCP tool servers: registration,
process supervision, OAuth authentication and tool calls over stdio.

Commands:
  list     List all registered MCP servers
  add      Register a new MCP server
  remove   Remove a user-added MCP server
  enable   Allow a server to be started
  disable  Stop and disable a server
  start    Start a server
  stop     Stop a running server
  retry    Retry a failed start or authorization
  reset    Acknowledge an error state
  status   Show detailed status of a server
  auth     Run the browser authorization flow
  tools    List tools available from a running server
  call     Call a tool on a running server
  logs     Show recent stderr output of a server
  history  Show a server's lifecycle transitions
  serve    Run resident, supervising servers and exporting metrics
  version  Print version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output machine-readable JSON")
	cmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newAddCommand())
	cmd.AddCommand(newRemoveCommand())
	cmd.AddCommand(newEnableCommand())
	cmd.AddCommand(newDisableCommand())
	cmd.AddCommand(newStartCommand())
	cmd.AddCommand(newStopCommand())
	cmd.AddCommand(newRetryCommand())
	cmd.AddCommand(newResetCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newAuthCommand())
	cmd.AddCommand(newToolsCommand())
	cmd.AddCommand(newCallCommand())
	cmd.AddCommand(newLogsCommand())
	cmd.AddCommand(newHistoryCommand())
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// HandleExitError prints an error and exits non-zero. MCP errors print
// their user-facing rendition with suggestions.
func HandleExitError(err error) {
	if mcpErr := mcp.GetMCPError(err); mcpErr != nil {
		fmt.Fprint(os.Stderr, mcpErr.Error())
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}

// App bundles the wired application: settings, adapters and the registry.
type App struct {
	HomeDir  string
	Settings *config.Settings
	Logger   *slog.Logger
	Registry *mcp.Registry

	auditStore *audit.Store
	storage    *adapter.FileStorageAdapter
}

// appOptions tweaks wiring per command.
type appOptions struct {
	// watchDocument reloads the server list on external edits. Only the
	// resident serve command wants this.
	watchDocument bool
	// withAudit opens the sqlite audit trail.
	withAudit bool
}

// newApp wires adapters, token manager and registry from the home dir.
func newApp(ctx context.Context, opts appOptions) (*App, error) {
	home, err := config.HomeDir()
	if err != nil {
		return nil, err
	}
	settings, err := config.Load(home)
	if err != nil {
		return nil, err
	}

	logCfg := log.FromEnv()
	if os.Getenv("MCPDESK_LOG_LEVEL") == "" && os.Getenv("LOG_LEVEL") == "" && os.Getenv("MCPDESK_DEBUG") == "" {
		logCfg.Level = settings.Log.Level
	}
	if os.Getenv("LOG_FORMAT") == "" {
		logCfg.Format = log.Format(settings.Log.Format)
	}
	logger := log.New(logCfg)

	storage, err := adapter.NewFileStorageAdapter(home, logger)
	if err != nil {
		return nil, err
	}
	resolver := secrets.NewResolver(secrets.NewKeyringProvider(settings.Keyring.Service))
	browser := adapter.NewHostBrowserAdapter(logger)
	adapters := adapter.Adapters{
		Process: adapter.NewHostProcessAdapter(logger),
		Storage: storage,
		Env:     adapter.NewHostEnvAdapter(),
		Browser: browser,
	}
	if err := adapters.Validate(); err != nil {
		return nil, err
	}

	app := &App{
		HomeDir:  home,
		Settings: settings,
		Logger:   logger,
		storage:  storage,
	}

	if opts.withAudit {
		if path := settings.AuditPath(home); path != "" {
			store, err := audit.Open(path)
			if err != nil {
				return nil, err
			}
			app.auditStore = store
			if settings.Audit.RetentionDays > 0 {
				cutoff := time.Now().AddDate(0, 0, -settings.Audit.RetentionDays)
				if _, err := store.Prune(ctx, cutoff); err != nil {
					logger.Warn("audit prune failed", "error", err)
				}
			}
		}
	}

	app.Registry = mcp.NewRegistry(mcp.RegistryOptions{
		Adapters:      adapters,
		Tokens:        oauth.NewTokenManager(storage, browser, resolver, logger),
		Secrets:       resolver,
		Audit:         app.auditStore,
		BuiltIns:      mcp.BuiltInServers(),
		ToolCallRate:  settings.ToolCalls.RatePerSecond,
		ToolCallBurst: settings.ToolCalls.Burst,
		WatchDocument: opts.watchDocument,
		Logger:        logger,
	})
	if err := app.Registry.Initialize(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	return app, nil
}

// Close releases the registry and its resources.
func (a *App) Close(ctx context.Context) {
	if a.Registry != nil {
		if err := a.Registry.Close(ctx); err != nil {
			a.Logger.Warn("registry close failed", "error", err)
		}
	}
	if a.auditStore != nil {
		_ = a.auditStore.Close()
	}
	if a.storage != nil {
		_ = a.storage.Close()
	}
}

// withApp runs fn with a wired app and tears it down after.
func withApp(opts appOptions, fn func(ctx context.Context, app *App) error) error {
	ctx := context.Background()
	app, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close(ctx)
	return fn(ctx, app)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("mcpdesk %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
