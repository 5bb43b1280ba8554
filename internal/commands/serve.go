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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mcpdesk/mcpdesk/internal/mcp"
)

func newServeCommand() *cobra.Command {
	var startEnabled bool
	var traceOut string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run resident, supervising servers and exporting metrics",
		Long: `Run mcpdesk as a resident process: keep the registry live, reload
the server list on edits, and export prometheus metrics.

Examples:
  mcpdesk serve
  mcpdesk serve --start-enabled
  mcpdesk serve --trace-file traces.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(appOptions{watchDocument: true, withAudit: true}, func(ctx context.Context, app *App) error {
				return runServe(ctx, app, startEnabled, traceOut)
			})
		},
	}

	cmd.Flags().BoolVar(&startEnabled, "start-enabled", false, "Start all enabled servers on boot")
	cmd.Flags().StringVar(&traceOut, "trace-file", "", "Write OpenTelemetry spans to this file")
	return cmd
}

func runServe(ctx context.Context, app *App, startEnabled bool, traceOut string) error {
	if traceOut != "" {
		shutdown, err := initTracing(traceOut)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	if startEnabled {
		for _, st := range app.Registry.ListServers() {
			if !st.Enabled {
				continue
			}
			if err := app.Registry.Start(ctx, st.ID); err != nil {
				app.Logger.Warn("server failed to start", "server", st.ID, "error", err)
			}
		}
	}

	var metricsSrv *http.Server
	if addr := app.Settings.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			app.Logger.Info("metrics endpoint listening", "addr", addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.Logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	unsubscribe := app.Registry.Subscribe(func(change mcp.StateChange) {
		app.Logger.Info("server transition",
			"server", change.ServerID, "event", change.Event,
			"from", change.From, "to", change.To)
	})
	defer unsubscribe()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	app.Logger.Info("shutting down", "signal", sig.String())

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// initTracing installs a stdout-file span exporter.
func initTracing(path string) (func(context.Context) error, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		_ = out.Close()
		return err
	}, nil
}
