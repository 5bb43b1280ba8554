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

package mcp

import (
	"context"
	"log/slog"
	"sync"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/time/rate"

	"github.com/mcpdesk/mcpdesk/internal/adapter"
	"github.com/mcpdesk/mcpdesk/internal/audit"
	"github.com/mcpdesk/mcpdesk/internal/events"
	"github.com/mcpdesk/mcpdesk/internal/oauth"
	"github.com/mcpdesk/mcpdesk/internal/secrets"
)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Adapters adapter.Adapters
	Tokens   *oauth.TokenManager
	Secrets  *secrets.Resolver
	// Audit, when set, receives every applied transition.
	Audit *audit.Store
	// BuiltIns are the shipped server definitions merged into the
	// persisted list on initialization.
	BuiltIns []ServerConfig
	// ToolCallRate throttles tool calls registry-wide. 0 disables the
	// limiter.
	ToolCallRate  float64
	ToolCallBurst int
	// WatchDocument reloads the server list when the document changes on
	// disk (for example, edited by hand).
	WatchDocument bool
	Logger        *slog.Logger
}

// Registry owns the full set of MCP servers: the persisted list, one
// manager per server, and the event stream collaborators subscribe to.
type Registry struct {
	opts    RegistryOptions
	logger  *slog.Logger
	bus     *events.Bus[StateChange]
	limiter *rate.Limiter

	mu        sync.Mutex
	managers  map[string]*Manager
	order     []string
	stopWatch func()
	closed    bool
}

// NewRegistry creates a registry. Call Initialize before use.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		opts:     opts,
		logger:   logger,
		bus:      events.NewBus[StateChange](),
		managers: make(map[string]*Manager),
	}
	if opts.ToolCallRate > 0 {
		burst := opts.ToolCallBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.ToolCallRate), burst)
	}
	return r
}

// Initialize loads the persisted server list, folds in built-ins and builds
// one manager per server. Servers are never auto-started.
func (r *Registry) Initialize(ctx context.Context) error {
	// Read the document fresh right before merging so a concurrent edit
	// is not clobbered by stale data.
	servers, err := LoadServers(r.opts.Adapters.Storage)
	if err != nil {
		return err
	}
	merged, changed := MergeBuiltIns(servers, r.opts.BuiltIns)
	if changed {
		if err := SaveServers(r.opts.Adapters.Storage, merged); err != nil {
			return err
		}
	}

	r.mu.Lock()
	for i := range merged {
		cfg := merged[i]
		r.managers[cfg.ID] = r.newManager(&cfg)
		r.order = append(r.order, cfg.ID)
	}
	r.mu.Unlock()

	if r.opts.WatchDocument {
		stop, err := r.opts.Adapters.Storage.WatchConfig(ServersDocument, r.reload)
		if err != nil {
			r.logger.Warn("server list watch unavailable", "error", err)
		} else {
			r.stopWatch = stop
		}
	}

	r.logger.Info("registry initialized", "servers", len(merged))
	return nil
}

func (r *Registry) newManager(cfg *ServerConfig) *Manager {
	return NewManager(cfg, ManagerDeps{
		Adapters: r.opts.Adapters,
		Tokens:   r.opts.Tokens,
		Secrets:  r.opts.Secrets,
		Persist:  r.persistConfig,
		Emit:     r.emit,
		Logger:   r.logger,
	})
}

// emit fans a transition out to subscribers and the audit trail.
func (r *Registry) emit(change StateChange) {
	r.bus.Publish(change)
	if r.opts.Audit != nil {
		err := r.opts.Audit.Append(context.Background(), audit.Record{
			ServerID:  change.ServerID,
			Event:     string(change.Event),
			FromState: string(change.From),
			ToState:   string(change.To),
			Metadata:  change.Metadata,
			Timestamp: change.Timestamp,
		})
		if err != nil {
			r.logger.Error("audit append failed", "server", change.ServerID, "error", err)
		}
	}
}

// persistConfig folds one updated server config back into the document.
// Managers call it after token refreshes and authorizations.
func (r *Registry) persistConfig(cfg *ServerConfig) error {
	r.mu.Lock()
	if m, ok := r.managers[cfg.ID]; ok {
		m.UpdateConfig(cfg)
	}
	servers := r.snapshotLocked()
	r.mu.Unlock()
	return SaveServers(r.opts.Adapters.Storage, servers)
}

// snapshotLocked collects the current configs in stable order. The document
// is always written outside the registry lock; storage watch callbacks may
// fire inline and re-enter.
func (r *Registry) snapshotLocked() []ServerConfig {
	servers := make([]ServerConfig, 0, len(r.order))
	for _, id := range r.order {
		if m, ok := r.managers[id]; ok {
			servers = append(servers, *m.Config())
		}
	}
	return servers
}

// reload refreshes manager configs after the document changed on disk.
// Running servers keep their process; config changes apply on next start.
func (r *Registry) reload() {
	servers, err := LoadServers(r.opts.Adapters.Storage)
	if err != nil {
		r.logger.Error("server list reload failed", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(servers))
	order := make([]string, 0, len(servers))
	for i := range servers {
		cfg := servers[i]
		seen[cfg.ID] = true
		order = append(order, cfg.ID)
		if m, ok := r.managers[cfg.ID]; ok {
			m.UpdateConfig(&cfg)
		} else {
			r.managers[cfg.ID] = r.newManager(&cfg)
			r.logger.Info("server added from document", "server", cfg.ID)
		}
	}
	for id, m := range r.managers {
		if seen[id] {
			continue
		}
		if s := m.State(); s == StateStarting || s == StateRunning {
			// Keep a live server; removal applies once it stops.
			order = append(order, id)
			continue
		}
		delete(r.managers, id)
		r.logger.Info("server removed from document", "server", id)
	}
	r.order = order
}

// Subscribe registers fn for every applied transition of every server. The
// returned function unsubscribes.
func (r *Registry) Subscribe(fn func(StateChange)) func() {
	return r.bus.Subscribe(fn)
}

func (r *Registry) manager(id string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[id]
	if !ok {
		return nil, ErrServerNotFound(id)
	}
	return m, nil
}

// AddServer registers a new server. The id must be unused.
func (r *Registry) AddServer(ctx context.Context, cfg *ServerConfig) error {
	if err := ValidateServerConfig(cfg); err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.managers[cfg.ID]; ok {
		r.mu.Unlock()
		return ErrServerAlreadyExists(cfg.ID)
	}
	r.managers[cfg.ID] = r.newManager(cfg)
	r.order = append(r.order, cfg.ID)
	servers := r.snapshotLocked()
	r.mu.Unlock()
	return SaveServers(r.opts.Adapters.Storage, servers)
}

// UpdateServer replaces a server's configuration. Changes take effect on
// the next start.
func (r *Registry) UpdateServer(ctx context.Context, cfg *ServerConfig) error {
	if err := ValidateServerConfig(cfg); err != nil {
		return err
	}

	r.mu.Lock()
	m, ok := r.managers[cfg.ID]
	if !ok {
		r.mu.Unlock()
		return ErrServerNotFound(cfg.ID)
	}
	// Built-in provenance is not user-editable.
	cfg = cfg.Clone()
	cfg.IsBuiltIn = m.Config().IsBuiltIn
	m.UpdateConfig(cfg)
	servers := r.snapshotLocked()
	r.mu.Unlock()
	return SaveServers(r.opts.Adapters.Storage, servers)
}

// RemoveServer deletes a user-added server, stopping it first if needed.
// Built-ins can only be disabled.
func (r *Registry) RemoveServer(ctx context.Context, id string) error {
	m, err := r.manager(id)
	if err != nil {
		return err
	}
	if m.Config().IsBuiltIn {
		return ErrBuiltInProtected(id)
	}
	if s := m.State(); s == StateStarting || s == StateRunning {
		if err := m.Stop(ctx); err != nil {
			return err
		}
	}

	r.mu.Lock()
	delete(r.managers, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	servers := r.snapshotLocked()
	r.mu.Unlock()
	return SaveServers(r.opts.Adapters.Storage, servers)
}

// SetEnabled flips a server's enabled flag. Disabling a live server stops
// it.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	m, err := r.manager(id)
	if err != nil {
		return err
	}
	cfg := m.Config()
	if cfg.Enabled == enabled {
		return nil
	}
	if !enabled {
		if s := m.State(); s == StateStarting || s == StateRunning {
			if err := m.Stop(ctx); err != nil {
				return err
			}
		}
	}
	cfg.Enabled = enabled
	m.UpdateConfig(cfg)

	r.mu.Lock()
	servers := r.snapshotLocked()
	r.mu.Unlock()
	return SaveServers(r.opts.Adapters.Storage, servers)
}

// ListServers returns a status snapshot per server, in stable order.
func (r *Registry) ListServers() []ServerStatus {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.order))
	for _, id := range r.order {
		if m, ok := r.managers[id]; ok {
			managers = append(managers, m)
		}
	}
	r.mu.Unlock()

	out := make([]ServerStatus, 0, len(managers))
	for _, m := range managers {
		out = append(out, m.Status())
	}
	return out
}

// GetServer returns one server's status snapshot.
func (r *Registry) GetServer(id string) (ServerStatus, error) {
	m, err := r.manager(id)
	if err != nil {
		return ServerStatus{}, err
	}
	return m.Status(), nil
}

// Start starts a server by id.
func (r *Registry) Start(ctx context.Context, id string) error {
	m, err := r.manager(id)
	if err != nil {
		return err
	}
	return m.Start(ctx)
}

// Stop stops a server by id.
func (r *Registry) Stop(ctx context.Context, id string) error {
	m, err := r.manager(id)
	if err != nil {
		return err
	}
	return m.Stop(ctx)
}

// Authenticate begins the browser authorization flow for a server.
func (r *Registry) Authenticate(ctx context.Context, id string) error {
	m, err := r.manager(id)
	if err != nil {
		return err
	}
	return m.Authenticate(ctx)
}

// Retry re-attempts a failed start or authorization.
func (r *Registry) Retry(ctx context.Context, id string) error {
	m, err := r.manager(id)
	if err != nil {
		return err
	}
	return m.Retry(ctx)
}

// Reset acknowledges a server's error state.
func (r *Registry) Reset(ctx context.Context, id string) error {
	m, err := r.manager(id)
	if err != nil {
		return err
	}
	return m.Reset(ctx)
}

// CallTool executes a tool on a running server, honoring the registry-wide
// rate limit.
func (r *Registry) CallTool(ctx context.Context, id, name string, args map[string]any) (*mcpproto.CallToolResult, error) {
	m, err := r.manager(id)
	if err != nil {
		return nil, err
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, WrapError(err, ErrorCodeTimeout, "Tool call throttled")
		}
	}
	return m.CallTool(ctx, name, args)
}

// ListTools lists a running server's tools.
func (r *Registry) ListTools(ctx context.Context, id string) ([]mcpproto.Tool, error) {
	m, err := r.manager(id)
	if err != nil {
		return nil, err
	}
	return m.ListTools(ctx)
}

// GetCapabilities returns a running server's capability snapshot.
func (r *Registry) GetCapabilities(id string) (*Capabilities, error) {
	m, err := r.manager(id)
	if err != nil {
		return nil, err
	}
	return m.GetCapabilities()
}

// ListPrompts lists a running server's prompts.
func (r *Registry) ListPrompts(ctx context.Context, id string) ([]mcpproto.Prompt, error) {
	m, err := r.manager(id)
	if err != nil {
		return nil, err
	}
	return m.ListPrompts(ctx)
}

// GetPrompt fetches a rendered prompt from a running server.
func (r *Registry) GetPrompt(ctx context.Context, id, name string, args map[string]string) (*mcpproto.GetPromptResult, error) {
	m, err := r.manager(id)
	if err != nil {
		return nil, err
	}
	return m.GetPrompt(ctx, name, args)
}

// Logs returns a server's recent stderr output.
func (r *Registry) Logs(id string) ([]string, error) {
	m, err := r.manager(id)
	if err != nil {
		return nil, err
	}
	return m.Logs(), nil
}

// History returns a server's bounded in-memory transition history.
func (r *Registry) History(id string) ([]Transition, error) {
	m, err := r.manager(id)
	if err != nil {
		return nil, err
	}
	return m.History(), nil
}

// AuditHistory returns persisted transitions for a server, newest first.
func (r *Registry) AuditHistory(ctx context.Context, id string, limit int) ([]audit.Record, error) {
	if _, err := r.manager(id); err != nil {
		return nil, err
	}
	if r.opts.Audit == nil {
		return nil, nil
	}
	return r.opts.Audit.History(ctx, id, limit)
}

// Close stops the document watch and every live server.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stop := r.stopWatch
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	var firstErr error
	for _, m := range managers {
		if s := m.State(); s == StateStarting || s == StateRunning {
			if err := m.Stop(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
