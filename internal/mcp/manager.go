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
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/mcpdesk/mcpdesk/internal/adapter"
	"github.com/mcpdesk/mcpdesk/internal/metrics"
	"github.com/mcpdesk/mcpdesk/internal/oauth"
	"github.com/mcpdesk/mcpdesk/internal/rpc"
	"github.com/mcpdesk/mcpdesk/internal/secrets"
)

const (
	// probeTimeout bounds the capability probe after a spawn.
	probeTimeout = 30 * time.Second
	// exitWait bounds how long a graceful stop waits for the exit event
	// after Kill returned.
	exitWait = 2 * time.Second
	// accessTokenEnv is the variable the resolved OAuth access token is
	// injected under when a server uses OAuth.
	accessTokenEnv = "MCP_ACCESS_TOKEN"
)

// ManagerDeps are the collaborators a Manager needs.
type ManagerDeps struct {
	Adapters adapter.Adapters
	Tokens   *oauth.TokenManager
	Secrets  *secrets.Resolver
	// Persist saves the server config after token updates.
	Persist func(cfg *ServerConfig) error
	// Emit publishes every applied transition.
	Emit   func(change StateChange)
	Logger *slog.Logger
}

// Manager is the per-server actor. It is the sole writer of its server's
// runtime state; lifecycle operations are serialized by the operation lock,
// which acts as the single-writer queue. Tool calls are not lifecycle
// operations and run concurrently.
type Manager struct {
	deps   ManagerDeps
	logger *slog.Logger
	tracer trace.Tracer

	// opMu serializes lifecycle operations (start, stop, authenticate,
	// retry, reset, crash handling).
	opMu sync.Mutex

	mu           sync.Mutex
	cfg          *ServerConfig
	state        ServerState
	proc         adapter.Process
	client       *rpc.Client
	caps         *Capabilities
	history      []Transition
	restartCount int
	lastError    string
	startedAt    time.Time
	lastLogs     []string
	// stopping marks a graceful stop in flight so the exit watcher hands
	// the event to the stop path instead of treating it as a crash.
	stopping     bool
	exitCh       chan adapter.ExitInfo
	unsubExit    func()
	refreshTimer *time.Timer
}

// NewManager creates a manager for one server. The initial state is
// UNINITIALIZED.
func NewManager(cfg *ServerConfig, deps ManagerDeps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:   deps,
		logger: logger.With("server", cfg.ID),
		tracer: otel.Tracer("mcpdesk/mcp"),
		cfg:    cfg.Clone(),
		state:  StateUninitialized,
	}
}

// Config returns a copy of the server's configuration.
func (m *Manager) Config() *ServerConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Clone()
}

// UpdateConfig replaces the configuration. Changes take effect on the next
// start; a running process is not touched.
func (m *Manager) UpdateConfig(cfg *ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.Clone()
}

// State returns the current lifecycle state.
func (m *Manager) State() ServerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a read-only runtime snapshot.
func (m *Manager) Status() ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := ServerStatus{
		ID:           m.cfg.ID,
		Name:         m.cfg.Name,
		State:        m.state,
		Enabled:      m.cfg.Enabled,
		RestartCount: m.restartCount,
		LastError:    m.lastError,
		Capabilities: m.caps,
	}
	if m.proc != nil {
		st.PID = m.proc.PID()
		st.StartedAt = m.startedAt
	}
	return st
}

// History returns the bounded in-memory transition history, oldest first.
func (m *Manager) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// Logs returns recent stderr output of the current or last process.
func (m *Manager) Logs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc != nil {
		return m.proc.Logs()
	}
	return append([]string(nil), m.lastLogs...)
}

// applyEvent runs the state machine and records the transition. Undeclared
// pairs are logged and returned as errors without touching the state.
func (m *Manager) applyEvent(event ServerEvent, meta map[string]string) error {
	m.mu.Lock()
	from := m.state
	next, err := Next(from, event)
	if err != nil {
		m.mu.Unlock()
		metrics.RejectedTransitionsTotal.WithLabelValues(m.id(), string(event), string(from)).Inc()
		m.logger.Warn("transition rejected", "event", event, "state", from)
		return err
	}
	m.state = next
	now := time.Now()
	m.history = append(m.history, Transition{From: from, To: next, Event: event, Timestamp: now, Metadata: meta})
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	if msg := meta[MetaError]; msg != "" {
		m.lastError = msg
	}
	id := m.cfg.ID
	m.mu.Unlock()

	metrics.TransitionsTotal.WithLabelValues(id, string(event), string(next)).Inc()
	if from != StateRunning && next == StateRunning {
		metrics.ServersRunning.Inc()
	} else if from == StateRunning && next != StateRunning {
		metrics.ServersRunning.Dec()
	}

	m.logger.Info("state transition", "event", event, "from", from, "to", next)
	if m.deps.Emit != nil {
		m.deps.Emit(StateChange{
			ServerID:  id,
			Event:     event,
			From:      from,
			To:        next,
			Metadata:  meta,
			Timestamp: now,
		})
	}
	return nil
}

func (m *Manager) id() string {
	return m.cfg.ID
}

// errorMeta builds transition metadata from an error.
func errorMeta(err error) map[string]string {
	meta := map[string]string{MetaError: err.Error()}
	if mcpErr := GetMCPError(err); mcpErr != nil {
		meta[MetaError] = mcpErr.UserMessage()
		meta[MetaErrorCode] = string(mcpErr.Code)
		if len(mcpErr.Suggestions) > 0 {
			meta[MetaSuggestions] = strings.Join(mcpErr.Suggestions, "; ")
		}
	}
	return meta
}

// Start validates, spawns and probes the server. It is synchronous: on
// return the server is RUNNING or in an error or auth state.
func (m *Manager) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	state := m.state
	enabled := m.cfg.Enabled
	m.mu.Unlock()

	if !Startable(state) {
		return NewMCPError(ErrorCodeInternalError, fmt.Sprintf("Cannot start MCP server '%s'", m.id())).
			WithDetail(fmt.Sprintf("start is not valid in state '%s'", state))
	}
	if !enabled {
		return ErrConfig(m.id(), "server is disabled").
			WithSuggestions(fmt.Sprintf("Enable it first: mcpdesk enable %s", m.id()))
	}

	if err := m.applyEvent(EventStart, nil); err != nil {
		return err
	}
	return m.runValidation(ctx)
}

// runValidation drives the VALIDATING -> STARTING -> RUNNING path. The
// operation lock must be held and the state must be VALIDATING.
func (m *Manager) runValidation(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "mcp.server.start",
		trace.WithAttributes(attribute.String("mcp.server.id", m.id())))
	defer span.End()
	startedAt := time.Now()

	cfg := m.Config()

	// Config check.
	if err := ValidateServerConfig(cfg); err != nil {
		_ = m.applyEvent(EventStartFailed, errorMeta(err))
		return err
	}

	// Token check. A refresh is recorded honestly as a pair of
	// transitions through TOKEN_REFRESHING back to VALIDATING.
	if cfg.AuthType == AuthOAuth {
		outcome, err := m.deps.Tokens.EnsureValidToken(ctx, cfg.ID, cfg.OAuth)
		if err != nil {
			authErr := ErrAuthRequired(cfg.ID).WithCause(err)
			_ = m.applyEvent(EventAuthFailure, errorMeta(authErr))
			return authErr
		}
		if outcome == oauth.TokenRefreshed {
			m.setConfig(cfg)
			m.persist(cfg)
			metrics.TokenRefreshesTotal.WithLabelValues(cfg.ID, "ok").Inc()
			_ = m.applyEvent(EventTokenExpired, nil)
			_ = m.applyEvent(EventRefreshSuccess, map[string]string{MetaRefresh: "ok"})
		}
	}

	// Environment resolution.
	env, err := m.resolveEnv(ctx, cfg)
	if err != nil {
		cfgErr := ErrConfig(cfg.ID, err.Error()).WithCause(err)
		_ = m.applyEvent(EventStartFailed, errorMeta(cfgErr))
		return cfgErr
	}

	// Spawn.
	proc, err := m.deps.Adapters.Process.Spawn(ctx, cfg.ID, adapter.TransportConfig{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     env,
	})
	if err != nil {
		procErr := ErrProcess(cfg.ID, err)
		_ = m.applyEvent(EventStartFailed, errorMeta(procErr))
		return procErr
	}

	client := rpc.NewClient(proc, m.logger)
	m.mu.Lock()
	m.proc = proc
	m.client = client
	m.startedAt = time.Now()
	m.unsubExit = proc.OnExit(func(info adapter.ExitInfo) { m.handleExit(proc, info) })
	m.mu.Unlock()

	if err := m.applyEvent(EventStarted, nil); err != nil {
		return err
	}

	// Capability probe.
	caps, err := m.probe(ctx, client)
	if err != nil {
		// Kill the half-started process; its exit must not read as a
		// crash on top of the start failure.
		m.mu.Lock()
		m.stopping = true
		m.exitCh = make(chan adapter.ExitInfo, 1)
		m.mu.Unlock()
		if proc.IsRunning() {
			_ = proc.Kill()
			m.awaitExit()
		}
		m.clearProcess()
		m.mu.Lock()
		m.stopping = false
		m.mu.Unlock()

		probeErr := WrapError(err, ErrorCodeProcess, fmt.Sprintf("MCP server '%s' failed its readiness probe", cfg.ID))
		_ = m.applyEvent(EventStartFailed, errorMeta(probeErr))
		return probeErr
	}

	m.mu.Lock()
	m.caps = caps
	m.lastError = ""
	m.mu.Unlock()

	if err := m.applyEvent(EventReady, nil); err != nil {
		return err
	}
	metrics.StartDuration.WithLabelValues(cfg.ID).Observe(time.Since(startedAt).Seconds())
	m.scheduleTokenRefresh()
	return nil
}

// resolveEnv expands "$VAR" and "keyring:" references and injects the OAuth
// access token when the server uses OAuth.
func (m *Manager) resolveEnv(ctx context.Context, cfg *ServerConfig) (map[string]string, error) {
	env := make(map[string]string, len(cfg.Env)+1)
	for key, value := range cfg.Env {
		resolved := value
		var err error
		if strings.HasPrefix(value, "$") {
			resolved, err = m.deps.Adapters.Env.Resolve(value)
		} else if m.deps.Secrets != nil {
			resolved, err = m.deps.Secrets.Resolve(ctx, value)
		}
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", key, err)
		}
		env[key] = resolved
	}
	if cfg.AuthType == AuthOAuth && cfg.OAuth != nil && cfg.OAuth.AccessToken != "" {
		env[accessTokenEnv] = cfg.OAuth.AccessToken
	}
	m.logger.Debug("resolved server environment", "env", RedactEnv(env))
	return env, nil
}

// probe performs the MCP handshake and fetches the capability snapshot. It
// runs on every transition into RUNNING; capabilities are never assumed
// stable across restarts.
func (m *Manager) probe(ctx context.Context, client *rpc.Client) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	init, err := client.Initialize(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}

	caps := &Capabilities{
		ProtocolVersion: init.ProtocolVersion,
		ServerInfo:      init.ServerInfo,
		FetchedAt:       time.Now(),
	}

	caps.Tools, err = client.ListTools(ctx)
	if err != nil && !isMethodNotFound(err) {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	caps.Resources, err = client.ListResources(ctx)
	if err != nil && !isMethodNotFound(err) {
		return nil, fmt.Errorf("resources/list: %w", err)
	}
	caps.Prompts, err = client.ListPrompts(ctx)
	if err != nil && !isMethodNotFound(err) {
		return nil, fmt.Errorf("prompts/list: %w", err)
	}
	return caps, nil
}

// isMethodNotFound reports a JSON-RPC method-not-found error; optional
// capability listings treat it as an empty result.
func isMethodNotFound(err error) bool {
	var rpcErr *rpc.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == -32601
}

// Stop terminates a STARTING or RUNNING server. On IDLE or STOPPED it is an
// idempotent no-op. The operation lock queues it behind an in-flight start.
func (m *Manager) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	if state == StateIdle || state == StateStopped {
		return m.applyEvent(EventStop, nil)
	}
	if state != StateStarting && state != StateRunning {
		return NewMCPError(ErrorCodeInternalError, fmt.Sprintf("Cannot stop MCP server '%s'", m.id())).
			WithDetail(fmt.Sprintf("stop is not valid in state '%s'", state))
	}

	if err := m.applyEvent(EventStop, nil); err != nil {
		return err
	}

	m.mu.Lock()
	m.stopping = true
	m.exitCh = make(chan adapter.ExitInfo, 1)
	proc := m.proc
	m.mu.Unlock()

	meta := map[string]string{}
	if proc != nil && proc.IsRunning() {
		// Kill escalates SIGTERM to SIGKILL after the grace period;
		// escalation is not an error.
		_ = proc.Kill()
		if info, ok := m.awaitExit(); ok {
			meta[MetaExitCode] = strconv.Itoa(info.Code)
			if info.Signal != "" {
				meta[MetaSignal] = info.Signal
			}
		}
	}
	m.clearProcess()

	m.mu.Lock()
	m.stopping = false
	m.mu.Unlock()

	return m.applyEvent(EventStopped, meta)
}

// awaitExit waits briefly for the exit watcher to hand over the exit info.
func (m *Manager) awaitExit() (adapter.ExitInfo, bool) {
	m.mu.Lock()
	ch := m.exitCh
	m.mu.Unlock()
	if ch == nil {
		return adapter.ExitInfo{}, false
	}
	select {
	case info := <-ch:
		return info, true
	case <-time.After(exitWait):
		return adapter.ExitInfo{}, false
	}
}

// handleExit reacts to the process exit event. During a graceful stop the
// stop path consumes it; otherwise it is an unsolicited crash.
func (m *Manager) handleExit(proc adapter.Process, info adapter.ExitInfo) {
	m.mu.Lock()
	if m.proc != proc {
		m.mu.Unlock()
		return
	}
	if m.stopping {
		ch := m.exitCh
		m.mu.Unlock()
		select {
		case ch <- info:
		default:
		}
		return
	}
	m.mu.Unlock()

	// Crash handling takes the operation lock; exit events can be
	// delivered from inside an operation, so it must not run inline.
	go m.handleCrash(proc, info)
}

// handleCrash applies an unsolicited process exit.
func (m *Manager) handleCrash(proc adapter.Process, info adapter.ExitInfo) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	// Re-check: a stop or start failure may have detached the process
	// while we waited for the lock.
	m.mu.Lock()
	if m.proc != proc || m.stopping {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.clearProcess()

	meta := map[string]string{
		MetaError:    fmt.Sprintf("process exited unexpectedly (code %d)", info.Code),
		MetaExitCode: strconv.Itoa(info.Code),
	}
	if info.Signal != "" {
		meta[MetaSignal] = info.Signal
		meta[MetaError] = fmt.Sprintf("process killed by signal %s", info.Signal)
	}
	metrics.CrashesTotal.WithLabelValues(m.id()).Inc()
	m.logger.Error("server process crashed", "exit_code", info.Code, "signal", info.Signal)

	// No auto-restart: the failure is surfaced and collaborators decide.
	_ = m.applyEvent(EventCrashed, meta)
}

// clearProcess detaches from the current process, keeping its last stderr
// lines for diagnostics.
func (m *Manager) clearProcess() {
	m.mu.Lock()
	proc := m.proc
	client := m.client
	unsubExit := m.unsubExit
	m.proc = nil
	m.client = nil
	m.unsubExit = nil
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if proc != nil {
		m.lastLogs = proc.Logs()
	}
	m.mu.Unlock()

	if unsubExit != nil {
		unsubExit()
	}
	if client != nil {
		client.Close()
	}
}

// Authenticate starts the browser authorization round trip. It returns once
// the flow is underway; completion arrives asynchronously and, on success,
// replays validation so the server starts.
func (m *Manager) Authenticate(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	state := m.state
	cfg := m.cfg.Clone()
	m.mu.Unlock()

	if state != StateAuthRequired && state != StateAuthFailed {
		return NewMCPError(ErrorCodeInternalError, fmt.Sprintf("Cannot authenticate MCP server '%s'", m.id())).
			WithDetail(fmt.Sprintf("authenticate is not valid in state '%s'", state))
	}
	if cfg.AuthType != AuthOAuth || cfg.OAuth == nil {
		return ErrConfig(m.id(), "server does not use oauth authentication")
	}

	if err := m.applyEvent(EventAuthenticate, nil); err != nil {
		return err
	}

	oauthCfg := cfg.OAuth.Clone()
	err := m.deps.Tokens.BeginAuthorization(ctx, cfg.ID, oauthCfg, func(tok *oauth2.Token, authErr error) {
		m.finishAuthorization(oauthCfg, tok, authErr)
	})
	if err != nil {
		failure := ErrAuthFailed(m.id(), err)
		_ = m.applyEvent(EventAuthFailure, errorMeta(failure))
		return failure
	}
	return nil
}

// finishAuthorization applies the outcome of a browser round trip.
func (m *Manager) finishAuthorization(oauthCfg *oauth.Config, tok *oauth2.Token, authErr error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != StateAuthenticating {
		// A reset raced the callback; drop the outcome.
		m.logger.Debug("discarding authorization outcome", "state", state)
		return
	}

	if authErr != nil {
		var failure *MCPError
		if errors.Is(authErr, oauth.ErrStateMismatch) {
			failure = ErrAuthStateMismatch(m.id()).WithCause(authErr)
		} else {
			failure = ErrAuthFailed(m.id(), authErr)
		}
		_ = m.applyEvent(EventAuthFailure, errorMeta(failure))
		return
	}

	oauthCfg.ApplyToken(tok)
	cfg := m.Config()
	cfg.OAuth = oauthCfg
	m.setConfig(cfg)
	m.persist(cfg)

	if err := m.applyEvent(EventAuthSuccess, nil); err != nil {
		return
	}
	// Conservative path: a fresh token means re-validating everything
	// before the server runs.
	if err := m.runValidation(context.Background()); err != nil {
		m.logger.Warn("start after authorization failed", "error", err)
	}
}

// Retry re-attempts the operation that failed. It increments restartCount;
// backoff policy belongs to collaborators, not the manager.
func (m *Manager) Retry(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch state {
	case StateConfigError, StateRuntimeError:
		m.mu.Lock()
		m.restartCount++
		m.mu.Unlock()
		if err := m.applyEvent(EventRetry, nil); err != nil {
			return err
		}
		return m.runValidation(ctx)
	case StateAuthFailed:
		m.mu.Lock()
		m.restartCount++
		cfg := m.cfg.Clone()
		m.mu.Unlock()
		if err := m.applyEvent(EventRetry, nil); err != nil {
			return err
		}
		oauthCfg := cfg.OAuth.Clone()
		err := m.deps.Tokens.BeginAuthorization(ctx, cfg.ID, oauthCfg, func(tok *oauth2.Token, authErr error) {
			m.finishAuthorization(oauthCfg, tok, authErr)
		})
		if err != nil {
			failure := ErrAuthFailed(m.id(), err)
			_ = m.applyEvent(EventAuthFailure, errorMeta(failure))
			return failure
		}
		return nil
	default:
		return NewMCPError(ErrorCodeInternalError, fmt.Sprintf("Cannot retry MCP server '%s'", m.id())).
			WithDetail(fmt.Sprintf("retry is not valid in state '%s'", state))
	}
}

// Reset acknowledges an error or abandons a pending authorization, clearing
// the history and counters.
func (m *Manager) Reset(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch state {
	case StateConfigError, StateRuntimeError, StateAuthRequired, StateAuthenticating, StateAuthFailed:
	default:
		return NewMCPError(ErrorCodeInternalError, fmt.Sprintf("Cannot reset MCP server '%s'", m.id())).
			WithDetail(fmt.Sprintf("reset is not valid in state '%s'", state))
	}

	if state == StateAuthenticating {
		m.deps.Tokens.CancelAuthorization(m.id())
	}
	if err := m.applyEvent(EventReset, nil); err != nil {
		return err
	}

	m.mu.Lock()
	m.history = nil
	m.restartCount = 0
	m.lastError = ""
	m.mu.Unlock()
	return nil
}

// scheduleTokenRefresh arms a background refresh shortly before the access
// token expires. Expiry while RUNNING never stops the process.
func (m *Manager) scheduleTokenRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.AuthType != AuthOAuth || m.cfg.OAuth == nil || m.cfg.OAuth.Expiry.IsZero() {
		return
	}
	// Fire inside the token manager's refresh margin so the check
	// actually refreshes.
	delay := time.Until(m.cfg.OAuth.Expiry.Add(-30 * time.Second))
	if delay < time.Second {
		delay = time.Second
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.refreshTimer = time.AfterFunc(delay, m.backgroundRefresh)
}

// backgroundRefresh refreshes the token of a RUNNING server in place.
func (m *Manager) backgroundRefresh() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	cfg := m.cfg.Clone()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	_, err := m.deps.Tokens.EnsureValidToken(ctx, cfg.ID, cfg.OAuth)
	meta := map[string]string{MetaRefresh: "ok"}
	if err != nil {
		meta[MetaRefresh] = "failed"
		meta[MetaError] = err.Error()
		metrics.TokenRefreshesTotal.WithLabelValues(cfg.ID, "failed").Inc()
		m.logger.Warn("background token refresh failed", "error", err)
	} else {
		metrics.TokenRefreshesTotal.WithLabelValues(cfg.ID, "ok").Inc()
		m.setConfig(cfg)
		m.persist(cfg)
	}

	// Declared self-transition: the process keeps running either way.
	_ = m.applyEvent(EventTokenExpired, meta)
	if err == nil {
		m.scheduleTokenRefresh()
	}
}

func (m *Manager) setConfig(cfg *ServerConfig) {
	m.mu.Lock()
	m.cfg = cfg.Clone()
	m.mu.Unlock()
}

func (m *Manager) persist(cfg *ServerConfig) {
	if m.deps.Persist == nil {
		return
	}
	if err := m.deps.Persist(cfg); err != nil {
		m.logger.Error("failed to persist server config", "error", err)
	}
}

// runningClient returns the client when the server is RUNNING.
func (m *Manager) runningClient() (*rpc.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning || m.client == nil {
		return nil, ErrServerNotRunning(m.cfg.ID, m.state)
	}
	return m.client, nil
}

// GetCapabilities returns the snapshot fetched on the last transition into
// RUNNING.
func (m *Manager) GetCapabilities() (*Capabilities, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return nil, ErrServerNotRunning(m.cfg.ID, m.state)
	}
	return m.caps, nil
}

// ListTools queries the live server for its tools.
func (m *Manager) ListTools(ctx context.Context) ([]mcpproto.Tool, error) {
	client, err := m.runningClient()
	if err != nil {
		return nil, err
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, m.mapCallError(err, "tools/list")
	}
	return tools, nil
}

// CallTool executes a tool on a RUNNING server. Results flagged isError are
// surfaced as ToolCallFailed with the payload preserved alongside the
// result.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (*mcpproto.CallToolResult, error) {
	client, err := m.runningClient()
	if err != nil {
		metrics.ToolCallsTotal.WithLabelValues(m.id(), name, "not_running").Inc()
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "mcp.tool.call", trace.WithAttributes(
		attribute.String("mcp.server.id", m.id()),
		attribute.String("mcp.tool.name", name),
	))
	defer span.End()

	start := time.Now()
	result, err := client.CallTool(ctx, name, args)
	metrics.ToolCallDuration.WithLabelValues(m.id(), name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ToolCallsTotal.WithLabelValues(m.id(), name, "error").Inc()
		return nil, m.mapToolError(err, name)
	}
	if result.IsError {
		metrics.ToolCallsTotal.WithLabelValues(m.id(), name, "tool_error").Inc()
		return result, ErrToolCallFailed(m.id(), name, resultText(result))
	}
	metrics.ToolCallsTotal.WithLabelValues(m.id(), name, "ok").Inc()
	return result, nil
}

// ListPrompts queries the live server for its prompts.
func (m *Manager) ListPrompts(ctx context.Context) ([]mcpproto.Prompt, error) {
	client, err := m.runningClient()
	if err != nil {
		return nil, err
	}
	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		return nil, m.mapCallError(err, "prompts/list")
	}
	return prompts, nil
}

// GetPrompt fetches a rendered prompt from a RUNNING server.
func (m *Manager) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcpproto.GetPromptResult, error) {
	client, err := m.runningClient()
	if err != nil {
		return nil, err
	}
	result, err := client.GetPrompt(ctx, name, args)
	if err != nil {
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) {
			return nil, ErrPromptGetFailed(m.id(), name, rpcErr.Error())
		}
		return nil, m.mapCallError(err, "prompts/get")
	}
	return result, nil
}

// mapToolError converts transport and protocol errors on tools/call.
func (m *Manager) mapToolError(err error, tool string) error {
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return ErrToolCallFailed(m.id(), tool, rpcErr.Error())
	}
	return m.mapCallError(err, "tools/call")
}

// mapCallError converts transport errors common to all live calls.
func (m *Manager) mapCallError(err error, method string) error {
	if errors.Is(err, rpc.ErrProcessExited) {
		return ErrServerNotRunning(m.id(), m.State()).WithCause(err)
	}
	return WrapError(err, ErrorCodeInternalError, fmt.Sprintf("%s failed on MCP server '%s'", method, m.id()))
}

// resultText flattens a tool result's text content for error payloads.
func resultText(result *mcpproto.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if text, ok := mcpproto.AsTextContent(content); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
