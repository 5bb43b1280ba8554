// Package mcp manages the lifecycle of external MCP tool servers.
//
// MCP (Model Context Protocol) defines a standard way for LLMs to interact
// with external tools and data sources. This package owns server
// registration, the lifecycle state machine, per-server managers that spawn
// servers as child processes and speak JSON-RPC over stdio, and the registry
// facade that collaborators (chat loop, UI) use to list and call tools.
package mcp

import (
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpdesk/mcpdesk/internal/oauth"
)

// AuthType describes how a server authenticates.
type AuthType string

const (
	// AuthNone means no authentication is required.
	AuthNone AuthType = "none"
	// AuthToken means a static token is injected via environment.
	AuthToken AuthType = "token"
	// AuthOAuth means an OAuth 2.1 authorization code flow with PKCE.
	AuthOAuth AuthType = "oauth"
)

// ServerConfig is one entry of the persisted server-list document.
type ServerConfig struct {
	// ID is the stable unique identifier. Generated for user-added servers,
	// fixed for built-ins.
	ID string `json:"id"`
	// Name is the human-readable display name.
	Name string `json:"name"`
	// Command is the executable to spawn.
	Command string `json:"command"`
	// Args are the command arguments.
	Args []string `json:"args,omitempty"`
	// Env holds extra environment variables. Values may use the "$VAR"
	// sentinel (resolved from the host environment) or a "keyring:" secret
	// reference.
	Env map[string]string `json:"env,omitempty"`
	// Enabled gates whether the server may be started.
	Enabled bool `json:"enabled"`
	// RequiresAuth marks servers that cannot start unauthenticated.
	RequiresAuth bool `json:"requiresAuth,omitempty"`
	// AuthType selects the authentication mechanism.
	AuthType AuthType `json:"authType,omitempty"`
	// OAuth holds OAuth settings when AuthType is AuthOAuth.
	OAuth *oauth.Config `json:"oauth,omitempty"`
	// IsBuiltIn marks servers shipped with the application. Built-ins can be
	// disabled but never removed.
	IsBuiltIn bool `json:"isBuiltIn,omitempty"`
	// Category groups servers in the UI.
	Category string `json:"category,omitempty"`
	// Description explains what the server provides.
	Description string `json:"description,omitempty"`
}

// Clone returns a deep copy so callers can mutate without racing the owner.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	out.OAuth = c.OAuth.Clone()
	return &out
}

// Capabilities is the snapshot fetched from a server right after it becomes
// ready. It is re-fetched on every transition into RUNNING, never assumed
// stable across restarts.
type Capabilities struct {
	ProtocolVersion string                  `json:"protocolVersion"`
	ServerInfo      mcpproto.Implementation `json:"serverInfo"`
	Tools           []mcpproto.Tool         `json:"tools"`
	Resources       []mcpproto.Resource     `json:"resources"`
	Prompts         []mcpproto.Prompt       `json:"prompts"`
	FetchedAt       time.Time               `json:"fetchedAt"`
}

// Transition is one recorded state change for a server.
type Transition struct {
	From      ServerState `json:"from"`
	To        ServerState `json:"to"`
	Event     ServerEvent `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	// Metadata carries event-specific details: error message and code,
	// exit code or signal, suggested actions.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ServerStatus is a read-only snapshot of a server's runtime state.
type ServerStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	State        ServerState   `json:"state"`
	Enabled      bool          `json:"enabled"`
	PID          int           `json:"pid,omitempty"`
	StartedAt    time.Time     `json:"startedAt,omitempty"`
	RestartCount int           `json:"restartCount"`
	LastError    string        `json:"lastError,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// StateChange is the payload published on the registry event stream for
// every applied transition.
type StateChange struct {
	ServerID  string            `json:"serverId"`
	Event     ServerEvent       `json:"event"`
	From      ServerState       `json:"from"`
	To        ServerState       `json:"to"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Metadata keys used on transitions and state-change events.
const (
	MetaError       = "error"
	MetaErrorCode   = "error_code"
	MetaSuggestions = "suggestions"
	MetaExitCode    = "exit_code"
	MetaSignal      = "signal"
	MetaRefresh     = "refresh"
)

// maxHistory bounds the per-server transition history. Oldest entries are
// evicted first.
const maxHistory = 100
