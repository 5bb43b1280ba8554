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
	"errors"
	"fmt"
	"strings"
)

// MCPErrorCode represents a category of MCP error.
type MCPErrorCode string

const (
	// ErrorCodeNotFound indicates a server was not found.
	ErrorCodeNotFound MCPErrorCode = "NOT_FOUND"
	// ErrorCodeAlreadyExists indicates a server already exists.
	ErrorCodeAlreadyExists MCPErrorCode = "ALREADY_EXISTS"
	// ErrorCodeConfig indicates the server configuration is unusable.
	ErrorCodeConfig MCPErrorCode = "CONFIG_ERROR"
	// ErrorCodeProcess indicates a process-level failure (spawn, crash, kill).
	ErrorCodeProcess MCPErrorCode = "PROCESS_ERROR"
	// ErrorCodeAuthRequired indicates the server needs user authorization.
	ErrorCodeAuthRequired MCPErrorCode = "AUTH_REQUIRED"
	// ErrorCodeAuthStateMismatch indicates an OAuth callback carried an
	// unknown or expired state nonce.
	ErrorCodeAuthStateMismatch MCPErrorCode = "AUTH_STATE_MISMATCH"
	// ErrorCodeAuthFailed indicates an authorization or refresh attempt failed.
	ErrorCodeAuthFailed MCPErrorCode = "AUTH_FAILED"
	// ErrorCodeNotRunning indicates an operation that needs a running server.
	ErrorCodeNotRunning MCPErrorCode = "SERVER_NOT_RUNNING"
	// ErrorCodeToolCallFailed indicates the server reported a tool error.
	ErrorCodeToolCallFailed MCPErrorCode = "TOOL_CALL_FAILED"
	// ErrorCodePromptGetFailed indicates the server reported a prompt error.
	ErrorCodePromptGetFailed MCPErrorCode = "PROMPT_GET_FAILED"
	// ErrorCodeBuiltInProtected indicates an attempt to remove a built-in.
	ErrorCodeBuiltInProtected MCPErrorCode = "BUILTIN_PROTECTED"
	// ErrorCodeTimeout indicates a timeout occurred.
	ErrorCodeTimeout MCPErrorCode = "TIMEOUT"
	// ErrorCodeInternalError indicates an internal error.
	ErrorCodeInternalError MCPErrorCode = "INTERNAL"
)

// MCPError is an error type that includes suggestions for resolution.
type MCPError struct {
	// Code is the error category.
	Code MCPErrorCode
	// Message is the primary error message.
	Message string
	// Detail provides additional context.
	Detail string
	// Suggestions are actionable steps to resolve the error.
	Suggestions []string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	var sb strings.Builder

	sb.WriteString("Error: ")
	sb.WriteString(e.Message)
	sb.WriteString("\n")

	if e.Detail != "" {
		sb.WriteString("  -> ")
		sb.WriteString(e.Detail)
		sb.WriteString("\n")
	}

	if len(e.Suggestions) > 0 {
		sb.WriteString("\n  Suggestions:\n")
		for _, s := range e.Suggestions {
			sb.WriteString("  - ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// Unwrap returns the underlying error.
func (e *MCPError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message without technical details.
func (e *MCPError) UserMessage() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// NewMCPError creates a new MCPError.
func NewMCPError(code MCPErrorCode, message string) *MCPError {
	return &MCPError{
		Code:    code,
		Message: message,
	}
}

// WithDetail adds detail to the error.
func (e *MCPError) WithDetail(detail string) *MCPError {
	e.Detail = detail
	return e
}

// WithSuggestions adds suggestions to the error.
func (e *MCPError) WithSuggestions(suggestions ...string) *MCPError {
	e.Suggestions = suggestions
	return e
}

// WithCause adds an underlying cause to the error.
func (e *MCPError) WithCause(cause error) *MCPError {
	e.Cause = cause
	return e
}

// ErrServerNotFound creates an error for when a server is not found.
func ErrServerNotFound(id string) *MCPError {
	return NewMCPError(ErrorCodeNotFound, fmt.Sprintf("MCP server '%s' not found", id)).
		WithSuggestions(
			"Check registered servers: mcpdesk list",
			fmt.Sprintf("Register the server: mcpdesk add %s --command <cmd>", id),
		)
}

// ErrServerAlreadyExists creates an error for when a server already exists.
func ErrServerAlreadyExists(id string) *MCPError {
	return NewMCPError(ErrorCodeAlreadyExists, fmt.Sprintf("MCP server '%s' already exists", id)).
		WithSuggestions(
			"Use a different id for the new server",
			fmt.Sprintf("Remove existing server: mcpdesk remove %s", id),
		)
}

// ErrServerNotRunning creates an error for operations that require RUNNING.
func ErrServerNotRunning(id string, state ServerState) *MCPError {
	return NewMCPError(ErrorCodeNotRunning, fmt.Sprintf("MCP server '%s' is not running", id)).
		WithDetail(fmt.Sprintf("server is in state '%s'", state)).
		WithSuggestions(
			fmt.Sprintf("Start the server: mcpdesk start %s", id),
			fmt.Sprintf("Check status: mcpdesk status %s", id),
		)
}

// ErrConfig creates a configuration error.
func ErrConfig(id, detail string) *MCPError {
	return NewMCPError(ErrorCodeConfig, fmt.Sprintf("Invalid configuration for MCP server '%s'", id)).
		WithDetail(detail).
		WithSuggestions(
			"Verify the command is installed and in your PATH",
			"Ensure required environment variables are set",
			fmt.Sprintf("Inspect the server entry: mcpdesk status %s", id),
		)
}

// ErrProcess creates an error for a process-level failure.
func ErrProcess(id string, cause error) *MCPError {
	return NewMCPError(ErrorCodeProcess, fmt.Sprintf("Process failure for MCP server '%s'", id)).
		WithDetail(cause.Error()).
		WithCause(cause).
		WithSuggestions(
			fmt.Sprintf("Check server logs: mcpdesk logs %s", id),
			"Verify the command and arguments are correct",
		)
}

// ErrAuthRequired creates an error for a server that needs authorization.
func ErrAuthRequired(id string) *MCPError {
	return NewMCPError(ErrorCodeAuthRequired, fmt.Sprintf("MCP server '%s' requires authentication", id)).
		WithSuggestions(
			fmt.Sprintf("Authenticate the server: mcpdesk auth %s", id),
		)
}

// ErrAuthStateMismatch creates an error for an OAuth callback whose state
// nonce does not match a pending session.
func ErrAuthStateMismatch(id string) *MCPError {
	return NewMCPError(ErrorCodeAuthStateMismatch, "OAuth callback state mismatch").
		WithDetail(fmt.Sprintf("callback for server '%s' did not match a pending authorization", id)).
		WithSuggestions(
			fmt.Sprintf("Restart the authorization flow: mcpdesk auth %s", id),
		)
}

// ErrAuthFailed creates an error for a failed authorization or refresh.
func ErrAuthFailed(id string, cause error) *MCPError {
	e := NewMCPError(ErrorCodeAuthFailed, fmt.Sprintf("Authentication failed for MCP server '%s'", id)).
		WithSuggestions(
			fmt.Sprintf("Retry authorization: mcpdesk auth %s", id),
			"Check the OAuth client configuration",
		)
	if cause != nil {
		e = e.WithDetail(cause.Error()).WithCause(cause)
	}
	return e
}

// ErrToolCallFailed creates an error carrying a server-reported tool failure.
// The payload is preserved in Detail so collaborators can show it verbatim.
func ErrToolCallFailed(id, tool, payload string) *MCPError {
	return NewMCPError(ErrorCodeToolCallFailed, fmt.Sprintf("Tool '%s' failed on MCP server '%s'", tool, id)).
		WithDetail(payload)
}

// ErrPromptGetFailed creates an error carrying a server-reported prompt failure.
func ErrPromptGetFailed(id, prompt, payload string) *MCPError {
	return NewMCPError(ErrorCodePromptGetFailed, fmt.Sprintf("Prompt '%s' failed on MCP server '%s'", prompt, id)).
		WithDetail(payload)
}

// ErrBuiltInProtected creates an error for built-in server removal attempts.
func ErrBuiltInProtected(id string) *MCPError {
	return NewMCPError(ErrorCodeBuiltInProtected, fmt.Sprintf("MCP server '%s' is built-in and cannot be removed", id)).
		WithSuggestions(
			fmt.Sprintf("Disable it instead: mcpdesk disable %s", id),
		)
}

// ErrTimeout creates an error for a timeout.
func ErrTimeout(operation string, seconds int) *MCPError {
	return NewMCPError(ErrorCodeTimeout, fmt.Sprintf("Operation '%s' timed out after %ds", operation, seconds)).
		WithSuggestions(
			"Check if the server is responding",
			"Check server logs for issues",
		)
}

// WrapError wraps a standard error in an MCPError if it isn't one already.
func WrapError(err error, code MCPErrorCode, message string) *MCPError {
	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}
	return NewMCPError(code, message).WithDetail(err.Error()).WithCause(err)
}

// GetMCPError extracts an MCPError from an error chain, or nil.
func GetMCPError(err error) *MCPError {
	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}
	return nil
}

// HasCode reports whether err carries the given MCP error code.
func HasCode(err error, code MCPErrorCode) bool {
	if e := GetMCPError(err); e != nil {
		return e.Code == code
	}
	return false
}
