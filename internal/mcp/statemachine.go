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

import "fmt"

// ServerState represents the lifecycle state of an MCP server.
type ServerState string

const (
	// StateUninitialized is the initial state of a freshly registered server.
	StateUninitialized ServerState = "uninitialized"
	// StateIdle indicates the server is registered but not running.
	StateIdle ServerState = "idle"
	// StateStopped indicates the server ran and was stopped.
	StateStopped ServerState = "stopped"
	// StateRunning indicates the server process is up and has answered the
	// capability probe.
	StateRunning ServerState = "running"

	// StateValidating covers the config check, token check, environment
	// resolution and process spawn.
	StateValidating ServerState = "validating"
	// StateStarting covers the window between a successful spawn and the
	// first successful capability probe.
	StateStarting ServerState = "starting"
	// StateStopping indicates a kill has been issued and the process exit is
	// awaited.
	StateStopping ServerState = "stopping"
	// StateTokenRefreshing indicates an OAuth refresh is in flight.
	StateTokenRefreshing ServerState = "token_refreshing"

	// StateAuthRequired indicates the server needs a full authorization
	// round trip before it can start.
	StateAuthRequired ServerState = "auth_required"
	// StateAuthenticating indicates a browser authorization round trip is in
	// flight.
	StateAuthenticating ServerState = "authenticating"
	// StateAuthFailed indicates the last authorization attempt failed.
	StateAuthFailed ServerState = "auth_failed"

	// StateConfigError indicates the configuration is unusable (bad command,
	// unresolvable environment, spawn failure).
	StateConfigError ServerState = "config_error"
	// StateRuntimeError indicates the process crashed or never became ready.
	StateRuntimeError ServerState = "runtime_error"
)

// ServerEvent is an input to the state machine.
type ServerEvent string

const (
	EventStart          ServerEvent = "start"
	EventStop           ServerEvent = "stop"
	EventStarted        ServerEvent = "started"
	EventStopped        ServerEvent = "stopped"
	EventReady          ServerEvent = "ready"
	EventCrashed        ServerEvent = "crashed"
	EventStartFailed    ServerEvent = "start_failed"
	EventAuthSuccess    ServerEvent = "auth_success"
	EventAuthFailure    ServerEvent = "auth_failure"
	EventRefreshSuccess ServerEvent = "refresh_success"
	EventTokenExpired   ServerEvent = "token_expired"
	EventAuthenticate   ServerEvent = "authenticate"
	EventRetry          ServerEvent = "retry"
	EventReset          ServerEvent = "reset"
)

// RejectedTransitionError is returned by Next for (state, event) pairs not in
// the transition table. It indicates a caller bug, never a runtime failure:
// callers log it and leave the state untouched.
type RejectedTransitionError struct {
	State ServerState
	Event ServerEvent
}

func (e *RejectedTransitionError) Error() string {
	return fmt.Sprintf("transition rejected: event %q not valid in state %q", e.Event, e.State)
}

type transitionKey struct {
	state ServerState
	event ServerEvent
}

// transitions is the complete declared transition table. Any pair absent here
// is a rejection.
var transitions = map[transitionKey]ServerState{
	// Starting from rest and error states.
	{StateUninitialized, EventStart}: StateValidating,
	{StateIdle, EventStart}:          StateValidating,
	{StateStopped, EventStart}:       StateValidating,
	{StateAuthRequired, EventStart}:  StateValidating,
	{StateConfigError, EventStart}:   StateValidating,
	{StateRuntimeError, EventStart}:  StateValidating,

	// Idempotent stop: a no-op self loop, not a rejection.
	{StateIdle, EventStop}:    StateIdle,
	{StateStopped, EventStop}: StateStopped,

	// Validation outcomes. Auth, refresh and spawn success all funnel into
	// STARTING; the probe decides from there.
	{StateValidating, EventAuthSuccess}:    StateStarting,
	{StateValidating, EventRefreshSuccess}: StateStarting,
	{StateValidating, EventStarted}:        StateStarting,
	{StateValidating, EventTokenExpired}:   StateTokenRefreshing,
	{StateValidating, EventAuthFailure}:    StateAuthRequired,
	{StateValidating, EventStartFailed}:    StateConfigError,

	// Token refresh always re-validates on success.
	{StateTokenRefreshing, EventRefreshSuccess}: StateValidating,
	{StateTokenRefreshing, EventAuthFailure}:    StateAuthRequired,

	// Probe window.
	{StateStarting, EventReady}:       StateRunning,
	{StateStarting, EventStartFailed}: StateRuntimeError,
	{StateStarting, EventCrashed}:     StateRuntimeError,
	{StateStarting, EventStop}:        StateStopping,

	// Running.
	{StateRunning, EventStop}:    StateStopping,
	{StateRunning, EventCrashed}: StateRuntimeError,
	// Token expiry is tolerated while running: refresh happens in the
	// background without stopping the process.
	{StateRunning, EventTokenExpired}: StateRunning,

	// Shutdown. A crash while stopping still counts as stopped.
	{StateStopping, EventStopped}: StateStopped,
	{StateStopping, EventCrashed}: StateStopped,

	// Authorization round trip.
	{StateAuthRequired, EventAuthenticate}:  StateAuthenticating,
	{StateAuthFailed, EventAuthenticate}:    StateAuthenticating,
	{StateAuthenticating, EventAuthSuccess}: StateValidating,
	{StateAuthenticating, EventAuthFailure}: StateAuthFailed,

	// Recovery.
	{StateConfigError, EventRetry}:  StateValidating,
	{StateRuntimeError, EventRetry}: StateValidating,
	{StateAuthFailed, EventRetry}:   StateAuthenticating,

	{StateConfigError, EventReset}:    StateIdle,
	{StateRuntimeError, EventReset}:   StateIdle,
	{StateAuthRequired, EventReset}:   StateIdle,
	{StateAuthenticating, EventReset}: StateIdle,
	{StateAuthFailed, EventReset}:     StateAuthRequired,
}

// startableStates is the set of states from which EventStart is accepted.
var startableStates = map[ServerState]bool{
	StateUninitialized: true,
	StateIdle:          true,
	StateStopped:       true,
	StateAuthRequired:  true,
	StateConfigError:   true,
	StateRuntimeError:  true,
}

// Next returns the state that follows from applying event to state. For
// undeclared pairs it returns the unchanged state and a
// *RejectedTransitionError. It performs no I/O and never panics.
func Next(state ServerState, event ServerEvent) (ServerState, error) {
	if next, ok := transitions[transitionKey{state, event}]; ok {
		return next, nil
	}
	return state, &RejectedTransitionError{State: state, Event: event}
}

// Startable reports whether a server in the given state may accept a start
// request. Callers must check this before issuing EventStart and treat a
// rejected start as a caller bug.
func Startable(state ServerState) bool {
	return startableStates[state]
}

// Transient reports whether the state is an in-flight state that a queued
// operation should wait out.
func Transient(state ServerState) bool {
	switch state {
	case StateValidating, StateStarting, StateStopping, StateTokenRefreshing, StateAuthenticating:
		return true
	}
	return false
}

// AllStates lists every declared state, for diagnostics and tests.
func AllStates() []ServerState {
	return []ServerState{
		StateUninitialized, StateIdle, StateStopped, StateRunning,
		StateValidating, StateStarting, StateStopping, StateTokenRefreshing,
		StateAuthRequired, StateAuthenticating, StateAuthFailed,
		StateConfigError, StateRuntimeError,
	}
}

// AllEvents lists every declared event, for diagnostics and tests.
func AllEvents() []ServerEvent {
	return []ServerEvent{
		EventStart, EventStop, EventStarted, EventStopped, EventReady,
		EventCrashed, EventStartFailed, EventAuthSuccess, EventAuthFailure,
		EventRefreshSuccess, EventTokenExpired, EventAuthenticate,
		EventRetry, EventReset,
	}
}
