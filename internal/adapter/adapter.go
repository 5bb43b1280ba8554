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

// Package adapter defines the capability boundaries between the lifecycle
// core and the host: process spawning, storage, environment lookup and
// browser interaction. The core depends only on these interfaces; host
// implementations live alongside them and in-memory doubles live in
// adaptertest.
package adapter

import (
	"context"
	"errors"
	"fmt"
)

// ErrEnvVarNotFound is returned by EnvAdapter.Resolve when a referenced
// variable is not set. Wrapped with the variable name by implementations.
var ErrEnvVarNotFound = errors.New("environment variable not found")

// ErrProcessStartFailed is returned by ProcessAdapter.Spawn when the id is
// already bound to a live process or the executable cannot be started.
var ErrProcessStartFailed = errors.New("process start failed")

// ErrNotFound is returned by StorageAdapter reads for missing keys.
var ErrNotFound = errors.New("not found")

// TransportConfig describes how to spawn a server process.
type TransportConfig struct {
	Command string
	Args    []string
	// Env is the fully resolved environment, appended to the host
	// environment at spawn time.
	Env map[string]string
	// Dir is the working directory; empty means inherit.
	Dir string
}

// ExitInfo describes how a process ended.
type ExitInfo struct {
	// Code is the exit code, or -1 when the process was killed by a signal.
	Code int
	// Signal names the terminating signal, empty on a normal exit.
	Signal string
}

// Process is a handle on a spawned server process. Subscriptions fan out in
// registration order; each returns an unsubscribe func that is safe to call
// during dispatch.
type Process interface {
	PID() int
	IsRunning() bool

	// Send writes one line to the process stdin. A trailing newline is
	// appended if missing.
	Send(ctx context.Context, line []byte) error

	// OnMessage subscribes to stdout lines.
	OnMessage(fn func(line []byte)) (unsubscribe func())
	// OnStderr subscribes to stderr lines.
	OnStderr(fn func(line []byte)) (unsubscribe func())
	// OnExit subscribes to the exit event. Exactly one exit event is
	// emitted per process, regardless of how it ended.
	OnExit(fn func(info ExitInfo)) (unsubscribe func())

	// Logs returns the most recent stderr lines, newest last.
	Logs() []string

	// Kill terminates the process group: SIGTERM, then SIGKILL after a
	// grace period. Idempotent; returns nil if the process already exited.
	Kill() error
}

// ProcessAdapter spawns server processes.
type ProcessAdapter interface {
	// Spawn starts a process bound to id. It fails with
	// ErrProcessStartFailed if id is already bound to a live process.
	Spawn(ctx context.Context, id string, cfg TransportConfig) (Process, error)
}

// StorageAdapter persists both ephemeral blobs (OAuth sessions) and durable
// configuration documents (the server list).
type StorageAdapter interface {
	// Read returns the blob stored under key, or ErrNotFound.
	Read(key string) ([]byte, error)
	// Write stores a blob under key.
	Write(key string, data []byte) error
	// Delete removes a blob. Deleting a missing key is not an error.
	Delete(key string) error

	// ReadConfig returns the named configuration document, or ErrNotFound.
	ReadConfig(name string) ([]byte, error)
	// WriteConfig replaces the named document atomically.
	WriteConfig(name string, data []byte) error
	// WatchConfig invokes fn after the named document changes on disk.
	// The returned func stops the watch.
	WatchConfig(name string, fn func()) (stop func(), err error)
}

// EnvAdapter resolves environment variable references.
type EnvAdapter interface {
	// Resolve expands a "$VAR" reference to its value; literal values pass
	// through unchanged. Returns ErrEnvVarNotFound for unset variables.
	Resolve(value string) (string, error)
}

// CallbackRequest is the parsed query of an authorization callback.
type CallbackRequest struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// BrowserAdapter opens URLs and receives authorization callbacks.
type BrowserAdapter interface {
	// Open launches the system browser at url.
	Open(url string) error
	// RegisterProtocolHandler subscribes fn to callbacks for scheme.
	// Multiple handlers fan out in registration order; the returned func
	// unregisters.
	RegisterProtocolHandler(scheme string, fn func(CallbackRequest)) (unsubscribe func(), err error)
}

// Adapters bundles the four capabilities for injection into the core.
type Adapters struct {
	Process ProcessAdapter
	Storage StorageAdapter
	Env     EnvAdapter
	Browser BrowserAdapter
}

// Validate checks that all capabilities are present.
func (a Adapters) Validate() error {
	if a.Process == nil {
		return fmt.Errorf("process adapter is required")
	}
	if a.Storage == nil {
		return fmt.Errorf("storage adapter is required")
	}
	if a.Env == nil {
		return fmt.Errorf("env adapter is required")
	}
	if a.Browser == nil {
		return fmt.Errorf("browser adapter is required")
	}
	return nil
}
