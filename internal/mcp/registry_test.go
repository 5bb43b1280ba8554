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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpdesk/mcpdesk/internal/adapter/adaptertest"
	"github.com/mcpdesk/mcpdesk/internal/audit"
	"github.com/mcpdesk/mcpdesk/internal/secrets"
)

type registryFixture struct {
	*managerFixture
	registry *Registry
}

func newRegistryFixture(t *testing.T, opts RegistryOptions) *registryFixture {
	t.Helper()
	mf := newManagerFixture(t)
	opts.Adapters = mf.adapters
	opts.Tokens = mf.tokens
	opts.Secrets = secrets.NewResolver()
	opts.Logger = testLogger()
	return &registryFixture{
		managerFixture: mf,
		registry:       NewRegistry(opts),
	}
}

func TestInitializeMergesBuiltInsWithoutStarting(t *testing.T) {
	builtIns := []ServerConfig{
		{ID: "fs", Name: "filesystem", Command: "mcp-fs"},
		{ID: "gh", Name: "github", Command: "mcp-github"},
	}
	f := newRegistryFixture(t, RegistryOptions{BuiltIns: builtIns})
	f.serveFake(adaptertest.FakeServerConfig{})

	require.NoError(t, f.registry.Initialize(context.Background()))

	statuses := f.registry.ListServers()
	require.Len(t, statuses, 2)
	for _, st := range statuses {
		assert.Equal(t, StateUninitialized, st.State)
	}
	// Nothing was spawned.
	assert.Empty(t, f.procs.Spawns())

	// The merged list was persisted.
	persisted, err := LoadServers(f.storage)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.True(t, persisted[0].IsBuiltIn)
}

func TestInitializeKeepsUserServers(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{
		BuiltIns: []ServerConfig{{ID: "fs", Name: "filesystem", Command: "mcp-fs"}},
	})
	// Pre-seed the document with a user-added server.
	require.NoError(t, SaveServers(f.storage, []ServerConfig{
		{ID: "mine", Name: "mine", Command: "mcp-mine", Enabled: true},
	}))

	require.NoError(t, f.registry.Initialize(context.Background()))

	statuses := f.registry.ListServers()
	require.Len(t, statuses, 2)
	assert.Equal(t, "mine", statuses[0].ID)
	assert.Equal(t, "fs", statuses[1].ID)
}

func TestAddServerPersistsAndRejectsDuplicates(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{})
	require.NoError(t, f.registry.Initialize(context.Background()))

	cfg := echoConfig()
	require.NoError(t, f.registry.AddServer(context.Background(), cfg))

	err := f.registry.AddServer(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorCodeAlreadyExists))

	persisted, err := LoadServers(f.storage)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "echo", persisted[0].ID)
}

func TestAddServerValidates(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{})
	require.NoError(t, f.registry.Initialize(context.Background()))

	err := f.registry.AddServer(context.Background(), &ServerConfig{ID: "x", Name: "x"})
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorCodeConfig))
}

func TestUpdateServerPersistsAndKeepsProvenance(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{
		BuiltIns: []ServerConfig{{ID: "fs", Name: "filesystem", Command: "mcp-fs"}},
	})
	require.NoError(t, f.registry.Initialize(context.Background()))

	updated := &ServerConfig{
		ID:      "fs",
		Name:    "filesystem",
		Command: "mcp-fs",
		Args:    []string{"/srv/data"},
		Enabled: true,
		// A caller cannot strip the built-in flag.
		IsBuiltIn: false,
	}
	require.NoError(t, f.registry.UpdateServer(context.Background(), updated))

	persisted, err := LoadServers(f.storage)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, []string{"/srv/data"}, persisted[0].Args)
	assert.True(t, persisted[0].Enabled)
	assert.True(t, persisted[0].IsBuiltIn)

	err = f.registry.UpdateServer(context.Background(), echoConfig())
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorCodeNotFound))
}

func TestRemoveServerProtectsBuiltIns(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{
		BuiltIns: []ServerConfig{{ID: "fs", Name: "filesystem", Command: "mcp-fs"}},
	})
	require.NoError(t, f.registry.Initialize(context.Background()))

	err := f.registry.RemoveServer(context.Background(), "fs")
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorCodeBuiltInProtected))
	_, err = f.registry.GetServer("fs")
	assert.NoError(t, err)
}

func TestRemoveServerStopsRunning(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{})
	require.NoError(t, f.registry.Initialize(context.Background()))
	f.serveFake(adaptertest.FakeServerConfig{})
	require.NoError(t, f.registry.AddServer(context.Background(), echoConfig()))
	require.NoError(t, f.registry.Start(context.Background(), "echo"))

	require.NoError(t, f.registry.RemoveServer(context.Background(), "echo"))

	assert.True(t, f.procs.Live("echo").WasKilled())
	_, err := f.registry.GetServer("echo")
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorCodeNotFound))

	persisted, err := LoadServers(f.storage)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestSetEnabledStopsLiveServer(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{})
	require.NoError(t, f.registry.Initialize(context.Background()))
	f.serveFake(adaptertest.FakeServerConfig{})
	require.NoError(t, f.registry.AddServer(context.Background(), echoConfig()))
	require.NoError(t, f.registry.Start(context.Background(), "echo"))

	require.NoError(t, f.registry.SetEnabled(context.Background(), "echo", false))

	st, err := f.registry.GetServer("echo")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st.State)
	assert.False(t, st.Enabled)

	// A disabled server cannot start.
	err = f.registry.Start(context.Background(), "echo")
	require.Error(t, err)
}

func TestOperationsOnUnknownServer(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{})
	require.NoError(t, f.registry.Initialize(context.Background()))
	ctx := context.Background()

	assert.True(t, HasCode(f.registry.Start(ctx, "ghost"), ErrorCodeNotFound))
	assert.True(t, HasCode(f.registry.Stop(ctx, "ghost"), ErrorCodeNotFound))
	_, err := f.registry.CallTool(ctx, "ghost", "echo", nil)
	assert.True(t, HasCode(err, ErrorCodeNotFound))
	_, err = f.registry.Logs("ghost")
	assert.True(t, HasCode(err, ErrorCodeNotFound))
}

func TestCallToolThroughRegistry(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{})
	require.NoError(t, f.registry.Initialize(context.Background()))
	f.serveFake(adaptertest.FakeServerConfig{
		Tools:      []adaptertest.FakeTool{{Name: "echo"}},
		ToolResult: map[string]string{"echo": "pong"},
	})
	require.NoError(t, f.registry.AddServer(context.Background(), echoConfig()))
	require.NoError(t, f.registry.Start(context.Background(), "echo"))

	result, err := f.registry.CallTool(context.Background(), "echo", "echo", map[string]any{"text": "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", resultText(result))
}

func TestCallToolRateLimited(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{ToolCallRate: 1, ToolCallBurst: 1})
	require.NoError(t, f.registry.Initialize(context.Background()))
	f.serveFake(adaptertest.FakeServerConfig{Tools: []adaptertest.FakeTool{{Name: "echo"}}})
	require.NoError(t, f.registry.AddServer(context.Background(), echoConfig()))
	require.NoError(t, f.registry.Start(context.Background(), "echo"))

	_, err := f.registry.CallTool(context.Background(), "echo", "echo", nil)
	require.NoError(t, err)

	// The burst is spent; the next call cannot get a token in time.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.registry.CallTool(ctx, "echo", "echo", nil)
	require.Error(t, err)
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{})
	require.NoError(t, f.registry.Initialize(context.Background()))
	f.serveFake(adaptertest.FakeServerConfig{})
	require.NoError(t, f.registry.AddServer(context.Background(), echoConfig()))

	var events []ServerEvent
	unsubscribe := f.registry.Subscribe(func(c StateChange) {
		events = append(events, c.Event)
	})

	require.NoError(t, f.registry.Start(context.Background(), "echo"))
	assert.Equal(t, []ServerEvent{EventStart, EventStarted, EventReady}, events)

	unsubscribe()
	require.NoError(t, f.registry.Stop(context.Background(), "echo"))
	assert.Len(t, events, 3)
}

func TestTokenUpdatePersistedToDocument(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{})
	require.NoError(t, f.registry.Initialize(context.Background()))
	f.serveFake(adaptertest.FakeServerConfig{})
	ts := tokenEndpoint(t)

	cfg := oauthEchoConfig(ts.URL)
	cfg.OAuth.AccessToken = "stale"
	cfg.OAuth.RefreshToken = "rt-1"
	cfg.OAuth.Expiry = time.Now().Add(10 * time.Second)
	require.NoError(t, f.registry.AddServer(context.Background(), cfg))

	require.NoError(t, f.registry.Start(context.Background(), "echo"))

	persisted, err := LoadServers(f.storage)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.NotNil(t, persisted[0].OAuth)
	assert.Equal(t, "new-access", persisted[0].OAuth.AccessToken)
	assert.Equal(t, "new-refresh", persisted[0].OAuth.RefreshToken)
}

func TestReloadPicksUpExternalEdits(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{WatchDocument: true})
	require.NoError(t, f.registry.Initialize(context.Background()))

	// Someone edits the document out of band.
	require.NoError(t, SaveServers(f.storage, []ServerConfig{
		{ID: "new", Name: "new-server", Command: "mcp-new", Enabled: true},
	}))

	st, err := f.registry.GetServer("new")
	require.NoError(t, err)
	assert.Equal(t, "new-server", st.Name)
}

func TestReloadKeepsRunningServerUntilStopped(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{WatchDocument: true})
	require.NoError(t, f.registry.Initialize(context.Background()))
	f.serveFake(adaptertest.FakeServerConfig{})
	require.NoError(t, f.registry.AddServer(context.Background(), echoConfig()))
	require.NoError(t, f.registry.Start(context.Background(), "echo"))

	// The document drops the server while it is live.
	require.NoError(t, SaveServers(f.storage, []ServerConfig{}))

	st, err := f.registry.GetServer("echo")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
}

func TestAuditTrailRecordsTransitions(t *testing.T) {
	store := openTestAudit(t)
	f := newRegistryFixture(t, RegistryOptions{Audit: store})
	require.NoError(t, f.registry.Initialize(context.Background()))
	f.serveFake(adaptertest.FakeServerConfig{})
	require.NoError(t, f.registry.AddServer(context.Background(), echoConfig()))
	require.NoError(t, f.registry.Start(context.Background(), "echo"))
	require.NoError(t, f.registry.Stop(context.Background(), "echo"))

	records, err := f.registry.AuditHistory(context.Background(), "echo", 10)
	require.NoError(t, err)
	require.Len(t, records, 5)
	// Newest first.
	assert.Equal(t, string(StateStopped), records[0].ToState)
	assert.Equal(t, string(StateValidating), records[len(records)-1].ToState)
}

func TestCloseStopsLiveServers(t *testing.T) {
	f := newRegistryFixture(t, RegistryOptions{})
	require.NoError(t, f.registry.Initialize(context.Background()))
	f.serveFake(adaptertest.FakeServerConfig{})
	require.NoError(t, f.registry.AddServer(context.Background(), echoConfig()))
	require.NoError(t, f.registry.Start(context.Background(), "echo"))

	require.NoError(t, f.registry.Close(context.Background()))

	st, err := f.registry.GetServer("echo")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st.State)
	// Closing twice is harmless.
	require.NoError(t, f.registry.Close(context.Background()))
}

func openTestAudit(t *testing.T) *audit.Store {
	t.Helper()
	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}
