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

package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpdesk/mcpdesk/internal/adapter"
	"github.com/mcpdesk/mcpdesk/internal/adapter/adaptertest"
)

func newTestClient(t *testing.T, cfg adaptertest.FakeServerConfig) (*Client, *adaptertest.MemoryProcess) {
	t.Helper()
	proc := adaptertest.NewFakeServerProcess(100, cfg)
	client := NewClient(proc, nil)
	t.Cleanup(client.Close)
	return client, proc
}

func TestInitializeHandshake(t *testing.T) {
	client, proc := newTestClient(t, adaptertest.FakeServerConfig{Name: "test-server"})

	result, err := client.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-server", result.ServerInfo.Name)
	assert.NotEmpty(t, result.ProtocolVersion)

	// Handshake sends initialize then the initialized notification.
	sent := proc.Sent()
	require.Len(t, sent, 2)
	assert.Contains(t, string(sent[0]), `"initialize"`)
	assert.Contains(t, string(sent[1]), `"notifications/initialized"`)
}

func TestListToolsAndCallTool(t *testing.T) {
	client, _ := newTestClient(t, adaptertest.FakeServerConfig{
		Tools:      []adaptertest.FakeTool{{Name: "search"}, {Name: "fetch"}},
		ToolResult: map[string]string{"search": "three results"},
	})

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "search", tools[0].Name)

	result, err := client.CallTool(context.Background(), "search", map[string]any{"q": "go"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
}

func TestCallToolServerError(t *testing.T) {
	client, _ := newTestClient(t, adaptertest.FakeServerConfig{
		Errors: map[string]adaptertest.FakeRPCError{
			"tools/call": {Code: -32602, Message: "invalid params"},
		},
	})

	_, err := client.CallTool(context.Background(), "search", nil)
	require.Error(t, err)

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32602, rpcErr.Code)
	assert.Equal(t, "invalid params", rpcErr.Message)
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	client, _ := newTestClient(t, adaptertest.FakeServerConfig{
		ToolResult: map[string]string{},
	})

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.CallTool(context.Background(), fmt.Sprintf("tool-%d", i), nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "call %d", i)
	}
}

func TestProcessExitFailsPendingCalls(t *testing.T) {
	proc := adaptertest.NewMemoryProcess(100)
	// No handler: requests go unanswered until the exit.
	client := NewClient(proc, nil)
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		err := client.Ping(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(proc.Sent()) == 1
	}, time.Second, 10*time.Millisecond)

	proc.SimulateExit(adapter.ExitInfo{Code: 1})

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrProcessExited)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed on process exit")
	}

	// Calls made after the exit fail immediately.
	err := client.Ping(context.Background())
	require.ErrorIs(t, err, ErrProcessExited)
}

func TestCallTimeout(t *testing.T) {
	client, _ := newTestClient(t, adaptertest.FakeServerConfig{
		Silent: map[string]bool{"ping": true},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.Ping(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetPrompt(t *testing.T) {
	client, _ := newTestClient(t, adaptertest.FakeServerConfig{
		Prompts: []string{"summarize"},
	})

	prompts, err := client.ListPrompts(context.Background())
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "summarize", prompts[0].Name)

	result, err := client.GetPrompt(context.Background(), "summarize", map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
}

func TestUnparseableLinesIgnored(t *testing.T) {
	proc := adaptertest.NewFakeServerProcess(100, adaptertest.FakeServerConfig{})
	client := NewClient(proc, nil)
	defer client.Close()

	// Noise on stdout must not break correlation.
	proc.EmitMessage([]byte("not json at all"))
	proc.EmitMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`))

	err := client.Ping(context.Background())
	require.NoError(t, err)
}
