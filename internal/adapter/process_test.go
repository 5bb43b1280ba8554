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

package adapter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillTwiceSingleExitEvent(t *testing.T) {
	a := NewHostProcessAdapter(testLogger())
	p, err := a.Spawn(context.Background(), "sleeper", TransportConfig{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	var exits atomic.Int32
	infoCh := make(chan ExitInfo, 4)
	p.OnExit(func(info ExitInfo) {
		exits.Add(1)
		infoCh <- info
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Kill())
		}()
	}
	wg.Wait()
	assert.False(t, p.IsRunning())

	select {
	case info := <-infoCh:
		assert.Equal(t, -1, info.Code)
		assert.Equal(t, "terminated", info.Signal)
	case <-time.After(2 * time.Second):
		t.Fatal("no exit event delivered")
	}
	// Settle time for a hypothetical second dispatch.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), exits.Load())
}

func TestProcessExitCodeReported(t *testing.T) {
	a := NewHostProcessAdapter(testLogger())
	p, err := a.Spawn(context.Background(), "oneshot", TransportConfig{Command: "sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)

	// Registering after a fast exit must still deliver the single event.
	infoCh := make(chan ExitInfo, 1)
	p.OnExit(func(info ExitInfo) { infoCh <- info })

	select {
	case info := <-infoCh:
		assert.Equal(t, 3, info.Code)
		assert.Empty(t, info.Signal)
	case <-time.After(2 * time.Second):
		t.Fatal("no exit event delivered")
	}
	assert.False(t, p.IsRunning())
}

func TestProcessSendAndMessages(t *testing.T) {
	a := NewHostProcessAdapter(testLogger())
	p, err := a.Spawn(context.Background(), "echo", TransportConfig{Command: "cat"})
	require.NoError(t, err)
	defer p.Kill()

	lines := make(chan string, 1)
	p.OnMessage(func(line []byte) { lines <- string(line) })

	require.NoError(t, p.Send(context.Background(), []byte(`{"hello":1}`)))
	select {
	case got := <-lines:
		assert.Equal(t, `{"hello":1}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no message echoed back")
	}
}

func TestProcessEnvironmentPassed(t *testing.T) {
	a := NewHostProcessAdapter(testLogger())
	p, err := a.Spawn(context.Background(), "env", TransportConfig{
		Command: "sh",
		Args:    []string{"-c", `echo "$MCPDESK_TEST_VALUE"`},
		Env:     map[string]string{"MCPDESK_TEST_VALUE": "resolved"},
	})
	require.NoError(t, err)
	defer p.Kill()

	lines := make(chan string, 1)
	p.OnMessage(func(line []byte) { lines <- string(line) })
	select {
	case got := <-lines:
		assert.Equal(t, "resolved", got)
	case <-time.After(2 * time.Second):
		t.Fatal("no output")
	}
}

func TestProcessStderrRetained(t *testing.T) {
	a := NewHostProcessAdapter(testLogger())
	p, err := a.Spawn(context.Background(), "noisy", TransportConfig{
		Command: "sh",
		Args:    []string{"-c", "echo one >&2; echo two >&2"},
	})
	require.NoError(t, err)

	done := make(chan struct{})
	p.OnExit(func(ExitInfo) { close(done) })
	<-done

	// The stderr reader drains concurrently with the exit event.
	require.Eventually(t, func() bool {
		return len(p.Logs()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, p.Logs())
}

func TestSpawnRejectsDuplicateID(t *testing.T) {
	a := NewHostProcessAdapter(testLogger())
	p, err := a.Spawn(context.Background(), "dup", TransportConfig{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	defer p.Kill()

	_, err = a.Spawn(context.Background(), "dup", TransportConfig{Command: "sleep", Args: []string{"30"}})
	require.ErrorIs(t, err, ErrProcessStartFailed)
}
