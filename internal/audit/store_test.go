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

package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, ev := range []string{"start", "started", "ready"} {
		require.NoError(t, store.Append(ctx, Record{
			ServerID:  "srv-1",
			Event:     ev,
			FromState: "idle",
			ToState:   "running",
			Metadata:  map[string]string{"step": ev},
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, store.Append(ctx, Record{
		ServerID: "srv-2", Event: "start", FromState: "idle", ToState: "validating",
	}))

	records, err := store.History(ctx, "srv-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Newest first.
	assert.Equal(t, "ready", records[0].Event)
	assert.Equal(t, "start", records[2].Event)
	assert.Equal(t, map[string]string{"step": "ready"}, records[0].Metadata)
	assert.NotEmpty(t, records[0].ID)
}

func TestHistoryLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Append(ctx, Record{
			ServerID: "srv", Event: "retry", FromState: "runtime_error", ToState: "validating",
			Timestamp: time.Now().Add(time.Duration(i) * time.Millisecond),
		}))
	}

	records, err := store.History(ctx, "srv", 4)
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

func TestPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Append(ctx, Record{ServerID: "srv", Event: "start", FromState: "idle", ToState: "validating", Timestamp: old}))
	require.NoError(t, store.Append(ctx, Record{ServerID: "srv", Event: "stop", FromState: "running", ToState: "stopping"}))

	n, err := store.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	records, err := store.History(ctx, "srv", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "stop", records[0].Event)
}
