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
	"fmt"
	"os"
	"strings"
	"sync"
)

// HostEnvAdapter resolves "$VAR" references against the host environment.
// Successful lookups are memoized for the adapter's lifetime so a server's
// environment stays stable across restarts; misses are never cached, so a
// variable exported after a failed start is picked up on retry.
type HostEnvAdapter struct {
	mu    sync.Mutex
	cache map[string]string
}

// NewHostEnvAdapter creates an env adapter backed by os.LookupEnv.
func NewHostEnvAdapter() *HostEnvAdapter {
	return &HostEnvAdapter{cache: make(map[string]string)}
}

// Resolve implements EnvAdapter.
func (a *HostEnvAdapter) Resolve(value string) (string, error) {
	if !strings.HasPrefix(value, "$") {
		return value, nil
	}
	name := strings.TrimPrefix(value, "$")

	a.mu.Lock()
	if v, ok := a.cache[name]; ok {
		a.mu.Unlock()
		return v, nil
	}
	a.mu.Unlock()

	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%q: %w", name, ErrEnvVarNotFound)
	}

	a.mu.Lock()
	a.cache[name] = v
	a.mu.Unlock()
	return v, nil
}
