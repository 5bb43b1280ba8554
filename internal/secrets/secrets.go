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

// Package secrets resolves secret references in server configuration.
// Values of the form "keyring:NAME" are looked up in the system keychain;
// anything else passes through unchanged. Environment "$VAR" references are
// the env adapter's job, not this package's.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrSecretNotFound is returned when a referenced secret does not exist.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrBackendUnavailable is returned when the backing store cannot be
	// reached (locked keychain, missing secret service).
	ErrBackendUnavailable = errors.New("secret backend unavailable")
)

// Provider resolves a secret reference within one scheme.
type Provider interface {
	// Scheme returns the reference prefix this provider handles,
	// without the colon (e.g. "keyring").
	Scheme() string

	// Resolve retrieves the secret named by reference.
	Resolve(ctx context.Context, reference string) (string, error)

	// Store saves a secret under reference.
	Store(ctx context.Context, reference, value string) error

	// Remove deletes the secret named by reference.
	Remove(ctx context.Context, reference string) error
}

// Resolver dispatches references to providers by scheme prefix and memoizes
// successful lookups. Failures are never cached, so a secret added after a
// failed start resolves on retry.
type Resolver struct {
	providers map[string]Provider

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver over the given providers.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{
		providers: make(map[string]Provider, len(providers)),
		cache:     make(map[string]string),
	}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// IsReference reports whether value names a secret rather than a literal.
func (r *Resolver) IsReference(value string) bool {
	scheme, _, ok := strings.Cut(value, ":")
	if !ok {
		return false
	}
	_, known := r.providers[scheme]
	return known
}

// Resolve expands a secret reference; literals pass through unchanged.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	scheme, reference, ok := strings.Cut(value, ":")
	if !ok {
		return value, nil
	}
	provider, known := r.providers[scheme]
	if !known {
		return value, nil
	}

	r.mu.Lock()
	if v, hit := r.cache[value]; hit {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	resolved, err := provider.Resolve(ctx, reference)
	if err != nil {
		return "", fmt.Errorf("resolve %s reference %q: %w", scheme, reference, err)
	}

	r.mu.Lock()
	r.cache[value] = resolved
	r.mu.Unlock()
	return resolved, nil
}

// Store saves a secret through the provider for the reference's scheme.
func (r *Resolver) Store(ctx context.Context, value, secret string) error {
	scheme, reference, ok := strings.Cut(value, ":")
	if !ok {
		return fmt.Errorf("not a secret reference: %q", value)
	}
	provider, known := r.providers[scheme]
	if !known {
		return fmt.Errorf("unknown secret scheme %q", scheme)
	}
	if err := provider.Store(ctx, reference, secret); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.cache, value)
	r.mu.Unlock()
	return nil
}
