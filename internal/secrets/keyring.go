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

package secrets

import (
	"context"
	"errors"

	"github.com/zalando/go-keyring"
)

// KeyringProvider resolves "keyring:" references from the system keychain.
//
// Supported platforms:
//   - macOS: Keychain Access
//   - Linux: Secret Service API (GNOME Keyring, KWallet)
//   - Windows: Credential Manager
type KeyringProvider struct {
	// service is the keychain service name used for all entries.
	service string
}

// NewKeyringProvider creates a keychain-backed provider. The service
// parameter is the keychain service name (typically "mcpdesk").
func NewKeyringProvider(service string) *KeyringProvider {
	return &KeyringProvider{service: service}
}

// Scheme implements Provider.
func (k *KeyringProvider) Scheme() string {
	return "keyring"
}

// Resolve implements Provider.
func (k *KeyringProvider) Resolve(ctx context.Context, reference string) (string, error) {
	value, err := keyring.Get(k.service, reference)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrSecretNotFound
		}
		return "", errors.Join(ErrBackendUnavailable, err)
	}
	return value, nil
}

// Store implements Provider.
func (k *KeyringProvider) Store(ctx context.Context, reference, value string) error {
	if err := keyring.Set(k.service, reference, value); err != nil {
		return errors.Join(ErrBackendUnavailable, err)
	}
	return nil
}

// Remove implements Provider.
func (k *KeyringProvider) Remove(ctx context.Context, reference string) error {
	err := keyring.Delete(k.service, reference)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrSecretNotFound
	}
	return err
}
