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
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/mcpdesk/mcpdesk/internal/adapter"
)

// ServersDocument is the storage name of the persisted server list.
const ServersDocument = "servers.json"

// namePattern validates server names: start with a letter, then letters,
// numbers, hyphens or underscores, at most 64 characters.
var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// LoadServers reads the server-list document. A missing document is an
// empty list, not an error.
func LoadServers(storage adapter.StorageAdapter) ([]ServerConfig, error) {
	data, err := storage.ReadConfig(ServersDocument)
	if errors.Is(err, adapter.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read server list: %w", err)
	}
	var servers []ServerConfig
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, fmt.Errorf("parse server list: %w", err)
	}
	return servers, nil
}

// SaveServers writes the whole server list atomically.
func SaveServers(storage adapter.StorageAdapter, servers []ServerConfig) error {
	if servers == nil {
		servers = []ServerConfig{}
	}
	data, err := json.MarshalIndent(servers, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal server list: %w", err)
	}
	if err := storage.WriteConfig(ServersDocument, data); err != nil {
		return fmt.Errorf("write server list: %w", err)
	}
	return nil
}

// MergeBuiltIns folds the shipped built-in definitions into an existing
// list. New built-ins are appended; entries already present keep the user's
// enabled flag, env overrides and tokens while picking up the shipped
// command, args and descriptive fields. The merge is idempotent.
func MergeBuiltIns(existing []ServerConfig, builtIns []ServerConfig) ([]ServerConfig, bool) {
	byID := make(map[string]int, len(existing))
	for i, s := range existing {
		byID[s.ID] = i
	}

	merged := append([]ServerConfig(nil), existing...)
	changed := false

	for _, b := range builtIns {
		b.IsBuiltIn = true
		idx, ok := byID[b.ID]
		if !ok {
			merged = append(merged, *b.Clone())
			changed = true
			continue
		}

		cur := merged[idx]
		updated := *b.Clone()
		// User-owned fields survive the merge.
		updated.Enabled = cur.Enabled
		if len(cur.Env) > 0 {
			updated.Env = cur.Env
		}
		if cur.OAuth != nil {
			if updated.OAuth == nil {
				updated.OAuth = cur.OAuth.Clone()
			} else {
				updated.OAuth.AccessToken = cur.OAuth.AccessToken
				updated.OAuth.RefreshToken = cur.OAuth.RefreshToken
				updated.OAuth.Expiry = cur.OAuth.Expiry
			}
		}
		if !configsEqual(&cur, &updated) {
			merged[idx] = updated
			changed = true
		}
	}
	return merged, changed
}

func configsEqual(a, b *ServerConfig) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

// ValidateServerConfig checks a config before it is persisted or started.
func ValidateServerConfig(cfg *ServerConfig) error {
	if cfg.ID == "" {
		return NewMCPError(ErrorCodeConfig, "Server id is required")
	}
	if cfg.Name == "" || !namePattern.MatchString(cfg.Name) {
		return NewMCPError(ErrorCodeConfig, fmt.Sprintf("Invalid server name '%s'", cfg.Name)).
			WithDetail("Names must start with a letter, contain only letters/numbers/hyphens/underscores, and be at most 64 characters")
	}
	if cfg.Command == "" {
		return ErrConfig(cfg.ID, "command is required")
	}
	switch cfg.AuthType {
	case "", AuthNone, AuthToken:
	case AuthOAuth:
		if cfg.OAuth == nil {
			return ErrConfig(cfg.ID, "authType oauth requires an oauth section")
		}
		if cfg.OAuth.ClientID == "" || cfg.OAuth.AuthURL == "" || cfg.OAuth.TokenURL == "" || cfg.OAuth.RedirectURI == "" {
			return ErrConfig(cfg.ID, "oauth section requires clientId, authUrl, tokenUrl and redirectUri")
		}
	default:
		return ErrConfig(cfg.ID, fmt.Sprintf("unknown authType %q", cfg.AuthType))
	}
	return nil
}

// sensitiveEnvPattern matches env keys whose values must never be logged.
var sensitiveEnvPattern = regexp.MustCompile(`(?i)(token|secret|key|password|credential)`)

// RedactEnv returns a copy of env safe for logging.
func RedactEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if sensitiveEnvPattern.MatchString(k) {
			out[k] = "[REDACTED]"
		} else {
			out[k] = v
		}
	}
	return out
}
