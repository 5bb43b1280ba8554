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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpdesk/mcpdesk/internal/adapter/adaptertest"
	"github.com/mcpdesk/mcpdesk/internal/oauth"
)

func TestLoadServersMissingDocument(t *testing.T) {
	storage := adaptertest.NewMemoryStorage()

	servers, err := LoadServers(storage)
	require.NoError(t, err)
	assert.Nil(t, servers)
}

func TestSaveLoadRoundTripKeepsTokens(t *testing.T) {
	storage := adaptertest.NewMemoryStorage()
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	servers := []ServerConfig{
		{
			ID:       "github",
			Name:     "github",
			Command:  "mcp-github",
			Enabled:  true,
			AuthType: AuthOAuth,
			OAuth: &oauth.Config{
				ClientID:     "client-1",
				AuthURL:      "https://example.com/auth",
				TokenURL:     "https://example.com/token",
				RedirectURI:  "mcpdesk://callback",
				AccessToken:  "at-1",
				RefreshToken: "rt-1",
				Expiry:       expiry,
			},
		},
		{ID: "fs", Name: "filesystem", Command: "mcp-fs", Args: []string{"--root", "/tmp"}},
	}

	require.NoError(t, SaveServers(storage, servers))

	loaded, err := LoadServers(storage)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.NotNil(t, loaded[0].OAuth)
	assert.Equal(t, "at-1", loaded[0].OAuth.AccessToken)
	assert.Equal(t, "rt-1", loaded[0].OAuth.RefreshToken)
	assert.True(t, expiry.Equal(loaded[0].OAuth.Expiry))
	assert.Equal(t, []string{"--root", "/tmp"}, loaded[1].Args)
}

func TestMergeBuiltInsAppendsNew(t *testing.T) {
	builtIns := []ServerConfig{
		{ID: "fs", Name: "filesystem", Command: "mcp-fs", Description: "Local files"},
	}

	merged, changed := MergeBuiltIns(nil, builtIns)
	require.True(t, changed)
	require.Len(t, merged, 1)
	assert.True(t, merged[0].IsBuiltIn)
	assert.False(t, merged[0].Enabled)
}

func TestMergeBuiltInsPreservesUserFields(t *testing.T) {
	existing := []ServerConfig{
		{
			ID:        "gh",
			Name:      "github",
			Command:   "mcp-github",
			Enabled:   true,
			Env:       map[string]string{"GITHUB_TOKEN": "$GITHUB_TOKEN"},
			IsBuiltIn: true,
			AuthType:  AuthOAuth,
			OAuth: &oauth.Config{
				ClientID:     "old-client",
				AccessToken:  "at-user",
				RefreshToken: "rt-user",
				Expiry:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			},
		},
	}
	builtIns := []ServerConfig{
		{
			ID:          "gh",
			Name:        "github",
			Command:     "mcp-github",
			Args:        []string{"--v2"},
			Description: "GitHub issues and PRs",
			AuthType:    AuthOAuth,
			OAuth:       &oauth.Config{ClientID: "new-client"},
		},
	}

	merged, changed := MergeBuiltIns(existing, builtIns)
	require.True(t, changed)
	require.Len(t, merged, 1)

	got := merged[0]
	// Shipped fields win.
	assert.Equal(t, []string{"--v2"}, got.Args)
	assert.Equal(t, "GitHub issues and PRs", got.Description)
	assert.Equal(t, "new-client", got.OAuth.ClientID)
	// User-owned fields survive.
	assert.True(t, got.Enabled)
	assert.Equal(t, map[string]string{"GITHUB_TOKEN": "$GITHUB_TOKEN"}, got.Env)
	assert.Equal(t, "at-user", got.OAuth.AccessToken)
	assert.Equal(t, "rt-user", got.OAuth.RefreshToken)
	assert.False(t, got.OAuth.Expiry.IsZero())
}

func TestMergeBuiltInsIdempotent(t *testing.T) {
	builtIns := []ServerConfig{
		{ID: "fs", Name: "filesystem", Command: "mcp-fs"},
		{ID: "gh", Name: "github", Command: "mcp-github"},
	}

	merged, changed := MergeBuiltIns(nil, builtIns)
	require.True(t, changed)

	again, changed := MergeBuiltIns(merged, builtIns)
	assert.False(t, changed)
	assert.Equal(t, merged, again)
}

func TestValidateServerConfig(t *testing.T) {
	valid := func() *ServerConfig {
		return &ServerConfig{ID: "s1", Name: "server-1", Command: "mcp-s1"}
	}

	t.Run("accepts minimal config", func(t *testing.T) {
		assert.NoError(t, ValidateServerConfig(valid()))
	})

	t.Run("rejects missing id", func(t *testing.T) {
		cfg := valid()
		cfg.ID = ""
		err := ValidateServerConfig(cfg)
		assert.True(t, HasCode(err, ErrorCodeConfig))
	})

	t.Run("rejects bad name", func(t *testing.T) {
		for _, name := range []string{"", "1abc", "has space", "way/slash"} {
			cfg := valid()
			cfg.Name = name
			assert.Error(t, ValidateServerConfig(cfg), "name %q", name)
		}
	})

	t.Run("rejects missing command", func(t *testing.T) {
		cfg := valid()
		cfg.Command = ""
		assert.Error(t, ValidateServerConfig(cfg))
	})

	t.Run("oauth requires endpoints", func(t *testing.T) {
		cfg := valid()
		cfg.AuthType = AuthOAuth
		assert.Error(t, ValidateServerConfig(cfg))

		cfg.OAuth = &oauth.Config{ClientID: "c", AuthURL: "a", TokenURL: "t"}
		assert.Error(t, ValidateServerConfig(cfg))

		cfg.OAuth.RedirectURI = "mcpdesk://callback"
		assert.NoError(t, ValidateServerConfig(cfg))
	})

	t.Run("rejects unknown auth type", func(t *testing.T) {
		cfg := valid()
		cfg.AuthType = "saml"
		assert.Error(t, ValidateServerConfig(cfg))
	})
}

func TestRedactEnv(t *testing.T) {
	env := map[string]string{
		"GITHUB_TOKEN": "ghp_secret",
		"API_KEY":      "k-123",
		"DB_PASSWORD":  "hunter2",
		"LOG_LEVEL":    "debug",
	}

	got := RedactEnv(env)
	assert.Equal(t, "[REDACTED]", got["GITHUB_TOKEN"])
	assert.Equal(t, "[REDACTED]", got["API_KEY"])
	assert.Equal(t, "[REDACTED]", got["DB_PASSWORD"])
	assert.Equal(t, "debug", got["LOG_LEVEL"])
	// The input is untouched.
	assert.Equal(t, "ghp_secret", env["GITHUB_TOKEN"])

	assert.Nil(t, RedactEnv(nil))
}
