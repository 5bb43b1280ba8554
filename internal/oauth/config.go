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

// Package oauth manages OAuth 2.1 authorization code flows with PKCE and
// token lifetimes for MCP servers.
package oauth

import (
	"errors"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrAuthRequired means no usable token exists and a full authorization
	// round trip is needed.
	ErrAuthRequired = errors.New("authorization required")

	// ErrStateMismatch means a callback's state nonce did not match a live
	// pending session. The callback is rejected, never silently ignored.
	ErrStateMismatch = errors.New("oauth state mismatch")

	// ErrAuthFailed means an exchange or refresh attempt failed after its
	// single internal retry.
	ErrAuthFailed = errors.New("authorization failed")
)

// Config holds one server's OAuth client settings and its current token
// set. Tokens are persisted with the server config so a restart does not
// force a fresh browser round trip.
type Config struct {
	ClientID string `json:"clientId"`
	// ClientSecret may be a literal or a "keyring:" reference resolved by
	// the secrets resolver at use time.
	ClientSecret string   `json:"clientSecret,omitempty"`
	AuthURL      string   `json:"authUrl"`
	TokenURL     string   `json:"tokenUrl"`
	RedirectURI  string   `json:"redirectUri"`
	Scopes       []string `json:"scopes,omitempty"`

	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	// Expiry is zero when the provider returned no expiry; the token
	// manager then falls back to the access token's JWT exp claim.
	Expiry time.Time `json:"expiry,omitempty"`
}

// ApplyToken copies a token set into the config, keeping the old refresh
// token if the provider did not rotate it.
func (c *Config) ApplyToken(tok *oauth2.Token) {
	c.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	c.Expiry = tok.Expiry
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	if c.Scopes != nil {
		out.Scopes = append([]string(nil), c.Scopes...)
	}
	return &out
}

// Session is one pending authorization round trip, persisted so a callback
// can be validated even across a process restart.
type Session struct {
	ServerID  string    `json:"serverId"`
	State     string    `json:"state"`
	Verifier  string    `json:"verifier"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionTTL bounds how long a pending authorization stays valid.
const SessionTTL = 10 * time.Minute

// Expired reports whether the session is past its TTL at now.
func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > SessionTTL
}
