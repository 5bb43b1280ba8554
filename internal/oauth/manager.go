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

package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/mcpdesk/mcpdesk/internal/adapter"
	"github.com/mcpdesk/mcpdesk/internal/secrets"
)

// refreshMargin is how close to expiry a token is treated as expired.
// Refreshing early avoids handing a server a token that dies mid-request.
const refreshMargin = 60 * time.Second

// exchangeTimeout bounds a code exchange or refresh round trip.
const exchangeTimeout = 30 * time.Second

// Outcome reports what EnsureValidToken had to do.
type Outcome int

const (
	// TokenValid means the existing token is usable as-is.
	TokenValid Outcome = iota
	// TokenRefreshed means the token was refreshed; the caller must
	// persist the updated config.
	TokenRefreshed
)

// TokenManager validates, refreshes and acquires OAuth tokens. It is safe
// for concurrent use across servers; per-server serialization is the
// caller's job.
type TokenManager struct {
	storage adapter.StorageAdapter
	browser adapter.BrowserAdapter
	secrets *secrets.Resolver
	logger  *slog.Logger

	// now is replaceable in tests.
	now func() time.Time

	mu    sync.Mutex
	flows map[string]*pendingFlow
}

type pendingFlow struct {
	state      string
	unregister func()
}

// NewTokenManager creates a token manager.
func NewTokenManager(storage adapter.StorageAdapter, browser adapter.BrowserAdapter, resolver *secrets.Resolver, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		storage: storage,
		browser: browser,
		secrets: resolver,
		logger:  logger,
		now:     time.Now,
		flows:   make(map[string]*pendingFlow),
	}
}

func sessionKey(serverID string) string {
	return "oauth-session-" + serverID
}

// EnsureValidToken checks cfg's token and refreshes it when expiry is within
// the safety margin. On TokenRefreshed the caller must persist cfg. Errors
// wrap ErrAuthRequired when a full authorization round trip is needed; a
// server is never started on a token that could not be validated.
func (m *TokenManager) EnsureValidToken(ctx context.Context, serverID string, cfg *Config) (Outcome, error) {
	if cfg.AccessToken == "" {
		return TokenValid, fmt.Errorf("server %s has no access token: %w", serverID, ErrAuthRequired)
	}

	expiry := m.tokenExpiry(cfg)
	if expiry.IsZero() || expiry.After(m.now().Add(refreshMargin)) {
		return TokenValid, nil
	}

	if cfg.RefreshToken == "" {
		return TokenValid, fmt.Errorf("server %s token expired and no refresh token: %w", serverID, ErrAuthRequired)
	}

	if err := m.refresh(ctx, serverID, cfg); err != nil {
		return TokenValid, fmt.Errorf("server %s token refresh failed: %w", serverID, err)
	}
	return TokenRefreshed, nil
}

// tokenExpiry returns the effective expiry: the stored one, or the access
// token's JWT exp claim when the provider returned none. The claim is read
// unverified; it only schedules refreshes, it grants nothing.
func (m *TokenManager) tokenExpiry(cfg *Config) time.Time {
	if !cfg.Expiry.IsZero() {
		return cfg.Expiry
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(cfg.AccessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// refresh exchanges the refresh token for a new token set, retrying exactly
// once on failure. Failure after the retry maps to ErrAuthRequired so the
// caller routes the server back through authorization.
func (m *TokenManager) refresh(ctx context.Context, serverID string, cfg *Config) error {
	oc, err := m.oauthConfig(ctx, cfg)
	if err != nil {
		return err
	}

	var tok *oauth2.Token
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, exchangeTimeout)
		tok, lastErr = oc.TokenSource(callCtx, &oauth2.Token{RefreshToken: cfg.RefreshToken}).Token()
		cancel()
		if lastErr == nil {
			break
		}
		m.logger.Warn("token refresh attempt failed", "server", serverID, "attempt", attempt+1, "error", lastErr)
		if !retryableOAuthError(lastErr) {
			break
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrAuthRequired, lastErr)
	}

	cfg.ApplyToken(tok)
	m.logger.Info("refreshed oauth token", "server", serverID, "expiry", cfg.Expiry)
	return nil
}

// retryableOAuthError reports whether a failed token round trip is worth the
// single retry. Definitive provider rejections are permanent; transport
// failures and provider-side outages are transient.
func retryableOAuthError(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		// Connection or timeout failure, never a provider verdict.
		return true
	}
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client", "access_denied":
		return false
	case "temporarily_unavailable", "server_error":
		return true
	}
	if re.Response == nil {
		return false
	}
	return re.Response.StatusCode >= 500 || re.Response.StatusCode == http.StatusTooManyRequests
}

// oauthConfig builds the x/oauth2 client config, resolving a keyring
// reference in the client secret if present.
func (m *TokenManager) oauthConfig(ctx context.Context, cfg *Config) (*oauth2.Config, error) {
	secret := cfg.ClientSecret
	if m.secrets != nil && secret != "" {
		resolved, err := m.secrets.Resolve(ctx, secret)
		if err != nil {
			return nil, fmt.Errorf("resolve client secret: %w", err)
		}
		secret = resolved
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
		RedirectURL: cfg.RedirectURI,
		Scopes:      cfg.Scopes,
	}, nil
}

// BeginAuthorization starts a browser authorization round trip with PKCE.
// It persists the pending session, registers a one-shot callback handler and
// opens the provider URL, then returns; done is invoked exactly once when
// the callback arrives or the flow fails. Beginning a second flow for the
// same server replaces the pending session, so the stale callback is
// rejected by the state check.
func (m *TokenManager) BeginAuthorization(ctx context.Context, serverID string, cfg *Config, done func(*oauth2.Token, error)) error {
	oc, err := m.oauthConfig(ctx, cfg)
	if err != nil {
		return err
	}

	redirect, err := url.Parse(cfg.RedirectURI)
	if err != nil || redirect.Scheme == "" {
		return fmt.Errorf("invalid redirect URI %q", cfg.RedirectURI)
	}

	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	session := Session{
		ServerID:  serverID,
		State:     state,
		Verifier:  verifier,
		CreatedAt: m.now(),
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := m.storage.Write(sessionKey(serverID), data); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	var finishOnce sync.Once
	finish := func(tok *oauth2.Token, err error) {
		finishOnce.Do(func() {
			m.endFlow(serverID, state)
			done(tok, err)
		})
	}

	unregister, err := m.browser.RegisterProtocolHandler(redirect.Scheme, func(cb adapter.CallbackRequest) {
		m.handleCallback(serverID, oc, cb, finish)
	})
	if err != nil {
		return fmt.Errorf("register callback handler: %w", err)
	}

	m.mu.Lock()
	if prev, ok := m.flows[serverID]; ok {
		prev.unregister()
	}
	m.flows[serverID] = &pendingFlow{state: state, unregister: unregister}
	m.mu.Unlock()

	authURL := oc.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
	if err := m.browser.Open(authURL); err != nil {
		// Tear down without invoking done: the caller handles the returned
		// error on its own goroutine, and done may re-enter its locks.
		m.endFlow(serverID, state)
		_ = m.storage.Delete(sessionKey(serverID))
		return fmt.Errorf("%w: open browser: %v", ErrAuthFailed, err)
	}

	m.logger.Info("authorization started", "server", serverID)
	return nil
}

// handleCallback validates a callback against the persisted session and
// exchanges the code for tokens, with one retry on a failed exchange.
func (m *TokenManager) handleCallback(serverID string, oc *oauth2.Config, cb adapter.CallbackRequest, finish func(*oauth2.Token, error)) {
	if cb.Error != "" {
		finish(nil, fmt.Errorf("%w: provider returned %s: %s", ErrAuthFailed, cb.Error, cb.ErrorDescription))
		return
	}

	data, err := m.storage.Read(sessionKey(serverID))
	if err != nil {
		finish(nil, fmt.Errorf("no pending session for server %s: %w", serverID, ErrStateMismatch))
		return
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		finish(nil, fmt.Errorf("corrupt session for server %s: %w", serverID, ErrStateMismatch))
		return
	}
	if cb.State == "" || cb.State != session.State {
		finish(nil, fmt.Errorf("callback state does not match pending session: %w", ErrStateMismatch))
		return
	}
	if session.Expired(m.now()) {
		_ = m.storage.Delete(sessionKey(serverID))
		finish(nil, fmt.Errorf("authorization session expired: %w", ErrStateMismatch))
		return
	}
	if cb.Code == "" {
		finish(nil, fmt.Errorf("%w: callback carried no authorization code", ErrAuthFailed))
		return
	}

	var tok *oauth2.Token
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(context.Background(), exchangeTimeout)
		tok, lastErr = oc.Exchange(callCtx, cb.Code, oauth2.VerifierOption(session.Verifier))
		cancel()
		if lastErr == nil {
			break
		}
		m.logger.Warn("code exchange attempt failed", "server", serverID, "attempt", attempt+1, "error", lastErr)
		if !retryableOAuthError(lastErr) {
			break
		}
	}
	if lastErr != nil {
		finish(nil, fmt.Errorf("%w: code exchange: %v", ErrAuthFailed, lastErr))
		return
	}

	_ = m.storage.Delete(sessionKey(serverID))
	m.logger.Info("authorization completed", "server", serverID)
	finish(tok, nil)
}

// endFlow unregisters the callback handler if this flow is still current.
func (m *TokenManager) endFlow(serverID, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if flow, ok := m.flows[serverID]; ok && flow.state == state {
		flow.unregister()
		delete(m.flows, serverID)
	}
}

// CancelAuthorization abandons a pending flow, if any.
func (m *TokenManager) CancelAuthorization(serverID string) {
	m.mu.Lock()
	flow, ok := m.flows[serverID]
	if ok {
		delete(m.flows, serverID)
	}
	m.mu.Unlock()
	if ok {
		flow.unregister()
		_ = m.storage.Delete(sessionKey(serverID))
	}
}
