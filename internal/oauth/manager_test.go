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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mcpdesk/mcpdesk/internal/adapter"
	"github.com/mcpdesk/mcpdesk/internal/adapter/adaptertest"
)

func callbackReq(code, state string) adapter.CallbackRequest {
	return adapter.CallbackRequest{Code: code, State: state}
}

func errorCallbackReq(errCode, description string) adapter.CallbackRequest {
	return adapter.CallbackRequest{Error: errCode, ErrorDescription: description}
}

// tokenEndpoint is a scripted OAuth token endpoint.
type tokenEndpoint struct {
	*httptest.Server
	requests atomic.Int64
	// failFirst makes the first request return 500.
	failFirst bool
	// failAll makes every request return 500.
	failAll bool
	// denyAll makes every request return 400 invalid_grant.
	denyAll bool
}

func newTokenEndpoint(t *testing.T) *tokenEndpoint {
	t.Helper()
	ep := &tokenEndpoint{}
	ep.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ep.requests.Add(1)
		if ep.failAll || (ep.failFirst && n == 1) {
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		if ep.denyAll {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant","error_description":"refresh token revoked"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(ep.Close)
	return ep
}

func newTestManager(t *testing.T) (*TokenManager, *adaptertest.MemoryStorage, *adaptertest.MemoryBrowser) {
	t.Helper()
	storage := adaptertest.NewMemoryStorage()
	browser := adaptertest.NewMemoryBrowser()
	return NewTokenManager(storage, browser, nil, nil), storage, browser
}

func testConfig(tokenURL string) *Config {
	return &Config{
		ClientID:    "client-1",
		AuthURL:     "https://auth.example.com/authorize",
		TokenURL:    tokenURL,
		RedirectURI: "http://127.0.0.1:9999/callback",
		Scopes:      []string{"read"},
	}
}

func TestEnsureValidTokenNoToken(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.EnsureValidToken(context.Background(), "srv", testConfig("http://unused"))
	require.ErrorIs(t, err, ErrAuthRequired)
}

func TestEnsureValidTokenStillFresh(t *testing.T) {
	m, _, _ := newTestManager(t)
	cfg := testConfig("http://unused")
	cfg.AccessToken = "tok"
	cfg.Expiry = time.Now().Add(time.Hour)

	outcome, err := m.EnsureValidToken(context.Background(), "srv", cfg)
	require.NoError(t, err)
	assert.Equal(t, TokenValid, outcome)
	assert.Equal(t, "tok", cfg.AccessToken)
}

func TestEnsureValidTokenRefreshesNearExpiry(t *testing.T) {
	ep := newTokenEndpoint(t)
	m, _, _ := newTestManager(t)
	cfg := testConfig(ep.URL)
	cfg.AccessToken = "old-access"
	cfg.RefreshToken = "old-refresh"
	// Within the 60s margin: not yet expired, but too close to use.
	cfg.Expiry = time.Now().Add(30 * time.Second)

	outcome, err := m.EnsureValidToken(context.Background(), "srv", cfg)
	require.NoError(t, err)
	assert.Equal(t, TokenRefreshed, outcome)
	assert.Equal(t, "new-access", cfg.AccessToken)
	assert.Equal(t, "new-refresh", cfg.RefreshToken)
	assert.True(t, cfg.Expiry.After(time.Now().Add(time.Minute)))
}

func TestEnsureValidTokenRecoversFromTransientFailure(t *testing.T) {
	ep := newTokenEndpoint(t)
	ep.failFirst = true
	m, _, _ := newTestManager(t)
	cfg := testConfig(ep.URL)
	cfg.AccessToken = "old-access"
	cfg.RefreshToken = "old-refresh"
	cfg.Expiry = time.Now().Add(-time.Minute)

	outcome, err := m.EnsureValidToken(context.Background(), "srv", cfg)
	require.NoError(t, err)
	assert.Equal(t, TokenRefreshed, outcome)
	assert.Equal(t, int64(2), ep.requests.Load())
}

func TestEnsureValidTokenRefreshExhaustedMapsToAuthRequired(t *testing.T) {
	ep := newTokenEndpoint(t)
	ep.failAll = true
	m, _, _ := newTestManager(t)
	cfg := testConfig(ep.URL)
	cfg.AccessToken = "old-access"
	cfg.RefreshToken = "old-refresh"
	cfg.Expiry = time.Now().Add(-time.Minute)

	_, err := m.EnsureValidToken(context.Background(), "srv", cfg)
	require.ErrorIs(t, err, ErrAuthRequired)
	// One attempt plus exactly one retry; x/oauth2 probes both client-auth
	// styles per attempt, so each attempt is two endpoint hits.
	assert.Equal(t, int64(4), ep.requests.Load())
}

func TestEnsureValidTokenRevokedGrantNotRetried(t *testing.T) {
	ep := newTokenEndpoint(t)
	ep.denyAll = true
	m, _, _ := newTestManager(t)
	cfg := testConfig(ep.URL)
	cfg.AccessToken = "old-access"
	cfg.RefreshToken = "old-refresh"
	cfg.Expiry = time.Now().Add(-time.Minute)

	_, err := m.EnsureValidToken(context.Background(), "srv", cfg)
	require.ErrorIs(t, err, ErrAuthRequired)
	// invalid_grant is definitive; only the auth-style probe doubles the
	// single attempt.
	assert.Equal(t, int64(2), ep.requests.Load())
}

func TestEnsureValidTokenExpiredWithoutRefreshToken(t *testing.T) {
	m, _, _ := newTestManager(t)
	cfg := testConfig("http://unused")
	cfg.AccessToken = "tok"
	cfg.Expiry = time.Now().Add(-time.Minute)

	_, err := m.EnsureValidToken(context.Background(), "srv", cfg)
	require.ErrorIs(t, err, ErrAuthRequired)
}

// unsignedJWT builds an alg=none style token carrying only an exp claim.
func unsignedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]any{"exp": exp.Unix()})
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".c2ln"
}

func TestTokenExpiryFallsBackToJWTClaim(t *testing.T) {
	m, _, _ := newTestManager(t)
	cfg := testConfig("http://unused")
	cfg.AccessToken = unsignedJWT(t, time.Now().Add(2*time.Hour))

	// No stored expiry; the claim says the token is fresh.
	outcome, err := m.EnsureValidToken(context.Background(), "srv", cfg)
	require.NoError(t, err)
	assert.Equal(t, TokenValid, outcome)

	// An expired claim with no refresh token needs authorization.
	cfg.AccessToken = unsignedJWT(t, time.Now().Add(-time.Hour))
	_, err = m.EnsureValidToken(context.Background(), "srv", cfg)
	require.ErrorIs(t, err, ErrAuthRequired)
}

func TestBeginAuthorizationOpensProviderURL(t *testing.T) {
	m, storage, browser := newTestManager(t)
	cfg := testConfig("http://unused")

	err := m.BeginAuthorization(context.Background(), "srv", cfg, func(*oauth2.Token, error) {})
	require.NoError(t, err)

	opened := browser.Opened()
	require.Len(t, opened, 1)
	u, err := url.Parse(opened[0])
	require.NoError(t, err)
	assert.Equal(t, "auth.example.com", u.Host)
	assert.NotEmpty(t, u.Query().Get("state"))
	assert.NotEmpty(t, u.Query().Get("code_challenge"))
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	assert.Equal(t, "client-1", u.Query().Get("client_id"))

	// The pending session is persisted for callback validation.
	data, err := storage.Read("oauth-session-srv")
	require.NoError(t, err)
	var session Session
	require.NoError(t, json.Unmarshal(data, &session))
	assert.Equal(t, u.Query().Get("state"), session.State)
	assert.NotEmpty(t, session.Verifier)
	assert.Equal(t, 1, browser.HandlerCount("http"))
}

func TestBeginAuthorizationBrowserOpenFailure(t *testing.T) {
	m, storage, browser := newTestManager(t)
	browser.OpenErr = errors.New("no display")
	cfg := testConfig("http://unused")

	// The error comes back on the return path only; done must not fire, the
	// caller still holds its own locks.
	called := false
	err := m.BeginAuthorization(context.Background(), "srv", cfg, func(*oauth2.Token, error) {
		called = true
	})
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.False(t, called)

	// The flow is fully torn down.
	assert.Equal(t, 0, browser.HandlerCount("http"))
	_, err = storage.Read("oauth-session-srv")
	require.Error(t, err)
}

func TestCallbackStateMismatchRejected(t *testing.T) {
	m, _, browser := newTestManager(t)
	cfg := testConfig("http://unused")

	var gotErr error
	done := make(chan struct{})
	err := m.BeginAuthorization(context.Background(), "srv", cfg, func(_ *oauth2.Token, err error) {
		gotErr = err
		close(done)
	})
	require.NoError(t, err)

	browser.DeliverCallback("http", callbackReq("some-code", "wrong-state"))
	<-done
	require.ErrorIs(t, gotErr, ErrStateMismatch)
}

func TestCallbackExchangeSucceeds(t *testing.T) {
	ep := newTokenEndpoint(t)
	m, storage, browser := newTestManager(t)
	cfg := testConfig(ep.URL)

	var gotTok *oauth2.Token
	done := make(chan error, 1)
	err := m.BeginAuthorization(context.Background(), "srv", cfg, func(tok *oauth2.Token, err error) {
		gotTok = tok
		done <- err
	})
	require.NoError(t, err)

	state := pendingState(t, storage, "srv")
	browser.DeliverCallback("http", callbackReq("auth-code", state))

	require.NoError(t, <-done)
	require.NotNil(t, gotTok)
	assert.Equal(t, "new-access", gotTok.AccessToken)

	// The session is consumed and the handler released.
	_, err = storage.Read("oauth-session-srv")
	require.Error(t, err)
	assert.Equal(t, 0, browser.HandlerCount("http"))
}

func TestCallbackExchangeRetriesOnce(t *testing.T) {
	ep := newTokenEndpoint(t)
	ep.failFirst = true
	m, storage, browser := newTestManager(t)
	cfg := testConfig(ep.URL)

	done := make(chan error, 1)
	require.NoError(t, m.BeginAuthorization(context.Background(), "srv", cfg, func(_ *oauth2.Token, err error) {
		done <- err
	}))

	browser.DeliverCallback("http", callbackReq("auth-code", pendingState(t, storage, "srv")))
	require.NoError(t, <-done)
	assert.Equal(t, int64(2), ep.requests.Load())
}

func TestSecondAuthorizationReplacesPendingSession(t *testing.T) {
	ep := newTokenEndpoint(t)
	m, storage, browser := newTestManager(t)
	cfg := testConfig(ep.URL)

	firstDone := make(chan error, 1)
	require.NoError(t, m.BeginAuthorization(context.Background(), "srv", cfg, func(_ *oauth2.Token, err error) {
		firstDone <- err
	}))
	staleState := pendingState(t, storage, "srv")

	secondDone := make(chan error, 1)
	require.NoError(t, m.BeginAuthorization(context.Background(), "srv", cfg, func(_ *oauth2.Token, err error) {
		secondDone <- err
	}))

	// The stale callback no longer matches the persisted session.
	browser.DeliverCallback("http", callbackReq("code", staleState))
	select {
	case err := <-secondDone:
		require.ErrorIs(t, err, ErrStateMismatch)
	case <-time.After(time.Second):
		t.Fatal("stale callback was not rejected")
	}
}

func TestExpiredSessionRejected(t *testing.T) {
	m, storage, browser := newTestManager(t)
	cfg := testConfig("http://unused")

	done := make(chan error, 1)
	require.NoError(t, m.BeginAuthorization(context.Background(), "srv", cfg, func(_ *oauth2.Token, err error) {
		done <- err
	}))
	state := pendingState(t, storage, "srv")

	m.now = func() time.Time { return time.Now().Add(SessionTTL + time.Minute) }
	browser.DeliverCallback("http", callbackReq("code", state))
	require.ErrorIs(t, <-done, ErrStateMismatch)
}

func TestProviderErrorCallback(t *testing.T) {
	m, _, browser := newTestManager(t)
	cfg := testConfig("http://unused")

	done := make(chan error, 1)
	require.NoError(t, m.BeginAuthorization(context.Background(), "srv", cfg, func(_ *oauth2.Token, err error) {
		done <- err
	}))

	browser.DeliverCallback("http", errorCallbackReq("access_denied", "user said no"))
	err := <-done
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.Contains(t, err.Error(), "access_denied")
}

func pendingState(t *testing.T, storage *adaptertest.MemoryStorage, serverID string) string {
	t.Helper()
	data, err := storage.Read("oauth-session-" + serverID)
	require.NoError(t, err)
	var session Session
	require.NoError(t, json.Unmarshal(data, &session))
	return session.State
}
