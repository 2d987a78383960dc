package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdk/internal/cache"
	"cdk/internal/config"
)

func newProvider(t *testing.T, user string) (*Provider, *cache.Memory) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(user))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	states := cache.NewMemory()
	p := New(config.OAuth2Config{
		ClientID:              "client",
		ClientSecret:          "secret",
		RedirectURI:           "http://localhost/callback",
		AuthorizationEndpoint: srv.URL + "/authorize",
		TokenEndpoint:         srv.URL + "/token",
		UserEndpoint:          srv.URL + "/user",
	}, states)
	p.HTTPClient = srv.Client()
	return p, states
}

func stateOf(t *testing.T, loginURL string) string {
	t.Helper()
	u, err := url.Parse(loginURL)
	require.NoError(t, err)
	assert.Equal(t, "client", u.Query().Get("client_id"))
	assert.Equal(t, "code", u.Query().Get("response_type"))
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestLoginAndExchange(t *testing.T) {
	ctx := context.Background()
	p, _ := newProvider(t, `{"id":1234,"username":"neo","name":"Neo","active":true,"avatar_url":"https://x/a.png","trust_level":2}`)

	loginURL, err := p.LoginURL(ctx)
	require.NoError(t, err)
	state := stateOf(t, loginURL)

	profile, err := p.Exchange(ctx, state, "good-code")
	require.NoError(t, err)
	assert.Equal(t, "1234", profile.ID)
	assert.Equal(t, "neo", profile.Username)
	assert.Equal(t, 2, profile.TrustLevel)
	assert.True(t, profile.Active)

	_, err = p.Exchange(ctx, state, "good-code")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExchangeRejectsUnknownState(t *testing.T) {
	p, _ := newProvider(t, `{}`)
	_, err := p.Exchange(context.Background(), "forged", "good-code")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = p.Exchange(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExchangeBadCode(t *testing.T) {
	ctx := context.Background()
	p, _ := newProvider(t, `{}`)
	loginURL, err := p.LoginURL(ctx)
	require.NoError(t, err)
	_, err = p.Exchange(ctx, stateOf(t, loginURL), "bad-code")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidState)
}

func TestDisabledProvider(t *testing.T) {
	p := New(config.OAuth2Config{}, cache.NewMemory())
	_, err := p.LoginURL(context.Background())
	assert.ErrorIs(t, err, ErrDisabled)
}
