package cdksdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "password1" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"success":false,"error":"invalid username or password"}`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "tok", Path: "/"})
		w.Write([]byte(`{"expires_at":"2024-01-02T00:00:00Z","user":{"id":7,"username":"alice"}}`))
	})
	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err == nil && c.Value == "tok" {
			w.Write([]byte(`{"id":7,"username":"alice"}`))
			return
		}
		if r.Header.Get("X-Api-Key") == "cdk_key" {
			w.Write([]byte(`{"id":8,"username":"bot"}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"success":false,"error":"authentication required"}`))
	})
	mux.HandleFunc("POST /api/v1/claim", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["project_id"] == "done" {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"success":false,"error":"no codes left","reason":"POOL_EXHAUSTED"}`))
			return
		}
		w.Write([]byte(`{"success":true,"code":"CODE-1"}`))
	})
	mux.HandleFunc("POST /api/v1/projects/p1/items", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"imported_count":2,"skipped_count":1}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoginKeepsSessionCookie(t *testing.T) {
	srv := fakeAPI(t)
	c := New(srv.URL)
	ctx := context.Background()

	_, err := c.Me(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "authentication required", apiErr.Message)

	u, err := c.Login(ctx, "alice", "password1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)

	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", me.Username)
}

func TestAPIKeyHeader(t *testing.T) {
	srv := fakeAPI(t)
	c := New(srv.URL)
	c.APIKey = "cdk_key"
	me, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bot", me.Username)
}

func TestClaimAndImport(t *testing.T) {
	srv := fakeAPI(t)
	c := New(srv.URL)
	ctx := context.Background()

	res, err := c.Claim(ctx, "p1", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "CODE-1", res.Code)

	_, err = c.Claim(ctx, "done", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "POOL_EXHAUSTED", apiErr.Reason)
	assert.Contains(t, apiErr.Error(), "POOL_EXHAUSTED")

	imported, err := c.ImportItems(ctx, "p1", "A\nB\nA", false)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{ImportedCount: 2, SkippedCount: 1}, imported)
}

func TestURLJoinsBasePath(t *testing.T) {
	c := New("http://example.test/")
	assert.Equal(t, "http://example.test/api/v1/me", c.url("/me"))
	c.BasePath = ""
	assert.Equal(t, "http://example.test/me", c.url("me"))
}
