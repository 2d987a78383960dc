package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdk/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "data", "cdk.db")
	cfg.Log.Level = "warn"
	return cfg
}

func TestOpenMigratesAndServes(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	var n int
	require.NoError(t, a.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&n))
	assert.Zero(t, n)

	handler, err := a.Handler()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// OAuth is off without a client id
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/oauth/login", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenRequiresConfig(t *testing.T) {
	_, err := Open(context.Background(), nil)
	assert.Error(t, err)
}

func TestServeStopsWithContext(t *testing.T) {
	cfg := testConfig(t)
	a, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, "127.0.0.1:0") }()
	cancel()
	assert.NoError(t, <-done)
}
