package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdk/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Path: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, MigrateContext(ctx, conn))
	require.NoError(t, MigrateContext(ctx, conn))

	latest, err := Latest()
	require.NoError(t, err)
	v, err = Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	for _, table := range []string{"users", "sessions", "api_keys", "projects", "pool_items", "applications", "reports", "tags", "events"} {
		var n int
		require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}
}
