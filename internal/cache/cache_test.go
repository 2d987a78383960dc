package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdk/internal/config"
)

func TestMemoryLimiterWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.Now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := m.Allow(ctx, "create:1", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := m.Allow(ctx, "create:1", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = m.Allow(ctx, "create:2", 2, time.Minute)
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Minute)
	ok, _ = m.Allow(ctx, "create:1", 2, time.Minute)
	assert.True(t, ok, "window resets")
}

func TestMemoryStateIsOneTime(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.Now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "oauth:state:abc", "1", 10*time.Minute))
	v, err := m.Take(ctx, "oauth:state:abc")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	_, err = m.Take(ctx, "oauth:state:abc")
	assert.ErrorIs(t, err, ErrStateNotFound)

	require.NoError(t, m.Put(ctx, "oauth:state:old", "1", time.Minute))
	now = now.Add(2 * time.Minute)
	_, err = m.Take(ctx, "oauth:state:old")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestNewWithoutRedisUsesMemory(t *testing.T) {
	s, err := New(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)
}

// TestRedisStore runs against a real server when CDK_TEST_REDIS_ADDR is set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("CDK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CDK_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := "cdk-test:" + time.Now().Format("150405.000000") + ":"
	s := NewRedis(client, prefix)
	defer s.Close()

	ok, err := s.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "state", "v", time.Minute))
	v, err := s.Take(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	_, err = s.Take(ctx, "state")
	assert.ErrorIs(t, err, ErrStateNotFound)
}
