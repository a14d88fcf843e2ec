package redisstatus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docfeed/internal/config"
	"docfeed/internal/suspend"
)

func withRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	db, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestStatus_ReadsKey(t *testing.T) {
	t.Parallel()

	db := withRedis(t)
	s := NewWithClient(redis.NewClient(&redis.Options{Addr: db.Addr()}), "feed:suspend")
	defer s.Close()
	ctx := context.Background()

	on, err := s.Suspended(ctx)
	require.NoError(t, err)
	assert.False(t, on, "missing key")

	require.NoError(t, db.Set("feed:suspend", "suspended"))
	on, err = s.Suspended(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, db.Set("feed:suspend", "running"))
	on, err = s.Suspended(ctx)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestStatus_FromRegistryWithDefaultKey(t *testing.T) {
	t.Parallel()

	db := withRedis(t)
	require.NoError(t, db.Set(DefaultKey, "1"))

	st, err := suspend.New(context.Background(), "redis", config.Options{"addr": db.Addr()})
	require.NoError(t, err)
	on, err := st.Suspended(context.Background())
	require.NoError(t, err)
	assert.True(t, on)
	_, isWatcher := st.(suspend.Watcher)
	assert.False(t, isWatcher)
}

func TestStatus_ServerDown(t *testing.T) {
	t.Parallel()

	db, err := miniredis.Run()
	require.NoError(t, err)
	s := NewWithClient(redis.NewClient(&redis.Options{Addr: db.Addr(), MaxRetries: 0}), DefaultKey)
	db.Close()

	_, err = s.Suspended(context.Background())
	assert.ErrorContains(t, err, "suspend redis: get")
}

func TestNew_RequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.ErrorContains(t, err, "addr is required")
}
