package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := New(mr.Addr(), "", 0, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestNewRejectsUnreachableAddr(t *testing.T) {
	_, err := New("127.0.0.1:1", "", 0, "")
	assert.Error(t, err)
}

func TestNewDefaultsPrefix(t *testing.T) {
	c, mr := newTestCache(t)
	_ = mr
	assert.Equal(t, "test", c.prefix)

	c2, err := New(mr.Addr(), "", 0, "")
	require.NoError(t, err)
	defer c2.Close()
	assert.Equal(t, "docforge", c2.prefix)
}

func TestIncrResetClaimBackoff(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	n, err := c.IncrClaimBackoff(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.IncrClaimBackoff(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ttl := mr.TTL(c.backoffKey("q1"))
	assert.True(t, ttl > 0, "backoff key should carry a TTL")

	require.NoError(t, c.ResetClaimBackoff(ctx, "q1"))
	assert.False(t, mr.Exists(c.backoffKey("q1")))

	// A fresh counter after reset starts at 1 again.
	n, err = c.IncrClaimBackoff(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLastSeenRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.LastSeen(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, ok, "unset doc should miss")

	now := time.Unix(1700000000, 0)
	require.NoError(t, c.SetLastSeen(ctx, "doc-1", now, time.Minute))

	got, ok, err := c.LastSeen(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now.Unix(), got.Unix())
}

func TestSetLastSeenDefaultsTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetLastSeen(ctx, "doc-2", time.Unix(1, 0), 0))
	ttl := mr.TTL(c.lastSeenKey("doc-2"))
	assert.True(t, ttl > time.Minute, "zero ttl should fall back to an hour")
}

func TestLastSeenExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetLastSeen(ctx, "doc-3", time.Unix(1, 0), time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := c.LastSeen(ctx, "doc-3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeysAreNamespacedByPrefix(t *testing.T) {
	c, _ := newTestCache(t)
	assert.Equal(t, "test:claim_backoff:q1", c.backoffKey("q1"))
	assert.Equal(t, "test:last_seen:doc-1", c.lastSeenKey("doc-1"))
}
