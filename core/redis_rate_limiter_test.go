package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisConn) {
	t.Helper()
	mr := miniredis.RunT(t)
	conn := NewRedisConnFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = conn.Close() })
	return mr, conn
}

func TestRedisRateLimiter_AllowsUpToMax(t *testing.T) {
	_, conn := newTestRedis(t)
	clock := newFakeClock(time.Unix(1700000000, 0))
	rl := NewRedisRateLimiter(conn, "test").WithClock(clock.Now)
	ctx := context.Background()

	for i, wantRemaining := range []int{2, 1, 0} {
		d, err := rl.CheckAndRecord(ctx, "10.0.0.1", "signature", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "attempt %d", i+1)
		assert.Equal(t, wantRemaining, d.Remaining)
		assert.Equal(t, i, d.Count)
		assert.Equal(t, 3, d.Limit)
		clock.Advance(time.Second)
	}

	d, err := rl.CheckAndRecord(ctx, "10.0.0.1", "signature", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 3, d.Count)
}

func TestRedisRateLimiter_RejectedAttemptsAreNotRecorded(t *testing.T) {
	mr, conn := newTestRedis(t)
	clock := newFakeClock(time.Unix(1700000000, 0))
	rl := NewRedisRateLimiter(conn, "test").WithClock(clock.Now)
	ctx := context.Background()

	for range 5 {
		_, err := rl.CheckAndRecord(ctx, "10.0.0.1", "signature", 2, time.Minute)
		require.NoError(t, err)
	}
	members, err := mr.ZMembers("test:10.0.0.1:signature")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestRedisRateLimiter_WindowRollsOver(t *testing.T) {
	_, conn := newTestRedis(t)
	clock := newFakeClock(time.Unix(1700000000, 0))
	rl := NewRedisRateLimiter(conn, "test").WithClock(clock.Now)
	ctx := context.Background()

	for range 2 {
		d, err := rl.CheckAndRecord(ctx, "10.0.0.1", "signature", 2, time.Hour)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := rl.CheckAndRecord(ctx, "10.0.0.1", "signature", 2, time.Hour)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// an attempt exactly one window old has left the window
	clock.Advance(time.Hour)
	d, err = rl.CheckAndRecord(ctx, "10.0.0.1", "signature", 2, time.Hour)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Count)
}

func TestRedisRateLimiter_KeysAndTTL(t *testing.T) {
	mr, conn := newTestRedis(t)
	rl := NewRedisRateLimiter(conn, "")
	ctx := context.Background()

	_, err := rl.CheckAndRecord(ctx, "2001:db8::1", "signature_view", 5, 90*time.Second)
	require.NoError(t, err)

	key := DefaultRateKeyPrefix + ":2001_db8__1:signature_view"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 90*time.Second, mr.TTL(key))
}

func TestRedisRateLimiter_EndpointsAndClientsAreIndependent(t *testing.T) {
	_, conn := newTestRedis(t)
	rl := NewRedisRateLimiter(conn, "test")
	ctx := context.Background()

	d, err := rl.CheckAndRecord(ctx, "10.0.0.1", "signature", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = rl.CheckAndRecord(ctx, "10.0.0.1", "signature_view", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = rl.CheckAndRecord(ctx, "10.0.0.2", "signature", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = rl.CheckAndRecord(ctx, "10.0.0.1", "signature", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRedisRateLimiter_ConcurrentCallersNeverExceedMax(t *testing.T) {
	_, conn := newTestRedis(t)
	rl := NewRedisRateLimiter(conn, "test")
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := rl.CheckAndRecord(ctx, "10.0.0.9", "signature", 5, time.Minute)
			if assert.NoError(t, err) && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), allowed.Load())
}

func TestRedisRateLimiter_RejectsBadLimits(t *testing.T) {
	_, conn := newTestRedis(t)
	rl := NewRedisRateLimiter(conn, "test")

	_, err := rl.CheckAndRecord(context.Background(), "ip", "signature", 0, time.Minute)
	assert.Error(t, err)
	_, err = rl.CheckAndRecord(context.Background(), "ip", "signature", 1, 0)
	assert.Error(t, err)
}

func TestRedisConn_ReconnectsAfterOutage(t *testing.T) {
	mr, conn := newTestRedis(t)
	ctx := context.Background()

	_, err := conn.Client(ctx)
	require.NoError(t, err)

	mr.Close()
	_, err = conn.Client(ctx)
	require.Error(t, err)

	require.NoError(t, mr.Restart())
	client, err := conn.Client(ctx)
	require.NoError(t, err)
	assert.NoError(t, client.Ping(ctx).Err())
}

func TestRedisOptions_Defaults(t *testing.T) {
	conn := NewRedisConn(RedisOptions{})
	assert.Equal(t, "localhost:6379", conn.Addr())
	assert.NoError(t, conn.Close())
}
