package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRateLimiter_SlidingWindow(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0))
	rl := NewMemoryRateLimiter().WithClock(clock.Now)
	ctx := context.Background()

	for i := range 3 {
		d, err := rl.CheckAndRecord(ctx, "10.0.0.1", "signature", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, d.Allowed, "attempt %d", i+1)
		assert.Equal(t, 2-i, d.Remaining)
		clock.Advance(10 * time.Second)
	}

	d, err := rl.CheckAndRecord(ctx, "10.0.0.1", "signature", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Count)

	// first attempt was at t0, now is t0+60s
	clock.Advance(30 * time.Second)
	d, err = rl.CheckAndRecord(ctx, "10.0.0.1", "signature", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Count)
}

func TestMemoryRateLimiter_Sweep(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0))
	rl := NewMemoryRateLimiter().WithClock(clock.Now)
	ctx := context.Background()

	_, err := rl.CheckAndRecord(ctx, "10.0.0.1", "signature", 3, time.Minute)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = rl.CheckAndRecord(ctx, "10.0.0.2", "signature", 3, time.Minute)
	require.NoError(t, err)

	clock.Advance(40 * time.Second)
	assert.Equal(t, 1, rl.Sweep(time.Minute))
	assert.Equal(t, 1, rl.Sweep(10*time.Second))
	assert.Equal(t, 0, rl.Sweep(time.Minute))
}

func TestRateKey(t *testing.T) {
	assert.Equal(t, "p:10.0.0.1:signature", rateKey("p", "10.0.0.1", "signature"))
	assert.Equal(t, "p:__1:signature", rateKey("p", "::1", "signature"))
}

func TestMemoryRateLimiter_KeyPrefix(t *testing.T) {
	rl := NewMemoryRateLimiter().WithKeyPrefix("campus-a")
	_, err := rl.CheckAndRecord(context.Background(), "10.0.0.1", "signature", 3, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, rl.windows, "campus-a:10.0.0.1:signature")

	rl = NewMemoryRateLimiter().WithKeyPrefix("")
	_, err = rl.CheckAndRecord(context.Background(), "10.0.0.1", "signature", 3, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, rl.windows, DefaultRateKeyPrefix+":10.0.0.1:signature")
}

func TestNewBackends_InProcessHonoursRatePrefix(t *testing.T) {
	b := NewBackends(BackendOptions{RateKeyPrefix: "campus-b"})
	defer b.Close()

	_, err := b.Limiter.CheckAndRecord(context.Background(), "10.0.0.2", "signature_view", 3, time.Minute)
	require.NoError(t, err)
	rl, ok := b.Limiter.(*MemoryRateLimiter)
	require.True(t, ok)
	assert.Contains(t, rl.windows, "campus-b:10.0.0.2:signature_view")
}
