package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/ratelimit"
	"github.com/germanamz/pagechat/pkg/settings"
	"github.com/germanamz/pagechat/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sleep advances the fake clock instead of blocking.
func (c *clock) sleep(_ context.Context, d time.Duration) error {
	c.Advance(d)
	return nil
}

func newLimiter(limits ratelimit.Limits, c *clock) *ratelimit.Limiter {
	l := ratelimit.New(limits)
	l.SetNowFunc(c.Now)
	l.SetSleepFunc(c.sleep)
	return l
}

func TestAcquire_MinInterval(t *testing.T) {
	c := newClock()
	l := newLimiter(ratelimit.Limits{MinInterval: time.Second, MaxPerHour: 100}, c)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))

	c.Advance(400 * time.Millisecond)
	err := l.Acquire(ctx)
	require.Error(t, err)

	var ce *chaterr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, chaterr.RateLimitedLocal, ce.Kind)
	assert.Equal(t, 600*time.Millisecond, ce.RetryAfter)

	c.Advance(600 * time.Millisecond)
	assert.NoError(t, l.Acquire(ctx))
	assert.Equal(t, 2, l.Used())
}

func TestAcquire_HourlyCeiling(t *testing.T) {
	c := newClock()
	l := newLimiter(ratelimit.Limits{MaxPerHour: 3}, c)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, l.Acquire(ctx))
		c.Advance(10 * time.Minute)
	}

	err := l.Acquire(ctx)
	require.True(t, chaterr.Is(err, chaterr.RateLimitedLocal))

	var ce *chaterr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 30*time.Minute, ce.RetryAfter)

	// The first admission ages out of the rolling hour.
	c.Advance(30 * time.Minute)
	require.NoError(t, l.Acquire(ctx))
	assert.Equal(t, 3, l.Used())
}

func TestAcquire_RejectionDoesNotConsume(t *testing.T) {
	c := newClock()
	l := newLimiter(ratelimit.Limits{MinInterval: time.Second}, c)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	for range 5 {
		assert.Error(t, l.Acquire(ctx))
	}
	assert.Equal(t, 1, l.Used())
}

func TestAcquire_WaitMode(t *testing.T) {
	c := newClock()
	l := newLimiter(ratelimit.Limits{MinInterval: 2 * time.Second, Wait: true}, c)
	ctx := context.Background()

	start := c.Now()
	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))
	assert.Equal(t, 2*time.Second, c.Now().Sub(start))
}

func TestAcquire_WaitModeCancelled(t *testing.T) {
	l := ratelimit.New(ratelimit.Limits{MinInterval: time.Hour, Wait: true})
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	assert.True(t, chaterr.Is(err, chaterr.Timeout), "got %v", err)

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	assert.True(t, chaterr.Is(l.Acquire(cancelled), chaterr.Cancelled))
}

func TestAcquire_NoLimits(t *testing.T) {
	l := ratelimit.New(ratelimit.Limits{})
	for range 50 {
		require.NoError(t, l.Acquire(context.Background()))
	}
}

func TestReset(t *testing.T) {
	c := newClock()
	l := newLimiter(ratelimit.Limits{MinInterval: time.Minute}, c)

	require.NoError(t, l.Acquire(context.Background()))
	l.Reset()
	assert.NoError(t, l.Acquire(context.Background()))
}

func TestFollow_TracksSettings(t *testing.T) {
	ctx := context.Background()
	s := settings.New(&storage.Memory{})
	require.NoError(t, s.Initialize(ctx))

	l := ratelimit.New(ratelimit.Limits{})
	unsubscribe := l.Follow(s)
	defer unsubscribe()

	assert.Equal(t, ratelimit.Limits{MinInterval: time.Second, MaxPerHour: 100}, l.Limits())

	require.NoError(t, s.Update(ctx, map[string]any{
		"rateLimit": map[string]any{"minIntervalMs": float64(250), "wait": true},
	}))
	assert.Equal(t, ratelimit.Limits{MinInterval: 250 * time.Millisecond, MaxPerHour: 100, Wait: true}, l.Limits())

	unsubscribe()
	require.NoError(t, s.Set(ctx, "rateLimit.maxPerHour", float64(5)))
	assert.Equal(t, 100, l.Limits().MaxPerHour)
}
