// Package ratelimit enforces the local ask budget: a minimum interval between
// consecutive asks and a ceiling on asks within a rolling hour.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/settings"
	"github.com/rs/zerolog"
)

// Window is the span over which MaxPerHour is counted.
const Window = time.Hour

// Limits configures a Limiter.
type Limits struct {
	MinInterval time.Duration // Minimum gap between admitted asks (0 = none).
	MaxPerHour  int           // Admitted asks per rolling hour (0 = no ceiling).
	Wait        bool          // Delay instead of rejecting when over budget.
}

// LimitsFrom reads the rateLimit.* subtree.
func LimitsFrom(s *settings.Store) Limits {
	return Limits{
		MinInterval: s.GetMillis("rateLimit.minIntervalMs", time.Second),
		MaxPerHour:  s.GetInt("rateLimit.maxPerHour", 100),
		Wait:        s.GetBool("rateLimit.wait", false),
	}
}

// Limiter admits asks against Limits. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	limits  Limits
	history []time.Time // admission times within the window, oldest first
	log     zerolog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
	// sleepFunc is used for testing; defaults to a context-aware sleep.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(r *Limiter) { r.log = l } }

// New creates a Limiter.
func New(limits Limits, opts ...Option) *Limiter {
	l := &Limiter{
		limits:    limits,
		log:       zerolog.Nop(),
		nowFunc:   time.Now,
		sleepFunc: contextSleep,
	}

	for _, o := range opts {
		o(l)
	}

	return l
}

// SetNowFunc overrides the time source (for testing).
func (l *Limiter) SetNowFunc(fn func() time.Time) { l.nowFunc = fn }

// SetSleepFunc overrides the sleep function (for testing).
func (l *Limiter) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	l.sleepFunc = fn
}

// contextSleep sleeps for d or until ctx is cancelled.
func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Limits returns the current limits.
func (l *Limiter) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// SetLimits replaces the limits. Admission history is kept.
func (l *Limiter) SetLimits(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
}

// Follow keeps the limits in step with the rateLimit.* settings. It returns
// the unsubscribe function.
func (l *Limiter) Follow(s *settings.Store) func() {
	l.SetLimits(LimitsFrom(s))

	return s.OnChange("rateLimit", func(_, _ any, _ string) {
		limits := LimitsFrom(s)
		l.SetLimits(limits)
		l.log.Debug().
			Dur("min_interval", limits.MinInterval).
			Int("max_per_hour", limits.MaxPerHour).
			Bool("wait", limits.Wait).
			Msg("rate limits updated")
	})
}

// Reset forgets every admission.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = nil
}

// Used returns the number of asks admitted within the rolling hour.
func (l *Limiter) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.nowFunc())
	return len(l.history)
}

// prune drops admissions older than Window. Must be called with mu held.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(l.history) && !l.history[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.history = append(l.history[:0:0], l.history[i:]...)
	}
}

// delay returns how long until an ask may be admitted. Must be called with
// mu held.
func (l *Limiter) delay(now time.Time) time.Duration {
	var d time.Duration

	if n := len(l.history); n > 0 && l.limits.MinInterval > 0 {
		if next := l.history[n-1].Add(l.limits.MinInterval); next.After(now) {
			d = next.Sub(now)
		}
	}

	if ceiling := l.limits.MaxPerHour; ceiling > 0 && len(l.history) >= ceiling {
		// The oldest admissions have to age out until one slot is free.
		freed := l.history[len(l.history)-ceiling].Add(Window)
		if w := freed.Sub(now); w > d {
			d = w
		}
	}

	return d
}

// Acquire admits one ask or fails with rate-limited-local carrying the time
// until the next slot. In wait mode it sleeps until admitted or ctx ends.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return chaterr.FromContext(err)
		}

		l.mu.Lock()
		now := l.nowFunc()
		l.prune(now)
		d := l.delay(now)
		if d <= 0 {
			l.history = append(l.history, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.limits.Wait
		l.mu.Unlock()

		if !wait {
			e := chaterr.Newf(chaterr.RateLimitedLocal, "local rate limit reached, retry in %s", d.Round(time.Millisecond))
			e.RetryAfter = d
			return e
		}

		l.log.Debug().Dur("delay", d).Msg("waiting for rate limit slot")

		if err := l.sleepFunc(ctx, d); err != nil {
			return chaterr.FromContext(err)
		}
	}
}
