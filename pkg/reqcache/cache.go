// Package reqcache caches completed responses keyed by a canonical request
// fingerprint. Installed in an interceptor chain, a hit short-circuits the
// transport.
package reqcache

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/germanamz/pagechat/pkg/interceptor"
	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/settings"
	"github.com/rs/zerolog"
)

// Name is the interceptor name of a Cache.
const Name = "cache"

// Config controls a Cache.
type Config struct {
	Enabled bool
	TTL     time.Duration // Entries older than this are expired.
	MaxSize int           // Capacity; at least 1.
}

// ConfigFrom reads the cache.* subtree.
func ConfigFrom(s *settings.Store) Config {
	return Config{
		Enabled: s.GetBool("cache.enabled", true),
		TTL:     s.GetMillis("cache.ttlMs", 5*time.Minute),
		MaxSize: s.GetInt("cache.maxSize", 100),
	}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
	Size    int     `json:"size"`
	MaxSize int     `json:"maxSize"`
}

type entry struct {
	canonical string
	resp      *llm.Response
	at        time.Time
}

// Cache is an insertion-ordered, size-bounded response cache with expiry.
// Entries are immutable once stored; readers get deep clones. It is safe for
// concurrent use.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	order   []string // keys, oldest insertion first
	hits    int64
	misses  int64
	log     zerolog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Cache) { c.log = l } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.nowFunc = now } }

// New creates a Cache.
func New(cfg Config, opts ...Option) *Cache {
	c := &Cache{
		cfg:     sanitize(cfg),
		entries: make(map[string]*entry),
		log:     zerolog.Nop(),
		nowFunc: time.Now,
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

func sanitize(cfg Config) Config {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	if cfg.TTL < 0 {
		cfg.TTL = 0
	}
	return cfg
}

// Config returns the current configuration.
func (c *Cache) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetConfig replaces the configuration. Disabling the cache drops every
// entry; shrinking it evicts the oldest entries.
func (c *Cache) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg = sanitize(cfg)
	if !c.cfg.Enabled {
		c.clear()
		return
	}
	for len(c.order) > c.cfg.MaxSize {
		c.evictOldest()
	}
}

// Follow keeps the configuration in step with the cache.* settings. It
// returns the unsubscribe function.
func (c *Cache) Follow(s *settings.Store) func() {
	c.SetConfig(ConfigFrom(s))

	return s.OnChange("cache", func(_, _ any, _ string) {
		cfg := ConfigFrom(s)
		c.SetConfig(cfg)
		c.log.Debug().
			Bool("enabled", cfg.Enabled).
			Dur("ttl", cfg.TTL).
			Int("max_size", cfg.MaxSize).
			Msg("cache settings updated")
	})
}

// Get returns a clone of the live entry for req, marked Cached.
func (c *Cache) Get(req *llm.Request) (*llm.Response, bool) {
	key, canonical := Fingerprint(req)

	c.mu.Lock()
	defer c.mu.Unlock()

	resp, ok := c.lookup(key, canonical)
	if ok {
		c.hits++
	} else {
		c.misses++
	}

	return resp, ok
}

// lookup must be called with mu held.
func (c *Cache) lookup(key, canonical string) (*llm.Response, bool) {
	e, ok := c.entries[key]
	if !ok || e.canonical != canonical {
		return nil, false
	}
	if c.expired(e, c.nowFunc()) {
		c.remove(key)
		return nil, false
	}

	resp := e.resp.Clone()
	resp.Cached = true

	return resp, true
}

// Put stores a clone of resp for req, evicting the oldest insertion when
// full. Responses without choices are ignored.
func (c *Cache) Put(req *llm.Request, resp *llm.Response) {
	if resp == nil || len(resp.Choices) == 0 {
		return
	}

	key, canonical := Fingerprint(req)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.remove(key)
	}
	for len(c.order) >= c.cfg.MaxSize {
		c.evictOldest()
	}

	stored := resp.Clone()
	stored.Cached = false
	c.entries[key] = &entry{canonical: canonical, resp: stored, at: c.nowFunc()}
	c.order = append(c.order, key)
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.at) > c.cfg.TTL
}

func (c *Cache) remove(key string) {
	delete(c.entries, key)
	if i := slices.Index(c.order, key); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
}

func (c *Cache) evictOldest() {
	key := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, key)
}

func (c *Cache) clear() {
	c.entries = make(map[string]*entry)
	c.order = nil
}

// Prune removes expired entries and returns how many were removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	kept := c.order[:0]
	removed := 0
	for _, key := range c.order {
		if c.expired(c.entries[key], now) {
			delete(c.entries, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept

	return removed
}

// Clear drops every entry and resets the counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
	c.hits, c.misses = 0, 0
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{Hits: c.hits, Misses: c.misses, Size: len(c.entries), MaxSize: c.cfg.MaxSize}
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}

	return st
}

// --- Interceptor ---

func (*Cache) Name() string { return Name }

func (c *Cache) cacheable(req *llm.Request) bool {
	return c.Config().Enabled && !req.NoCache && !req.Stream
}

// OnRequest short-circuits with a cached response when one is live.
func (c *Cache) OnRequest(_ context.Context, req *llm.Request) (interceptor.Outcome, error) {
	if !c.cacheable(req) {
		return interceptor.Continue(nil), nil
	}

	key, _ := Fingerprint(req)
	req.Meta.CacheKey = key

	resp, ok := c.Get(req)
	if !ok {
		return interceptor.Continue(req), nil
	}

	req.Meta.Cached = true
	c.log.Debug().Str("request_id", req.Meta.RequestID).Str("cache_key", key).Msg("cache hit")

	return interceptor.ShortCircuit(resp), nil
}

// OnResponse stores fresh responses.
func (c *Cache) OnResponse(_ context.Context, resp *llm.Response, req *llm.Request) (*llm.Response, error) {
	if req.Meta.Cached || !c.cacheable(req) {
		return resp, nil
	}

	c.Put(req, resp)

	return resp, nil
}

// OnError leaves the cache untouched; failures are never stored.
func (c *Cache) OnError(_ context.Context, err error, req *llm.Request) (*llm.Response, error) {
	if req.Meta.CacheKey != "" {
		c.log.Debug().Str("cache_key", req.Meta.CacheKey).Msg("request failed, nothing cached")
	}
	return nil, err
}
