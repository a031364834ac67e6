package reqcache_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/germanamz/pagechat/pkg/interceptor"
	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/reqcache"
	"github.com/germanamz/pagechat/pkg/settings"
	"github.com/germanamz/pagechat/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock { return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)} }

func req(content string) *llm.Request {
	return &llm.Request{
		Provider:    "deepseek",
		Model:       "deepseek-chat",
		Temperature: 0.7,
		MaxTokens:   2048,
		Messages: []llm.Message{
			{Role: llm.System, Content: "be brief"},
			{Role: llm.User, Content: content},
		},
	}
}

func answer(text string) *llm.Response {
	return &llm.Response{
		Model:   "deepseek-chat",
		Choices: []llm.Choice{{Message: llm.Message{Role: llm.Assistant, Content: text}, FinishReason: "stop"}},
		Usage:   llm.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}
}

func enabled() reqcache.Config {
	return reqcache.Config{Enabled: true, TTL: 5 * time.Minute, MaxSize: 100}
}

// --- Fingerprint ---

func TestFingerprint_Stable(t *testing.T) {
	k1, c1 := reqcache.Fingerprint(req("hi"))
	k2, c2 := reqcache.Fingerprint(req("hi"))

	assert.Equal(t, k1, k2)
	assert.Equal(t, c1, c2)
	assert.Len(t, k1, 8)
	assert.Equal(t,
		`{"provider":"deepseek","model":"deepseek-chat","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}],"temperature":0.7,"maxTokens":2048}`,
		c1,
	)
}

func TestFingerprint_IgnoresNonIdentifyingFields(t *testing.T) {
	base, _ := reqcache.Fingerprint(req("hi"))

	r := req("hi")
	r.TopP = 0.3
	r.Stream = true
	r.NoCache = true
	r.Meta.RequestID = "abc"
	k, _ := reqcache.Fingerprint(r)

	assert.Equal(t, base, k)
}

func TestFingerprint_ChangesWithIdentifyingFields(t *testing.T) {
	base, _ := reqcache.Fingerprint(req("hi"))

	mutations := map[string]func(*llm.Request){
		"provider":    func(r *llm.Request) { r.Provider = "openai" },
		"model":       func(r *llm.Request) { r.Model = "deepseek-reasoner" },
		"content":     func(r *llm.Request) { r.Messages[1].Content = "hello" },
		"role":        func(r *llm.Request) { r.Messages[0].Role = llm.User },
		"temperature": func(r *llm.Request) { r.Temperature = 0.2 },
		"maxTokens":   func(r *llm.Request) { r.MaxTokens = 100 },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := req("hi")
			mutate(r)
			k, _ := reqcache.Fingerprint(r)
			assert.NotEqual(t, base, k)
		})
	}
}

func TestFingerprint_KnownHash(t *testing.T) {
	k, c := reqcache.Fingerprint(&llm.Request{})

	assert.Equal(t, `{"provider":"","model":"","messages":[],"temperature":0,"maxTokens":0}`, c)
	assert.Equal(t, "773761dc", k)
}

// --- Cache ---

func TestCache_PutGetReturnsClones(t *testing.T) {
	c := reqcache.New(enabled())
	orig := answer("hello")
	c.Put(req("hi"), orig)

	orig.Choices[0].Message.Content = "mutated"

	got, ok := c.Get(req("hi"))
	require.True(t, ok)
	assert.Equal(t, "hello", got.Content())

	got.Choices[0].Message.Content = "also mutated"
	again, ok := c.Get(req("hi"))
	require.True(t, ok)
	assert.Equal(t, "hello", again.Content())
}

func TestCache_IgnoresEmptyResponses(t *testing.T) {
	c := reqcache.New(enabled())
	c.Put(req("hi"), &llm.Response{Model: "m"})
	c.Put(req("hi"), nil)

	assert.Zero(t, c.Stats().Size)
}

func TestCache_TTL(t *testing.T) {
	clk := newClock()
	c := reqcache.New(enabled(), reqcache.WithClock(clk.Now))
	c.Put(req("hi"), answer("hello"))

	clk.Advance(5 * time.Minute)
	_, ok := c.Get(req("hi"))
	assert.True(t, ok, "exactly at ttl is still live")

	clk.Advance(time.Millisecond)
	_, ok = c.Get(req("hi"))
	assert.False(t, ok)
	assert.Zero(t, c.Stats().Size)
}

func TestCache_ZeroTTL(t *testing.T) {
	clk := newClock()
	cfg := enabled()
	cfg.TTL = 0
	c := reqcache.New(cfg, reqcache.WithClock(clk.Now))
	c.Put(req("hi"), answer("hello"))

	_, ok := c.Get(req("hi"))
	assert.True(t, ok, "same instant is not older than ttl")

	clk.Advance(time.Millisecond)
	_, ok = c.Get(req("hi"))
	assert.False(t, ok)
}

func TestCache_EvictsOldestInsertion(t *testing.T) {
	cfg := enabled()
	cfg.MaxSize = 2
	c := reqcache.New(cfg)

	c.Put(req("a"), answer("A"))
	c.Put(req("b"), answer("B"))

	_, ok := c.Get(req("a"))
	require.True(t, ok, "reads do not refresh insertion order")

	c.Put(req("c"), answer("C"))

	_, ok = c.Get(req("a"))
	assert.False(t, ok)
	_, ok = c.Get(req("b"))
	assert.True(t, ok)
	_, ok = c.Get(req("c"))
	assert.True(t, ok)
	assert.Equal(t, 2, c.Stats().Size)
}

func TestCache_ReinsertMovesToBack(t *testing.T) {
	cfg := enabled()
	cfg.MaxSize = 2
	c := reqcache.New(cfg)

	c.Put(req("a"), answer("A"))
	c.Put(req("b"), answer("B"))
	c.Put(req("a"), answer("A2"))
	c.Put(req("c"), answer("C"))

	got, ok := c.Get(req("a"))
	require.True(t, ok)
	assert.Equal(t, "A2", got.Content())
	_, ok = c.Get(req("b"))
	assert.False(t, ok)
}

func TestCache_Prune(t *testing.T) {
	clk := newClock()
	c := reqcache.New(enabled(), reqcache.WithClock(clk.Now))

	c.Put(req("old"), answer("x"))
	clk.Advance(4 * time.Minute)
	c.Put(req("new"), answer("y"))
	clk.Advance(2 * time.Minute)

	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 1, c.Stats().Size)
	_, ok := c.Get(req("new"))
	assert.True(t, ok)
}

func TestCache_StatsAndClear(t *testing.T) {
	c := reqcache.New(enabled())
	c.Put(req("a"), answer("A"))

	c.Get(req("a"))
	c.Get(req("a"))
	c.Get(req("b"))

	st := c.Stats()
	assert.Equal(t, int64(2), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 2.0/3.0, st.HitRate, 1e-9)
	assert.Equal(t, 1, st.Size)
	assert.Equal(t, 100, st.MaxSize)

	c.Clear()
	assert.Equal(t, reqcache.Stats{MaxSize: 100}, c.Stats())
}

func TestCache_SetConfig(t *testing.T) {
	c := reqcache.New(enabled())
	for _, s := range []string{"a", "b", "c"} {
		c.Put(req(s), answer(s))
	}

	cfg := enabled()
	cfg.MaxSize = 1
	c.SetConfig(cfg)
	assert.Equal(t, 1, c.Stats().Size)
	_, ok := c.Get(req("c"))
	assert.True(t, ok)

	cfg.Enabled = false
	c.SetConfig(cfg)
	assert.Zero(t, c.Stats().Size)
}

// --- Interceptor ---

type countingTransport struct {
	calls atomic.Int32
	resp  *llm.Response
}

func (t *countingTransport) Complete(context.Context, *llm.Request) (*llm.Response, error) {
	t.calls.Add(1)
	return t.resp.Clone(), nil
}

func (t *countingTransport) Stream(context.Context, *llm.Request) (llm.ChunkReader, error) {
	t.calls.Add(1)
	return nil, nil
}

type cachedFlag struct{ seen []bool }

func (*cachedFlag) Name() string { return "flag" }

func (f *cachedFlag) OnResponse(_ context.Context, resp *llm.Response, req *llm.Request) (*llm.Response, error) {
	f.seen = append(f.seen, req.Meta.Cached)
	return resp, nil
}

func TestInterceptor_SecondIdenticalAskIsServedFromCache(t *testing.T) {
	c := reqcache.New(enabled())
	flag := &cachedFlag{}
	chain := interceptor.NewChain(interceptor.NewMeta(nil), flag, c)
	tr := &countingTransport{resp: answer("hello")}
	ctx := context.Background()

	first, err := chain.Do(ctx, req("hi"), tr)
	require.NoError(t, err)
	second, err := chain.Do(ctx, req("hi"), tr)
	require.NoError(t, err)

	assert.Equal(t, int32(1), tr.calls.Load())
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	second.Cached = false
	assert.Equal(t, first, second)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, []bool{false, true}, flag.seen)
}

func TestInterceptor_NoCacheBypasses(t *testing.T) {
	c := reqcache.New(enabled())
	chain := interceptor.NewChain(c)
	tr := &countingTransport{resp: answer("hello")}
	ctx := context.Background()

	r := req("hi")
	r.NoCache = true
	_, err := chain.Do(ctx, r, tr)
	require.NoError(t, err)
	_, err = chain.Do(ctx, r, tr)
	require.NoError(t, err)

	assert.Equal(t, int32(2), tr.calls.Load())
	assert.Equal(t, reqcache.Stats{MaxSize: 100}, c.Stats())
}

func TestInterceptor_DisabledBypasses(t *testing.T) {
	cfg := enabled()
	cfg.Enabled = false
	c := reqcache.New(cfg)
	chain := interceptor.NewChain(c)
	tr := &countingTransport{resp: answer("hello")}

	for range 2 {
		_, err := chain.Do(context.Background(), req("hi"), tr)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(2), tr.calls.Load())
}

func TestInterceptor_StreamsAreNotCached(t *testing.T) {
	c := reqcache.New(enabled())
	r := req("hi")
	r.Stream = true

	out, err := c.OnRequest(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, out.ShortCircuited())

	_, err = c.OnResponse(context.Background(), answer("x"), r)
	require.NoError(t, err)
	assert.Zero(t, c.Stats().Size)
}

func TestInterceptor_ErrorsAreNotCached(t *testing.T) {
	c := reqcache.New(enabled())
	want := assert.AnError

	resp, err := c.OnError(context.Background(), want, req("hi"))
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, want)
	assert.Zero(t, c.Stats().Size)
}

func TestFollow_TracksSettings(t *testing.T) {
	ctx := context.Background()
	s := settings.New(&storage.Memory{})
	require.NoError(t, s.Initialize(ctx))

	c := reqcache.New(reqcache.Config{}, reqcache.WithLogger(zerolog.Nop()))
	unsub := c.Follow(s)
	defer unsub()

	assert.Equal(t, enabled(), c.Config())

	require.NoError(t, s.Set(ctx, "cache.maxSize", 5))
	assert.Equal(t, 5, c.Config().MaxSize)

	require.NoError(t, s.Set(ctx, "cache.enabled", false))
	assert.False(t, c.Config().Enabled)
}

// --- Janitor ---

func TestJanitor_Schedule(t *testing.T) {
	c := reqcache.New(enabled())

	_, err := reqcache.NewJanitor(c, "not a schedule", zerolog.Nop())
	require.Error(t, err)

	j, err := reqcache.NewJanitor(c, "", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, reqcache.DefaultPruneSchedule, j.Schedule())

	require.NoError(t, j.Reschedule("@every 30s"))
	assert.Equal(t, "@every 30s", j.Schedule())

	require.Error(t, j.Reschedule("bogus"))
	assert.Equal(t, "@every 30s", j.Schedule())

	j.Start()
	<-j.Stop().Done()
}

func TestJanitor_FollowsSettings(t *testing.T) {
	ctx := context.Background()
	s := settings.New(&storage.Memory{})
	require.NoError(t, s.Initialize(ctx))

	j, err := reqcache.NewJanitor(reqcache.New(enabled()), s.GetString("cache.pruneSchedule", ""), zerolog.Nop())
	require.NoError(t, err)
	unsub := j.Follow(s)
	defer unsub()

	require.NoError(t, s.Set(ctx, "cache.pruneSchedule", "@hourly"))
	assert.Equal(t, "@hourly", j.Schedule())
}
