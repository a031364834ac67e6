package orchestrator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/orchestrator"
	"github.com/germanamz/pagechat/pkg/providers"
	"github.com/germanamz/pagechat/pkg/ratelimit"
	"github.com/germanamz/pagechat/pkg/reqcache"
	"github.com/germanamz/pagechat/pkg/settings"
	"github.com/germanamz/pagechat/pkg/storage"
	"github.com/germanamz/pagechat/pkg/vault"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "abcdefghij0123456789ABCDEFGHIJKL"

type pipeline struct {
	o     *orchestrator.Orchestrator
	cache *reqcache.Cache
	calls *atomic.Int32
}

// newPipeline wires the real providers client against a local DeepSeek
// stand-in served by handler.
func newPipeline(t *testing.T, handler http.HandlerFunc, opts ...orchestrator.Option) pipeline {
	t.Helper()

	calls := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	st := &storage.Memory{}

	s := settings.New(st)
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Set(ctx, "api.endpoints.deepseek", srv.URL+"/chat/completions"))

	v := vault.New(st)
	require.NoError(t, v.Store(ctx, "deepseek", testKey))

	cache := reqcache.New(reqcache.ConfigFrom(s))
	client := providers.NewClient(s, v, providers.WithHTTPClient(srv.Client()))

	base := []orchestrator.Option{orchestrator.WithLimiter(ratelimit.New(ratelimit.Limits{}))}
	o := orchestrator.New(s, orchestrator.DefaultChain(zerolog.Nop(), cache), client, append(base, opts...)...)
	t.Cleanup(o.Close)

	return pipeline{o: o, cache: cache, calls: calls}
}

func completion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model":   "deepseek-chat",
		"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "It is about Go."}, "finish_reason": "stop"}},
		"usage":   map[string]any{"prompt_tokens": 1000, "completion_tokens": 500, "total_tokens": 1500},
	})
}

func TestPipeline_CacheHit(t *testing.T) {
	ev := &events{}
	p := newPipeline(t, completion, orchestrator.WithObserver(ev.observe))
	ctx := context.Background()

	in := orchestrator.AskInput{UserMessage: "What is this page about?", Page: page()}

	first, err := p.o.Ask(ctx, in)
	require.NoError(t, err)
	second, err := p.o.Ask(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, int32(1), p.calls.Load())
	assert.False(t, first.Cached())
	assert.True(t, second.Cached())
	assert.Equal(t, first.Response.Content(), second.Response.Content())
	assert.InDelta(t, 0.00082, first.Response.Cost, 1e-12)

	st := p.cache.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)

	assert.Equal(t, []orchestrator.State{
		orchestrator.Queued,
		orchestrator.Preparing,
		orchestrator.Sent,
		orchestrator.CacheHit,
		orchestrator.Completed,
	}, ev.states(second.RequestID))
}

func TestPipeline_RateLimit(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.New(ratelimit.Limits{MinInterval: time.Second, MaxPerHour: 100})
	limiter.SetNowFunc(func() time.Time { return now })

	p := newPipeline(t, completion, orchestrator.WithLimiter(limiter))
	ctx := context.Background()

	_, err := p.o.Ask(ctx, orchestrator.AskInput{UserMessage: "one"})
	require.NoError(t, err)

	now = now.Add(500 * time.Millisecond)
	_, err = p.o.Ask(ctx, orchestrator.AskInput{UserMessage: "two"})
	require.Error(t, err)
	assert.True(t, chaterr.Is(err, chaterr.RateLimitedLocal))
	assert.Equal(t, 500*time.Millisecond, chaterr.As(err).RetryAfter)
	assert.Equal(t, int32(1), p.calls.Load())

	now = now.Add(600 * time.Millisecond)
	_, err = p.o.Ask(ctx, orchestrator.AskInput{UserMessage: "two"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestPipeline_StreamCancellation(t *testing.T) {
	aborted := make(chan struct{})

	p := newPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		for _, delta := range []string{"Hel", "lo"} {
			_, _ = fmt.Fprintf(w, "data: {\"model\":\"deepseek-chat\",\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
			flusher.Flush()
		}

		<-r.Context().Done()
		close(aborted)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := p.o.AskStream(ctx, orchestrator.AskInput{SessionID: "tab", UserMessage: "stream please"})
	require.NoError(t, err)

	c, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, llm.Chunk{Type: llm.ChunkContent, Delta: "Hel"}, c)

	c, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, llm.Chunk{Type: llm.ChunkContent, Delta: "lo"}, c)

	cancel()

	_, err = s.Next(ctx)
	require.Error(t, err)
	assert.True(t, chaterr.Is(err, chaterr.Cancelled))

	_, err = s.Next(ctx)
	assert.True(t, chaterr.Is(err, chaterr.Cancelled), "no further chunks after cancellation")
	assert.Equal(t, orchestrator.Cancelled, s.State())

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("transport was not aborted")
	}
}

func TestPipeline_StreamCompletes(t *testing.T) {
	p := newPipeline(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, data := range []string{
			`{"model":"deepseek-chat","choices":[{"delta":{"content":"Hi "}}]}`,
			`{"choices":[{"delta":{"content":"there"},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":1000,"completion_tokens":500,"total_tokens":1500}}`,
			`[DONE]`,
		} {
			_, _ = io.WriteString(w, "data: "+data+"\n\n")
		}
	})

	s, err := p.o.AskStream(context.Background(), orchestrator.AskInput{SessionID: "tab", UserMessage: "hi"})
	require.NoError(t, err)

	res, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hi there", res.Response.Content())
	assert.InDelta(t, 0.00082, res.Response.Cost, 1e-12)
	assert.Equal(t, orchestrator.Completed, s.State())

	// Streams are not cached and the session is free again.
	_, err = p.o.Ask(context.Background(), orchestrator.AskInput{SessionID: "tab", UserMessage: "hi"})
	require.Error(t, err, "the stream stand-in does not serve unary calls")
	assert.Equal(t, int32(2), p.calls.Load())
	assert.Zero(t, p.cache.Stats().Size)
}

func TestPipeline_StreamPartialRecovery(t *testing.T) {
	p := newPipeline(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Half an ans\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: {not json\n\n")
	})

	s, err := p.o.AskStream(context.Background(), orchestrator.AskInput{UserMessage: "hi"})
	require.NoError(t, err)

	res, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Half an ans", res.Response.Content())
	assert.Equal(t, "error", res.Response.Choices[0].FinishReason)
}

func TestPipeline_MissingCredential(t *testing.T) {
	p := newPipeline(t, completion)
	model := "gpt-4o-mini"

	_, err := p.o.Ask(context.Background(), orchestrator.AskInput{
		UserMessage: "hi",
		Overrides:   orchestrator.Overrides{Model: &model},
	})
	assert.True(t, chaterr.Is(err, chaterr.CredentialMissing))
	assert.Zero(t, p.calls.Load())
}
