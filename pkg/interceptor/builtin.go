package interceptor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// --- Meta ---

// Meta stamps the request id, timestamp and attempt number.
type Meta struct {
	now func() time.Time
}

// NewMeta creates a Meta interceptor. A nil clock means time.Now.
func NewMeta(now func() time.Time) *Meta {
	if now == nil {
		now = time.Now
	}
	return &Meta{now: now}
}

func (*Meta) Name() string { return "meta" }

func (m *Meta) OnRequest(_ context.Context, req *llm.Request) (Outcome, error) {
	if req.Meta.RequestID == "" {
		req.Meta.RequestID = llm.NewRequestID()
	}
	if req.Meta.Timestamp.IsZero() {
		req.Meta.Timestamp = m.now()
	}
	req.Meta.Attempt++

	return Continue(req), nil
}

// --- Logging ---

// Logging logs each request, response and failure. Message contents are
// never logged.
type Logging struct {
	log zerolog.Logger
}

// NewLogging creates a Logging interceptor.
func NewLogging(log zerolog.Logger) *Logging { return &Logging{log: log} }

func (*Logging) Name() string { return "logging" }

func (l *Logging) event(e *zerolog.Event, req *llm.Request) *zerolog.Event {
	return e.
		Str("request_id", req.Meta.RequestID).
		Str("session_id", req.Meta.SessionID).
		Str("provider", req.Provider).
		Str("model", req.Model)
}

func (l *Logging) OnRequest(_ context.Context, req *llm.Request) (Outcome, error) {
	l.event(l.log.Debug(), req).
		Int("messages", len(req.Messages)).
		Bool("stream", req.Stream).
		Msg("chat request")

	return Continue(nil), nil
}

func (l *Logging) OnResponse(_ context.Context, resp *llm.Response, req *llm.Request) (*llm.Response, error) {
	e := l.event(l.log.Info(), req).
		Bool("cached", req.Meta.Cached).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Float64("cost", resp.Cost)
	if !req.Meta.Timestamp.IsZero() {
		e = e.Dur("elapsed", time.Since(req.Meta.Timestamp))
	}
	e.Msg("chat response")

	return resp, nil
}

func (l *Logging) OnError(_ context.Context, err error, req *llm.Request) (*llm.Response, error) {
	lvl := l.log.Warn()
	if chaterr.Is(err, chaterr.Cancelled) {
		lvl = l.log.Debug()
	}

	l.event(lvl, req).
		Str("kind", string(chaterr.KindOf(err))).
		Err(err).
		Msg("chat request failed")

	return nil, err
}

// --- Tracing ---

// Tracing records pipeline milestones as events on the span in the context.
type Tracing struct{}

// NewTracing creates a Tracing interceptor.
func NewTracing() *Tracing { return &Tracing{} }

func (*Tracing) Name() string { return "tracing" }

func (*Tracing) OnRequest(ctx context.Context, req *llm.Request) (Outcome, error) {
	trace.SpanFromContext(ctx).AddEvent("llm.request", trace.WithAttributes(
		attribute.String("llm.request_id", req.Meta.RequestID),
		attribute.String("llm.provider", req.Provider),
		attribute.String("llm.model", req.Model),
		attribute.Bool("llm.stream", req.Stream),
	))

	return Continue(nil), nil
}

func (*Tracing) OnResponse(ctx context.Context, resp *llm.Response, req *llm.Request) (*llm.Response, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("llm.response", trace.WithAttributes(
		attribute.Bool("llm.cached", req.Meta.Cached),
		attribute.Int("llm.usage.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", resp.Usage.CompletionTokens),
		attribute.Float64("llm.cost", resp.Cost),
	))

	return resp, nil
}

func (*Tracing) OnError(ctx context.Context, err error, _ *llm.Request) (*llm.Response, error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(attribute.String("error.kind", string(chaterr.KindOf(err)))))
	span.SetStatus(codes.Error, string(chaterr.KindOf(err)))

	return nil, err
}

// --- Partial ---

// Partial accumulates streamed content and, when a stream fails mid-way,
// turns the failure into a response holding what arrived so far.
// Cancellation is never downgraded.
type Partial struct {
	mu      sync.Mutex
	content map[*llm.Request]*strings.Builder
}

// NewPartial creates a Partial interceptor.
func NewPartial() *Partial {
	return &Partial{content: make(map[*llm.Request]*strings.Builder)}
}

func (*Partial) Name() string { return "partial" }

func (p *Partial) OnChunk(_ context.Context, chunk llm.Chunk, req *llm.Request) (llm.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch chunk.Type {
	case llm.ChunkContent:
		b, ok := p.content[req]
		if !ok {
			b = &strings.Builder{}
			p.content[req] = b
		}
		b.WriteString(chunk.Delta)
	case llm.ChunkDone:
		delete(p.content, req)
	}

	return chunk, nil
}

func (p *Partial) OnError(_ context.Context, err error, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	b, ok := p.content[req]
	delete(p.content, req)
	p.mu.Unlock()

	if !ok || b.Len() == 0 || chaterr.Is(err, chaterr.Cancelled) {
		return nil, err
	}

	return &llm.Response{
		Model: req.Model,
		Choices: []llm.Choice{{
			Message:      llm.Message{Role: llm.Assistant, Content: b.String()},
			FinishReason: "error",
		}},
	}, nil
}

// Release forgets the content of a stream that was closed before its done
// chunk.
func (p *Partial) Release(req *llm.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.content, req)
}

// Pending returns the number of streams with accumulated content.
func (p *Partial) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.content)
}
