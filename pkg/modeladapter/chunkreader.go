package modeladapter

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/modeladapter/usage"
)

// Accumulator collects what a stream has produced so far.
type Accumulator struct {
	Model        string
	FinishReason string
	Usage        llm.Usage // Zero when the provider reported none.

	content strings.Builder
}

// Content returns the text accumulated so far.
func (acc *Accumulator) Content() string { return acc.content.String() }

// DecodeFunc interprets one event. It returns the content delta it carries
// (possibly empty) and whether the event ends the stream.
type DecodeFunc func(ev Event, acc *Accumulator) (delta string, done bool, err error)

// NewChunkReader adapts an event stream into an llm.ChunkReader. Content
// deltas become content chunks; the end of the stream becomes one done chunk
// whose Final aggregates the content and usage. A body that ends without a
// terminator event is treated as finished. Events are read only when the
// consumer pulls.
func (a *ModelAdapter) NewChunkReader(s *EventStream, req *llm.Request, decode DecodeFunc) llm.ChunkReader {
	return &chunkReader{
		adapter: a,
		stream:  s,
		req:     req,
		decode:  decode,
		acc:     &Accumulator{Model: req.Model},
	}
}

type chunkReader struct {
	adapter *ModelAdapter
	stream  *EventStream
	req     *llm.Request
	decode  DecodeFunc
	acc     *Accumulator
	closed  atomic.Bool

	mu          sync.Mutex
	pendingDone bool
	finished    bool
	err         error
}

func (r *chunkReader) Next(ctx context.Context) (llm.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.err != nil:
		return llm.Chunk{}, r.err
	case r.finished:
		return llm.Chunk{}, io.EOF
	case r.pendingDone:
		return r.finish(), nil
	}

	if err := ctx.Err(); err != nil {
		return llm.Chunk{}, r.fail(chaterr.FromContext(err))
	}

	for {
		ev, err := r.read(ctx)
		if errors.Is(err, io.EOF) {
			return r.finish(), nil
		}
		if err != nil {
			return llm.Chunk{}, r.fail(err)
		}

		delta, done, err := r.decode(ev, r.acc)
		if err != nil {
			return llm.Chunk{}, r.fail(err)
		}

		if delta != "" {
			r.acc.content.WriteString(delta)
			r.pendingDone = done
			return llm.Chunk{Type: llm.ChunkContent, Delta: delta}, nil
		}

		if done {
			return r.finish(), nil
		}
	}
}

// read pulls one event, aborting the transport if ctx ends first.
func (r *chunkReader) read(ctx context.Context) (Event, error) {
	stop := context.AfterFunc(ctx, func() { _ = r.stream.Close() })
	ev, err := r.stream.Next()
	stop()

	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Event{}, chaterr.FromContext(cerr)
		}
		if r.closed.Load() {
			return Event{}, chaterr.New(chaterr.Cancelled, "stream closed")
		}
		return Event{}, err
	}

	return ev, nil
}

func (r *chunkReader) finish() llm.Chunk {
	_ = r.stream.Close()
	r.finished = true

	acc := r.acc
	u := acc.Usage
	if u.PromptTokens == 0 && u.CompletionTokens == 0 {
		u = r.adapter.Estimator.EstimateUsage(r.req, acc.Content())
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}

	finishReason := acc.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}

	final := &llm.Response{
		Model: acc.Model,
		Choices: []llm.Choice{{
			Message:      llm.Message{Role: llm.Assistant, Content: acc.Content()},
			FinishReason: finishReason,
		}},
		Usage: u,
	}

	r.adapter.Usage.Add(final.Model, usage.FromResponse(final))

	return llm.Chunk{Type: llm.ChunkDone, Final: final}
}

func (r *chunkReader) fail(err error) error {
	_ = r.stream.Close()
	r.err = err
	return err
}

// Close aborts the transport. A Next blocked on the network returns a
// cancelled error. Safe to call concurrently with Next and more than once.
func (r *chunkReader) Close() error {
	r.closed.Store(true)
	return r.stream.Close()
}
