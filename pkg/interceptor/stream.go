package interceptor

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/llm"
)

// Stream drives a streaming request through the chain and t. The returned
// Stream reads from the transport only when the consumer pulls.
func (c *Chain) Stream(ctx context.Context, req *llm.Request, t Transport) (*Stream, error) {
	r := c.newRun(req)
	r.req.Stream = true

	resp, at, err := r.requestPhase(ctx)
	if err != nil {
		return r.recoverStream(ctx, err)
	}

	if resp != nil {
		resp, err = r.responsePhase(ctx, resp, at)
		if err != nil {
			return r.recoverStream(ctx, err)
		}
		return synthetic(r, resp, true), nil
	}

	if err := ctx.Err(); err != nil {
		return r.recoverStream(ctx, chaterr.FromContext(err))
	}

	reader, err := t.Stream(ctx, r.req)
	if err != nil {
		return r.recoverStream(ctx, err)
	}

	return &Stream{run: r, reader: reader}, nil
}

// recoverStream runs the error phase for a stream that failed before its
// first chunk. A recovered response is replayed as a stream.
func (r *run) recoverStream(ctx context.Context, err error) (*Stream, error) {
	resp, err := r.errorPhase(ctx, err)
	if err != nil {
		return nil, err
	}

	return synthetic(r, resp, false), nil
}

type queued struct {
	chunk llm.Chunk
	hooks bool // run stream hooks before handing out
}

// synthetic builds a stream that replays resp as a content chunk followed
// by a done chunk.
func synthetic(r *run, resp *llm.Response, hooks bool) *Stream {
	s := &Stream{run: r}

	if content := resp.Content(); content != "" {
		s.queue = append(s.queue, queued{chunk: llm.Chunk{Type: llm.ChunkContent, Delta: content}, hooks: hooks})
	}
	s.queue = append(s.queue, queued{chunk: llm.Chunk{Type: llm.ChunkDone, Final: resp}, hooks: hooks})

	return s
}

// Stream is a pull-based sequence of chunks. Next returns io.EOF after the
// done chunk. Errors are sticky.
type Stream struct {
	run    *run
	reader llm.ChunkReader // nil when replaying a response

	mu       sync.Mutex
	queue    []queued
	finished bool
	err      error

	closeOnce sync.Once
	closed    atomic.Bool
}

// Request returns the request as the request hooks left it.
func (s *Stream) Request() *llm.Request { return s.run.req }

// Next returns the next chunk after the stream hooks have seen it. A done
// chunk's Final has been through the response hooks first.
func (s *Stream) Next(ctx context.Context) (llm.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A chunk read while Close ran may have been recorded after the release.
	defer func() {
		if s.closed.Load() {
			s.run.releasePhase()
		}
	}()

	if s.err != nil {
		return llm.Chunk{}, s.err
	}
	if s.finished {
		return llm.Chunk{}, io.EOF
	}

	var (
		chunk llm.Chunk
		hooks = true
		err   error
	)

	switch {
	case len(s.queue) > 0:
		chunk, hooks = s.queue[0].chunk, s.queue[0].hooks
		s.queue = s.queue[1:]
	case s.reader == nil:
		s.finished = true
		return llm.Chunk{}, io.EOF
	default:
		if cerr := ctx.Err(); cerr != nil {
			return s.fail(ctx, chaterr.FromContext(cerr))
		}

		chunk, err = s.reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.finish()
			return llm.Chunk{}, io.EOF
		}
		if err != nil {
			return s.fail(ctx, err)
		}
		if chunk.Type == llm.ChunkError {
			err = chunk.Err
			if err == nil {
				err = chaterr.New(chaterr.Unknown, "stream reported an error")
			}
			return s.fail(ctx, err)
		}

		if chunk.Type == llm.ChunkDone && chunk.Final != nil {
			chunk.Final, err = s.run.responsePhase(ctx, chunk.Final, len(s.run.items)-1)
			if err != nil {
				return s.fail(ctx, err)
			}
		}
	}

	if hooks {
		chunk, err = s.run.streamPhase(ctx, chunk)
		if err != nil {
			return s.fail(ctx, err)
		}
	}

	if chunk.Type == llm.ChunkDone {
		s.finish()
	}

	return chunk, nil
}

func (s *Stream) finish() {
	s.finished = true
	s.queue = nil
	s.closeReader()
}

// fail runs the error phase. A recovered response is emitted as the final
// done chunk, without further hooks; otherwise the error sticks.
func (s *Stream) fail(ctx context.Context, err error) (llm.Chunk, error) {
	s.closeReader()

	resp, err := s.run.errorPhase(ctx, err)
	if err != nil {
		s.err = err
		return llm.Chunk{}, err
	}

	s.finish()

	return llm.Chunk{Type: llm.ChunkDone, Final: resp}, nil
}

func (s *Stream) closeReader() {
	if s.reader == nil {
		return
	}
	s.closeOnce.Do(func() { _ = s.reader.Close() })
}

// Close releases the transport and lets Releaser hooks drop what they hold
// for the request. A Next blocked on the network returns an error. It is
// safe to call concurrently with Next and more than once.
func (s *Stream) Close() error {
	s.closed.Store(true)
	s.closeReader()
	s.run.releasePhase()
	return nil
}

// All iterates the remaining chunks. Iteration stops after the first error,
// which is yielded with a zero chunk. The stream is closed when iteration
// ends.
func (s *Stream) All(ctx context.Context) iter.Seq2[llm.Chunk, error] {
	return func(yield func(llm.Chunk, error) bool) {
		defer func() { _ = s.Close() }()

		for {
			c, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(llm.Chunk{}, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Collect drains the stream and returns the final response.
func (s *Stream) Collect(ctx context.Context) (*llm.Response, error) {
	var final *llm.Response
	for c, err := range s.All(ctx) {
		if err != nil {
			return nil, err
		}
		if c.Type == llm.ChunkDone {
			final = c.Final
		}
	}

	if final == nil {
		return nil, chaterr.New(chaterr.ProviderMalformedResponse, "stream ended without a final response")
	}

	return final, nil
}
