package orchestrator

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/interceptor"
	"github.com/germanamz/pagechat/pkg/llm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stream is a streaming ask. It holds the session until it ends.
type Stream struct {
	inner   *interceptor.Stream
	tr      *tracker
	span    trace.Span
	release func()
	info    *Result

	endOnce sync.Once
}

// Info describes the ask. Response is set once the done chunk has been read.
func (s *Stream) Info() *Result { return s.info }

// State returns the ask's current state.
func (s *Stream) State() State { return s.tr.State() }

// Next returns the next chunk, io.EOF after the done chunk, or the error
// that ended the stream.
func (s *Stream) Next(ctx context.Context) (llm.Chunk, error) {
	c, err := s.inner.Next(ctx)
	if errors.Is(err, io.EOF) {
		s.end(nil)
		return c, err
	}
	if err != nil {
		s.end(err)
		return c, err
	}

	if s.tr.State() == Sent {
		s.tr.to(Receiving)
	}
	if c.Type == llm.ChunkDone {
		s.info.Response = c.Final
		s.end(nil)
	}

	return c, nil
}

// Close aborts the stream if it is still running and frees the session.
func (s *Stream) Close() error {
	err := s.inner.Close()
	s.end(chaterr.New(chaterr.Cancelled, "stream closed"))
	return err
}

func (s *Stream) end(err error) {
	s.endOnce.Do(func() {
		defer s.release()
		defer s.span.End()

		if err != nil {
			s.tr.fail(err)
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, string(chaterr.KindOf(err)))
			return
		}

		if s.tr.State() == Sent {
			s.tr.to(Receiving)
		}
		s.tr.to(Completed)

		if r := s.info.Response; r != nil {
			s.span.SetAttributes(attribute.Float64("pagechat.cost", r.Cost))
		}
	})
}

// All iterates the remaining chunks and closes the stream when iteration
// ends. An error is yielded once with a zero chunk.
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

// Collect drains the stream into a Result.
func (s *Stream) Collect(ctx context.Context) (*Result, error) {
	for _, err := range s.All(ctx) {
		if err != nil {
			return nil, err
		}
	}

	if s.info.Response == nil {
		return nil, chaterr.New(chaterr.ProviderMalformedResponse, "stream ended without a final response")
	}

	return s.info, nil
}
