// Package interceptor runs ordered request, response, stream and error hooks
// around a transport call.
//
// Request hooks run in insertion order and may replace the request or short
// circuit with a response, in which case later request hooks and the
// transport are skipped. Response and error hooks run in reverse order. Each
// stream chunk passes through stream hooks in insertion order. An error hook
// that returns a response turns the failure into a success.
package interceptor

import (
	"context"

	"github.com/germanamz/pagechat/pkg/llm"
)

// Transport performs the actual provider call.
type Transport interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Response, error)
	Stream(ctx context.Context, req *llm.Request) (llm.ChunkReader, error)
}

// Outcome is the result of a request hook: either continue with a
// (possibly replaced) request, or short circuit with a response.
type Outcome struct {
	Request  *llm.Request
	Response *llm.Response
}

// Continue proceeds with req. A nil req keeps the current request.
func Continue(req *llm.Request) Outcome { return Outcome{Request: req} }

// ShortCircuit completes the call with resp without reaching the transport.
func ShortCircuit(resp *llm.Response) Outcome { return Outcome{Response: resp} }

// ShortCircuited reports whether the outcome carries a response.
func (o Outcome) ShortCircuited() bool { return o.Response != nil }

// Interceptor is the common part of every hook. An interceptor implements
// any subset of the capability interfaces below.
type Interceptor interface {
	Name() string
}

// RequestInterceptor sees the request before the transport.
type RequestInterceptor interface {
	Interceptor
	OnRequest(ctx context.Context, req *llm.Request) (Outcome, error)
}

// ResponseInterceptor may transform a completed response.
type ResponseInterceptor interface {
	Interceptor
	OnResponse(ctx context.Context, resp *llm.Response, req *llm.Request) (*llm.Response, error)
}

// StreamInterceptor sees every chunk of a stream. It may annotate a chunk but
// must keep its type and content.
type StreamInterceptor interface {
	Interceptor
	OnChunk(ctx context.Context, chunk llm.Chunk, req *llm.Request) (llm.Chunk, error)
}

// ErrorInterceptor sees failures. Returning a non-nil response recovers; a
// non-nil error replaces the one propagated to the next hook.
type ErrorInterceptor interface {
	Interceptor
	OnError(ctx context.Context, err error, req *llm.Request) (*llm.Response, error)
}

// Releaser drops per-request state when a stream is closed by its consumer.
// Release may run more than once, and after the stream completed.
type Releaser interface {
	Interceptor
	Release(req *llm.Request)
}
