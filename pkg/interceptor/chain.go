package interceptor

import (
	"context"
	"slices"
	"sync"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/llm"
)

// Chain holds an ordered list of interceptors. It only orchestrates; the
// interceptors own their state. A Chain is safe for concurrent use.
type Chain struct {
	mu    sync.RWMutex
	items []Interceptor
}

// NewChain creates a chain with items in order.
func NewChain(items ...Interceptor) *Chain {
	return &Chain{items: slices.Clone(items)}
}

// Use appends i to the chain.
func (c *Chain) Use(i Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, i)
}

// Remove drops every interceptor named name and reports whether any was found.
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	c.items = slices.DeleteFunc(c.items, func(i Interceptor) bool { return i.Name() == name })

	return len(c.items) != n
}

// Interceptors returns a snapshot of the chain.
func (c *Chain) Interceptors() []Interceptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.items)
}

// run is one invocation of the chain over a fixed snapshot.
type run struct {
	items []Interceptor
	req   *llm.Request
}

func (c *Chain) newRun(req *llm.Request) *run {
	return &run{items: c.Interceptors(), req: req.Clone()}
}

// Do drives a unary request through the chain and t.
func (c *Chain) Do(ctx context.Context, req *llm.Request, t Transport) (*llm.Response, error) {
	r := c.newRun(req)

	resp, at, err := r.requestPhase(ctx)
	if err != nil {
		return r.errorPhase(ctx, err)
	}

	if resp == nil {
		if err := ctx.Err(); err != nil {
			return r.errorPhase(ctx, chaterr.FromContext(err))
		}

		resp, err = t.Complete(ctx, r.req)
		if err != nil {
			return r.errorPhase(ctx, err)
		}
		at = len(r.items) - 1
	}

	resp, err = r.responsePhase(ctx, resp, at)
	if err != nil {
		return r.errorPhase(ctx, err)
	}

	return resp, nil
}

// requestPhase runs request hooks in order. On a short circuit it returns the
// response and the index of the interceptor that produced it.
func (r *run) requestPhase(ctx context.Context) (*llm.Response, int, error) {
	for i, it := range r.items {
		ri, ok := it.(RequestInterceptor)
		if !ok {
			continue
		}

		var out Outcome
		err := guard(it, func() error {
			var err error
			out, err = ri.OnRequest(ctx, r.req)
			return err
		})
		if err != nil {
			return nil, 0, err
		}

		if out.ShortCircuited() {
			return out.Response, i, nil
		}
		if out.Request != nil {
			r.req = out.Request
		}
	}

	return nil, 0, nil
}

// responsePhase runs response hooks from index from down to 0.
func (r *run) responsePhase(ctx context.Context, resp *llm.Response, from int) (*llm.Response, error) {
	for i := from; i >= 0; i-- {
		ri, ok := r.items[i].(ResponseInterceptor)
		if !ok {
			continue
		}

		err := guard(r.items[i], func() error {
			next, err := ri.OnResponse(ctx, resp, r.req)
			if err == nil && next != nil {
				resp = next
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

// errorPhase runs error hooks in reverse order. The first hook returning a
// response ends the phase with that response.
func (r *run) errorPhase(ctx context.Context, err error) (*llm.Response, error) {
	for i := len(r.items) - 1; i >= 0; i-- {
		ei, ok := r.items[i].(ErrorInterceptor)
		if !ok {
			continue
		}

		var resp *llm.Response
		herr := guard(r.items[i], func() error {
			var e error
			resp, e = ei.OnError(ctx, err, r.req)
			return e
		})

		if resp != nil && herr == nil {
			return resp, nil
		}
		if herr != nil {
			err = herr
		}
	}

	return nil, err
}

// streamPhase passes chunk through stream hooks in order.
func (r *run) streamPhase(ctx context.Context, chunk llm.Chunk) (llm.Chunk, error) {
	for _, it := range r.items {
		si, ok := it.(StreamInterceptor)
		if !ok {
			continue
		}

		err := guard(it, func() error {
			next, err := si.OnChunk(ctx, chunk, r.req)
			if err == nil {
				chunk = next
			}
			return err
		})
		if err != nil {
			return llm.Chunk{}, err
		}
	}

	return chunk, nil
}

// releasePhase tells Releaser hooks, in reverse order, that the stream is
// gone. Panics are swallowed.
func (r *run) releasePhase() {
	for i := len(r.items) - 1; i >= 0; i-- {
		ri, ok := r.items[i].(Releaser)
		if !ok {
			continue
		}
		_ = guard(ri, func() error {
			ri.Release(r.req)
			return nil
		})
	}
}

// guard runs fn and turns a panic into an error.
func guard(it Interceptor, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = chaterr.Newf(chaterr.Unknown, "interceptor %s panicked: %v", it.Name(), r)
		}
	}()

	return fn()
}
