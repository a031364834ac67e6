package orchestrator

import (
	"context"
	"sync"

	"github.com/germanamz/pagechat/pkg/chaterr"
)

// sessions serializes asks per session id. Each ask takes a ticket and waits
// for the previous ticket of its session to be released.
type sessions struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newSessions() *sessions {
	return &sessions{tails: make(map[string]chan struct{})}
}

// enter waits for the session's earlier asks to finish and returns the
// release function for this one. An empty id is not ordered.
func (q *sessions) enter(ctx context.Context, id string) (func(), error) {
	if id == "" {
		return func() {}, nil
	}

	own := make(chan struct{})

	q.mu.Lock()
	prev := q.tails[id]
	q.tails[id] = own
	q.mu.Unlock()

	release := sync.OnceFunc(func() {
		q.mu.Lock()
		if q.tails[id] == own {
			delete(q.tails, id)
		}
		q.mu.Unlock()
		close(own)
	})

	if prev == nil {
		return release, nil
	}

	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		// Keep the chain intact for whoever queued behind us.
		go func() {
			<-prev
			release()
		}()
		return nil, chaterr.FromContext(ctx.Err())
	}
}

// pending returns the number of sessions with an ask in flight.
func (q *sessions) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}
