package orchestrator

import (
	"sync"
	"time"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/rs/zerolog"
)

// State is the lifecycle position of one ask.
type State string

const (
	Queued    State = "queued"
	Preparing State = "preparing"
	Sent      State = "sent"
	Receiving State = "receiving"
	CacheHit  State = "cache_hit"
	Completed State = "completed"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

var transitions = map[State][]State{
	Queued:    {Preparing},
	Preparing: {Sent},
	Sent:      {Receiving, CacheHit},
	Receiving: {Completed},
	CacheHit:  {Completed},
}

// CanTransition reports whether from → to is allowed. Failed and Cancelled
// are reachable from every non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed || to == Cancelled {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Event reports one state change.
type Event struct {
	RequestID string
	SessionID string
	From      State // empty for the initial Queued event
	To        State
	Err       error // set when To is Failed or Cancelled
	At        time.Time
}

// Observer receives state changes. It is called synchronously and must not
// block.
type Observer func(Event)

// tracker drives the state machine of one ask.
type tracker struct {
	mu      sync.Mutex
	state   State
	id      string
	session string
	observe Observer
	now     func() time.Time
	log     zerolog.Logger
}

func newTracker(id, session string, observe Observer, now func() time.Time, log zerolog.Logger) *tracker {
	t := &tracker{id: id, session: session, observe: observe, now: now, log: log}
	t.set("", Queued, nil)
	return t
}

func (t *tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// to moves to next. Illegal transitions are logged and ignored.
func (t *tracker) to(next State) {
	t.mu.Lock()
	from := t.state
	ok := CanTransition(from, next)
	if ok {
		t.state = next
	}
	t.mu.Unlock()

	if !ok {
		t.log.Warn().Str("request_id", t.id).Str("from", string(from)).Str("to", string(next)).Msg("ignoring illegal state transition")
		return
	}
	t.emit(from, next, nil)
}

// fail ends the ask as Cancelled or Failed depending on err.
func (t *tracker) fail(err error) {
	next := Failed
	if chaterr.Is(err, chaterr.Cancelled) {
		next = Cancelled
	}

	t.mu.Lock()
	from := t.state
	ok := CanTransition(from, next)
	if ok {
		t.state = next
	}
	t.mu.Unlock()

	if ok {
		t.emit(from, next, err)
	}
}

func (t *tracker) set(from, to State, err error) {
	t.mu.Lock()
	t.state = to
	t.mu.Unlock()
	t.emit(from, to, err)
}

func (t *tracker) emit(from, to State, err error) {
	if t.observe == nil {
		return
	}
	t.observe(Event{
		RequestID: t.id,
		SessionID: t.session,
		From:      from,
		To:        to,
		Err:       err,
		At:        t.now(),
	})
}
