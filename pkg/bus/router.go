package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/orchestrator"
	"github.com/germanamz/pagechat/pkg/settings"
	"github.com/rs/zerolog"
)

// Handler answers one envelope.
type Handler func(ctx context.Context, env Envelope) (Envelope, error)

// Router dispatches envelopes by type. It is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
	log      zerolog.Logger
}

// NewRouter returns an empty router.
func NewRouter(log zerolog.Logger) *Router {
	return &Router{handlers: map[Type]Handler{}, log: log}
}

// Handle registers h for t, replacing any previous handler.
func (r *Router) Handle(t Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Types lists the registered types in sorted order.
func (r *Router) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// Dispatch runs the handler for env. Unknown types and handler errors come
// back as Error envelopes carrying env's id.
func (r *Router) Dispatch(ctx context.Context, env Envelope) Envelope {
	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	r.mu.RUnlock()

	if !ok {
		return ErrorEnvelope(env.ID, chaterr.Newf(chaterr.Validation, "unsupported message type %q", env.Type))
	}

	reply, err := h(ctx, env)
	if err != nil {
		r.log.Debug().Str("type", string(env.Type)).Str("kind", string(chaterr.KindOf(err))).Msg("bus handler failed")
		return ErrorEnvelope(env.ID, err)
	}
	if reply.ID == "" {
		reply.ID = env.ID
	}

	return reply
}

// Core answers the envelopes owned by the request pipeline.
type Core struct {
	asker    *orchestrator.Orchestrator
	settings *settings.Store
}

// NewCore returns the pipeline's envelope handlers.
func NewCore(o *orchestrator.Orchestrator, s *settings.Store) *Core {
	return &Core{asker: o, settings: s}
}

// Register installs the core handlers on r.
func (c *Core) Register(r *Router) {
	r.Handle(ChatRequest, c.chat)
	r.Handle(ConfigExport, c.exportConfig)
	r.Handle(ConfigImport, c.importConfig)
}

// chat runs an ask to completion. Pipeline failures are reported inside the
// chat_response rather than as an error envelope.
func (c *Core) chat(ctx context.Context, env Envelope) (Envelope, error) {
	var in orchestrator.AskInput
	if err := env.Decode(&in); err != nil {
		return Envelope{}, err
	}
	in.Stream = false

	res, err := c.asker.Ask(ctx, in)
	if err != nil {
		return NewEnvelope(ChatResponse, env.ID, ChatReply{Error: ErrorBodyOf(err)})
	}

	return NewEnvelope(ChatResponse, env.ID, replyOf(res))
}

func (c *Core) exportConfig(_ context.Context, env Envelope) (Envelope, error) {
	return NewEnvelope(ConfigExport, env.ID, c.settings.Export())
}

func (c *Core) importConfig(ctx context.Context, env Envelope) (Envelope, error) {
	var payload settings.Export
	if err := env.Decode(&payload); err != nil {
		return Envelope{}, err
	}

	if err := c.settings.Import(ctx, payload); err != nil {
		return Envelope{}, fmt.Errorf("bus: import config: %w", err)
	}

	return NewEnvelope(ConfigImport, env.ID, ImportReply{OK: true})
}

func replyOf(res *orchestrator.Result) ChatReply {
	reply := ChatReply{RequestID: res.RequestID, Model: res.Model, Cached: res.Cached()}
	if r := res.Response; r != nil {
		reply.Content = r.Content()
		if r.Model != "" {
			reply.Model = r.Model
		}
		cost := r.Cost
		reply.Cost = &cost
	}
	return reply
}
