// Package orchestrator turns a user turn into a provider request and drives
// it through the interceptor chain.
//
// An ask resolves its template, builds the page context block, assembles the
// messages, applies model settings and overrides, passes the local rate limit
// and is then handed to the chain. Asks sharing a session id are processed in
// arrival order; different sessions run independently.
package orchestrator

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/interceptor"
	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/pagectx"
	"github.com/germanamz/pagechat/pkg/prompts"
	"github.com/germanamz/pagechat/pkg/ratelimit"
	"github.com/germanamz/pagechat/pkg/settings"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/germanamz/pagechat/pkg/orchestrator"

// Overrides replace configured request parameters for one ask. Nil fields
// keep the configured value.
type Overrides struct {
	Provider         *string  `json:"provider,omitempty"`
	Model            *string  `json:"model,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"maxTokens,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	SystemPrompt     *string  `json:"systemPrompt,omitempty"`
	NoCache          bool     `json:"noCache,omitempty"`
}

// AskInput is one user turn.
type AskInput struct {
	SessionID   string            `json:"sessionId,omitempty"`
	UserMessage string            `json:"userMessage"`
	Page        *pagectx.Analysis `json:"pageContext,omitempty"`
	Selection   string            `json:"selection,omitempty"`
	TemplateID  string            `json:"templateId,omitempty"`
	Variables   map[string]any    `json:"variables,omitempty"`
	Overrides   Overrides         `json:"overrides,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
}

// Result is a completed ask.
type Result struct {
	RequestID  string          `json:"requestId"`
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	TemplateID string          `json:"templateId,omitempty"`
	Context    *pagectx.Result `json:"context,omitempty"`
	Response   *llm.Response   `json:"response,omitempty"`
}

// Cached reports whether the response was served from the cache.
func (r *Result) Cached() bool { return r.Response != nil && r.Response.Cached }

// Orchestrator runs asks. It is safe for concurrent use.
type Orchestrator struct {
	settings  *settings.Store
	chain     *interceptor.Chain
	transport interceptor.Transport
	templates *prompts.Library
	limiter   *ratelimit.Limiter
	unfollow  func()
	sessions  *sessions
	observer  Observer
	tracer    trace.Tracer
	log       zerolog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithTemplates enables template ids and slash-command shortcuts.
func WithTemplates(l *prompts.Library) Option { return func(o *Orchestrator) { o.templates = l } }

// WithLimiter replaces the limiter that would otherwise follow the
// rateLimit.* settings.
func WithLimiter(l *ratelimit.Limiter) Option { return func(o *Orchestrator) { o.limiter = l } }

// WithObserver registers fn for state changes.
func WithObserver(fn Observer) Option { return func(o *Orchestrator) { o.observer = fn } }

// WithTracer sets the tracer. Defaults to the global provider's.
func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.nowFunc = now } }

// New creates an Orchestrator sending through chain and t.
func New(s *settings.Store, chain *interceptor.Chain, t interceptor.Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		settings:  s,
		chain:     chain,
		transport: t,
		sessions:  newSessions(),
		log:       zerolog.Nop(),
		nowFunc:   time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.limiter == nil {
		o.limiter = ratelimit.New(ratelimit.LimitsFrom(s), ratelimit.WithLogger(o.log))
		o.unfollow = o.limiter.Follow(s)
	}

	return o
}

// Close detaches the orchestrator from settings changes.
func (o *Orchestrator) Close() {
	if o.unfollow != nil {
		o.unfollow()
	}
}

// Limiter returns the rate limiter.
func (o *Orchestrator) Limiter() *ratelimit.Limiter { return o.limiter }

// Chain returns the interceptor chain.
func (o *Orchestrator) Chain() *interceptor.Chain { return o.chain }

// Templates returns the template library, or nil when templates are off.
func (o *Orchestrator) Templates() *prompts.Library { return o.templates }

// Ask runs a unary ask. in.Stream is ignored; use AskStream to stream.
func (o *Orchestrator) Ask(ctx context.Context, in AskInput) (*Result, error) {
	id := llm.NewRequestID()

	ctx, span := o.tracer.Start(ctx, "pagechat.ask", trace.WithAttributes(
		attribute.String("pagechat.request_id", id),
		attribute.String("pagechat.session_id", in.SessionID),
		attribute.Bool("pagechat.stream", false),
	))
	defer span.End()

	tr := newTracker(id, in.SessionID, o.observer, o.nowFunc, o.log)

	release, err := o.sessions.enter(ctx, in.SessionID)
	if err != nil {
		return nil, o.fail(span, tr, err)
	}
	defer release()

	p, err := o.begin(ctx, span, tr, id, in, false)
	if err != nil {
		return nil, err
	}

	resp, err := o.chain.Do(ctx, p.req, o.transport)
	if err != nil {
		return nil, o.fail(span, tr, err)
	}

	if resp.Cached {
		tr.to(CacheHit)
	} else {
		tr.to(Receiving)
	}
	tr.to(Completed)

	span.SetAttributes(
		attribute.Bool("pagechat.cached", resp.Cached),
		attribute.Float64("pagechat.cost", resp.Cost),
	)

	p.result.Response = resp

	return p.result, nil
}

// AskStream starts a streaming ask. The session stays busy until the stream
// ends or is closed, so callers must drain or Close it.
func (o *Orchestrator) AskStream(ctx context.Context, in AskInput) (*Stream, error) {
	id := llm.NewRequestID()

	ctx, span := o.tracer.Start(ctx, "pagechat.ask", trace.WithAttributes(
		attribute.String("pagechat.request_id", id),
		attribute.String("pagechat.session_id", in.SessionID),
		attribute.Bool("pagechat.stream", true),
	))

	tr := newTracker(id, in.SessionID, o.observer, o.nowFunc, o.log)

	release, err := o.sessions.enter(ctx, in.SessionID)
	if err != nil {
		err = o.fail(span, tr, err)
		span.End()
		return nil, err
	}

	p, err := o.begin(ctx, span, tr, id, in, true)
	if err != nil {
		release()
		span.End()
		return nil, err
	}

	inner, err := o.chain.Stream(ctx, p.req, o.transport)
	if err != nil {
		err = o.fail(span, tr, err)
		release()
		span.End()
		return nil, err
	}

	return &Stream{inner: inner, tr: tr, span: span, release: release, info: p.result}, nil
}

// begin runs the PREPARING stage and the rate limit and leaves the ask in
// SENT.
func (o *Orchestrator) begin(ctx context.Context, span trace.Span, tr *tracker, id string, in AskInput, stream bool) (*prepared, error) {
	tr.to(Preparing)

	p, err := o.prepare(id, in)
	if err != nil {
		return nil, o.fail(span, tr, err)
	}
	p.req.Stream = stream

	span.SetAttributes(
		attribute.String("pagechat.provider", p.req.Provider),
		attribute.String("pagechat.model", p.req.Model),
		attribute.String("pagechat.template_id", p.result.TemplateID),
	)

	if err := o.limiter.Acquire(ctx); err != nil {
		return nil, o.fail(span, tr, err)
	}

	tr.to(Sent)

	return p, nil
}

func (o *Orchestrator) fail(span trace.Span, tr *tracker, err error) error {
	tr.fail(err)

	kind := chaterr.KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))

	lvl := o.log.Warn()
	if kind == chaterr.Cancelled {
		lvl = o.log.Debug()
	}
	lvl.Str("request_id", tr.id).Str("kind", string(kind)).Err(err).Msg("ask failed")

	return err
}

type prepared struct {
	req    *llm.Request
	result *Result
}

// prepare resolves the template, builds the context block and assembles the
// request.
func (o *Orchestrator) prepare(id string, in AskInput) (*prepared, error) {
	env := pageEnv(in)

	text, tmpl, err := o.resolveText(in, env)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, chaterr.New(chaterr.Validation, "message is empty")
	}

	ov := in.Overrides

	model := o.settings.GetString("model.default", "deepseek-chat")
	if tmpl != nil && tmpl.Model != "" {
		model = tmpl.Model
	}
	if ov.Model != nil {
		model = *ov.Model
	}

	provider := o.settings.GetString("api.provider", "deepseek")
	ms, known := o.settings.Model(model)
	if known && ms.Provider != "" {
		provider = ms.Provider
	}
	if ov.Provider != nil {
		provider = *ov.Provider
	}

	res := &Result{RequestID: id, Provider: provider, Model: model}
	if tmpl != nil {
		res.TemplateID = tmpl.ID
	}

	user := text
	if in.Page != nil {
		block := pagectx.Optimize(in.Page, pagectx.OptionsFor(o.settings, model, text))
		res.Context = &block
		user = block.Text + "\n\n" + text
	}

	system := o.settings.GetString("model.systemPrompt", "")
	if tmpl != nil && tmpl.SystemPrompt != "" {
		system = tmpl.SystemPrompt
	}
	if ov.SystemPrompt != nil {
		system = *ov.SystemPrompt
	}

	req := &llm.Request{
		Provider:      provider,
		Model:         model,
		Temperature:   0.7,
		MaxTokens:     4096,
		StopSequences: ov.StopSequences,
		NoCache:       ov.NoCache,
		Meta: llm.RequestMeta{
			RequestID: id,
			SessionID: in.SessionID,
			Timestamp: o.nowFunc(),
		},
	}

	if system != "" {
		req.Messages = append(req.Messages, llm.Message{Role: llm.System, Content: system})
	}
	req.Messages = append(req.Messages, llm.Message{Role: llm.User, Content: user})

	if known {
		req.Temperature = ms.Temperature
		req.MaxTokens = ms.MaxTokens
		req.TopP = deref(ms.TopP)
		req.FrequencyPenalty = deref(ms.FrequencyPenalty)
		req.PresencePenalty = deref(ms.PresencePenalty)
	}

	if ov.Temperature != nil {
		req.Temperature = *ov.Temperature
	}
	if ov.MaxTokens != nil {
		req.MaxTokens = *ov.MaxTokens
	}
	if ov.TopP != nil {
		req.TopP = *ov.TopP
	}
	if ov.FrequencyPenalty != nil {
		req.FrequencyPenalty = *ov.FrequencyPenalty
	}
	if ov.PresencePenalty != nil {
		req.PresencePenalty = *ov.PresencePenalty
	}

	if req.MaxTokens <= 0 {
		return nil, chaterr.Newf(chaterr.Validation, "maxTokens must be positive, got %d", req.MaxTokens)
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return nil, chaterr.Newf(chaterr.Validation, "temperature must be within [0, 2], got %g", req.Temperature)
	}

	return &prepared{req: req, result: res}, nil
}

// resolveText applies the requested template, or the template a slash
// command names, and returns the text of the user turn.
func (o *Orchestrator) resolveText(in AskInput, env prompts.Env) (string, *prompts.Template, error) {
	if in.TemplateID != "" {
		if o.templates == nil {
			return "", nil, chaterr.New(chaterr.Validation, "templates are not available")
		}

		values := maps.Clone(in.Variables)
		if values == nil {
			values = make(map[string]any)
		}
		if t, ok := o.templates.Get(in.TemplateID); ok {
			bindMessage(t, strings.TrimSpace(in.UserMessage), values)
		}

		return o.templates.Apply(in.TemplateID, values, env)
	}

	text := strings.TrimSpace(in.UserMessage)

	if o.templates == nil || !o.settings.GetBool("templates.enabled", true) {
		return text, nil, nil
	}
	if !strings.HasPrefix(text, o.settings.GetString("templates.shortcutPrefix", "/")) {
		return text, nil, nil
	}

	m, ok := o.templates.MatchShortcut(text)
	if !ok {
		return text, nil, nil
	}

	values := m.Values
	maps.Copy(values, in.Variables)

	return o.templates.Apply(m.Template.ID, values, env)
}

// bindMessage gives the user's message to the template's first user-sourced
// variable that has no value yet.
func bindMessage(t *prompts.Template, msg string, values map[string]any) {
	if msg == "" {
		return
	}
	for _, v := range t.Variables {
		if v.Source.Kind != prompts.FromUser {
			continue
		}
		if _, set := values[v.Name]; set {
			continue
		}
		values[v.Name] = msg
		return
	}
}

// pageEnv exposes the page to template sources.
func pageEnv(in AskInput) prompts.Env {
	env := prompts.Env{Selection: in.Selection}
	if in.Page == nil {
		return env
	}

	env.Page = in.Page.Metadata.Fields()
	env.Context = map[string]any{
		"contentType": in.Page.ContentType,
		"summary":     in.Page.KeyInfo.Summary,
		"keyPoints":   strings.Join(in.Page.KeyInfo.KeyPoints, "\n"),
		"topics":      strings.Join(in.Page.KeyInfo.Topics, ", "),
	}

	return env
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
