package providers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/modeladapter"
	"github.com/germanamz/pagechat/pkg/modeladapter/usage"
	"github.com/germanamz/pagechat/pkg/providers/anthropic"
	"github.com/germanamz/pagechat/pkg/providers/deepseek"
	"github.com/germanamz/pagechat/pkg/providers/openai"
	"github.com/germanamz/pagechat/pkg/settings"
	"github.com/rs/zerolog"
)

// DefaultTimeout applies when api.timeout is unset.
const DefaultTimeout = 30 * time.Second

// Credentials supplies the per-call auth headers. The vault implements it.
type Credentials interface {
	AuthorizationHeader(ctx context.Context, provider string) (http.Header, error)
}

// Client routes requests to the adapter for req.Provider. Endpoint and
// timeout come from settings, auth from Credentials, and the reply's cost
// from the model's pricing.
type Client struct {
	settings *settings.Store
	creds    Credentials
	log      zerolog.Logger

	mu       sync.RWMutex
	adapters map[string]modeladapter.Completer

	usage usage.Tracker
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ClientOption { return func(c *Client) { c.log = l } }

// WithHTTPClient rebuilds the built-in adapters around hc.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.adapters = Builtin(hc) }
}

// WithAdapter registers or replaces the adapter for provider.
func WithAdapter(provider string, a modeladapter.Completer) ClientOption {
	return func(c *Client) { c.adapters[provider] = a }
}

// Builtin returns the adapters for every provider the settings schema knows.
func Builtin(hc *http.Client) map[string]modeladapter.Completer {
	return map[string]modeladapter.Completer{
		deepseek.Name:  deepseek.New(hc),
		openai.Name:    openai.New(hc),
		anthropic.Name: anthropic.New(hc),
	}
}

// NewClient creates a Client with the built-in adapters.
func NewClient(s *settings.Store, creds Credentials, opts ...ClientOption) *Client {
	c := &Client{
		settings: s,
		creds:    creds,
		log:      zerolog.Nop(),
		adapters: Builtin(nil),
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

// Usage returns the tracker of completed calls with their cost.
func (c *Client) Usage() *usage.Tracker { return &c.usage }

// RateLimitInfo returns the last provider-reported quota for provider, or nil.
func (c *Client) RateLimitInfo(provider string) *modeladapter.RateLimitInfo {
	c.mu.RLock()
	a := c.adapters[provider]
	c.mu.RUnlock()

	if r, ok := a.(modeladapter.RateLimitInfoReporter); ok {
		return r.LastRateLimitInfo()
	}
	return nil
}

func (c *Client) resolve(ctx context.Context, req *llm.Request) (modeladapter.Completer, modeladapter.Call, error) {
	provider := req.Provider
	if provider == "" {
		provider = c.settings.GetString("api.provider", deepseek.Name)
	}

	c.mu.RLock()
	adapter, ok := c.adapters[provider]
	c.mu.RUnlock()
	if !ok {
		return nil, modeladapter.Call{}, chaterr.Newf(chaterr.Validation, "unknown provider %q", provider)
	}

	endpoint := c.settings.Endpoint(provider)
	if endpoint == "" {
		return nil, modeladapter.Call{}, chaterr.Newf(chaterr.Validation, "no endpoint configured for %q", provider)
	}

	header, err := c.creds.AuthorizationHeader(ctx, provider)
	if err != nil {
		return nil, modeladapter.Call{}, err
	}
	if id := req.Meta.RequestID; id != "" {
		header.Set("X-Request-ID", id)
	}

	return adapter, modeladapter.Call{
		Endpoint: endpoint,
		Header:   header,
		Timeout:  c.settings.GetMillis("api.timeout", DefaultTimeout),
	}, nil
}

// Complete performs a unary call and fills Response.Cost.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	adapter, call, err := c.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := adapter.Complete(ctx, call, req)
	if err != nil {
		c.log.Debug().
			Str("request_id", req.Meta.RequestID).
			Str("provider", req.Provider).
			Str("model", req.Model).
			Str("kind", string(chaterr.KindOf(err))).
			Dur("elapsed", time.Since(start)).
			Msg("provider call failed")
		return nil, err
	}

	c.account(req, resp, time.Since(start))

	return resp, nil
}

// Stream opens a streaming call. The done chunk's Final carries the cost.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (llm.ChunkReader, error) {
	adapter, call, err := c.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	r, err := adapter.Stream(ctx, call, req)
	if err != nil {
		return nil, err
	}

	return &costReader{ChunkReader: r, client: c, req: req, start: time.Now()}, nil
}

func (c *Client) account(req *llm.Request, resp *llm.Response, elapsed time.Duration) {
	resp.Cost = c.cost(req, resp)
	c.usage.Add(req.Model, usage.FromResponse(resp))

	c.log.Debug().
		Str("request_id", req.Meta.RequestID).
		Str("provider", req.Provider).
		Str("model", req.Model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Float64("cost", resp.Cost).
		Dur("elapsed", elapsed).
		Msg("provider call completed")
}

func (c *Client) cost(req *llm.Request, resp *llm.Response) float64 {
	m, ok := c.settings.Model(req.Model)
	if !ok {
		m, ok = c.settings.Model(resp.Model)
	}
	if !ok {
		return 0
	}

	return Cost(resp.Usage, m)
}

// Cost prices usage with the model's per-thousand-token rates.
func Cost(u llm.Usage, m settings.ModelSettings) float64 {
	return (float64(u.PromptTokens)*m.InputPrice + float64(u.CompletionTokens)*m.OutputPrice) / 1000
}

type costReader struct {
	llm.ChunkReader
	client *Client
	req    *llm.Request
	start  time.Time
}

func (r *costReader) Next(ctx context.Context) (llm.Chunk, error) {
	chunk, err := r.ChunkReader.Next(ctx)
	if err == nil && chunk.Type == llm.ChunkDone && chunk.Final != nil {
		r.client.account(r.req, chunk.Final, time.Since(r.start))
	}

	return chunk, err
}
