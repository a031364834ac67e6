// Package openai provides a Completer implementation for the OpenAI Chat
// Completions API. Its wire types are shared with the OpenAI-compatible
// providers.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/modeladapter"
	"github.com/germanamz/pagechat/pkg/modeladapter/usage"
)

// Name is the provider identifier used in configuration.
const Name = "openai"

// DoneMarker terminates an OpenAI-style event stream.
const DoneMarker = "[DONE]"

var _ modeladapter.Completer = (*Adapter)(nil)

// Adapter implements modeladapter.Completer for the OpenAI Chat Completions API.
type Adapter struct {
	modeladapter.ModelAdapter
	name string
}

// New creates an Adapter for the OpenAI API. A nil client falls back to a
// default one.
func New(client *http.Client) *Adapter {
	return NewCompatible(Name, client)
}

// NewCompatible creates an Adapter for a provider that speaks the OpenAI wire
// format. name only appears in error messages.
func NewCompatible(name string, client *http.Client) *Adapter {
	a := &Adapter{name: name}
	a.Client = client
	a.HeaderParser = modeladapter.ParseOpenAIRateLimitHeaders

	return a
}

// Complete sends req and returns the normalized reply. Usage missing from the
// response is estimated.
func (a *Adapter) Complete(ctx context.Context, call modeladapter.Call, req *llm.Request) (*llm.Response, error) {
	var resp Response
	if err := a.PostJSON(ctx, call, BuildRequest(req, false), &resp); err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}

	out := resp.normalize(req.Model)
	if out.Usage.PromptTokens == 0 && out.Usage.CompletionTokens == 0 {
		out.Usage = a.Estimator.EstimateUsage(req, out.Content())
	}

	a.Usage.Add(out.Model, usage.FromResponse(out))

	return out, nil
}

// Stream sends req with stream enabled and returns the chunk reader.
func (a *Adapter) Stream(ctx context.Context, call modeladapter.Call, req *llm.Request) (llm.ChunkReader, error) {
	s, err := a.PostStream(ctx, call, BuildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}

	return a.NewChunkReader(s, req, DecodeEvent), nil
}

// --- request types ---

// Request is the outbound chat-completion body.
type Request struct {
	Model            string         `json:"model"`
	Messages         []llm.Message  `json:"messages"`
	Temperature      float64        `json:"temperature"`
	MaxTokens        int            `json:"max_tokens,omitempty"`
	TopP             float64        `json:"top_p"`
	FrequencyPenalty float64        `json:"frequency_penalty"`
	PresencePenalty  float64        `json:"presence_penalty"`
	Stop             []string       `json:"stop,omitempty"`
	Stream           bool           `json:"stream"`
	StreamOptions    *StreamOptions `json:"stream_options,omitempty"`
}

// StreamOptions asks for a trailing usage chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// BuildRequest shapes req into the wire body.
func BuildRequest(req *llm.Request, stream bool) Request {
	out := Request{
		Model:            req.Model,
		Messages:         req.Messages,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.StopSequences,
		Stream:           stream,
	}

	if out.Messages == nil {
		out.Messages = []llm.Message{}
	}
	if stream {
		out.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	return out
}

// --- response types ---

// Response is the unary response body.
type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage"`
}

// Choice is one completion in a unary response.
type Choice struct {
	Message      llm.Message `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage is the token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *Usage) normalize() llm.Usage {
	if u == nil {
		return llm.Usage{}
	}

	out := llm.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}

	return out
}

func (r *Response) normalize(requested string) *llm.Response {
	out := &llm.Response{
		Model:   r.Model,
		Choices: make([]llm.Choice, 0, len(r.Choices)),
		Usage:   r.Usage.normalize(),
	}
	if out.Model == "" {
		out.Model = requested
	}

	for _, c := range r.Choices {
		msg := c.Message
		if msg.Role == "" {
			msg.Role = llm.Assistant
		}
		out.Choices = append(out.Choices, llm.Choice{Message: msg, FinishReason: c.FinishReason})
	}

	return out
}

// StreamChunk is one decoded data event of a stream.
type StreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage          `json:"usage"`
	Error json.RawMessage `json:"error"`
}

// DecodeEvent interprets one OpenAI-style stream event.
func DecodeEvent(ev modeladapter.Event, acc *modeladapter.Accumulator) (string, bool, error) {
	if ev.Data == DoneMarker {
		return "", true, nil
	}
	if ev.Data == "" {
		return "", false, nil
	}

	var chunk StreamChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return "", false, chaterr.Wrap(chaterr.ProviderMalformedResponse, err, "stream chunk is not valid JSON")
	}

	if len(chunk.Error) > 0 && string(chunk.Error) != "null" {
		return "", false, chaterr.Newf(chaterr.ServerError, "provider stream error: %s", modeladapter.ProviderMessage([]byte(ev.Data)))
	}

	if chunk.Model != "" {
		acc.Model = chunk.Model
	}
	if chunk.Usage != nil {
		acc.Usage = chunk.Usage.normalize()
	}

	if len(chunk.Choices) == 0 {
		return "", false, nil
	}

	c := chunk.Choices[0]
	if c.FinishReason != nil && *c.FinishReason != "" {
		acc.FinishReason = *c.FinishReason
	}

	return c.Delta.Content, false, nil
}
