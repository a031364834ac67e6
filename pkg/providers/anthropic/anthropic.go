// Package anthropic provides a Completer implementation for the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/modeladapter"
	"github.com/germanamz/pagechat/pkg/modeladapter/usage"
)

// Name is the provider identifier used in configuration.
const Name = "anthropic"

// APIVersion is sent as the anthropic-version header.
const APIVersion = "2023-06-01"

var _ modeladapter.Completer = (*Adapter)(nil)

// Adapter implements modeladapter.Completer for the Anthropic Messages API.
type Adapter struct {
	modeladapter.ModelAdapter
}

// New creates an Adapter configured for the Anthropic API. A nil client
// falls back to a default one.
func New(client *http.Client) *Adapter {
	a := &Adapter{}
	a.Client = client
	a.Headers = map[string]string{
		"anthropic-version": APIVersion,
	}
	a.HeaderParser = modeladapter.ParseAnthropicRateLimitHeaders

	return a
}

// Complete sends req to the Messages API and returns the normalized reply.
func (a *Adapter) Complete(ctx context.Context, call modeladapter.Call, req *llm.Request) (*llm.Response, error) {
	var resp apiResponse
	if err := a.PostJSON(ctx, authorize(call), buildRequest(req, false), &resp); err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
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
	s, err := a.PostStream(ctx, authorize(call), buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	return a.NewChunkReader(s, req, decodeEvent), nil
}

// authorize moves a bearer credential into the x-api-key header.
func authorize(call modeladapter.Call) modeladapter.Call {
	h := call.Header.Clone()
	if h == nil {
		h = http.Header{}
	}

	if auth := h.Get("Authorization"); auth != "" {
		h.Del("Authorization")
		h.Set("x-api-key", strings.TrimPrefix(auth, "Bearer "))
	}

	call.Header = h
	return call
}

// --- request types ---

type apiRequest struct {
	Model         string       `json:"model"`
	MaxTokens     int          `json:"max_tokens"`
	System        string       `json:"system,omitempty"`
	Messages      []apiMessage `json:"messages"`
	Temperature   *float64     `json:"temperature,omitempty"`
	TopP          *float64     `json:"top_p,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Stream        bool         `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// defaultMaxTokens is sent when the request leaves max_tokens unset, which
// the Messages API rejects.
const defaultMaxTokens = 4096

func buildRequest(req *llm.Request, stream bool) apiRequest {
	out := apiRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		StopSequences: req.StopSequences,
		Stream:        stream,
		Messages:      []apiMessage{},
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	// The Messages API accepts temperatures up to 1.
	t := min(max(req.Temperature, 0), 1)
	out.Temperature = &t

	if req.TopP > 0 && req.TopP < 1 {
		p := req.TopP
		out.TopP = &p
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == llm.System {
			system = append(system, m.Content)
			continue
		}

		r := "user"
		if m.Role == llm.Assistant {
			r = "assistant"
		}

		// Consecutive turns of the same role are merged.
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == r {
			out.Messages[n-1].Content += "\n\n" + m.Content
			continue
		}

		out.Messages = append(out.Messages, apiMessage{Role: r, Content: m.Content})
	}
	out.System = strings.Join(system, "\n\n")

	return out
}

// --- response types ---

type apiResponse struct {
	Model      string       `json:"model"`
	Content    []apiContent `json:"content"`
	StopReason string       `json:"stop_reason"`
	Usage      *apiUsage    `json:"usage"`
}

type apiContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (r *apiResponse) normalize(requested string) *llm.Response {
	var text strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	out := &llm.Response{
		Model: r.Model,
		Choices: []llm.Choice{{
			Message:      llm.Message{Role: llm.Assistant, Content: text.String()},
			FinishReason: finishReason(r.StopReason),
		}},
	}
	if out.Model == "" {
		out.Model = requested
	}
	if r.Usage != nil {
		out.Usage = llm.Usage{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
		}
	}

	return out
}

func finishReason(stop string) string {
	switch stop {
	case "", "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return stop
	}
}

// --- stream ---

type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Model string   `json:"model"`
		Usage apiUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *apiUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEvent(ev modeladapter.Event, acc *modeladapter.Accumulator) (string, bool, error) {
	if ev.Data == "" {
		return "", false, nil
	}

	var se streamEvent
	if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
		return "", false, chaterr.Wrap(chaterr.ProviderMalformedResponse, err, "stream event is not valid JSON")
	}

	typ := se.Type
	if typ == "" {
		typ = ev.Name
	}

	switch typ {
	case "message_start":
		if se.Message.Model != "" {
			acc.Model = se.Message.Model
		}
		acc.Usage.PromptTokens = se.Message.Usage.InputTokens
	case "content_block_delta":
		if se.Delta.Type == "" || se.Delta.Type == "text_delta" {
			return se.Delta.Text, false, nil
		}
	case "message_delta":
		if se.Delta.StopReason != "" {
			acc.FinishReason = finishReason(se.Delta.StopReason)
		}
		if se.Usage != nil {
			acc.Usage.CompletionTokens = se.Usage.OutputTokens
		}
	case "message_stop":
		return "", true, nil
	case "error":
		return "", false, streamError(se.Error.Type, se.Error.Message)
	}

	acc.Usage.TotalTokens = acc.Usage.PromptTokens + acc.Usage.CompletionTokens

	return "", false, nil
}

// streamError maps an in-stream error event to the taxonomy.
func streamError(typ, msg string) error {
	kind := chaterr.ServerError
	switch typ {
	case "rate_limit_error":
		kind = chaterr.RateLimited
	case "invalid_request_error", "authentication_error", "permission_error", "not_found_error", "request_too_large":
		kind = chaterr.ClientError
	}

	if msg == "" {
		msg = typ
	}

	return chaterr.Newf(kind, "provider stream error: %s", msg)
}
