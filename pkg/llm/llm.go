// Package llm defines the provider-agnostic request, response and stream
// chunk types that flow through the pipeline.
package llm

import (
	"context"
	"encoding/hex"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Role represents the sender of a message in a conversation.
type Role string

const (
	System    Role = "system"
	User      Role = "user"
	Assistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case System, User, Assistant:
		return true
	}
	return false
}

// String returns the underlying string value of the role.
func (r Role) String() string {
	return string(r)
}

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// RequestMeta holds pipeline annotations for a request. It is threaded
// through interceptors and never sent to a provider.
type RequestMeta struct {
	RequestID string
	SessionID string
	CacheKey  string
	Timestamp time.Time
	Cached    bool
	Attempt   int
}

// NewRequestID returns a random 128-bit id as 32 lowercase hex characters.
func NewRequestID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Request is an outbound chat-completion request.
type Request struct {
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Temperature      float64   `json:"temperature"`
	MaxTokens        int       `json:"maxTokens"`
	TopP             float64   `json:"topP"`
	FrequencyPenalty float64   `json:"frequencyPenalty"`
	PresencePenalty  float64   `json:"presencePenalty"`
	StopSequences    []string  `json:"stopSequences,omitempty"`
	Stream           bool      `json:"stream"`
	NoCache          bool      `json:"noCache,omitempty"`

	Meta RequestMeta `json:"-"`
}

// Clone returns a copy of r that shares no slices with it.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}

	cp := *r
	cp.Messages = slices.Clone(r.Messages)
	cp.StopSequences = slices.Clone(r.StopSequences)

	return &cp
}

// SystemPrompt returns the content of the first system message, if any.
func (r *Request) SystemPrompt() string {
	for _, m := range r.Messages {
		if m.Role == System {
			return m.Content
		}
	}
	return ""
}

// Usage holds token counts reported by a provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Choice is one candidate completion.
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finishReason"`
}

// Response is a normalized provider response.
type Response struct {
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Cost    float64  `json:"cost"`
	Cached  bool     `json:"cached,omitempty"` // Served without reaching the provider.
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}

	cp := *r
	cp.Choices = slices.Clone(r.Choices)

	return &cp
}

// Content returns the text of the first choice, or "" when there is none.
func (r *Response) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// ChunkType discriminates stream chunks.
type ChunkType string

const (
	ChunkContent ChunkType = "content"
	ChunkDone    ChunkType = "done"
	ChunkError   ChunkType = "error"
)

// Chunk is one element of a streamed response.
type Chunk struct {
	Type  ChunkType `json:"type"`
	Delta string    `json:"delta,omitempty"`
	Final *Response `json:"final,omitempty"`
	Err   error     `json:"-"`
}

// ChunkReader is a pull-based stream of chunks. Next returns io.EOF once the
// stream is exhausted. Producers must not read ahead of the consumer by more
// than one chunk. Close releases the underlying transport and is safe to call
// more than once.
type ChunkReader interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}
