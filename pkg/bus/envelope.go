// Package bus carries typed envelopes between the chat surfaces and the
// core. An envelope is a flat JSON object: a "type" discriminator, an
// optional correlation "id", and the payload fields next to them.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/germanamz/pagechat/pkg/chaterr"
)

// Type names an envelope.
type Type string

const (
	ChatRequest  Type = "chat_request"
	ChatChunk    Type = "chat_chunk"
	ChatResponse Type = "chat_response"

	ExportData        Type = "export_data"
	GetExportProgress Type = "get_export_progress"

	ConversationCreate Type = "conversation_create"
	ConversationList   Type = "conversation_list"
	ConversationDelete Type = "conversation_delete"
	MessagesList       Type = "messages_list"
	MessagesAppend     Type = "messages_append"
	ClearHistory       Type = "clear_history"

	ConfigExport Type = "config_export"
	ConfigImport Type = "config_import"

	Error Type = "error"
)

// Envelope is one bus message. Payload holds the fields other than type and
// id as a JSON object.
type Envelope struct {
	Type    Type
	ID      string
	Payload json.RawMessage
}

// NewEnvelope builds an envelope whose payload is payload marshalled to a
// JSON object. A nil payload yields an empty object.
func NewEnvelope(t Type, id string, payload any) (Envelope, error) {
	env := Envelope{Type: t, ID: id}
	if payload == nil {
		return env, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("bus: encode %s payload: %w", t, err)
	}
	env.Payload = raw

	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return chaterr.Wrap(chaterr.Validation, err, fmt.Sprintf("malformed %s payload", e.Type))
	}
	return nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(e.Payload) > 0 && string(e.Payload) != "null" {
		if err := json.Unmarshal(e.Payload, &fields); err != nil {
			return nil, fmt.Errorf("bus: %s payload is not an object: %w", e.Type, err)
		}
	}

	typ, _ := json.Marshal(e.Type)
	fields["type"] = typ

	if e.ID != "" {
		id, _ := json.Marshal(e.ID)
		fields["id"] = id
	} else {
		delete(fields, "id")
	}

	return json.Marshal(fields)
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}

	var head struct {
		Type Type   `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}

	delete(fields, "type")
	delete(fields, "id")

	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	*e = Envelope{Type: head.Type, ID: head.ID, Payload: payload}

	return nil
}

// ErrorBody is the wire form of a pipeline error.
type ErrorBody struct {
	Kind         chaterr.Kind `json:"kind"`
	Message      string       `json:"message"`
	StatusCode   int          `json:"statusCode,omitempty"`
	RetryAfterMS int64        `json:"retryAfterMs,omitempty"`
}

// ErrorBodyOf converts err into its wire form.
func ErrorBodyOf(err error) *ErrorBody {
	e := chaterr.As(err)
	if e == nil {
		return nil
	}

	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}

	return &ErrorBody{
		Kind:         e.Kind,
		Message:      msg,
		StatusCode:   e.StatusCode,
		RetryAfterMS: e.RetryAfter.Milliseconds(),
	}
}

// ErrorPayload is the payload of an Error envelope.
type ErrorPayload struct {
	Error *ErrorBody `json:"error"`
}

// ErrorEnvelope wraps err in an Error envelope correlated with id.
func ErrorEnvelope(id string, err error) Envelope {
	env, _ := NewEnvelope(Error, id, ErrorPayload{Error: ErrorBodyOf(err)})
	return env
}

// ChatReply is the payload of a ChatResponse envelope. Exactly one of
// Content and Error is meaningful.
type ChatReply struct {
	RequestID string     `json:"requestId,omitempty"`
	Content   string     `json:"content,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	Cost      *float64   `json:"cost,omitempty"`
	Model     string     `json:"model,omitempty"`
	Cached    bool       `json:"cached,omitempty"`
}

// ChunkPayload is the payload of a ChatChunk envelope.
type ChunkPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Delta     string `json:"delta"`
}

// ImportReply acknowledges a configuration import.
type ImportReply struct {
	OK bool `json:"ok"`
}
