// Package deepseek provides a Completer for the DeepSeek chat API, which
// speaks the OpenAI wire format.
package deepseek

import (
	"net/http"

	"github.com/germanamz/pagechat/pkg/providers/openai"
)

// Name is the provider identifier used in configuration.
const Name = "deepseek"

// New creates an adapter for the DeepSeek API. A nil client falls back to a
// default one.
func New(client *http.Client) *openai.Adapter {
	return openai.NewCompatible(Name, client)
}
