package modeladapter

import (
	"unicode/utf8"

	"github.com/germanamz/pagechat/pkg/llm"
)

// perMessageOverhead is the estimated token overhead for each message (role,
// structure delimiters, etc.).
const perMessageOverhead = 4

// EstimateTokens converts text to an estimated token count using the
// 1-token-per-4-characters heuristic, rounding up.
func EstimateTokens(text string) int {
	return CharsToTokens(utf8.RuneCountInString(text))
}

// CharsToTokens applies the 1-token-per-4-characters heuristic to a
// character count.
func CharsToTokens(chars int) int {
	return (chars + 3) / 4
}

// TokenEstimator estimates token counts for outbound requests. Providers
// use it when a response omits usage. The zero value is ready to use.
type TokenEstimator struct{}

// EstimateMessages estimates the prompt tokens for a message list.
func (e *TokenEstimator) EstimateMessages(msgs []llm.Message) int {
	tokens := 0
	for _, m := range msgs {
		tokens += EstimateTokens(m.Content) + perMessageOverhead
	}

	return tokens
}

// EstimateUsage fills in usage for a request and its completion text.
func (e *TokenEstimator) EstimateUsage(req *llm.Request, completion string) llm.Usage {
	u := llm.Usage{
		PromptTokens:     e.EstimateMessages(req.Messages),
		CompletionTokens: EstimateTokens(completion),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens

	return u
}
