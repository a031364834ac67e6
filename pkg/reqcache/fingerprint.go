package reqcache

import (
	"encoding/json"
	"fmt"
	"unicode/utf16"

	"github.com/germanamz/pagechat/pkg/llm"
)

// canonicalRequest is the subset of a request that identifies its answer.
// Field order is the serialization order.
type canonicalRequest struct {
	Provider    string             `json:"provider"`
	Model       string             `json:"model"`
	Messages    []canonicalMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"maxTokens"`
}

type canonicalMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Canonical returns the deterministic serialization of the fields that
// identify req's answer: provider, model, message roles and contents,
// temperature and max tokens.
func Canonical(req *llm.Request) string {
	c := canonicalRequest{
		Provider:    req.Provider,
		Model:       req.Model,
		Messages:    make([]canonicalMessage, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for i, m := range req.Messages {
		c.Messages[i] = canonicalMessage{Role: string(m.Role), Content: m.Content}
	}

	// Only strings and numbers; Marshal cannot fail.
	b, _ := json.Marshal(c)

	return string(b)
}

// Fingerprint returns the cache key for req together with the canonical
// string it was derived from.
func Fingerprint(req *llm.Request) (key, canonical string) {
	canonical = Canonical(req)
	return fmt.Sprintf("%08x", hash32(canonical)), canonical
}

// hash32 is the 31-multiplier rolling hash over UTF-16 code units.
func hash32(s string) uint32 {
	var h int32
	for _, u := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(u)
	}
	return uint32(h)
}
