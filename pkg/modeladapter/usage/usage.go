// Package usage accumulates token counts and spend across provider calls.
package usage

import (
	"sync"

	"github.com/germanamz/pagechat/pkg/llm"
)

// TokenCount holds token counts and cost for one or more calls.
type TokenCount struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Total returns the sum of input and output tokens.
func (tc TokenCount) Total() int {
	return tc.InputTokens + tc.OutputTokens
}

func (tc TokenCount) add(o TokenCount) TokenCount {
	return TokenCount{
		InputTokens:  tc.InputTokens + o.InputTokens,
		OutputTokens: tc.OutputTokens + o.OutputTokens,
		Cost:         tc.Cost + o.Cost,
	}
}

// FromResponse reads the usage and cost reported on resp.
func FromResponse(resp *llm.Response) TokenCount {
	if resp == nil {
		return TokenCount{}
	}
	return TokenCount{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Cost:         resp.Cost,
	}
}

// Entry is one recorded call.
type Entry struct {
	Model string
	TokenCount
}

// Tracker accumulates usage across calls. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	entries []Entry
}

// Add records a call against model.
func (t *Tracker) Add(model string, tc TokenCount) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, Entry{Model: model, TokenCount: tc})
}

// Last returns the most recent entry.
// The bool is false when the tracker has no entries.
func (t *Tracker) Last() (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) == 0 {
		return Entry{}, false
	}

	return t.entries[len(t.entries)-1], true
}

// Total returns the aggregate across all entries.
func (t *Tracker) Total() TokenCount {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total TokenCount
	for _, e := range t.entries {
		total = total.add(e.TokenCount)
	}

	return total
}

// ByModel returns the aggregate per model.
func (t *Tracker) ByModel() map[string]TokenCount {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]TokenCount)
	for _, e := range t.entries {
		out[e.Model] = out[e.Model].add(e.TokenCount)
	}

	return out
}

// Count returns the number of recorded entries.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// Reset clears all recorded entries.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = nil
}
