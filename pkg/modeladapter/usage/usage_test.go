package usage_test

import (
	"sync"
	"testing"

	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/modeladapter/usage"
	"github.com/stretchr/testify/assert"
)

func TestTokenCount_Total(t *testing.T) {
	tc := usage.TokenCount{InputTokens: 100, OutputTokens: 50}
	assert.Equal(t, 150, tc.Total())
	assert.Equal(t, 0, usage.TokenCount{}.Total())
}

func TestFromResponse(t *testing.T) {
	assert.Equal(t, usage.TokenCount{}, usage.FromResponse(nil))

	tc := usage.FromResponse(&llm.Response{
		Usage: llm.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
		Cost:  0.25,
	})
	assert.Equal(t, usage.TokenCount{InputTokens: 12, OutputTokens: 3, Cost: 0.25}, tc)
}

func TestTracker_Last(t *testing.T) {
	var tr usage.Tracker

	_, ok := tr.Last()
	assert.False(t, ok)

	tr.Add("gpt-4o", usage.TokenCount{InputTokens: 10, OutputTokens: 5})
	tr.Add("deepseek-chat", usage.TokenCount{InputTokens: 20, OutputTokens: 10})

	last, ok := tr.Last()
	assert.True(t, ok)
	assert.Equal(t, "deepseek-chat", last.Model)
	assert.Equal(t, 30, last.Total())
}

func TestTracker_TotalAndByModel(t *testing.T) {
	var tr usage.Tracker

	tr.Add("a", usage.TokenCount{InputTokens: 10, OutputTokens: 5, Cost: 0.5})
	tr.Add("b", usage.TokenCount{InputTokens: 20, OutputTokens: 10, Cost: 1})
	tr.Add("a", usage.TokenCount{InputTokens: 1, OutputTokens: 1, Cost: 0.25})

	total := tr.Total()
	assert.Equal(t, 31, total.InputTokens)
	assert.Equal(t, 16, total.OutputTokens)
	assert.InDelta(t, 1.75, total.Cost, 1e-9)

	by := tr.ByModel()
	assert.Equal(t, 11, by["a"].InputTokens)
	assert.InDelta(t, 0.75, by["a"].Cost, 1e-9)
	assert.Equal(t, 20, by["b"].InputTokens)
}

func TestTracker_Reset(t *testing.T) {
	var tr usage.Tracker

	tr.Add("a", usage.TokenCount{InputTokens: 10, OutputTokens: 5})
	assert.Equal(t, 1, tr.Count())

	tr.Reset()

	assert.Equal(t, 0, tr.Count())
	assert.Equal(t, usage.TokenCount{}, tr.Total())
}

func TestTracker_Concurrent_Add(t *testing.T) {
	var tr usage.Tracker

	const goroutines = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			tr.Add("m", usage.TokenCount{InputTokens: 1, OutputTokens: 1})
		}()
	}

	wg.Wait()

	assert.Equal(t, goroutines, tr.Count())
	assert.Equal(t, goroutines, tr.Total().InputTokens)
}
