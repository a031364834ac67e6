package modeladapter_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/germanamz/pagechat/pkg/modeladapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func TestParseAnthropicRateLimitHeaders_AllHeaders(t *testing.T) {
	reset := fixedNow.Add(30 * time.Second)

	h := http.Header{}
	h.Set("anthropic-ratelimit-requests-remaining", "5")
	h.Set("anthropic-ratelimit-tokens-remaining", "1000")
	h.Set("anthropic-ratelimit-requests-reset", reset.Format(time.RFC3339))
	h.Set("anthropic-ratelimit-tokens-reset", reset.Format(time.RFC3339))

	info := modeladapter.ParseAnthropicRateLimitHeaders(h, fixedNow)
	require.NotNil(t, info)
	assert.Equal(t, 5, info.RemainingRequests)
	assert.Equal(t, 1000, info.RemainingTokens)
	assert.Equal(t, reset, info.RequestsReset)
	assert.Equal(t, reset, info.TokensReset)
}

func TestParseOpenAIRateLimitHeaders_Partial(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-remaining-tokens", "100")

	info := modeladapter.ParseOpenAIRateLimitHeaders(h, fixedNow)
	require.NotNil(t, info)
	assert.Equal(t, -1, info.RemainingRequests)
	assert.Equal(t, 100, info.RemainingTokens)
	assert.True(t, info.TokensReset.IsZero())
}

func TestParseRateLimitHeaders_None(t *testing.T) {
	assert.Nil(t, modeladapter.ParseOpenAIRateLimitHeaders(http.Header{}, fixedNow))
	assert.Nil(t, modeladapter.ParseAnthropicRateLimitHeaders(http.Header{}, fixedNow))
}

func TestParseOpenAIRateLimitHeaders_DurationReset(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-remaining-requests", "1")
	h.Set("x-ratelimit-reset-requests", "1m30s")

	info := modeladapter.ParseOpenAIRateLimitHeaders(h, fixedNow)
	require.NotNil(t, info)
	assert.Equal(t, fixedNow.Add(90*time.Second), info.RequestsReset)
}

func TestRateLimitInfo_Exhausted(t *testing.T) {
	var nilInfo *modeladapter.RateLimitInfo
	_, ok := nilInfo.Exhausted(fixedNow)
	assert.False(t, ok)

	info := &modeladapter.RateLimitInfo{
		RemainingRequests: 0,
		RemainingTokens:   0,
		RequestsReset:     fixedNow.Add(10 * time.Second),
		TokensReset:       fixedNow.Add(40 * time.Second),
	}
	until, ok := info.Exhausted(fixedNow)
	assert.True(t, ok)
	assert.Equal(t, fixedNow.Add(40*time.Second), until)

	info.RemainingTokens = 50
	until, ok = info.Exhausted(fixedNow)
	assert.True(t, ok)
	assert.Equal(t, fixedNow.Add(10*time.Second), until)

	_, ok = info.Exhausted(fixedNow.Add(time.Minute))
	assert.False(t, ok)

	info.RemainingRequests = -1
	_, ok = info.Exhausted(fixedNow)
	assert.False(t, ok)
}
