package modeladapter

import (
	"net/http"
	"strconv"
	"time"
)

// RateLimitInfo is the provider-side quota reported in response headers.
// It is informational; the local limiter in package ratelimit is what
// rejects asks.
type RateLimitInfo struct {
	RemainingRequests int
	RemainingTokens   int
	RequestsReset     time.Time
	TokensReset       time.Time
}

// Exhausted reports whether the provider said no request or token capacity
// is left, and the time by which every exhausted quota has reset. Negative
// counters mean the header was absent.
func (i *RateLimitInfo) Exhausted(now time.Time) (time.Time, bool) {
	if i == nil {
		return time.Time{}, false
	}

	var until time.Time
	if i.RemainingRequests == 0 && i.RequestsReset.After(now) {
		until = i.RequestsReset
	}
	if i.RemainingTokens == 0 && i.TokensReset.After(now) && i.TokensReset.After(until) {
		until = i.TokensReset
	}

	return until, !until.IsZero()
}

// RateLimitInfoReporter provides the most recently observed rate limit info
// from a provider's response headers.
type RateLimitInfoReporter interface {
	LastRateLimitInfo() *RateLimitInfo
}

// RateLimitHeaderParser extracts rate limit info from HTTP response headers.
// It receives the current time so callers can control the clock in tests.
type RateLimitHeaderParser func(h http.Header, now time.Time) *RateLimitInfo

// rateLimitHeaders names the four headers one provider family uses.
type rateLimitHeaders struct {
	remainingRequests string
	remainingTokens   string
	requestsReset     string
	tokensReset       string
}

func (n rateLimitHeaders) parse(h http.Header, now time.Time) *RateLimitInfo {
	reqRemaining := h.Get(n.remainingRequests)
	tokRemaining := h.Get(n.remainingTokens)

	if reqRemaining == "" && tokRemaining == "" {
		return nil
	}

	// Absent counters are treated as unknown, not as zero remaining.
	info := &RateLimitInfo{RemainingRequests: -1, RemainingTokens: -1}
	if v, err := strconv.Atoi(reqRemaining); err == nil {
		info.RemainingRequests = v
	}
	if v, err := strconv.Atoi(tokRemaining); err == nil {
		info.RemainingTokens = v
	}
	info.RequestsReset = parseResetTime(h.Get(n.requestsReset), now)
	info.TokensReset = parseResetTime(h.Get(n.tokensReset), now)

	return info
}

var (
	anthropicHeaders = rateLimitHeaders{
		remainingRequests: "anthropic-ratelimit-requests-remaining",
		remainingTokens:   "anthropic-ratelimit-tokens-remaining",
		requestsReset:     "anthropic-ratelimit-requests-reset",
		tokensReset:       "anthropic-ratelimit-tokens-reset",
	}
	openAIHeaders = rateLimitHeaders{
		remainingRequests: "x-ratelimit-remaining-requests",
		remainingTokens:   "x-ratelimit-remaining-tokens",
		requestsReset:     "x-ratelimit-reset-requests",
		tokensReset:       "x-ratelimit-reset-tokens",
	}
)

// ParseAnthropicRateLimitHeaders parses anthropic-ratelimit-* headers.
func ParseAnthropicRateLimitHeaders(h http.Header, now time.Time) *RateLimitInfo {
	return anthropicHeaders.parse(h, now)
}

// ParseOpenAIRateLimitHeaders parses the x-ratelimit-* convention shared by
// OpenAI and DeepSeek.
func ParseOpenAIRateLimitHeaders(h http.Header, now time.Time) *RateLimitInfo {
	return openAIHeaders.parse(h, now)
}

// parseResetTime tries RFC3339 first, then a Go duration string (e.g. "6s", "1m30s")
// relative to now.
func parseResetTime(val string, now time.Time) time.Time {
	if val == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t
	}
	if d, err := time.ParseDuration(val); err == nil {
		return now.Add(d)
	}
	return time.Time{}
}
