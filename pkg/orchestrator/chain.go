package orchestrator

import (
	"github.com/germanamz/pagechat/pkg/interceptor"
	"github.com/germanamz/pagechat/pkg/reqcache"
	"github.com/rs/zerolog"
)

// DefaultChain builds the standard pipeline: request metadata, partial
// stream recovery, logging, tracing and, when c is not nil, the cache.
//
// The cache sits last so a hit still passes back through logging and
// tracing. Partial sits before logging so failures are logged before they
// are downgraded.
func DefaultChain(log zerolog.Logger, c *reqcache.Cache) *interceptor.Chain {
	chain := interceptor.NewChain(
		interceptor.NewMeta(nil),
		interceptor.NewPartial(),
		interceptor.NewLogging(log),
		interceptor.NewTracing(),
	)
	if c != nil {
		chain.Use(c)
	}
	return chain
}
