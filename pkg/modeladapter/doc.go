// Package modeladapter holds the provider-agnostic half of the provider
// client.
//
// It contains:
//   - [Completer] interface and embeddable [ModelAdapter] base struct with JSON
//     and event-stream helpers, per-call timeouts and status mapping
//   - [EventReader], a text/event-stream parser
//   - [TokenEstimator], the 4-characters-per-token heuristic
//   - [github.com/germanamz/pagechat/pkg/modeladapter/usage], a thread-safe
//     token and cost tracker
//
// This package contains no provider-specific code. Concrete adapters live in
// separate packages that import modeladapter.
package modeladapter
