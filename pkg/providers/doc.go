// Package providers routes chat requests to the concrete provider adapters.
//
// It is organized into sub-packages:
//   - [github.com/germanamz/pagechat/pkg/providers/openai]: OpenAI Chat Completions, plus the wire types shared by compatible APIs
//   - [github.com/germanamz/pagechat/pkg/providers/deepseek]: DeepSeek, an OpenAI-compatible adapter
//   - [github.com/germanamz/pagechat/pkg/providers/anthropic]: Anthropic Messages API
//
// [Client] ties them to the rest of the pipeline: it resolves the adapter by
// provider name, reads the endpoint and timeout from settings, asks the
// credential vault for auth headers, and prices each reply.
package providers
