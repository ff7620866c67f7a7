// Package llm provides LLM client implementations for model-call nodes.
//
// The factory creates LLM clients based on provider configuration.
// Currently supports:
//   - Anthropic Claude (Messages API)
package llm
