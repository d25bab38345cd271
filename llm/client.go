// Package llm provides the completion capability the engine consumes.
// Completions are untrusted text: every caller must run the output through
// the strict parse helpers and treat a parse failure as "no signal".
package llm

import "context"

// Provider names accepted in configuration.
const (
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
)

// Options tune a single completion call.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Client is the interface for LLM completion providers.
type Client interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}
