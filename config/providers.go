package config

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mstanton/engram/llm"
	"github.com/mstanton/engram/vector"
)

// NewLLMClient builds a completion client from the first configured
// provider in the preference list.
func NewLLMClient(cfg *Config, logger zerolog.Logger) (llm.Client, error) {
	var attempted []string
	for _, provider := range cfg.LLMProviders {
		attempted = append(attempted, provider)
		switch provider {
		case llm.ProviderAnthropic:
			if cfg.Anthropic.APIKey == "" {
				continue
			}
			return llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model, logger)
		case llm.ProviderOpenAI:
			if cfg.OpenAI.APIKey == "" {
				continue
			}
			return llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model, logger)
		case llm.ProviderOllama:
			return llm.NewOllamaClient(cfg.Ollama.Host, cfg.Ollama.Model, logger)
		}
	}
	return nil, fmt.Errorf("no configured LLM provider among %v", attempted)
}

// NewEmbedder builds the embedding client named by the config.
func NewEmbedder(cfg *Config, logger zerolog.Logger) (vector.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case llm.ProviderOpenAI:
		return vector.NewOpenAIEmbedder(cfg.OpenAI.APIKey, cfg.OpenAI.EmbedModel)
	case llm.ProviderOllama:
		return vector.NewOllamaEmbedder(cfg.Ollama.EmbedModel)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}
