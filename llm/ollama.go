package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"
)

// OllamaClient implements Client against a local Ollama server. No retry
// wrapper: a local server either answers or is down, and backoff just
// delays the failure.
type OllamaClient struct {
	client *api.Client
	model  string
	logger zerolog.Logger
}

// NewOllamaClient creates a client for the given host and model.
func NewOllamaClient(host, model string, logger zerolog.Logger) (*OllamaClient, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host %q: %w", host, err)
	}
	return &OllamaClient{
		client: api.NewClient(base, http.DefaultClient),
		model:  model,
		logger: logger.With().Str("component", "ollama_client").Logger(),
	}, nil
}

// Complete sends a single-turn chat request.
func (c *OllamaClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	stream := false
	options := map[string]interface{}{
		"temperature": opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	req := &api.ChatRequest{
		Model:   c.model,
		Stream:  &stream,
		Options: options,
		Messages: []api.Message{
			{Role: "user", Content: prompt},
		},
	}

	var b strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		b.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}
