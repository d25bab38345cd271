package vector

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"
)

// OllamaEmbedder generates embeddings with a local Ollama model.
type OllamaEmbedder struct {
	client *api.Client
	model  string
}

// NewOllamaEmbedder returns an Embedder using the Ollama host from the
// environment, defaulting to mxbai-embed-large.
func NewOllamaEmbedder(model string) (*OllamaEmbedder, error) {
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "mxbai-embed-large"
	}
	return &OllamaEmbedder{client: cli, model: model}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}
	return resp.Embeddings[0], nil
}
