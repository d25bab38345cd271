// Package vector provides the embedding and nearest-neighbor capabilities
// the engine consumes. Both are small interfaces with swappable back ends.
package vector

import "context"

// Embedder is a pluggable interface for getting embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
