package vector

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/mstanton/engram/store"
)

// Match is a single nearest-neighbor result with similarity in [0,1].
type Match struct {
	MemoryID string
	Score    float64
	Memory   *store.Memory
}

// Filter scopes a query to one user partition.
type Filter struct {
	UserID       string
	ContainerTag string
	TopK         int
}

// Index is the nearest-neighbor capability the engine consumes. The SQLite
// implementation below is the default; any vector database satisfying this
// interface can replace it.
type Index interface {
	Upsert(ctx context.Context, memoryID string, vec []float32) error
	Query(ctx context.Context, vec []float32, filter Filter) ([]Match, error)
}

// SQLiteIndex stores embeddings on the memory rows themselves and scans
// visible candidates with cosine similarity. Adequate for personal-scale
// stores; swap in a dedicated index when partitions grow past that.
type SQLiteIndex struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewSQLiteIndex returns an Index backed by the memory store.
func NewSQLiteIndex(s *store.Store, logger zerolog.Logger) *SQLiteIndex {
	return &SQLiteIndex{
		store:  s,
		logger: logger.With().Str("component", "vector_index").Logger(),
	}
}

// Upsert writes the embedding blob onto the memory row.
func (i *SQLiteIndex) Upsert(ctx context.Context, memoryID string, vec []float32) error {
	if memoryID == "" {
		return fmt.Errorf("memory id is required")
	}
	return i.store.UpdateMemoryEmbedding(ctx, memoryID, vec)
}

// Query scans the partition's visible memories and ranks them by cosine
// similarity. Scores at or below zero are dropped.
func (i *SQLiteIndex) Query(ctx context.Context, vec []float32, filter Filter) ([]Match, error) {
	topK := filter.TopK
	if topK <= 0 {
		topK = 10
	}

	candidates, err := i.store.ListActiveMemories(ctx, filter.UserID, filter.ContainerTag, 500)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	var matches []Match
	for _, m := range candidates {
		if !m.Visible() || len(m.Embedding) == 0 {
			continue
		}
		score := store.CosineSimilarity(vec, m.Embedding)
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{MemoryID: m.ID, Score: score, Memory: m})
	}

	sort.Slice(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}

	i.logger.Debug().
		Int("candidates", len(candidates)).
		Int("matches", len(matches)).
		Msg("vector query completed")
	return matches, nil
}
