package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mstanton/engram/store"
	"github.com/mstanton/engram/vector"
)

// enrichTimeout bounds the background enrichment of a single memory.
const enrichTimeout = 2 * time.Minute

// Pipeline drives a memory from raw content to fully processed: embed,
// reconcile, extract, graph update, score. Embedding and reconciliation run
// synchronously so the caller learns what happened to their write;
// enrichment continues in the background.
type Pipeline struct {
	store      *store.Store
	embedder   vector.Embedder
	index      vector.Index
	reconciler *Reconciler
	extractor  *Extractor
	graph      *GraphMaintainer
	logger     zerolog.Logger

	wg sync.WaitGroup
}

// NewPipeline wires the pipeline's stages.
func NewPipeline(s *store.Store, embedder vector.Embedder, index vector.Index, reconciler *Reconciler, extractor *Extractor, graph *GraphMaintainer, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:      s,
		embedder:   embedder,
		index:      index,
		reconciler: reconciler,
		extractor:  extractor,
		graph:      graph,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

// Ingest embeds and reconciles the incoming memory, then enriches it in the
// background. The returned result reflects the reconciliation outcome; the
// memory it names is already durable.
func (p *Pipeline) Ingest(ctx context.Context, in Incoming) (*ReconcileResult, error) {
	vec, err := p.embedder.Embed(ctx, in.Content)
	if err != nil {
		// A memory without an embedding is still a memory. It just cannot
		// participate in similarity lookups until re-embedded.
		p.logger.Warn().Err(err).Msg("embedding failed, ingesting without vector")
		vec = nil
	}

	result, err := p.reconciler.Reconcile(ctx, in, vec)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	if result.Action == ActionNoop {
		return result, nil
	}

	// Version successors are inserted without an embedding; index them now.
	if len(vec) > 0 && len(result.Memory.Embedding) == 0 {
		if err := p.index.Upsert(ctx, result.Memory.ID, vec); err != nil {
			p.logger.Warn().Err(err).Str("memory_id", result.Memory.ID).Msg("index upsert failed")
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), enrichTimeout)
		defer cancel()
		p.enrich(ctx, result.Memory)
	}()

	return result, nil
}

// Wait blocks until all background enrichment has finished. Shutdown and
// tests use it; normal operation never does.
func (p *Pipeline) Wait() { p.wg.Wait() }

// IngestSync runs the full pipeline inline, for callers that need the
// memory completely processed before returning.
func (p *Pipeline) IngestSync(ctx context.Context, in Incoming) (*ReconcileResult, error) {
	vec, err := p.embedder.Embed(ctx, in.Content)
	if err != nil {
		p.logger.Warn().Err(err).Msg("embedding failed, ingesting without vector")
		vec = nil
	}
	result, err := p.reconciler.Reconcile(ctx, in, vec)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	if result.Action == ActionNoop {
		return result, nil
	}
	if len(vec) > 0 && len(result.Memory.Embedding) == 0 {
		if err := p.index.Upsert(ctx, result.Memory.ID, vec); err != nil {
			p.logger.Warn().Err(err).Str("memory_id", result.Memory.ID).Msg("index upsert failed")
		}
	}
	p.enrich(ctx, result.Memory)
	return result, nil
}

// enrich runs extraction, graph maintenance, and scoring for one memory.
// Each stage failure marks the memory failed but leaves it visible at
// whatever state it reached.
func (p *Pipeline) enrich(ctx context.Context, m *store.Memory) {
	fail := func(stage string, err error) {
		p.logger.Error().Err(err).Str("memory_id", m.ID).Str("stage", stage).Msg("enrichment failed")
		if serr := p.store.SetProcessingStatus(ctx, m.ID, store.StatusFailed, fmt.Sprintf("%s: %v", stage, err)); serr != nil {
			p.logger.Error().Err(serr).Str("memory_id", m.ID).Msg("status write failed")
		}
	}

	if err := p.store.SetProcessingStatus(ctx, m.ID, store.StatusExtracting, ""); err != nil {
		fail("status", err)
		return
	}
	extraction, err := p.extractor.Extract(ctx, m)
	if err != nil {
		fail("extract", err)
		return
	}

	if extraction.EventDate != nil && m.EventDate == nil {
		if err := p.store.UpdateEventDate(ctx, m.ID, *extraction.EventDate); err != nil {
			fail("event_date", err)
			return
		}
		m.EventDate = extraction.EventDate
	}

	if len(extraction.Commitments) > 0 {
		if m.Metadata == nil {
			m.Metadata = map[string]interface{}{}
		}
		m.Metadata["commitments"] = extraction.Commitments
		if err := p.store.UpdateMemoryMetadata(ctx, m.ID, m.Metadata); err != nil {
			fail("metadata", err)
			return
		}
	}

	if err := p.store.SetProcessingStatus(ctx, m.ID, store.StatusIndexing, ""); err != nil {
		fail("status", err)
		return
	}
	results, err := p.graph.Apply(ctx, m, extraction)
	if err != nil {
		fail("graph", err)
		return
	}

	linked := make([]*store.Entity, 0, len(results))
	for _, r := range results {
		linked = append(linked, r.Entity)
	}
	scored := ScoreMemory(m, linked, ScoreContext{
		Now:          time.Now(),
		AccessCount:  m.AccessCount,
		LastAccessed: m.LastAccessed,
	})
	if err := p.store.UpdateImportanceScore(ctx, m.ID, scored.Score); err != nil {
		fail("score", err)
		return
	}

	if err := p.store.SetProcessingStatus(ctx, m.ID, store.StatusDone, ""); err != nil {
		fail("status", err)
		return
	}

	p.logger.Info().
		Str("memory_id", m.ID).
		Float64("importance", scored.Score).
		Int("entities", len(linked)).
		Msg("memory enriched")
}
