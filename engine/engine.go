// Package engine implements the memory lifecycle: importance scoring,
// entity deduplication, knowledge-graph maintenance, decay and
// consolidation, and ingestion reconciliation.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/mstanton/engram/cache"
	"github.com/mstanton/engram/llm"
	"github.com/mstanton/engram/store"
	"github.com/mstanton/engram/vector"
)

// Engine bundles the lifecycle components behind one facade. Components
// remain individually constructible; the facade only wires the common case.
type Engine struct {
	Store    *store.Store
	Pipeline *Pipeline
	Decay    *DecayManager
	Dedup    *Deduplicator
	logger   zerolog.Logger
}

// New wires a complete engine from its external dependencies.
func New(s *store.Store, embedder vector.Embedder, index vector.Index, client llm.Client, c cache.Cache, cfg Config, logger zerolog.Logger) *Engine {
	dedup := NewDeduplicator(s, embedder, client, c, cfg.Dedup, logger)
	graph := NewGraphMaintainer(s, dedup, c, logger)
	extractor := NewExtractor(client, logger)
	reconciler := NewReconciler(s, index, client, cfg.Reconcile, logger)
	pipeline := NewPipeline(s, embedder, index, reconciler, extractor, graph, logger)
	decay := NewDecayManager(s, client, cfg, logger)

	return &Engine{
		Store:    s,
		Pipeline: pipeline,
		Decay:    decay,
		Dedup:    dedup,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// Remember ingests one memory.
func (e *Engine) Remember(ctx context.Context, in Incoming) (*ReconcileResult, error) {
	return e.Pipeline.Ingest(ctx, in)
}

// Recall runs a similarity search over a user's visible memories and bumps
// access stats on the hits.
func (e *Engine) Recall(ctx context.Context, userID, containerTag, query string, topK int) ([]vector.Match, error) {
	vec, err := e.Pipeline.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	matches, err := e.Pipeline.index.Query(ctx, vec, vector.Filter{
		UserID:       userID,
		ContainerTag: containerTag,
		TopK:         topK,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if err := e.Store.TouchMemoryAccess(ctx, m.MemoryID); err != nil {
			e.logger.Warn().Err(err).Str("memory_id", m.MemoryID).Msg("access touch failed")
		}
		ids = append(ids, m.MemoryID)
	}

	// Reload in one query so the returned rows carry the access bump.
	fresh, err := e.Store.GetMemoriesByIDs(ctx, ids)
	if err != nil {
		e.logger.Warn().Err(err).Msg("reload after access touch failed")
		return matches, nil
	}
	byID := lo.SliceToMap(fresh, func(m *store.Memory) (string, *store.Memory) { return m.ID, m })
	for i := range matches {
		if m, ok := byID[matches[i].MemoryID]; ok {
			matches[i].Memory = m
		}
	}
	return matches, nil
}

// Maintain runs the decay, consolidation, and archival sweeps over every
// partition with active memories.
func (e *Engine) Maintain(ctx context.Context) error {
	partitions, err := e.Store.ListUserContainers(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	for _, p := range partitions {
		if _, err := e.Decay.Run(ctx, p[0], p[1]); err != nil {
			e.logger.Error().Err(err).Str("user_id", p[0]).Str("container_tag", p[1]).Msg("maintenance failed for partition")
		}
	}
	e.logger.Info().
		Int("partitions", len(partitions)).
		Dur("elapsed", time.Since(start)).
		Msg("maintenance sweep finished")
	return nil
}

// Close drains in-flight background work.
func (e *Engine) Close() {
	e.Pipeline.Wait()
}
