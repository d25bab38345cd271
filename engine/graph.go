package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"dario.cat/mergo"
	"github.com/rs/zerolog"

	"github.com/mstanton/engram/cache"
	"github.com/mstanton/engram/store"
)

// GraphMaintainer applies one memory's extraction to the entity graph:
// resolving mentions, merging attributes, linking the memory to its
// entities, and upserting relationship edges.
type GraphMaintainer struct {
	store  *store.Store
	dedup  *Deduplicator
	cache  cache.Cache
	logger zerolog.Logger
}

// NewGraphMaintainer wires the maintainer's dependencies.
func NewGraphMaintainer(s *store.Store, dedup *Deduplicator, c cache.Cache, logger zerolog.Logger) *GraphMaintainer {
	return &GraphMaintainer{
		store:  s,
		dedup:  dedup,
		cache:  c,
		logger: logger.With().Str("component", "graph_maintainer").Logger(),
	}
}

// Apply folds an extraction into the graph and returns the resolved
// entities. Resolution (which may call the model) happens before the write
// transaction so the transaction holds no network calls. A failure on one
// entity or relationship is logged and skipped; the remaining items are
// still processed.
func (g *GraphMaintainer) Apply(ctx context.Context, m *store.Memory, ex *Extraction) ([]*DedupResult, error) {
	if ex == nil || len(ex.Entities) == 0 {
		return nil, nil
	}

	resolutions, err := g.dedup.ResolveAll(ctx, m.UserID, m.ContainerTag, ex.Entities)
	if err != nil {
		return nil, fmt.Errorf("resolve mentions: %w", err)
	}

	resolved := make(map[string]*DedupResult, len(ex.Entities))
	results := make([]*DedupResult, 0, len(ex.Entities))
	for i, mention := range ex.Entities {
		res := resolutions[i]
		if res == nil {
			continue
		}
		resolved[store.CanonicalName(mention.Name)] = res
		results = append(results, res)

		if !res.Created {
			if err := g.absorbMention(ctx, res.Entity, mention); err != nil {
				g.logger.Warn().Err(err).Str("entity", mention.Name).Msg("mention absorb failed")
			}
		}
	}

	roles := inferRoles(ex)

	err = g.store.RunInTx(ctx, func(tx *sql.Tx) error {
		for _, mention := range ex.Entities {
			canonical := store.CanonicalName(mention.Name)
			res := resolved[canonical]
			if res == nil {
				continue
			}
			link := store.MemoryEntity{
				MemoryID:   m.ID,
				EntityID:   res.Entity.ID,
				Role:       roles[canonical],
				Confidence: mention.Confidence,
			}
			if err := g.store.LinkMemoryEntityTx(ctx, tx, link); err != nil {
				g.logger.Warn().Err(err).Str("entity", mention.Name).Msg("memory link failed")
			}
		}

		for _, rel := range ex.Relationships {
			src := resolved[store.CanonicalName(rel.Source)]
			dst := resolved[store.CanonicalName(rel.Target)]
			if src == nil || dst == nil {
				g.logger.Debug().Str("type", rel.Type).Msg("relationship endpoint unresolved, skipping")
				continue
			}
			edge := &store.EntityRelationship{
				SourceEntityID:   src.Entity.ID,
				TargetEntityID:   dst.Entity.ID,
				RelationshipType: rel.Type,
				Attributes:       rel.Attributes,
				SourceMemoryIDs:  []string{m.ID},
				Confidence:       rel.Confidence,
			}
			if err := g.store.UpsertRelationshipTx(ctx, tx, edge); err != nil {
				g.logger.Warn().Err(err).Str("type", rel.Type).Msg("relationship upsert failed")
			}
		}
		return nil
	})
	if err != nil {
		return results, err
	}

	g.logger.Info().
		Str("memory_id", m.ID).
		Int("entities", len(results)).
		Int("relationships", len(ex.Relationships)).
		Msg("graph updated")
	return results, nil
}

// absorbMention folds a repeat mention into an existing entity: attribute
// union (new values win on key conflict), importance raised to whatever the
// mention alone would score, and mention stats. The cached description
// embedding is invalidated when the attributes changed.
func (g *GraphMaintainer) absorbMention(ctx context.Context, e *store.Entity, mention EntityMention) error {
	before := flattenAttributes(e.Attributes)
	if len(mention.Attributes) > 0 {
		if e.Attributes == nil {
			e.Attributes = map[string]interface{}{}
		}
		if err := mergo.Merge(&e.Attributes, mention.Attributes, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge attributes: %w", err)
		}
	}

	e.ImportanceScore = math.Max(e.ImportanceScore, initialEntityScore(mention))
	if err := g.store.UpdateEntity(ctx, e); err != nil {
		return err
	}
	if err := g.store.RecordEntityMention(ctx, e.ID); err != nil {
		return err
	}
	e.MentionCount++
	now := time.Now()
	e.LastMentioned = &now

	if g.cache != nil && flattenAttributes(e.Attributes) != before {
		g.cache.Invalidate(descriptionCacheKey(e.ID))
	}
	return nil
}

// inferRoles assigns link roles by counting each entity's appearances as
// relationship source vs target within the extraction: more outgoing edges
// makes it the subject, more incoming the object. Entities off the edges
// (or balanced on them) are "mentioned" when extracted confidently more
// than once, plain context otherwise.
func inferRoles(ex *Extraction) map[string]store.LinkRole {
	outgoing := make(map[string]int)
	incoming := make(map[string]int)
	for _, rel := range ex.Relationships {
		outgoing[store.CanonicalName(rel.Source)]++
		incoming[store.CanonicalName(rel.Target)]++
	}

	mentions := make(map[string]int, len(ex.Entities))
	confidence := make(map[string]float64, len(ex.Entities))
	for _, mention := range ex.Entities {
		canonical := store.CanonicalName(mention.Name)
		mentions[canonical]++
		confidence[canonical] = math.Max(confidence[canonical], mention.Confidence)
	}

	roles := make(map[string]store.LinkRole, len(mentions))
	for canonical := range mentions {
		switch {
		case outgoing[canonical] > incoming[canonical]:
			roles[canonical] = store.RoleSubject
		case incoming[canonical] > outgoing[canonical]:
			roles[canonical] = store.RoleObject
		case confidence[canonical] > 0.8 && mentions[canonical] > 1:
			roles[canonical] = store.RoleMentioned
		default:
			roles[canonical] = store.RoleContext
		}
	}
	return roles
}
