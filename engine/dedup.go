package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/mstanton/engram/cache"
	"github.com/mstanton/engram/llm"
	"github.com/mstanton/engram/store"
	"github.com/mstanton/engram/vector"
)

// EntityMention is one extracted reference to an entity, before resolution.
type EntityMention struct {
	Name       string
	Type       store.EntityType
	Attributes map[string]interface{}
	Confidence float64
}

// DedupResult reports which entity a mention resolved to and how.
type DedupResult struct {
	Entity     *store.Entity
	Created    bool
	Method     string // exact, fuzzy, embedding, llm, new
	Confidence float64
}

// Deduplicator resolves entity mentions against the stored graph through a
// cascade of increasingly expensive stages. Cheap lexical checks run first;
// the LLM is consulted only to confirm or disambiguate.
type Deduplicator struct {
	store    *store.Store
	embedder vector.Embedder
	llm      llm.Client
	cache    cache.Cache
	cfg      DedupConfig
	logger   zerolog.Logger
}

// NewDeduplicator wires the cascade's dependencies.
func NewDeduplicator(s *store.Store, embedder vector.Embedder, client llm.Client, c cache.Cache, cfg DedupConfig, logger zerolog.Logger) *Deduplicator {
	return &Deduplicator{
		store:    s,
		embedder: embedder,
		llm:      client,
		cache:    c,
		cfg:      cfg,
		logger:   logger.With().Str("component", "deduplicator").Logger(),
	}
}

// Resolve maps a single mention to an existing entity or creates a new one.
// Batch callers should prefer ResolveAll, which prefetches the exact-name
// candidates for the whole batch in one query.
func (d *Deduplicator) Resolve(ctx context.Context, userID, containerTag string, mention EntityMention) (*DedupResult, error) {
	canonical := store.CanonicalName(mention.Name)
	byName, err := d.store.FindEntitiesByCanonicalNames(ctx, userID, []string{canonical})
	if err != nil {
		return nil, fmt.Errorf("exact lookup: %w", err)
	}
	return d.resolve(ctx, userID, containerTag, mention, byName[canonical])
}

// ResolveAll resolves a batch of mentions with a single exact-stage query
// for every name. The returned slice is parallel to mentions; an entry
// whose resolution failed is nil and logged, and never stops the rest of
// the batch.
func (d *Deduplicator) ResolveAll(ctx context.Context, userID, containerTag string, mentions []EntityMention) ([]*DedupResult, error) {
	if len(mentions) == 0 {
		return nil, nil
	}
	names := lo.Map(mentions, func(m EntityMention, _ int) string { return store.CanonicalName(m.Name) })
	byName, err := d.store.FindEntitiesByCanonicalNames(ctx, userID, lo.Uniq(names))
	if err != nil {
		return nil, fmt.Errorf("batch exact lookup: %w", err)
	}

	results := make([]*DedupResult, len(mentions))
	for i, mention := range mentions {
		res, err := d.resolve(ctx, userID, containerTag, mention, byName[names[i]])
		if err != nil {
			d.logger.Warn().Err(err).Str("mention", mention.Name).Msg("mention resolution failed")
			continue
		}
		results[i] = res
		// A name created here must resolve exact for a repeat of the same
		// name later in the batch.
		if res.Created {
			byName[names[i]] = append(byName[names[i]], res.Entity)
		}
	}
	return results, nil
}

// resolve runs the cascade for one mention against prefetched exact-name
// candidates. It never returns a nil entity on success: the cascade always
// terminates in either a match or a create.
func (d *Deduplicator) resolve(ctx context.Context, userID, containerTag string, mention EntityMention, exact []*store.Entity) (*DedupResult, error) {
	name := strings.TrimSpace(mention.Name)
	if name == "" {
		return nil, fmt.Errorf("mention name is empty")
	}
	if mention.Type == "" {
		mention.Type = store.EntityOther
	}
	canonical := store.CanonicalName(name)

	// Stage 1: exact canonical-name match. The prefetch is not filtered by
	// type, so filter here; candidates arrive ordered oldest first.
	sameType := make([]*store.Entity, 0, len(exact))
	for _, e := range exact {
		if e.EntityType == mention.Type {
			sameType = append(sameType, e)
		}
	}
	switch {
	case len(sameType) == 1:
		return &DedupResult{Entity: sameType[0], Method: "exact", Confidence: 1.0}, nil
	case len(sameType) > 1:
		return d.disambiguate(ctx, mention, sameType)
	}

	candidates, err := d.store.TopEntitiesByType(ctx, userID, containerTag, mention.Type, d.cfg.FuzzyCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("candidate lookup: %w", err)
	}

	// Stage 2: fuzzy match on canonical names.
	if best, score := bestFuzzyMatch(canonical, candidates); best != nil && score >= d.cfg.FuzzyThreshold {
		d.logger.Debug().
			Str("mention", name).
			Str("entity_id", best.ID).
			Float64("similarity", score).
			Msg("fuzzy match")
		return &DedupResult{Entity: best, Method: "fuzzy", Confidence: score}, nil
	}

	// Stage 3: embedding similarity over entity descriptions. Only the
	// single best candidate above the threshold is considered at all.
	best, score, err := d.bestEmbeddingMatch(ctx, mention, candidates)
	if err != nil {
		// Embedding failures degrade to creation rather than aborting the
		// whole ingestion.
		d.logger.Warn().Err(err).Str("mention", name).Msg("embedding stage failed")
	}

	// Stage 4: the model confirms or rejects the embedding candidate.
	if best != nil && score >= d.cfg.EmbeddingThreshold {
		if res := d.verifyWithLLM(ctx, mention, best); res != nil {
			return res, nil
		}
	}

	return d.createEntity(ctx, userID, containerTag, mention)
}

// disambiguate asks the model to pick among same-name entities. When the
// model gives no usable answer, the oldest candidate wins at reduced
// confidence so ingestion never stalls.
func (d *Deduplicator) disambiguate(ctx context.Context, mention EntityMention, candidates []*store.Entity) (*DedupResult, error) {
	type candidateView struct {
		ID         string
		Attributes string
		Relations  string
	}
	views := make([]candidateView, 0, len(candidates))
	for _, c := range candidates {
		views = append(views, candidateView{
			ID:         c.ID,
			Attributes: flattenAttributes(c.Attributes),
			Relations:  d.describeRelationships(ctx, c),
		})
	}

	prompt, err := llm.RenderPrompt(llm.PromptDisambiguate, map[string]interface{}{
		"Name":          mention.Name,
		"EntityType":    string(mention.Type),
		"NewAttributes": flattenAttributes(mention.Attributes),
		"Candidates":    views,
	})
	if err != nil {
		return nil, err
	}

	fallback := &DedupResult{Entity: candidates[0], Method: "exact", Confidence: d.cfg.FallbackConfidence}

	completion, err := d.llm.Complete(ctx, prompt, llm.Options{Temperature: 0, MaxTokens: 256})
	if err != nil {
		d.logger.Warn().Err(err).Str("mention", mention.Name).Msg("disambiguation call failed")
		return fallback, nil
	}

	var verdict struct {
		EntityID   string  `json:"entity_id"`
		Confidence float64 `json:"confidence"`
	}
	if !llm.Decode(completion, &verdict) || verdict.EntityID == "" {
		return fallback, nil
	}
	for _, c := range candidates {
		if c.ID == verdict.EntityID {
			return &DedupResult{Entity: c, Method: "llm", Confidence: verdict.Confidence}, nil
		}
	}
	return fallback, nil
}

// describeRelationships renders an entity's current edges ("works_at Acme;
// knows Bob") as disambiguation context. Best effort: any failure yields an
// empty string, never an error.
func (d *Deduplicator) describeRelationships(ctx context.Context, e *store.Entity) string {
	rels, err := d.store.RelationshipsForEntity(ctx, e.ID)
	if err != nil || len(rels) == 0 {
		return ""
	}
	otherID := func(r *store.EntityRelationship) string {
		if r.SourceEntityID == e.ID {
			return r.TargetEntityID
		}
		return r.SourceEntityID
	}
	ids := lo.Uniq(lo.Map(rels, func(r *store.EntityRelationship, _ int) string { return otherID(r) }))
	others, err := d.store.GetEntitiesByIDs(ctx, ids)
	if err != nil {
		return ""
	}
	names := lo.SliceToMap(others, func(o *store.Entity) (string, string) { return o.ID, o.Name })

	parts := make([]string, 0, len(rels))
	for _, r := range rels {
		if name := names[otherID(r)]; name != "" {
			parts = append(parts, r.RelationshipType+" "+name)
		}
	}
	return strings.Join(parts, "; ")
}

func bestFuzzyMatch(canonical string, candidates []*store.Entity) (*store.Entity, float64) {
	var best *store.Entity
	bestScore := 0.0
	for _, c := range candidates {
		score := nameSimilarity(canonical, c.CanonicalName)
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, bestScore
}

// nameSimilarity is normalized Levenshtein similarity in [0,1].
func nameSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := math.Max(float64(len([]rune(a))), float64(len([]rune(b))))
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/longest
}

func (d *Deduplicator) bestEmbeddingMatch(ctx context.Context, mention EntityMention, candidates []*store.Entity) (*store.Entity, float64, error) {
	if len(candidates) == 0 {
		return nil, 0, nil
	}
	mentionVec, err := d.embedder.Embed(ctx, DescribeMention(mention))
	if err != nil {
		return nil, 0, fmt.Errorf("embed mention: %w", err)
	}

	var best *store.Entity
	bestScore := 0.0
	for _, c := range candidates {
		vec, err := d.entityDescriptionVector(ctx, c)
		if err != nil {
			d.logger.Warn().Err(err).Str("entity_id", c.ID).Msg("skip candidate, embed failed")
			continue
		}
		score := store.CosineSimilarity(mentionVec, vec)
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, bestScore, nil
}

// entityDescriptionVector embeds an entity's description, caching the
// vector. The graph maintainer invalidates the key when attributes change.
func (d *Deduplicator) entityDescriptionVector(ctx context.Context, e *store.Entity) ([]float32, error) {
	key := descriptionCacheKey(e.ID)
	if d.cache != nil {
		if cached, ok := d.cache.Get(key); ok {
			if vec, ok := cached.([]float32); ok {
				return vec, nil
			}
		}
	}
	vec, err := d.embedder.Embed(ctx, DescribeEntity(e))
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		d.cache.Set(key, vec, d.cfg.DescriptionCacheTTL)
	}
	return vec, nil
}

func descriptionCacheKey(entityID string) string {
	return "entity_desc:" + entityID
}

func (d *Deduplicator) verifyWithLLM(ctx context.Context, mention EntityMention, candidate *store.Entity) *DedupResult {
	prompt, err := llm.RenderPrompt(llm.PromptVerifyMatch, map[string]interface{}{
		"EntityType":           string(mention.Type),
		"NewDescription":       DescribeMention(mention),
		"CandidateDescription": DescribeEntity(candidate),
	})
	if err != nil {
		return nil
	}
	completion, err := d.llm.Complete(ctx, prompt, llm.Options{Temperature: 0, MaxTokens: 128})
	if err != nil {
		d.logger.Warn().Err(err).Str("mention", mention.Name).Msg("verify call failed")
		return nil
	}
	var verdict struct {
		IsMatch    bool    `json:"is_match"`
		Confidence float64 `json:"confidence"`
	}
	if !llm.Decode(completion, &verdict) {
		return nil
	}
	if verdict.IsMatch && verdict.Confidence >= d.cfg.LLMMinConfidence {
		return &DedupResult{Entity: candidate, Method: "llm", Confidence: verdict.Confidence}
	}
	return nil
}

// createEntity inserts a fresh node with an initial importance derived from
// extraction confidence, attribute richness, and type. The creating mention
// counts as the first mention.
func (d *Deduplicator) createEntity(ctx context.Context, userID, containerTag string, mention EntityMention) (*DedupResult, error) {
	now := time.Now()
	e := &store.Entity{
		UserID:          userID,
		ContainerTag:    containerTag,
		Name:            mention.Name,
		EntityType:      mention.Type,
		Attributes:      mention.Attributes,
		ImportanceScore: initialEntityScore(mention),
		MentionCount:    1,
		LastMentioned:   &now,
	}
	if err := d.store.InsertEntity(ctx, e); err != nil {
		return nil, fmt.Errorf("create entity: %w", err)
	}
	return &DedupResult{Entity: e, Created: true, Method: "new", Confidence: mention.Confidence}, nil
}

func initialEntityScore(mention EntityMention) float64 {
	score := 0.5 + 0.2*mention.Confidence
	score += math.Min(0.2, 0.05*float64(len(mention.Attributes)))
	if mention.Type == store.EntityPerson || mention.Type == store.EntityCompany {
		score += 0.1
	}
	return clamp01(score)
}

// DescribeMention renders a mention as one line of text for embedding.
func DescribeMention(mention EntityMention) string {
	return describe(mention.Name, mention.Type, mention.Attributes)
}

// DescribeEntity renders a stored entity the same way, so the two sides of
// a similarity comparison share a format.
func DescribeEntity(e *store.Entity) string {
	return describe(e.Name, e.EntityType, e.Attributes)
}

func describe(name string, entityType store.EntityType, attrs map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteString(" (")
	b.WriteString(string(entityType))
	b.WriteString(")")
	if flat := flattenAttributes(attrs); flat != "" {
		b.WriteString(": ")
		b.WriteString(flat)
	}
	return b.String()
}

// flattenAttributes renders attributes with sorted keys so descriptions are
// stable across runs.
func flattenAttributes(attrs map[string]interface{}) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, attrs[k]))
	}
	return strings.Join(parts, ", ")
}
