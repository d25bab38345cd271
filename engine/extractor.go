package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/mstanton/engram/llm"
	"github.com/mstanton/engram/store"
)

// Extraction caps guard against runaway completions.
const (
	maxExtractedEntities      = 20
	maxExtractedRelationships = 20
)

// ExtractedRelationship is a candidate edge between two extracted entities,
// referenced by name until dedup resolves them to ids.
type ExtractedRelationship struct {
	Source     string
	Target     string
	Type       string
	Attributes map[string]interface{}
	Confidence float64
}

// Extraction is the structured knowledge pulled from one memory.
type Extraction struct {
	Entities      []EntityMention
	Relationships []ExtractedRelationship
	Commitments   []string
	EventDate     *time.Time
}

// Extractor turns raw memory content into extraction candidates via a
// single completion call with strict JSON parsing.
type Extractor struct {
	llm    llm.Client
	logger zerolog.Logger
}

// NewExtractor returns an Extractor using the given completion client.
func NewExtractor(client llm.Client, logger zerolog.Logger) *Extractor {
	return &Extractor{
		llm:    client,
		logger: logger.With().Str("component", "extractor").Logger(),
	}
}

// Extract runs the extraction prompt against a memory. An unparseable
// completion yields an empty extraction, not an error: the memory stays
// stored either way, it just contributes nothing to the graph.
func (x *Extractor) Extract(ctx context.Context, m *store.Memory) (*Extraction, error) {
	prompt, err := llm.RenderPrompt(llm.PromptExtract, map[string]interface{}{
		"Content":    m.Content,
		"RecordedAt": m.CreatedAt.Format("2006-01-02"),
	})
	if err != nil {
		return nil, err
	}

	completion, err := x.llm.Complete(ctx, prompt, llm.Options{Temperature: 0, MaxTokens: 2048})
	if err != nil {
		return nil, fmt.Errorf("extraction completion: %w", err)
	}

	var raw struct {
		Entities []struct {
			Name       string                 `json:"name"`
			Type       string                 `json:"type"`
			Attributes map[string]interface{} `json:"attributes"`
			Confidence float64                `json:"confidence"`
		} `json:"entities"`
		Relationships []struct {
			Source     string                 `json:"source"`
			Target     string                 `json:"target"`
			Type       string                 `json:"type"`
			Attributes map[string]interface{} `json:"attributes"`
			Confidence float64                `json:"confidence"`
		} `json:"relationships"`
		Commitments []string `json:"commitments"`
		EventDate   *string  `json:"event_date"`
	}
	if !llm.Decode(completion, &raw) {
		x.logger.Warn().Str("memory_id", m.ID).Msg("unparseable extraction, discarding")
		return &Extraction{}, nil
	}

	out := &Extraction{Commitments: raw.Commitments}
	for _, e := range raw.Entities {
		if e.Name == "" {
			continue
		}
		out.Entities = append(out.Entities, EntityMention{
			Name:       e.Name,
			Type:       normalizeEntityType(e.Type),
			Attributes: e.Attributes,
			Confidence: clamp01(e.Confidence),
		})
		if len(out.Entities) >= maxExtractedEntities {
			break
		}
	}

	// Relationships must reference extracted entity names; anything else is
	// hallucinated and dropped.
	known := lo.SliceToMap(out.Entities, func(e EntityMention) (string, bool) {
		return store.CanonicalName(e.Name), true
	})
	for _, r := range raw.Relationships {
		if r.Source == "" || r.Target == "" || r.Type == "" {
			continue
		}
		if !known[store.CanonicalName(r.Source)] || !known[store.CanonicalName(r.Target)] {
			continue
		}
		out.Relationships = append(out.Relationships, ExtractedRelationship{
			Source:     r.Source,
			Target:     r.Target,
			Type:       r.Type,
			Attributes: r.Attributes,
			Confidence: clamp01(r.Confidence),
		})
		if len(out.Relationships) >= maxExtractedRelationships {
			break
		}
	}

	out.EventDate = parseEventDate(raw.EventDate)

	x.logger.Debug().
		Str("memory_id", m.ID).
		Int("entities", len(out.Entities)).
		Int("relationships", len(out.Relationships)).
		Int("commitments", len(out.Commitments)).
		Msg("extraction completed")
	return out, nil
}

func normalizeEntityType(raw string) store.EntityType {
	switch store.EntityType(raw) {
	case store.EntityPerson, store.EntityCompany, store.EntityProject,
		store.EntityPlace, store.EntityEvent:
		return store.EntityType(raw)
	default:
		return store.EntityOther
	}
}

func parseEventDate(raw *string) *time.Time {
	if raw == nil || *raw == "" || *raw == "null" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, *raw); err == nil {
			return &t
		}
	}
	return nil
}
