package engine

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mstanton/engram/cache"
	"github.com/mstanton/engram/llm"
	"github.com/mstanton/engram/store"
	"github.com/mstanton/engram/vector"
)

const meetingExtraction = `{
  "entities": [
    {"name": "Sarah Chen", "type": "person", "attributes": {"role": "manager"}, "confidence": 0.9}
  ],
  "relationships": [],
  "commitments": ["discuss budget"],
  "event_date": "2026-03-15"
}`

func newTestEngine(t *testing.T, s *store.Store, embedder *stubEmbedder, mock *llm.MockClient) *Engine {
	t.Helper()
	if embedder == nil {
		embedder = &stubEmbedder{}
	}
	if mock == nil {
		mock = &llm.MockClient{}
	}
	c, err := cache.NewRistretto(100)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(c.Close)
	index := vector.NewSQLiteIndex(s, zerolog.Nop())
	return New(s, embedder, index, mock, c, DefaultConfig(), zerolog.Nop())
}

func TestIngestEndToEnd(t *testing.T) {
	s := newTestStore(t)
	mock := &llm.MockClient{Responses: []string{meetingExtraction}}
	eng := newTestEngine(t, s, nil, mock)
	ctx := context.Background()

	res, err := eng.Pipeline.IngestSync(ctx, Incoming{
		UserID:       "user-1",
		ContainerTag: "default",
		Content:      "Meeting with Sarah Chen on March 15 to discuss budget",
		Source:       "chat",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Action != ActionAdd {
		t.Fatalf("action = %q, want add", res.Action)
	}

	m, err := s.GetMemory(ctx, res.Memory.ID)
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if m.Status != store.StatusDone {
		t.Errorf("status = %q (error %q), want done", m.Status, m.ProcessingError)
	}
	if m.ImportanceScore < 0.65 {
		t.Errorf("importance = %v, want >= 0.65 for a keyworded meeting with a known person", m.ImportanceScore)
	}
	if m.EventDate == nil || m.EventDate.UTC().Format("2006-01-02") != "2026-03-15" {
		t.Errorf("event date = %v, want 2026-03-15", m.EventDate)
	}
	if len(m.Embedding) == 0 {
		t.Error("memory should be embedded")
	}
	commitments, ok := m.Metadata["commitments"].([]interface{})
	if !ok || len(commitments) != 1 || commitments[0] != "discuss budget" {
		t.Errorf("commitments metadata = %v, want [discuss budget]", m.Metadata["commitments"])
	}

	linked, err := s.EntitiesLinkedToMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("linked: %v", err)
	}
	if len(linked) != 1 || linked[0].CanonicalName != "sarah chen" {
		t.Fatalf("linked = %v, want sarah chen", linked)
	}
	if linked[0].ImportanceScore < 0.8 {
		t.Errorf("entity importance = %v, want >= 0.8 for a confident person with attributes", linked[0].ImportanceScore)
	}
}

func TestIngestSecondMentionReusesEntity(t *testing.T) {
	s := newTestStore(t)
	// Distinct vectors so reconciliation sees the two memories as
	// unrelated; both extractions mention the same person.
	embedder := &stubEmbedder{vecs: map[string][]float32{
		"Meeting with Sarah Chen on March 15 to discuss budget": {1, 0, 0},
		"Sarah Chen recommended a book on systems design":       {0, 0, 1},
	}}
	mock := &llm.MockClient{Responses: []string{
		meetingExtraction,
		`{"entities": [{"name": "Sarah Chen", "type": "person", "attributes": {}, "confidence": 0.9}],
		  "relationships": [], "commitments": [], "event_date": null}`,
	}}
	eng := newTestEngine(t, s, embedder, mock)
	ctx := context.Background()

	first, err := eng.Pipeline.IngestSync(ctx, Incoming{
		UserID: "user-1", ContainerTag: "default",
		Content: "Meeting with Sarah Chen on March 15 to discuss budget",
	})
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := eng.Pipeline.IngestSync(ctx, Incoming{
		UserID: "user-1", ContainerTag: "default",
		Content: "Sarah Chen recommended a book on systems design",
	})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	firstLinks, _ := s.EntitiesLinkedToMemory(ctx, first.Memory.ID)
	secondLinks, _ := s.EntitiesLinkedToMemory(ctx, second.Memory.ID)
	if len(firstLinks) != 1 || len(secondLinks) != 1 {
		t.Fatalf("links = %d/%d, want 1/1", len(firstLinks), len(secondLinks))
	}
	if firstLinks[0].ID != secondLinks[0].ID {
		t.Error("both memories must link the same entity, not a duplicate")
	}

	e, _ := s.GetEntity(ctx, firstLinks[0].ID)
	if e.MentionCount != 2 {
		t.Errorf("mention count = %d, want 2 after the second mention", e.MentionCount)
	}
}

func TestIngestDuplicateIsNoop(t *testing.T) {
	s := newTestStore(t)
	mock := &llm.MockClient{Responses: []string{meetingExtraction}}
	eng := newTestEngine(t, s, nil, mock)
	ctx := context.Background()

	in := Incoming{
		UserID: "user-1", ContainerTag: "default",
		Content: "Meeting with Sarah Chen on March 15 to discuss budget",
	}
	first, err := eng.Pipeline.IngestSync(ctx, in)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := eng.Pipeline.IngestSync(ctx, in)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Action != ActionNoop || second.Memory.ID != first.Memory.ID {
		t.Errorf("second ingest = %+v, want noop against the first", second)
	}
}

func TestIngestExtractionFailureKeepsMemory(t *testing.T) {
	s := newTestStore(t)
	mock := &llm.MockClient{Responses: []string{"no JSON to be found here"}}
	eng := newTestEngine(t, s, nil, mock)
	ctx := context.Background()

	res, err := eng.Pipeline.IngestSync(ctx, Incoming{
		UserID: "user-1", ContainerTag: "default",
		Content: "note to self about nothing in particular",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Unparseable extraction is an empty extraction, not a failure: the
	// memory completes with no graph contribution.
	m, _ := s.GetMemory(ctx, res.Memory.ID)
	if m.Status != store.StatusDone {
		t.Errorf("status = %q, want done", m.Status)
	}
	linked, _ := s.EntitiesLinkedToMemory(ctx, m.ID)
	if len(linked) != 0 {
		t.Errorf("links = %d, want none", len(linked))
	}
}
