package store

import (
	"context"
	"sort"
	"testing"
	"time"
)

func insertTestEntity(t *testing.T, s *Store, name string, entityType EntityType) *Entity {
	t.Helper()
	e := &Entity{UserID: "user-1", Name: name, EntityType: entityType}
	if err := s.InsertEntity(context.Background(), e); err != nil {
		t.Fatalf("insert entity: %v", err)
	}
	return e
}

func TestUpsertRelationshipIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sarah := insertTestEntity(t, s, "Sarah Chen", EntityPerson)
	acme := insertTestEntity(t, s, "Acme", EntityCompany)

	first := &EntityRelationship{
		SourceEntityID:   sarah.ID,
		TargetEntityID:   acme.ID,
		RelationshipType: "works_at",
		SourceMemoryIDs:  []string{"mem-1"},
		Confidence:       0.8,
	}
	if err := s.UpsertRelationship(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Same evidence again plus one new memory: still one edge, ids
	// deduplicated, higher confidence wins.
	second := &EntityRelationship{
		SourceEntityID:   sarah.ID,
		TargetEntityID:   acme.ID,
		RelationshipType: "works_at",
		SourceMemoryIDs:  []string{"mem-1", "mem-2"},
		Confidence:       0.6,
	}
	if err := s.UpsertRelationship(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	n, err := s.CountCurrentRelationships(ctx, sarah.ID, acme.ID, "works_at")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("current edges = %d, want 1", n)
	}

	got, err := s.CurrentRelationship(ctx, sarah.ID, acme.ID, "works_at")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	sort.Strings(got.SourceMemoryIDs)
	if len(got.SourceMemoryIDs) != 2 || got.SourceMemoryIDs[0] != "mem-1" || got.SourceMemoryIDs[1] != "mem-2" {
		t.Errorf("source memory ids = %v, want [mem-1 mem-2]", got.SourceMemoryIDs)
	}
	if got.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8 (max wins)", got.Confidence)
	}
}

func TestInvalidateRelationshipKeepsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sarah := insertTestEntity(t, s, "Sarah Chen", EntityPerson)
	acme := insertTestEntity(t, s, "Acme", EntityCompany)

	r := &EntityRelationship{
		SourceEntityID:   sarah.ID,
		TargetEntityID:   acme.ID,
		RelationshipType: "works_at",
		Confidence:       0.9,
	}
	if err := s.UpsertRelationship(ctx, r); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.InvalidateRelationship(ctx, r.ID, time.Now()); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if got, _ := s.CurrentRelationship(ctx, sarah.ID, acme.ID, "works_at"); got != nil {
		t.Errorf("invalidated edge still current: %+v", got)
	}

	// A fresh upsert after invalidation opens a new validity window.
	r2 := &EntityRelationship{
		SourceEntityID:   sarah.ID,
		TargetEntityID:   acme.ID,
		RelationshipType: "works_at",
		Confidence:       0.7,
	}
	if err := s.UpsertRelationship(ctx, r2); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if r2.ID == r.ID {
		t.Error("new edge must not reuse the invalidated row")
	}
}

func TestFindEntitiesByCanonicalName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestEntity(t, s, "Sarah Chen", EntityPerson)
	insertTestEntity(t, s, "sarah chen", EntityPerson) // same canonical key
	insertTestEntity(t, s, "Sarah Chen", EntityCompany)

	got, err := s.FindEntitiesByCanonicalName(ctx, "user-1", "sarah chen", EntityPerson)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("matches = %d, want 2 (type filters out the company)", len(got))
	}
}

func TestLinkMemoryEntityUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := insertTestMemory(t, s, "user-1", "lunch with Sarah")
	e := insertTestEntity(t, s, "Sarah Chen", EntityPerson)

	link := MemoryEntity{MemoryID: m.ID, EntityID: e.ID, Role: RoleSubject, Confidence: 0.9}
	if err := s.LinkMemoryEntity(ctx, link); err != nil {
		t.Fatalf("link: %v", err)
	}
	// Re-linking replaces, never duplicates.
	link.Role = RoleMentioned
	if err := s.LinkMemoryEntity(ctx, link); err != nil {
		t.Fatalf("relink: %v", err)
	}

	linked, err := s.EntitiesLinkedToMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("linked entities: %v", err)
	}
	if len(linked) != 1 || linked[0].ID != e.ID {
		t.Errorf("linked = %v, want single entity %s", linked, e.ID)
	}
}
