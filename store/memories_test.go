package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func insertTestMemory(t *testing.T, s *Store, userID, content string) *Memory {
	t.Helper()
	m := &Memory{UserID: userID, Content: content, Source: "test-input"}
	if err := s.InsertMemory(context.Background(), m); err != nil {
		t.Fatalf("insert memory: %v", err)
	}
	return m
}

// backdate shifts a memory's created_at so age-based sweeps can see it.
func backdate(t *testing.T, s *Store, id string, age time.Duration) {
	t.Helper()
	_, err := s.DB().Exec(`UPDATE memories SET created_at = ? WHERE id = ?`,
		time.Now().Add(-age).Unix(), id)
	if err != nil {
		t.Fatalf("backdate memory: %v", err)
	}
}

func TestInsertMemoryDefaults(t *testing.T) {
	s := newTestStore(t)
	m := insertTestMemory(t, s, "user-1", "remember the milk")

	got, err := s.GetMemory(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if got.Version != 1 || !got.IsLatest {
		t.Errorf("version = %d isLatest = %v, want 1/true", got.Version, got.IsLatest)
	}
	if got.RootMemoryID != m.ID {
		t.Errorf("root = %q, want self %q", got.RootMemoryID, m.ID)
	}
	if got.MemoryType != MemoryTypeEpisodic {
		t.Errorf("type = %q, want episodic", got.MemoryType)
	}
	if got.Status != StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if !got.Visible() {
		t.Error("fresh memory should be visible")
	}
}

func TestCreateMemoryVersionChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := insertTestMemory(t, s, "user-1", "dentist appointment on Friday")

	v2, err := s.CreateMemoryVersion(ctx, root, "dentist appointment moved to Monday", nil)
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if v2.Version != 2 || v2.RootMemoryID != root.ID || v2.ParentMemoryID != root.ID {
		t.Errorf("successor chain fields wrong: %+v", v2)
	}

	// Exactly one latest row per chain, always.
	n, err := s.CountLatestInChain(ctx, root.ID)
	if err != nil {
		t.Fatalf("count latest: %v", err)
	}
	if n != 1 {
		t.Errorf("latest rows in chain = %d, want 1", n)
	}

	old, err := s.GetMemory(ctx, root.ID)
	if err != nil {
		t.Fatalf("get superseded: %v", err)
	}
	if old.IsLatest || old.ValidTo == nil {
		t.Errorf("superseded memory: isLatest=%v validTo=%v, want false/non-nil", old.IsLatest, old.ValidTo)
	}
	if old.IsForgotten {
		t.Error("superseding must not forget the predecessor")
	}

	// A second update against the stale parent must fail the guard.
	if _, err := s.CreateMemoryVersion(ctx, root, "stale write", nil); !errors.Is(err, ErrStaleVersion) {
		t.Errorf("stale update error = %v, want ErrStaleVersion", err)
	}
}

func TestForgetAndInvalidateAreOrthogonal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	forgotten := insertTestMemory(t, s, "user-1", "old trivia")
	if err := s.ForgetMemory(ctx, forgotten.ID); err != nil {
		t.Fatalf("forget: %v", err)
	}
	got, _ := s.GetMemory(ctx, forgotten.ID)
	if !got.IsForgotten || got.ValidTo != nil {
		t.Errorf("forgotten memory: isForgotten=%v validTo=%v", got.IsForgotten, got.ValidTo)
	}

	invalid := insertTestMemory(t, s, "user-1", "lives in Berlin")
	if err := s.InvalidateMemory(ctx, invalid.ID, time.Now()); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	got, _ = s.GetMemory(ctx, invalid.ID)
	if got.IsForgotten || got.ValidTo == nil {
		t.Errorf("invalidated memory: isForgotten=%v validTo=%v", got.IsForgotten, got.ValidTo)
	}
	if got.Visible() {
		t.Error("invalidated memory should not be visible")
	}
}

func TestFindVisibleByContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := insertTestMemory(t, s, "user-1", "coffee with Alex tomorrow")

	got, err := s.FindVisibleByContent(ctx, "user-1", "default", "coffee with Alex tomorrow")
	if err != nil {
		t.Fatalf("find by content: %v", err)
	}
	if got == nil || got.ID != m.ID {
		t.Fatalf("got %+v, want memory %s", got, m.ID)
	}

	if got, _ := s.FindVisibleByContent(ctx, "user-1", "default", "something else"); got != nil {
		t.Errorf("unexpected match: %+v", got)
	}
	// Other users' partitions are invisible.
	if got, _ := s.FindVisibleByContent(ctx, "user-2", "default", "coffee with Alex tomorrow"); got != nil {
		t.Errorf("cross-user match: %+v", got)
	}

	if err := s.ForgetMemory(ctx, m.ID); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if got, _ := s.FindVisibleByContent(ctx, "user-1", "default", "coffee with Alex tomorrow"); got != nil {
		t.Errorf("forgotten memory still matched: %+v", got)
	}
}

func TestApplyDecayScores(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insertTestMemory(t, s, "user-1", "memory a")
	b := insertTestMemory(t, s, "user-1", "memory b")

	err := s.ApplyDecayScores(ctx, map[string]float64{a.ID: 0.42, b.ID: 0.17})
	if err != nil {
		t.Fatalf("apply decay: %v", err)
	}
	got, _ := s.GetMemory(ctx, a.ID)
	if got.ImportanceScore != 0.42 {
		t.Errorf("a score = %v, want 0.42", got.ImportanceScore)
	}
	got, _ = s.GetMemory(ctx, b.ID)
	if got.ImportanceScore != 0.17 {
		t.Errorf("b score = %v, want 0.17", got.ImportanceScore)
	}
}

func TestArchiveLowImportance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := insertTestMemory(t, s, "user-1", "stale low-value note")
	backdate(t, s, stale.ID, 120*24*time.Hour)
	if err := s.UpdateImportanceScore(ctx, stale.ID, 0.05); err != nil {
		t.Fatalf("set score: %v", err)
	}

	fresh := insertTestMemory(t, s, "user-1", "fresh low-value note")
	if err := s.UpdateImportanceScore(ctx, fresh.ID, 0.05); err != nil {
		t.Fatalf("set score: %v", err)
	}

	important := insertTestMemory(t, s, "user-1", "old but important")
	backdate(t, s, important.ID, 120*24*time.Hour)
	if err := s.UpdateImportanceScore(ctx, important.ID, 0.8); err != nil {
		t.Fatalf("set score: %v", err)
	}

	n, err := s.ArchiveLowImportance(ctx, "user-1", "default", 0.15, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 1 {
		t.Errorf("archived = %d, want 1", n)
	}
	got, _ := s.GetMemory(ctx, stale.ID)
	if !got.IsForgotten {
		t.Error("stale memory should be archived")
	}
	for _, id := range []string{fresh.ID, important.ID} {
		got, _ := s.GetMemory(ctx, id)
		if got.IsForgotten {
			t.Errorf("memory %s should survive the sweep", id)
		}
	}
}

func TestTouchMemoryAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := insertTestMemory(t, s, "user-1", "frequently read fact")

	for i := 0; i < 3; i++ {
		if err := s.TouchMemoryAccess(ctx, m.ID); err != nil {
			t.Fatalf("touch: %v", err)
		}
	}
	got, _ := s.GetMemory(ctx, m.ID)
	if got.AccessCount != 3 {
		t.Errorf("access count = %d, want 3", got.AccessCount)
	}
	if got.LastAccessed == nil {
		t.Error("last accessed should be set")
	}
}

func TestListUserContainers(t *testing.T) {
	s := newTestStore(t)
	insertTestMemory(t, s, "user-1", "a")
	insertTestMemory(t, s, "user-1", "b")
	insertTestMemory(t, s, "user-2", "c")

	got, err := s.ListUserContainers(context.Background())
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("partitions = %d, want 2", len(got))
	}
	if got[0] != [2]string{"user-1", "default"} || got[1] != [2]string{"user-2", "default"} {
		t.Errorf("partitions = %v", got)
	}
}
