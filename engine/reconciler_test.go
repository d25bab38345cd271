package engine

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mstanton/engram/llm"
	"github.com/mstanton/engram/store"
	"github.com/mstanton/engram/vector"
)

func newTestReconciler(t *testing.T, s *store.Store, mock *llm.MockClient) *Reconciler {
	t.Helper()
	if mock == nil {
		mock = &llm.MockClient{}
	}
	index := vector.NewSQLiteIndex(s, zerolog.Nop())
	return NewReconciler(s, index, mock, DefaultConfig().Reconcile, zerolog.Nop())
}

func seedEmbeddedMemory(t *testing.T, s *store.Store, content string, vec []float32) *store.Memory {
	t.Helper()
	m := &store.Memory{UserID: "user-1", Content: content, Source: "test-input", Embedding: vec}
	if err := s.InsertMemory(context.Background(), m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return m
}

func TestReconcileIdenticalContentIsNoop(t *testing.T) {
	s := newTestStore(t)
	mock := &llm.MockClient{}
	r := newTestReconciler(t, s, mock)
	ctx := context.Background()
	existing := seedEmbeddedMemory(t, s, "cat's name is Miso", []float32{1, 0})

	res, err := r.Reconcile(ctx, Incoming{
		UserID: "user-1", ContainerTag: "default", Content: "cat's name is Miso",
	}, []float32{1, 0})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Action != ActionNoop || res.Memory.ID != existing.ID {
		t.Errorf("result = %+v, want noop against %s", res, existing.ID)
	}
	// The fast path must not consult the model.
	if len(mock.Calls) != 0 {
		t.Errorf("llm calls = %d, want 0", len(mock.Calls))
	}
	got, _ := s.GetMemory(ctx, existing.ID)
	if got.AccessCount != 1 {
		t.Errorf("access count = %d, want 1 (duplicate counts as access)", got.AccessCount)
	}
}

func TestReconcileUnrelatedContentAdds(t *testing.T) {
	s := newTestStore(t)
	mock := &llm.MockClient{}
	r := newTestReconciler(t, s, mock)
	ctx := context.Background()
	seedEmbeddedMemory(t, s, "cat's name is Miso", []float32{1, 0, 0})

	res, err := r.Reconcile(ctx, Incoming{
		UserID: "user-1", ContainerTag: "default", Content: "passport renewal due in June",
	}, []float32{0, 0, 1})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Action != ActionAdd {
		t.Errorf("action = %q, want add", res.Action)
	}
	if len(mock.Calls) != 0 {
		t.Errorf("llm calls = %d, want 0 when nothing is similar", len(mock.Calls))
	}
	if got, _ := s.GetMemory(ctx, res.Memory.ID); got == nil || len(got.Embedding) == 0 {
		t.Error("added memory should carry its embedding")
	}
}

func TestReconcileUpdateCreatesVersion(t *testing.T) {
	s := newTestStore(t)
	mock := &llm.MockClient{Responses: []string{
		`{"action": "update", "reason": "same appointment, refined time"}`,
	}}
	r := newTestReconciler(t, s, mock)
	ctx := context.Background()
	existing := seedEmbeddedMemory(t, s, "dentist appointment on Friday", []float32{1, 0})

	res, err := r.Reconcile(ctx, Incoming{
		UserID: "user-1", ContainerTag: "default", Content: "dentist appointment on Friday at 3pm",
	}, []float32{0.99, 0.14})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Action != ActionUpdate {
		t.Fatalf("action = %q, want update", res.Action)
	}
	if res.Memory.Version != 2 || res.Memory.RootMemoryID != existing.ID {
		t.Errorf("successor = %+v, want v2 in chain %s", res.Memory, existing.ID)
	}

	n, _ := s.CountLatestInChain(ctx, existing.ID)
	if n != 1 {
		t.Errorf("latest in chain = %d, want 1", n)
	}
	old, _ := s.GetMemory(ctx, existing.ID)
	if old.Visible() {
		t.Error("superseded memory should not be visible")
	}
}

func TestReconcileContradictionDeletesAndAdds(t *testing.T) {
	s := newTestStore(t)
	mock := &llm.MockClient{Responses: []string{
		`{"action": "delete_and_add", "reason": "the meeting moved"}`,
	}}
	r := newTestReconciler(t, s, mock)
	ctx := context.Background()
	existing := seedEmbeddedMemory(t, s, "budget review on March 15", []float32{1, 0})

	res, err := r.Reconcile(ctx, Incoming{
		UserID: "user-1", ContainerTag: "default", Content: "budget review moved to March 22",
	}, []float32{0.99, 0.14})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Action != ActionDeleteAndAdd {
		t.Fatalf("action = %q, want delete_and_add", res.Action)
	}

	old, _ := s.GetMemory(ctx, existing.ID)
	if !old.IsForgotten || old.ValidTo == nil {
		t.Errorf("contradicted memory: forgotten=%v validTo=%v, want both set", old.IsForgotten, old.ValidTo)
	}
	if res.Memory.ID == existing.ID {
		t.Error("replacement must be a fresh memory")
	}
	if res.Memory.Version != 1 {
		t.Errorf("replacement version = %d, want fresh chain", res.Memory.Version)
	}
}

func TestReconcileUnparseableVerdictAdds(t *testing.T) {
	s := newTestStore(t)
	mock := &llm.MockClient{Responses: []string{"hmm, hard to say"}}
	r := newTestReconciler(t, s, mock)
	ctx := context.Background()
	existing := seedEmbeddedMemory(t, s, "budget review on March 15", []float32{1, 0})

	res, err := r.Reconcile(ctx, Incoming{
		UserID: "user-1", ContainerTag: "default", Content: "budget review scheduled for March",
	}, []float32{0.99, 0.14})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Action != ActionAdd {
		t.Errorf("action = %q, want add on unparseable verdict", res.Action)
	}
	if got, _ := s.GetMemory(ctx, existing.ID); !got.Visible() {
		t.Error("existing memory must stay untouched")
	}
}
