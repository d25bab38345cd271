package engine

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/mstanton/engram/migrations"
	"github.com/mstanton/engram/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zerolog.Nop()
	if err := migrations.RunMigrations(db, logger); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	s, err := store.NewStore(db, logger)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

// stubEmbedder returns canned vectors per input text, falling back to a
// default vector.
type stubEmbedder struct {
	vecs map[string][]float32
	def  []float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	if s.def != nil {
		return s.def, nil
	}
	return []float32{1, 0, 0}, nil
}
