package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/mstanton/engram/migrations"
)

func newTestStore(t *testing.T) *Store {
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
	s, err := NewStore(db, logger)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

func TestCanonicalName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Sarah Chen", "sarah chen"},
		{"  ACME, Inc.  ", "acme inc"},
		{"O'Brien", "obrien"},
		{"multi   space\tname", "multi space name"},
		{"Café Münchner", "café münchner"},
	}
	for _, c := range cases {
		if got := CanonicalName(c.in); got != c.want {
			t.Errorf("CanonicalName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	vec := []float32{0.1, -0.5, 2.25, 0}
	decoded, err := DecodeEmbedding(EncodeEmbedding(vec))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(vec) {
		t.Fatalf("length = %d, want %d", len(decoded), len(vec))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Errorf("decoded[%d] = %v, want %v", i, decoded[i], vec[i])
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	if got := CosineSimilarity(a, a); got < 0.9999 {
		t.Errorf("identical vectors similarity = %v, want 1", got)
	}
	if got := CosineSimilarity(a, []float32{0, 1, 0}); got != 0 {
		t.Errorf("orthogonal vectors similarity = %v, want 0", got)
	}
	if got := CosineSimilarity(a, []float32{1, 0}); got != 0 {
		t.Errorf("mismatched dims similarity = %v, want 0", got)
	}
}
