package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
)

// Store manages all memory and entity-graph persistence.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates and returns a Store.
func NewStore(db *sql.DB, logger zerolog.Logger) (*Store, error) {
	logger = logger.With().Str("component", "store").Logger()
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }

// StatementBuilder returns a Squirrel builder configured for SQLite.
// SQLite uses '?' placeholders, which is Squirrel's default.
func StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

func now() int64 { return time.Now().Unix() }

// RunInTx runs fn inside a single transaction so batched graph writes land
// atomically. The transaction is rolled back if fn returns an error.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

var (
	canonicalPunct = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	canonicalSpace = regexp.MustCompile(`\s+`)
)

// CanonicalName normalizes an entity name into the primary dedup key:
// lowercased, punctuation stripped, whitespace collapsed.
func CanonicalName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = canonicalPunct.ReplaceAllString(n, "")
	n = canonicalSpace.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalMap(raw sql.NullString) map[string]interface{} {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var m map[string]interface{}
	_ = json.Unmarshal([]byte(raw.String), &m)
	return m
}

func unmarshalStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw.String), &out)
	return out
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func toUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
