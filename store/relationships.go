package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

func relationshipColumns() []string {
	return []string{
		"id", "source_entity_id", "target_entity_id", "relationship_type",
		"attributes", "valid_from", "valid_to", "source_memory_ids", "confidence",
		"created_at", "updated_at",
	}
}

func scanRelationship(row rowScanner) (*EntityRelationship, error) {
	var (
		r         EntityRelationship
		attrsJSON sql.NullString
		validFrom int64
		validTo   sql.NullInt64
		srcJSON   sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&r.ID, &r.SourceEntityID, &r.TargetEntityID, &r.RelationshipType,
		&attrsJSON, &validFrom, &validTo, &srcJSON, &r.Confidence,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Attributes = unmarshalMap(attrsJSON)
	r.ValidFrom = time.Unix(validFrom, 0)
	r.ValidTo = unixPtr(validTo)
	r.SourceMemoryIDs = unmarshalStrings(srcJSON)
	r.CreatedAt = time.Unix(createdAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)
	return &r, nil
}

// CurrentRelationship returns the current (valid_to IS NULL) edge for the
// given (source, target, type) triple, or nil if none exists.
func (s *Store) CurrentRelationship(ctx context.Context, sourceID, targetID, relType string) (*EntityRelationship, error) {
	return s.currentRelationshipExec(ctx, s.db, sourceID, targetID, relType)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) currentRelationshipExec(ctx context.Context, db queryer, sourceID, targetID, relType string) (*EntityRelationship, error) {
	query := StatementBuilder().
		Select(relationshipColumns()...).
		From("entity_relationships").
		Where(sq.Eq{"source_entity_id": sourceID, "target_entity_id": targetID, "relationship_type": relType}).
		Where(sq.Expr("valid_to IS NULL")).
		Limit(1)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	r, err := scanRelationship(db.QueryRowContext(ctx, queryStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// UpsertRelationship inserts a new current edge, or folds fresh evidence
// into the existing one: source memory ids union (deduplicated) and the
// higher confidence win. Attributes from the new evidence overwrite on key
// conflict.
func (s *Store) UpsertRelationship(ctx context.Context, r *EntityRelationship) error {
	return s.upsertRelationshipExec(ctx, s.db, r)
}

// UpsertRelationshipTx is the transactional variant used by batched graph writes.
func (s *Store) UpsertRelationshipTx(ctx context.Context, tx *sql.Tx, r *EntityRelationship) error {
	return s.upsertRelationshipExec(ctx, tx, r)
}

type execQueryer interface {
	execer
	queryer
}

func (s *Store) upsertRelationshipExec(ctx context.Context, db execQueryer, r *EntityRelationship) error {
	if r.SourceEntityID == "" || r.TargetEntityID == "" || r.RelationshipType == "" {
		return errors.New("relationship endpoints and type are required")
	}

	existing, err := s.currentRelationshipExec(ctx, db, r.SourceEntityID, r.TargetEntityID, r.RelationshipType)
	if err != nil {
		return err
	}
	nowUnix := now()

	if existing == nil {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.ValidFrom.IsZero() {
			r.ValidFrom = time.Unix(nowUnix, 0)
		}
		r.SourceMemoryIDs = lo.Uniq(r.SourceMemoryIDs)

		attrsJSON, err := marshalJSON(r.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}
		srcJSON, err := marshalJSON(r.SourceMemoryIDs)
		if err != nil {
			return fmt.Errorf("marshal source memory ids: %w", err)
		}

		query := StatementBuilder().
			Insert("entity_relationships").
			Columns(relationshipColumns()...).
			Values(
				r.ID, r.SourceEntityID, r.TargetEntityID, r.RelationshipType,
				attrsJSON, r.ValidFrom.Unix(), nil, srcJSON, r.Confidence,
				nowUnix, nowUnix)

		queryStr, args, err := query.ToSql()
		if err != nil {
			return fmt.Errorf("build insert query: %w", err)
		}
		if _, err := db.ExecContext(ctx, queryStr, args...); err != nil {
			return fmt.Errorf("insert relationship: %w", err)
		}
		s.logger.Debug().
			Str("method", "UpsertRelationship").
			Str("relationship_id", r.ID).
			Str("relationship_type", r.RelationshipType).
			Msg("relationship inserted")
		return nil
	}

	merged := lo.Uniq(append(existing.SourceMemoryIDs, r.SourceMemoryIDs...))
	confidence := existing.Confidence
	if r.Confidence > confidence {
		confidence = r.Confidence
	}
	attrs := existing.Attributes
	if len(r.Attributes) > 0 {
		if attrs == nil {
			attrs = map[string]interface{}{}
		}
		for k, v := range r.Attributes {
			attrs[k] = v
		}
	}

	attrsJSON, err := marshalJSON(attrs)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	srcJSON, err := marshalJSON(merged)
	if err != nil {
		return fmt.Errorf("marshal source memory ids: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
UPDATE entity_relationships
SET attributes = ?, source_memory_ids = ?, confidence = ?, updated_at = ?
WHERE id = ?
`, attrsJSON, srcJSON, confidence, nowUnix, existing.ID); err != nil {
		return fmt.Errorf("update relationship: %w", err)
	}

	r.ID = existing.ID
	r.SourceMemoryIDs = merged
	r.Confidence = confidence
	s.logger.Debug().
		Str("method", "UpsertRelationship").
		Str("relationship_id", existing.ID).
		Int("source_memories", len(merged)).
		Msg("relationship evidence merged")
	return nil
}

// InvalidateRelationship closes a current edge's validity window. History
// is preserved; the row is never deleted.
func (s *Store) InvalidateRelationship(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE entity_relationships SET valid_to = ?, updated_at = ? WHERE id = ? AND valid_to IS NULL
`, at.Unix(), now(), id)
	if err != nil {
		return fmt.Errorf("invalidate relationship: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RelationshipsForEntity lists current edges touching an entity in either
// direction.
func (s *Store) RelationshipsForEntity(ctx context.Context, entityID string) ([]*EntityRelationship, error) {
	query := StatementBuilder().
		Select(relationshipColumns()...).
		From("entity_relationships").
		Where(sq.Or{
			sq.Eq{"source_entity_id": entityID},
			sq.Eq{"target_entity_id": entityID},
		}).
		Where(sq.Expr("valid_to IS NULL")).
		OrderBy("updated_at DESC")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []*EntityRelationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountCurrentRelationships reports how many current edges exist for a
// (source, target, type) triple. Tests assert upsert idempotency with it.
func (s *Store) CountCurrentRelationships(ctx context.Context, sourceID, targetID, relType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM entity_relationships
WHERE source_entity_id = ? AND target_entity_id = ? AND relationship_type = ? AND valid_to IS NULL
`, sourceID, targetID, relType).Scan(&n)
	return n, err
}
