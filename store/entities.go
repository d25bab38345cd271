package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

func entityColumns() []string {
	return []string{
		"id", "user_id", "container_tag", "name", "canonical_name", "entity_type",
		"attributes", "importance_score", "mention_count", "last_mentioned",
		"created_at", "updated_at",
	}
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		e             Entity
		attrsJSON     sql.NullString
		lastMentioned sql.NullInt64
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(
		&e.ID, &e.UserID, &e.ContainerTag, &e.Name, &e.CanonicalName, &e.EntityType,
		&attrsJSON, &e.ImportanceScore, &e.MentionCount, &lastMentioned,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Attributes = unmarshalMap(attrsJSON)
	e.LastMentioned = unixPtr(lastMentioned)
	e.CreatedAt = time.Unix(createdAt, 0)
	e.UpdatedAt = time.Unix(updatedAt, 0)
	return &e, nil
}

// InsertEntity persists a new entity. The canonical name is derived from
// the display name when not already set.
func (s *Store) InsertEntity(ctx context.Context, e *Entity) error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("entity name is empty")
	}
	if e.UserID == "" {
		return errors.New("entity user_id is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ContainerTag == "" {
		e.ContainerTag = "default"
	}
	if e.CanonicalName == "" {
		e.CanonicalName = CanonicalName(e.Name)
	}
	if e.EntityType == "" {
		e.EntityType = EntityOther
	}

	nowUnix := now()
	e.CreatedAt = time.Unix(nowUnix, 0)
	e.UpdatedAt = e.CreatedAt

	attrsJSON, err := marshalJSON(e.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	query := StatementBuilder().
		Insert("entities").
		Columns(entityColumns()...).
		Values(
			e.ID, e.UserID, e.ContainerTag, e.Name, e.CanonicalName, string(e.EntityType),
			attrsJSON, e.ImportanceScore, e.MentionCount, toUnix(e.LastMentioned),
			nowUnix, nowUnix)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}

	s.logger.Info().
		Str("method", "InsertEntity").
		Str("entity_id", e.ID).
		Str("canonical_name", e.CanonicalName).
		Str("entity_type", string(e.EntityType)).
		Msg("entity inserted")
	return nil
}

// GetEntity loads an entity by id.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	if id == "" {
		return nil, errors.New("entity id is required")
	}
	query := StatementBuilder().
		Select(entityColumns()...).
		From("entities").
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	e, err := scanEntity(s.db.QueryRowContext(ctx, queryStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// FindEntitiesByCanonicalName returns all entities matching the canonical
// dedup key. More than one row means the dedup cascade has to disambiguate.
func (s *Store) FindEntitiesByCanonicalName(ctx context.Context, userID, canonicalName string, entityType EntityType) ([]*Entity, error) {
	query := StatementBuilder().
		Select(entityColumns()...).
		From("entities").
		Where(sq.Eq{"user_id": userID, "canonical_name": canonicalName, "entity_type": string(entityType)}).
		OrderBy("created_at ASC")
	return s.queryEntities(ctx, query)
}

// FindEntitiesByCanonicalNames resolves many canonical names in one query,
// keyed by canonical name. Bulk imports depend on this instead of per-item
// lookups.
func (s *Store) FindEntitiesByCanonicalNames(ctx context.Context, userID string, names []string) (map[string][]*Entity, error) {
	if len(names) == 0 {
		return map[string][]*Entity{}, nil
	}
	query := StatementBuilder().
		Select(entityColumns()...).
		From("entities").
		Where(sq.Eq{"user_id": userID, "canonical_name": names}).
		OrderBy("created_at ASC")

	entities, err := s.queryEntities(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*Entity, len(names))
	for _, e := range entities {
		out[e.CanonicalName] = append(out[e.CanonicalName], e)
	}
	return out, nil
}

// TopEntitiesByType returns the most important entities of one type,
// the candidate set for fuzzy and embedding dedup stages.
func (s *Store) TopEntitiesByType(ctx context.Context, userID, containerTag string, entityType EntityType, limit int) ([]*Entity, error) {
	if limit <= 0 {
		limit = 50
	}
	query := StatementBuilder().
		Select(entityColumns()...).
		From("entities").
		Where(sq.Eq{"user_id": userID, "container_tag": containerTag, "entity_type": string(entityType)}).
		OrderBy("importance_score DESC").
		Limit(uint64(limit))
	return s.queryEntities(ctx, query)
}

// GetEntitiesByIDs loads multiple entities with a single query.
func (s *Store) GetEntitiesByIDs(ctx context.Context, ids []string) ([]*Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := StatementBuilder().
		Select(entityColumns()...).
		From("entities").
		Where(sq.Eq{"id": ids})
	return s.queryEntities(ctx, query)
}

// UpdateEntity writes back merged attributes, score, and mention stats.
func (s *Store) UpdateEntity(ctx context.Context, e *Entity) error {
	if e.ID == "" {
		return errors.New("entity id is required")
	}
	attrsJSON, err := marshalJSON(e.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	nowUnix := now()

	query := StatementBuilder().
		Update("entities").
		Set("name", e.Name).
		Set("attributes", attrsJSON).
		Set("importance_score", e.ImportanceScore).
		Set("mention_count", e.MentionCount).
		Set("last_mentioned", toUnix(e.LastMentioned)).
		Set("updated_at", nowUnix).
		Where(sq.Eq{"id": e.ID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
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

// RecordEntityMention bumps mention_count and last_mentioned.
func (s *Store) RecordEntityMention(ctx context.Context, id string) error {
	nowUnix := now()
	_, err := s.db.ExecContext(ctx, `
UPDATE entities SET mention_count = mention_count + 1, last_mentioned = ?, updated_at = ?
WHERE id = ?
`, nowUnix, nowUnix, id)
	if err != nil {
		return fmt.Errorf("record entity mention: %w", err)
	}
	return nil
}

// LinkMemoryEntity upserts a memory-entity link, one row per pair.
func (s *Store) LinkMemoryEntity(ctx context.Context, link MemoryEntity) error {
	return s.linkMemoryEntityExec(ctx, s.db, link)
}

// LinkMemoryEntityTx is the transactional variant used by batched graph writes.
func (s *Store) LinkMemoryEntityTx(ctx context.Context, tx *sql.Tx, link MemoryEntity) error {
	return s.linkMemoryEntityExec(ctx, tx, link)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) linkMemoryEntityExec(ctx context.Context, db execer, link MemoryEntity) error {
	if link.MemoryID == "" || link.EntityID == "" {
		return errors.New("memory id and entity id are required")
	}
	if link.Role == "" {
		link.Role = RoleMentioned
	}
	_, err := db.ExecContext(ctx, `
INSERT OR REPLACE INTO memory_entities (memory_id, entity_id, role, confidence, created_at)
VALUES (?, ?, ?, ?, ?)
`, link.MemoryID, link.EntityID, string(link.Role), link.Confidence, now())
	if err != nil {
		return fmt.Errorf("link memory entity: %w", err)
	}
	return nil
}

// EntitiesLinkedToMemory loads the entities linked to one memory. The
// importance scorer reads these for its entity factor.
func (s *Store) EntitiesLinkedToMemory(ctx context.Context, memoryID string) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT entity_id FROM memory_entities WHERE memory_id = ?
`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("query memory links: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return s.GetEntitiesByIDs(ctx, ids)
}

func (s *Store) queryEntities(ctx context.Context, query sq.SelectBuilder) ([]*Entity, error) {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
