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

// ErrNotFound is returned when a record lookup by id comes up empty.
var ErrNotFound = errors.New("store: record not found")

// ErrStaleVersion is returned when an optimistic is_latest guard matched no
// rows, meaning another writer already superseded the target memory.
var ErrStaleVersion = errors.New("store: memory version is no longer latest")

func memoryColumns() []string {
	return []string{
		"id", "user_id", "container_tag", "content", "source", "memory_type",
		"version", "is_latest", "parent_memory_id", "root_memory_id",
		"valid_from", "valid_to", "is_forgotten",
		"processing_status", "processing_error",
		"importance_score", "access_count", "last_accessed", "event_date",
		"metadata", "embedding", "created_at", "updated_at",
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var (
		m            Memory
		parentID     sql.NullString
		validTo      sql.NullInt64
		isLatest     int
		isForgotten  int
		procErr      sql.NullString
		lastAccessed sql.NullInt64
		eventDate    sql.NullInt64
		metaJSON     sql.NullString
		embBlob      []byte
		validFrom    int64
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(
		&m.ID, &m.UserID, &m.ContainerTag, &m.Content, &m.Source, &m.MemoryType,
		&m.Version, &isLatest, &parentID, &m.RootMemoryID,
		&validFrom, &validTo, &isForgotten,
		&m.Status, &procErr,
		&m.ImportanceScore, &m.AccessCount, &lastAccessed, &eventDate,
		&metaJSON, &embBlob, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.IsLatest = isLatest == 1
	m.IsForgotten = isForgotten == 1
	m.ParentMemoryID = parentID.String
	m.ProcessingError = procErr.String
	m.ValidFrom = time.Unix(validFrom, 0)
	m.ValidTo = unixPtr(validTo)
	m.LastAccessed = unixPtr(lastAccessed)
	m.EventDate = unixPtr(eventDate)
	m.Metadata = unmarshalMap(metaJSON)
	m.CreatedAt = time.Unix(createdAt, 0)
	m.UpdatedAt = time.Unix(updatedAt, 0)

	vec, err := DecodeEmbedding(embBlob)
	if err != nil {
		return nil, fmt.Errorf("decode embedding for %s: %w", m.ID, err)
	}
	m.Embedding = vec
	return &m, nil
}

// InsertMemory persists a new memory at version 1, rooting a fresh chain.
// Missing identity fields are filled in.
func (s *Store) InsertMemory(ctx context.Context, m *Memory) error {
	if strings.TrimSpace(m.Content) == "" {
		return errors.New("memory content is empty")
	}
	if m.UserID == "" {
		return errors.New("memory user_id is required")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ContainerTag == "" {
		m.ContainerTag = "default"
	}
	if m.MemoryType == "" {
		m.MemoryType = MemoryTypeEpisodic
	}
	if m.Status == "" {
		m.Status = StatusQueued
	}
	if m.RootMemoryID == "" {
		m.RootMemoryID = m.ID
	}
	if m.Version == 0 {
		m.Version = 1
	}
	m.IsLatest = true

	nowUnix := now()
	if m.ValidFrom.IsZero() {
		m.ValidFrom = time.Unix(nowUnix, 0)
	}
	m.CreatedAt = time.Unix(nowUnix, 0)
	m.UpdatedAt = m.CreatedAt

	metaJSON, err := marshalJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var parentVal interface{}
	if m.ParentMemoryID != "" {
		parentVal = m.ParentMemoryID
	}

	query := StatementBuilder().
		Insert("memories").
		Columns(
			"id", "user_id", "container_tag", "content", "source", "memory_type",
			"version", "is_latest", "parent_memory_id", "root_memory_id",
			"valid_from", "valid_to", "is_forgotten",
			"processing_status", "processing_error",
			"importance_score", "access_count", "last_accessed", "event_date",
			"metadata", "embedding", "created_at", "updated_at").
		Values(
			m.ID, m.UserID, m.ContainerTag, m.Content, m.Source, string(m.MemoryType),
			m.Version, 1, parentVal, m.RootMemoryID,
			m.ValidFrom.Unix(), toUnix(m.ValidTo), boolToInt(m.IsForgotten),
			string(m.Status), nil,
			m.ImportanceScore, m.AccessCount, toUnix(m.LastAccessed), toUnix(m.EventDate),
			metaJSON, EncodeEmbedding(m.Embedding), nowUnix, nowUnix)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	s.logger.Info().
		Str("method", "InsertMemory").
		Str("memory_id", m.ID).
		Str("user_id", m.UserID).
		Str("memory_type", string(m.MemoryType)).
		Msg("memory inserted")
	return nil
}

// GetMemory loads a memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	if id == "" {
		return nil, errors.New("memory id is required")
	}
	query := StatementBuilder().
		Select(memoryColumns()...).
		From("memories").
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	m, err := scanMemory(s.db.QueryRowContext(ctx, queryStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// CreateMemoryVersion supersedes the given latest memory with new content.
// The predecessor keeps its row but loses is_latest and gains a valid_to;
// the successor inherits the chain root at version+1. An "updates" relation
// edge links the two. The is_latest flip uses an optimistic guard so two
// concurrent updaters cannot both succeed.
func (s *Store) CreateMemoryVersion(ctx context.Context, parent *Memory, content string, eventDate *time.Time) (*Memory, error) {
	if parent == nil || parent.ID == "" {
		return nil, errors.New("parent memory is required")
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("new content is empty")
	}

	nowUnix := now()
	next := &Memory{
		ID:             uuid.NewString(),
		UserID:         parent.UserID,
		ContainerTag:   parent.ContainerTag,
		Content:        content,
		Source:         parent.Source,
		MemoryType:     parent.MemoryType,
		Version:        parent.Version + 1,
		IsLatest:       true,
		ParentMemoryID: parent.ID,
		RootMemoryID:   parent.RootMemoryID,
		ValidFrom:      time.Unix(nowUnix, 0),
		Status:         StatusQueued,
		EventDate:      eventDate,
		Metadata:       parent.Metadata,
		CreatedAt:      time.Unix(nowUnix, 0),
		UpdatedAt:      time.Unix(nowUnix, 0),
	}
	if next.EventDate == nil {
		next.EventDate = parent.EventDate
	}

	metaJSON, err := marshalJSON(next.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	err = s.RunInTx(ctx, func(tx *sql.Tx) error {
		// Optimistic guard: only the current latest row may be superseded.
		res, err := tx.ExecContext(ctx, `
UPDATE memories SET is_latest = 0, valid_to = ?, updated_at = ?
WHERE id = ? AND is_latest = 1
`, nowUnix, nowUnix, parent.ID)
		if err != nil {
			return fmt.Errorf("supersede parent: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrStaleVersion
		}

		query := StatementBuilder().
			Insert("memories").
			Columns(
				"id", "user_id", "container_tag", "content", "source", "memory_type",
				"version", "is_latest", "parent_memory_id", "root_memory_id",
				"valid_from", "valid_to", "is_forgotten",
				"processing_status", "processing_error",
				"importance_score", "access_count", "last_accessed", "event_date",
				"metadata", "embedding", "created_at", "updated_at").
			Values(
				next.ID, next.UserID, next.ContainerTag, next.Content, next.Source, string(next.MemoryType),
				next.Version, 1, next.ParentMemoryID, next.RootMemoryID,
				next.ValidFrom.Unix(), nil, 0,
				string(next.Status), nil,
				next.ImportanceScore, 0, nil, toUnix(next.EventDate),
				metaJSON, nil, nowUnix, nowUnix)

		queryStr, args, err := query.ToSql()
		if err != nil {
			return fmt.Errorf("build insert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
			return fmt.Errorf("insert successor: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
INSERT OR IGNORE INTO memory_relations (from_memory_id, to_memory_id, relation_type, created_at)
VALUES (?, ?, ?, ?)
`, next.ID, parent.ID, string(RelationUpdates), nowUnix)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("method", "CreateMemoryVersion").
		Str("parent_id", parent.ID).
		Str("memory_id", next.ID).
		Int("version", next.Version).
		Msg("memory version created")
	return next, nil
}

// ForgetMemory soft-deletes a memory. The row stays for history; it simply
// stops being visible to normal reads.
func (s *Store) ForgetMemory(ctx context.Context, id string) error {
	return s.setMemoryFields(ctx, id, map[string]interface{}{"is_forgotten": 1})
}

// InvalidateMemory closes a memory's validity window without archiving it.
func (s *Store) InvalidateMemory(ctx context.Context, id string, at time.Time) error {
	return s.setMemoryFields(ctx, id, map[string]interface{}{"valid_to": at.Unix()})
}

// TouchMemoryAccess bumps access_count and last_accessed for retrieval-time
// scoring.
func (s *Store) TouchMemoryAccess(ctx context.Context, id string) error {
	nowUnix := now()
	_, err := s.db.ExecContext(ctx, `
UPDATE memories SET access_count = access_count + 1, last_accessed = ?, updated_at = ?
WHERE id = ?
`, nowUnix, nowUnix, id)
	if err != nil {
		return fmt.Errorf("touch memory access: %w", err)
	}
	return nil
}

// SetProcessingStatus records pipeline progress. An empty errMsg clears the
// stored processing error.
func (s *Store) SetProcessingStatus(ctx context.Context, id string, status ProcessingStatus, errMsg string) error {
	fields := map[string]interface{}{"processing_status": string(status)}
	if errMsg != "" {
		fields["processing_error"] = errMsg
	} else {
		fields["processing_error"] = nil
	}
	return s.setMemoryFields(ctx, id, fields)
}

// UpdateImportanceScore writes a freshly computed score.
func (s *Store) UpdateImportanceScore(ctx context.Context, id string, score float64) error {
	return s.setMemoryFields(ctx, id, map[string]interface{}{"importance_score": score})
}

// UpdateMemoryEmbedding stores the embedding blob for a memory.
func (s *Store) UpdateMemoryEmbedding(ctx context.Context, id string, vec []float32) error {
	return s.setMemoryFields(ctx, id, map[string]interface{}{"embedding": EncodeEmbedding(vec)})
}

// UpdateMemoryMetadata replaces the metadata map.
func (s *Store) UpdateMemoryMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	metaJSON, err := marshalJSON(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return s.setMemoryFields(ctx, id, map[string]interface{}{"metadata": metaJSON})
}

// UpdateEventDate records a resolved temporal reference for a memory.
func (s *Store) UpdateEventDate(ctx context.Context, id string, eventDate time.Time) error {
	return s.setMemoryFields(ctx, id, map[string]interface{}{"event_date": eventDate.Unix()})
}

func (s *Store) setMemoryFields(ctx context.Context, id string, fields map[string]interface{}) error {
	if id == "" {
		return errors.New("memory id is required")
	}
	fields["updated_at"] = now()

	query := StatementBuilder().
		Update("memories").
		SetMap(fields).
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
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

// ListActiveMemories loads up to limit latest, unforgotten memories for one
// user, oldest-updated first so decay sweeps the stalest rows.
func (s *Store) ListActiveMemories(ctx context.Context, userID, containerTag string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 500
	}
	query := StatementBuilder().
		Select(memoryColumns()...).
		From("memories").
		Where(sq.Eq{"user_id": userID, "container_tag": containerTag, "is_latest": 1, "is_forgotten": 0}).
		OrderBy("updated_at ASC").
		Limit(uint64(limit))

	return s.queryMemories(ctx, query)
}

// ListConsolidationCandidates returns visible episodic memories below the
// score ceiling and older than minAge, ordered by event date. Memories with
// no event date sort last so the clustering pass appends them to whatever
// cluster is open.
func (s *Store) ListConsolidationCandidates(ctx context.Context, userID, containerTag string, maxScore float64, minAge time.Duration) ([]*Memory, error) {
	cutoff := time.Now().Add(-minAge).Unix()
	query := StatementBuilder().
		Select(memoryColumns()...).
		From("memories").
		Where(sq.Eq{"user_id": userID, "container_tag": containerTag, "is_latest": 1, "is_forgotten": 0}).
		Where(sq.Eq{"memory_type": string(MemoryTypeEpisodic)}).
		Where(sq.Expr("valid_to IS NULL")).
		Where(sq.Lt{"importance_score": maxScore}).
		Where(sq.LtOrEq{"created_at": cutoff}).
		OrderBy("event_date IS NULL", "event_date ASC", "created_at ASC")

	return s.queryMemories(ctx, query)
}

// ApplyDecayScores writes a batch of decayed scores in one transaction.
func (s *Store) ApplyDecayScores(ctx context.Context, scores map[string]float64) error {
	if len(scores) == 0 {
		return nil
	}
	nowUnix := now()
	return s.RunInTx(ctx, func(tx *sql.Tx) error {
		for id, score := range scores {
			if _, err := tx.ExecContext(ctx, `
UPDATE memories SET importance_score = ?, updated_at = ? WHERE id = ?
`, score, nowUnix, id); err != nil {
				return fmt.Errorf("decay update %s: %w", id, err)
			}
		}
		return nil
	})
}

// ArchiveLowImportance bulk-forgets memories below the score floor that are
// older than minAge. Returns the number of rows archived.
func (s *Store) ArchiveLowImportance(ctx context.Context, userID, containerTag string, maxScore float64, minAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-minAge).Unix()
	nowUnix := now()
	res, err := s.db.ExecContext(ctx, `
UPDATE memories SET is_forgotten = 1, updated_at = ?
WHERE user_id = ? AND container_tag = ?
  AND is_latest = 1 AND is_forgotten = 0
  AND importance_score < ? AND created_at <= ?
`, nowUnix, userID, containerTag, maxScore, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive sweep: %w", err)
	}
	return res.RowsAffected()
}

// FindVisibleByContent returns the visible memory with byte-identical
// content, if one exists. Used as the cheap reconciliation fast path.
func (s *Store) FindVisibleByContent(ctx context.Context, userID, containerTag, content string) (*Memory, error) {
	query := StatementBuilder().
		Select(memoryColumns()...).
		From("memories").
		Where(sq.Eq{"user_id": userID, "container_tag": containerTag, "is_latest": 1, "is_forgotten": 0}).
		Where(sq.Expr("valid_to IS NULL")).
		Where(sq.Eq{"content": content}).
		Limit(1)

	memories, err := s.queryMemories(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return nil, nil
	}
	return memories[0], nil
}

// GetMemoriesByIDs loads multiple memories with a single query.
func (s *Store) GetMemoriesByIDs(ctx context.Context, ids []string) ([]*Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := StatementBuilder().
		Select(memoryColumns()...).
		From("memories").
		Where(sq.Eq{"id": ids})
	return s.queryMemories(ctx, query)
}

// ListUserContainers returns each (user, container) partition that has at
// least one active memory. The scheduler iterates these for batch runs.
func (s *Store) ListUserContainers(ctx context.Context) ([][2]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT user_id, container_tag FROM memories
WHERE is_latest = 1 AND is_forgotten = 0
ORDER BY user_id, container_tag
`)
	if err != nil {
		return nil, fmt.Errorf("list user containers: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out [][2]string
	for rows.Next() {
		var user, tag string
		if err := rows.Scan(&user, &tag); err != nil {
			return nil, err
		}
		out = append(out, [2]string{user, tag})
	}
	return out, rows.Err()
}

// InsertMemoryRelation records an edge between memories (updates, extends,
// derives). Duplicate edges are ignored.
func (s *Store) InsertMemoryRelation(ctx context.Context, from, to string, relType MemoryRelationType) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO memory_relations (from_memory_id, to_memory_id, relation_type, created_at)
VALUES (?, ?, ?, ?)
`, from, to, string(relType), now())
	if err != nil {
		return fmt.Errorf("insert memory relation: %w", err)
	}
	return nil
}

// CountLatestInChain reports how many rows in a version chain still claim
// is_latest. Used by tests to assert the chain invariant.
func (s *Store) CountLatestInChain(ctx context.Context, rootMemoryID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM memories WHERE root_memory_id = ? AND is_latest = 1
`, rootMemoryID).Scan(&n)
	return n, err
}

func (s *Store) queryMemories(ctx context.Context, query sq.SelectBuilder) ([]*Memory, error) {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
