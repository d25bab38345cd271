package store

import "time"

// MemoryType distinguishes event-bound memories from consolidated patterns.
type MemoryType string

const (
	MemoryTypeEpisodic MemoryType = "episodic"
	MemoryTypeSemantic MemoryType = "semantic"
)

// ProcessingStatus tracks how far a memory has made it through the
// ingestion pipeline. A failed memory stays visible at whatever partial
// state it reached.
type ProcessingStatus string

const (
	StatusQueued     ProcessingStatus = "queued"
	StatusEmbedding  ProcessingStatus = "embedding"
	StatusExtracting ProcessingStatus = "extracting"
	StatusIndexing   ProcessingStatus = "indexing"
	StatusDone       ProcessingStatus = "done"
	StatusFailed     ProcessingStatus = "failed"
)

// EntityType classifies extracted entities.
type EntityType string

const (
	EntityPerson  EntityType = "person"
	EntityCompany EntityType = "company"
	EntityProject EntityType = "project"
	EntityPlace   EntityType = "place"
	EntityEvent   EntityType = "event"
	EntityOther   EntityType = "other"
)

// LinkRole describes how an entity participates in a memory.
type LinkRole string

const (
	RoleSubject   LinkRole = "subject"
	RoleObject    LinkRole = "object"
	RoleMentioned LinkRole = "mentioned"
	RoleContext   LinkRole = "context"
)

// MemoryRelationType labels edges between memory versions.
type MemoryRelationType string

const (
	RelationUpdates MemoryRelationType = "updates"
	RelationExtends MemoryRelationType = "extends"
	RelationDerives MemoryRelationType = "derives"
)

// Memory is a single fact record. Content is immutable once created;
// lifecycle fields (scoring, forgotten flag, processing status) mutate in
// place, and content changes create a new version instead.
type Memory struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	ContainerTag string     `json:"container_tag"`
	Content      string     `json:"content"`
	Source       string     `json:"source"`
	MemoryType   MemoryType `json:"memory_type"`

	// Version chain. The first write roots the chain; each update inserts
	// a successor and flips the predecessor's is_latest off.
	Version        int    `json:"version"`
	IsLatest       bool   `json:"is_latest"`
	ParentMemoryID string `json:"parent_memory_id,omitempty"`
	RootMemoryID   string `json:"root_memory_id"`

	// Temporal validity, orthogonal to the forgotten flag: valid_to marks
	// when a fact stopped being true, is_forgotten marks archival.
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`

	IsForgotten     bool             `json:"is_forgotten"`
	Status          ProcessingStatus `json:"processing_status"`
	ProcessingError string           `json:"processing_error,omitempty"`

	ImportanceScore float64    `json:"importance_score"`
	AccessCount     int        `json:"access_count"`
	LastAccessed    *time.Time `json:"last_accessed,omitempty"`
	EventDate       *time.Time `json:"event_date,omitempty"`

	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Embedding []float32              `json:"embedding,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Visible reports whether the memory should appear in normal reads.
func (m *Memory) Visible() bool {
	return m.IsLatest && !m.IsForgotten && m.ValidTo == nil
}

// MemoryRelation links a memory to the one it updates, extends, or derives from.
type MemoryRelation struct {
	FromMemoryID string             `json:"from_memory_id"`
	ToMemoryID   string             `json:"to_memory_id"`
	RelationType MemoryRelationType `json:"relation_type"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Entity is a node in the derived knowledge graph.
type Entity struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	ContainerTag  string     `json:"container_tag"`
	Name          string     `json:"name"`
	CanonicalName string     `json:"canonical_name"`
	EntityType    EntityType `json:"entity_type"`

	Attributes      map[string]interface{} `json:"attributes,omitempty"`
	ImportanceScore float64                `json:"importance_score"`
	MentionCount    int                    `json:"mention_count"`
	LastMentioned   *time.Time             `json:"last_mentioned,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityRelationship is a temporally-valid edge between two entities.
// Invalidation sets valid_to; rows are never deleted.
type EntityRelationship struct {
	ID               string                 `json:"id"`
	SourceEntityID   string                 `json:"source_entity_id"`
	TargetEntityID   string                 `json:"target_entity_id"`
	RelationshipType string                 `json:"relationship_type"`
	Attributes       map[string]interface{} `json:"attributes,omitempty"`
	ValidFrom        time.Time              `json:"valid_from"`
	ValidTo          *time.Time             `json:"valid_to,omitempty"`
	SourceMemoryIDs  []string               `json:"source_memory_ids"`
	Confidence       float64                `json:"confidence"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// MemoryEntity links a memory to an entity it mentions.
type MemoryEntity struct {
	MemoryID   string    `json:"memory_id"`
	EntityID   string    `json:"entity_id"`
	Role       LinkRole  `json:"role"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}
