package engine

import "time"

// DedupConfig tunes the entity resolution cascade.
type DedupConfig struct {
	FuzzyThreshold      float64       `yaml:"fuzzy_threshold"`
	FuzzyCandidateLimit int           `yaml:"fuzzy_candidate_limit"`
	EmbeddingThreshold  float64       `yaml:"embedding_threshold"`
	LLMMinConfidence    float64       `yaml:"llm_min_confidence"`
	FallbackConfidence  float64       `yaml:"fallback_confidence"`
	DescriptionCacheTTL time.Duration `yaml:"description_cache_ttl"`
}

// ReconcileConfig tunes ingestion reconciliation.
type ReconcileConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	CandidateLimit      int     `yaml:"candidate_limit"`
}

// DecayConfig tunes the periodic score decay sweep.
type DecayConfig struct {
	Floor         float64 `yaml:"floor"`
	MonthlyRate   float64 `yaml:"monthly_rate"`
	MinWriteDelta float64 `yaml:"min_write_delta"`
	BatchSize     int     `yaml:"batch_size"`
}

// ConsolidationConfig tunes episodic-to-semantic consolidation.
type ConsolidationConfig struct {
	MaxScore      float64 `yaml:"max_score"`
	MinAgeDays    int     `yaml:"min_age_days"`
	MinCluster    int     `yaml:"min_cluster"`
	WindowDays    int     `yaml:"window_days"`
	SemanticScore float64 `yaml:"semantic_score"`
	MinSummaryLen int     `yaml:"min_summary_len"`
}

// ArchivalConfig tunes soft-deletion of stale low-importance memories.
type ArchivalConfig struct {
	MaxScore   float64 `yaml:"max_score"`
	MinAgeDays int     `yaml:"min_age_days"`
}

// Config collects every lifecycle threshold in one place.
type Config struct {
	Dedup         DedupConfig         `yaml:"dedup"`
	Reconcile     ReconcileConfig     `yaml:"reconcile"`
	Decay         DecayConfig         `yaml:"decay"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Archival      ArchivalConfig      `yaml:"archival"`
}

// DefaultConfig returns the tuned defaults. Callers overlay their own
// values on top of these with mergo rather than filling every field.
func DefaultConfig() Config {
	return Config{
		Dedup: DedupConfig{
			FuzzyThreshold:      0.85,
			FuzzyCandidateLimit: 50,
			EmbeddingThreshold:  0.90,
			LLMMinConfidence:    0.8,
			FallbackConfidence:  0.7,
			DescriptionCacheTTL: 30 * time.Minute,
		},
		Reconcile: ReconcileConfig{
			SimilarityThreshold: 0.80,
			CandidateLimit:      5,
		},
		Decay: DecayConfig{
			Floor:         0.15,
			MonthlyRate:   0.9,
			MinWriteDelta: 0.05,
			BatchSize:     500,
		},
		Consolidation: ConsolidationConfig{
			MaxScore:      0.3,
			MinAgeDays:    30,
			MinCluster:    3,
			WindowDays:    7,
			SemanticScore: 0.6,
			MinSummaryLen: 10,
		},
		Archival: ArchivalConfig{
			MaxScore:   0.15,
			MinAgeDays: 90,
		},
	}
}
