package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/mstanton/engram/llm"
	"github.com/mstanton/engram/store"
)

// DecayReport summarizes one maintenance run over a partition.
type DecayReport struct {
	Scanned      int   `json:"scanned"`
	Decayed      int   `json:"decayed"`
	Clusters     int   `json:"clusters"`
	Consolidated int   `json:"consolidated"`
	Archived     int64 `json:"archived"`
}

// DecayManager runs the periodic lifecycle sweeps: score decay, episodic
// consolidation, and archival. The three phases are independent; a failure
// in one does not stop the others.
type DecayManager struct {
	store  *store.Store
	llm    llm.Client
	cfg    Config
	logger zerolog.Logger
}

// NewDecayManager wires the manager's dependencies.
func NewDecayManager(s *store.Store, client llm.Client, cfg Config, logger zerolog.Logger) *DecayManager {
	return &DecayManager{
		store:  s,
		llm:    client,
		cfg:    cfg,
		logger: logger.With().Str("component", "decay_manager").Logger(),
	}
}

// Run executes all three phases for one partition and reports what changed.
func (d *DecayManager) Run(ctx context.Context, userID, containerTag string) (*DecayReport, error) {
	report := &DecayReport{}
	var errs []error

	if err := d.decayScores(ctx, userID, containerTag, report); err != nil {
		d.logger.Error().Err(err).Str("user_id", userID).Msg("decay phase failed")
		errs = append(errs, fmt.Errorf("decay: %w", err))
	}
	if err := d.consolidate(ctx, userID, containerTag, report); err != nil {
		d.logger.Error().Err(err).Str("user_id", userID).Msg("consolidation phase failed")
		errs = append(errs, fmt.Errorf("consolidate: %w", err))
	}
	if err := d.archive(ctx, userID, containerTag, report); err != nil {
		d.logger.Error().Err(err).Str("user_id", userID).Msg("archival phase failed")
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}

	d.logger.Info().
		Str("user_id", userID).
		Str("container_tag", containerTag).
		Int("scanned", report.Scanned).
		Int("decayed", report.Decayed).
		Int("consolidated", report.Consolidated).
		Int64("archived", report.Archived).
		Msg("maintenance run completed")
	return report, errors.Join(errs...)
}

// decayScores applies exponential decay based on time since last activity.
// Scores already at the floor are left alone, and tiny deltas are skipped to
// keep the sweep from rewriting every row every night.
func (d *DecayManager) decayScores(ctx context.Context, userID, containerTag string, report *DecayReport) error {
	memories, err := d.store.ListActiveMemories(ctx, userID, containerTag, d.cfg.Decay.BatchSize)
	if err != nil {
		return err
	}
	report.Scanned = len(memories)

	now := time.Now()
	updates := make(map[string]float64)
	for _, m := range memories {
		if m.ImportanceScore <= d.cfg.Decay.Floor {
			continue
		}
		next := DecayedScore(m, now, d.cfg.Decay)
		if m.ImportanceScore-next >= d.cfg.Decay.MinWriteDelta {
			updates[m.ID] = next
		}
	}
	if err := d.store.ApplyDecayScores(ctx, updates); err != nil {
		return err
	}
	report.Decayed = len(updates)
	return nil
}

// DecayedScore computes the decayed importance for one memory at the given
// time. Recency counts from the last access when one exists, otherwise from
// creation.
func DecayedScore(m *store.Memory, now time.Time, cfg DecayConfig) float64 {
	anchor := m.CreatedAt
	if m.LastAccessed != nil && m.LastAccessed.After(anchor) {
		anchor = *m.LastAccessed
	}
	months := now.Sub(anchor).Hours() / 24 / 30
	if months < 0 {
		months = 0
	}
	return math.Max(cfg.Floor, m.ImportanceScore*math.Pow(cfg.MonthlyRate, months))
}

// consolidate clusters old low-importance episodic memories by event date
// and distills each big-enough cluster into one semantic memory. The
// originals are forgotten and linked to their summary with derives edges.
func (d *DecayManager) consolidate(ctx context.Context, userID, containerTag string, report *DecayReport) error {
	cfg := d.cfg.Consolidation
	minAge := time.Duration(cfg.MinAgeDays) * 24 * time.Hour
	candidates, err := d.store.ListConsolidationCandidates(ctx, userID, containerTag, cfg.MaxScore, minAge)
	if err != nil {
		return err
	}
	if len(candidates) < cfg.MinCluster {
		return nil
	}

	// One cluster per run keeps the sweep to a single completion call; the
	// remaining clusters wait for the next scheduled run.
	var target []*store.Memory
	for _, cluster := range clusterByEventDate(candidates, cfg.WindowDays) {
		if len(cluster) < cfg.MinCluster {
			continue
		}
		report.Clusters++
		if len(cluster) > len(target) {
			target = cluster
		}
	}
	if target == nil {
		return nil
	}
	if err := d.consolidateCluster(ctx, userID, containerTag, target, report); err != nil {
		d.logger.Warn().Err(err).Int("cluster_size", len(target)).Msg("cluster consolidation failed")
	}
	return nil
}

func (d *DecayManager) consolidateCluster(ctx context.Context, userID, containerTag string, cluster []*store.Memory, report *DecayReport) error {
	contents := lo.Map(cluster, func(m *store.Memory, _ int) string { return m.Content })

	prompt, err := llm.RenderPrompt(llm.PromptConsolidate, map[string]interface{}{
		"Count":    len(cluster),
		"Contents": contents,
	})
	if err != nil {
		return err
	}
	completion, err := d.llm.Complete(ctx, prompt, llm.Options{Temperature: 0.3, MaxTokens: 512})
	if err != nil {
		return err
	}

	summary := strings.TrimSpace(completion)
	// The model signals "nothing generalizable" with a literal null; a
	// too-short answer is treated the same way.
	if summary == "" || strings.EqualFold(summary, "null") || len(summary) < d.cfg.Consolidation.MinSummaryLen {
		d.logger.Debug().Int("cluster_size", len(cluster)).Msg("no consolidatable pattern, skipping cluster")
		return nil
	}

	semantic := &store.Memory{
		UserID:          userID,
		ContainerTag:    containerTag,
		Content:         summary,
		Source:          "consolidation",
		MemoryType:      store.MemoryTypeSemantic,
		ImportanceScore: d.cfg.Consolidation.SemanticScore,
		Status:          store.StatusDone,
		Metadata: map[string]interface{}{
			"consolidated_count": len(cluster),
		},
	}
	if err := d.store.InsertMemory(ctx, semantic); err != nil {
		return err
	}

	for _, m := range cluster {
		if err := d.store.InsertMemoryRelation(ctx, semantic.ID, m.ID, store.RelationDerives); err != nil {
			return err
		}
		if err := d.store.ForgetMemory(ctx, m.ID); err != nil {
			return err
		}
	}
	report.Consolidated += len(cluster)

	d.logger.Info().
		Str("memory_id", semantic.ID).
		Int("sources", len(cluster)).
		Msg("cluster consolidated into semantic memory")
	return nil
}

// clusterByEventDate groups memories whose event dates fall within the
// rolling window. Input arrives ordered with dated memories first; undated
// ones join whatever cluster is open, falling back to one undated cluster.
func clusterByEventDate(memories []*store.Memory, windowDays int) [][]*store.Memory {
	window := time.Duration(windowDays) * 24 * time.Hour

	var clusters [][]*store.Memory
	var current []*store.Memory
	var anchor *time.Time

	for _, m := range memories {
		switch {
		case m.EventDate == nil:
			current = append(current, m)
		case anchor == nil || m.EventDate.Sub(*anchor) <= window:
			current = append(current, m)
			if anchor == nil {
				anchor = m.EventDate
			}
		default:
			clusters = append(clusters, current)
			current = []*store.Memory{m}
			anchor = m.EventDate
		}
	}
	if len(current) > 0 {
		clusters = append(clusters, current)
	}
	return clusters
}

func (d *DecayManager) archive(ctx context.Context, userID, containerTag string, report *DecayReport) error {
	minAge := time.Duration(d.cfg.Archival.MinAgeDays) * 24 * time.Hour
	n, err := d.store.ArchiveLowImportance(ctx, userID, containerTag, d.cfg.Archival.MaxScore, minAge)
	if err != nil {
		return err
	}
	report.Archived = n
	return nil
}
