package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mstanton/engram/llm"
	"github.com/mstanton/engram/store"
	"github.com/mstanton/engram/vector"
)

// ReconcileAction classifies how an incoming memory relates to the store.
type ReconcileAction string

const (
	ActionAdd          ReconcileAction = "add"
	ActionUpdate       ReconcileAction = "update"
	ActionDeleteAndAdd ReconcileAction = "delete_and_add"
	ActionNoop         ReconcileAction = "noop"
)

// Incoming is a memory candidate before any row exists for it.
type Incoming struct {
	UserID       string
	ContainerTag string
	Content      string
	Source       string
	EventDate    *time.Time
	Metadata     map[string]interface{}
}

// ReconcileResult records what the reconciler decided and the memory that
// now represents the fact. For noop that is the pre-existing row.
type ReconcileResult struct {
	Action  ReconcileAction
	Memory  *store.Memory
	Against *store.Memory
	Reason  string
}

// Reconciler decides, for each incoming memory, whether it is new
// information, a refinement of a stored fact, a contradiction, or a
// duplicate. Ambiguity always degrades toward "add": storing a redundant
// memory is recoverable, silently dropping information is not.
type Reconciler struct {
	store  *store.Store
	index  vector.Index
	llm    llm.Client
	cfg    ReconcileConfig
	logger zerolog.Logger
}

// NewReconciler wires the reconciler's dependencies.
func NewReconciler(s *store.Store, index vector.Index, client llm.Client, cfg ReconcileConfig, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  s,
		index:  index,
		llm:    client,
		cfg:    cfg,
		logger: logger.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile classifies and applies an incoming memory. The embedding, when
// available, drives similarity lookup; without one only the byte-identical
// fast path can match and everything else becomes an add.
func (r *Reconciler) Reconcile(ctx context.Context, in Incoming, vec []float32) (*ReconcileResult, error) {
	if in.Content == "" {
		return nil, fmt.Errorf("incoming content is empty")
	}

	// Fast path: byte-identical content needs no model call.
	existing, err := r.store.FindVisibleByContent(ctx, in.UserID, in.ContainerTag, in.Content)
	if err != nil {
		return nil, fmt.Errorf("exact content lookup: %w", err)
	}
	if existing != nil {
		if err := r.store.TouchMemoryAccess(ctx, existing.ID); err != nil {
			return nil, err
		}
		r.logger.Debug().Str("memory_id", existing.ID).Msg("identical content, noop")
		return &ReconcileResult{Action: ActionNoop, Memory: existing, Against: existing, Reason: "identical content"}, nil
	}

	match := r.closestMatch(ctx, in, vec)
	if match == nil {
		return r.applyAdd(ctx, in, vec, nil, "no similar memory")
	}

	action, reason := r.classify(ctx, in, match)
	switch action {
	case ActionNoop:
		if err := r.store.TouchMemoryAccess(ctx, match.ID); err != nil {
			return nil, err
		}
		return &ReconcileResult{Action: ActionNoop, Memory: match, Against: match, Reason: reason}, nil

	case ActionUpdate:
		next, err := r.store.CreateMemoryVersion(ctx, match, in.Content, in.EventDate)
		if err != nil {
			return nil, fmt.Errorf("create version: %w", err)
		}
		return &ReconcileResult{Action: ActionUpdate, Memory: next, Against: match, Reason: reason}, nil

	case ActionDeleteAndAdd:
		// The old fact is both invalid (it stopped being true) and
		// forgotten (it should not surface again).
		now := time.Now()
		if err := r.store.InvalidateMemory(ctx, match.ID, now); err != nil {
			return nil, fmt.Errorf("invalidate contradicted memory: %w", err)
		}
		if err := r.store.ForgetMemory(ctx, match.ID); err != nil {
			return nil, fmt.Errorf("forget contradicted memory: %w", err)
		}
		return r.applyAdd(ctx, in, vec, match, reason)

	default:
		return r.applyAdd(ctx, in, vec, nil, reason)
	}
}

// closestMatch returns the nearest stored memory above the similarity
// threshold, or nil.
func (r *Reconciler) closestMatch(ctx context.Context, in Incoming, vec []float32) *store.Memory {
	if len(vec) == 0 {
		return nil
	}
	matches, err := r.index.Query(ctx, vec, vector.Filter{
		UserID:       in.UserID,
		ContainerTag: in.ContainerTag,
		TopK:         r.cfg.CandidateLimit,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("similarity lookup failed, treating as add")
		return nil
	}
	if len(matches) == 0 || matches[0].Score < r.cfg.SimilarityThreshold {
		return nil
	}
	return matches[0].Memory
}

// classify asks the model how the incoming memory relates to its closest
// match. Any failure or unparseable verdict falls back to add.
func (r *Reconciler) classify(ctx context.Context, in Incoming, match *store.Memory) (ReconcileAction, string) {
	prompt, err := llm.RenderPrompt(llm.PromptReconcile, map[string]interface{}{
		"ExistingContent": match.Content,
		"NewContent":      in.Content,
	})
	if err != nil {
		return ActionAdd, "prompt render failed"
	}
	completion, err := r.llm.Complete(ctx, prompt, llm.Options{Temperature: 0, MaxTokens: 256})
	if err != nil {
		r.logger.Warn().Err(err).Msg("reconcile call failed, treating as add")
		return ActionAdd, "classification unavailable"
	}

	var verdict struct {
		Action string `json:"action"`
		Reason string `json:"reason"`
	}
	if !llm.Decode(completion, &verdict) {
		return ActionAdd, "unparseable classification"
	}
	switch ReconcileAction(verdict.Action) {
	case ActionNoop, ActionUpdate, ActionDeleteAndAdd, ActionAdd:
		return ReconcileAction(verdict.Action), verdict.Reason
	default:
		return ActionAdd, "unknown action: " + verdict.Action
	}
}

func (r *Reconciler) applyAdd(ctx context.Context, in Incoming, vec []float32, replaced *store.Memory, reason string) (*ReconcileResult, error) {
	m := &store.Memory{
		UserID:       in.UserID,
		ContainerTag: in.ContainerTag,
		Content:      in.Content,
		Source:       in.Source,
		EventDate:    in.EventDate,
		Metadata:     in.Metadata,
		Embedding:    vec,
	}
	if err := r.store.InsertMemory(ctx, m); err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}

	action := ActionAdd
	if replaced != nil {
		action = ActionDeleteAndAdd
		if err := r.store.InsertMemoryRelation(ctx, m.ID, replaced.ID, store.RelationUpdates); err != nil {
			return nil, err
		}
	}
	return &ReconcileResult{Action: action, Memory: m, Against: replaced, Reason: reason}, nil
}
