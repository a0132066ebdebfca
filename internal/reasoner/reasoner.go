// Package reasoner is the top-level driver: the Thought mutation API, the
// Guide interpreter, and the periodic processing cycle that ties the store,
// queue, tool registry and insight provider together.
package reasoner

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mindloop/internal/insight"
	"mindloop/internal/model"
	"mindloop/internal/notify"
	"mindloop/internal/queue"
	"mindloop/internal/store"
	"mindloop/internal/tools"
)

const (
	// embeddingTool enriches new and edited content in the background.
	embeddingTool = "generate_embedding"

	// feedbackNudgeScale converts a rating in [0,1] into a priority delta.
	feedbackNudgeScale = 0.1
)

// suggestionTypes are the thought types eligible for opportunistic
// suggestion generation during a cycle.
var suggestionTypes = map[string]bool{
	model.TypeNote:     true,
	model.TypeGoal:     true,
	model.TypeQuestion: true,
}

// Reasoner owns Thought lifecycle decisions. All writes to the store from
// the outside world and from cycles go through it.
type Reasoner struct {
	store       *store.Store
	queue       *queue.Queue
	registry    *tools.Registry
	provider    insight.Provider
	broadcaster *notify.Broadcaster
	logger      *zap.Logger

	cycleRunning atomic.Bool

	// suggestChance reports whether this particular thought should get a
	// suggestions pass. Replaced in tests for determinism.
	suggestChance func() bool
}

// New wires a Reasoner. suggestionProbability is the per-thought chance of
// requesting suggestions during a cycle.
func New(st *store.Store, q *queue.Queue, registry *tools.Registry, provider insight.Provider, broadcaster *notify.Broadcaster, suggestionProbability float64, logger *zap.Logger) *Reasoner {
	return &Reasoner{
		store:       st,
		queue:       q,
		registry:    registry,
		provider:    provider,
		broadcaster: broadcaster,
		logger:      logger,
		suggestChance: func() bool {
			return rand.Float64() < suggestionProbability
		},
	}
}

// CreateThought persists a new Thought. When embeddings are available and
// the content is non-empty, an embedding task is enqueued and the Thought
// starts pending; otherwise it is completed immediately.
func (r *Reasoner) CreateThought(ctx context.Context, content, thoughtType string, priority float64, links []model.Link, extra map[string]any) (*model.Thought, error) {
	if thoughtType == "" {
		thoughtType = model.TypeNote
	}

	enrich := content != "" && r.provider.EmbeddingsAvailable()
	status := model.StatusCompleted
	if enrich {
		status = model.StatusPending
	}

	th := &model.Thought{
		ID:       uuid.NewString(),
		Content:  content,
		Priority: model.ClampPriority(priority),
		Type:     thoughtType,
		Links:    links,
		Metadata: model.Metadata{
			Status: status,
			Extra:  extra,
		},
	}
	if err := r.store.PutThought(th); err != nil {
		return nil, err
	}

	if enrich {
		if err := r.queue.Enqueue(th.ID, embeddingTool, nil); err != nil {
			return nil, err
		}
		return r.store.GetThought(th.ID)
	}

	r.logger.Debug("thought created",
		zap.String("id", th.ID),
		zap.String("type", th.Type))
	return th, nil
}

// UpdateThought applies a merge-update. A content change re-enqueues the
// embedding task; the previously indexed vector is replaced on the next
// index write, not invalidated here.
func (r *Reasoner) UpdateThought(ctx context.Context, id string, patch *model.ThoughtPatch) (*model.Thought, error) {
	existing, err := r.store.GetThought(id)
	if err != nil {
		return nil, err
	}
	reindex := patch.ContentChanged(existing) && r.provider.EmbeddingsAvailable()

	th, err := r.store.PatchThought(id, patch)
	if err != nil {
		return nil, err
	}

	if reindex && th.Content != "" {
		if err := r.queue.Enqueue(id, embeddingTool, nil); err != nil {
			return nil, err
		}
		return r.store.GetThought(id)
	}
	return th, nil
}

// DeleteThought removes the Thought from the primary store.
func (r *Reasoner) DeleteThought(ctx context.Context, id string) error {
	return r.store.DeleteThought(id)
}

// ProvideFeedback appends the record. A numeric "rating" in [0,1] nudges
// priority by (rating - 0.5) * 0.1, clamped.
func (r *Reasoner) ProvideFeedback(ctx context.Context, id string, fb model.Feedback) (*model.Thought, error) {
	if fb.Timestamp.IsZero() {
		fb.Timestamp = time.Now().UTC()
	}

	patch := &model.ThoughtPatch{AppendFeedback: []model.Feedback{fb}}
	if fb.Type == "rating" {
		if rating, ok := feedbackRating(fb.Value); ok {
			existing, err := r.store.GetThought(id)
			if err != nil {
				return nil, err
			}
			nudged := existing.Priority + (rating-0.5)*feedbackNudgeScale
			patch.Priority = model.F64Ptr(model.ClampPriority(nudged))
		}
	}
	return r.store.PatchThought(id, patch)
}

func feedbackRating(v any) (float64, bool) {
	var rating float64
	switch n := v.(type) {
	case float64:
		rating = n
	case float32:
		rating = float64(n)
	case int:
		rating = float64(n)
	default:
		return 0, false
	}
	if rating < 0 || rating > 1 {
		return 0, false
	}
	return rating, true
}

// RunTool enqueues a tool against a Thought, or executes it immediately when
// no Thought id is given.
func (r *Reasoner) RunTool(ctx context.Context, thoughtID, toolName string, params map[string]any) (string, error) {
	if thoughtID != "" {
		return "", r.queue.Enqueue(thoughtID, toolName, params)
	}
	return r.registry.Execute(ctx, toolName, params, &tools.ExecContext{
		Store:    r.store,
		Provider: r.provider,
		Creator:  r,
	})
}

var _ tools.ThoughtCreator = (*Reasoner)(nil)
