package reasoner

import (
	"context"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mindloop/internal/guide"
	"mindloop/internal/model"
	"mindloop/internal/store"
)

// cycleWorkers bounds how many thoughts a cycle evaluates concurrently.
const cycleWorkers = 4

// suggestionContextSize is how many semantically similar thoughts ride
// along with a suggestions request.
const suggestionContextSize = 5

// CycleStats summarizes one processing cycle.
type CycleStats struct {
	TasksProcessed    int `json:"tasksProcessed"`
	ThoughtsEvaluated int `json:"thoughtsEvaluated"`
	GuideEffects      int `json:"guideEffects"`
	Suggestions       int `json:"suggestions"`
}

// compiledGuide is a Guide with its DSL parsed once per cycle.
type compiledGuide struct {
	id   string
	cond guide.Condition
	cmd  guide.Command
}

// ProcessCycle runs one bounded pass: drain pending tasks, evaluate Guides
// against settled thoughts in priority order, opportunistically request
// suggestions, then emit a summary status notification. A cycle already in
// flight causes the call to return (nil, nil) immediately.
func (r *Reasoner) ProcessCycle(ctx context.Context, limit int) (*CycleStats, error) {
	if !r.cycleRunning.CompareAndSwap(false, true) {
		r.logger.Debug("cycle already running, skipping")
		return nil, nil
	}
	defer r.cycleRunning.Store(false)

	stats := &CycleStats{}

	// Guides reload every cycle so edits take effect without restart.
	guides, err := r.loadGuides()
	if err != nil {
		return nil, err
	}

	started, err := r.queue.ProcessPending(ctx, limit)
	if err != nil {
		r.logger.Warn("draining pending tasks", zap.Error(err))
	}
	stats.TasksProcessed = started

	remaining := limit - started
	if remaining > 0 {
		evaluated, effects, suggested := r.evaluateThoughts(ctx, guides, remaining)
		stats.ThoughtsEvaluated = evaluated
		stats.GuideEffects = effects
		stats.Suggestions = suggested
	}

	r.broadcaster.Status(map[string]any{
		"state":             "cycle_complete",
		"tasksProcessed":    stats.TasksProcessed,
		"thoughtsEvaluated": stats.ThoughtsEvaluated,
		"guideEffects":      stats.GuideEffects,
		"suggestions":       stats.Suggestions,
	})
	r.logger.Info("cycle complete",
		zap.Int("tasks", stats.TasksProcessed),
		zap.Int("thoughts", stats.ThoughtsEvaluated),
		zap.Int("guideEffects", stats.GuideEffects),
		zap.Int("suggestions", stats.Suggestions))
	return stats, nil
}

func (r *Reasoner) loadGuides() ([]compiledGuide, error) {
	raw, err := r.store.ListGuides()
	if err != nil {
		return nil, err
	}
	compiled := make([]compiledGuide, 0, len(raw))
	for _, g := range raw {
		compiled = append(compiled, compiledGuide{
			id:   g.ID,
			cond: guide.ParseCondition(g.Condition),
			cmd:  guide.ParseAction(g.Action),
		})
	}
	return compiled, nil
}

// evaluateThoughts applies every matching Guide to up to budget settled
// thoughts, highest priority first, each thought handled concurrently.
func (r *Reasoner) evaluateThoughts(ctx context.Context, guides []compiledGuide, budget int) (evaluated, effects, suggested int) {
	thoughts, err := r.store.ListThoughts(&store.Filter{
		Statuses:           []model.Status{model.StatusCompleted},
		IncludeUnsetStatus: true,
	})
	if err != nil {
		r.logger.Warn("listing thoughts for cycle", zap.Error(err))
		return 0, 0, 0
	}

	sort.SliceStable(thoughts, func(i, j int) bool {
		return thoughts[i].Priority > thoughts[j].Priority
	})
	if len(thoughts) > budget {
		thoughts = thoughts[:budget]
	}

	var effectCount, suggestionCount atomic.Int64
	var eg errgroup.Group
	eg.SetLimit(cycleWorkers)
	for _, th := range thoughts {
		eg.Go(func() error {
			effectCount.Add(int64(r.applyGuides(ctx, th, guides)))
			if r.maybeSuggest(ctx, th) {
				suggestionCount.Add(1)
			}
			return nil
		})
	}
	_ = eg.Wait()

	return len(thoughts), int(effectCount.Load()), int(suggestionCount.Load())
}

// applyGuides evaluates every Guide in list order against the thought,
// applying each matching action. No short-circuiting: a false or even
// malformed Guide never stops later ones.
func (r *Reasoner) applyGuides(ctx context.Context, th *model.Thought, guides []compiledGuide) int {
	effects := 0
	current := th
	for _, g := range guides {
		if !g.cond.Matches(current, r.logger) {
			continue
		}
		if r.applyAction(ctx, current, g.cmd, g.id) {
			effects++
			// later guides see the mutated thought
			if fresh, err := r.store.GetThought(th.ID); err == nil {
				current = fresh
			}
		}
	}
	return effects
}

// maybeSuggest rolls the suggestion probability and, for eligible thought
// types, asks the provider with semantically similar thoughts as context.
// Returns true when suggestions were stored.
func (r *Reasoner) maybeSuggest(ctx context.Context, th *model.Thought) bool {
	if !suggestionTypes[th.Type] || !r.provider.SuggestionsAvailable() {
		return false
	}
	if !r.suggestChance() {
		return false
	}

	var contextThoughts []*model.Thought
	if th.Content != "" {
		results, err := r.store.SemanticSearch(ctx, th.Content, suggestionContextSize+1)
		if err == nil {
			for _, res := range results {
				if res.Thought.ID == th.ID {
					continue
				}
				contextThoughts = append(contextThoughts, res.Thought)
				if len(contextThoughts) == suggestionContextSize {
					break
				}
			}
		}
	}

	suggestions := r.provider.Suggestions(ctx, th, contextThoughts)
	if len(suggestions) == 0 {
		return false
	}
	if _, err := r.store.PatchThought(th.ID, &model.ThoughtPatch{AISuggestions: suggestions}); err != nil {
		r.logger.Warn("storing suggestions",
			zap.String("thoughtId", th.ID),
			zap.Error(err))
		return false
	}
	return true
}
