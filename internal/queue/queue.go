// Package queue drives the asynchronous per-Thought task lifecycle:
// enqueue with de-duplication, execution through the tool registry, and the
// resulting status transitions. A Thought's task never runs twice
// concurrently.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mindloop/internal/insight"
	"mindloop/internal/model"
	"mindloop/internal/store"
	"mindloop/internal/tools"
)

// maxConcurrentTasks bounds how many tasks one ProcessPending pass runs at
// once.
const maxConcurrentTasks = 4

// Queue owns the pending-task lifecycle for Thoughts.
type Queue struct {
	store    *store.Store
	registry *tools.Registry
	provider insight.Provider
	logger   *zap.Logger

	// creator is bound after construction; the reasoner implements it.
	creator tools.ThoughtCreator

	// active guards against double execution of the same Thought's task
	// under concurrent scheduling. It is presence-only, not a lock.
	mu     sync.Mutex
	active map[string]bool
}

// New constructs the queue. SetThoughtCreator must be called before tasks
// that spawn Thoughts can run.
func New(st *store.Store, registry *tools.Registry, provider insight.Provider, logger *zap.Logger) *Queue {
	return &Queue{
		store:    st,
		registry: registry,
		provider: provider,
		logger:   logger.Named("queue"),
		active:   make(map[string]bool),
	}
}

// SetThoughtCreator binds the collaborator that creates Thoughts on behalf
// of tools.
func (q *Queue) SetThoughtCreator(c tools.ThoughtCreator) {
	q.creator = c
}

// Enqueue marks a Thought pending with the given task. If the Thought is
// already pending or processing with an identical (toolName, params)
// pending task, this is a no-op: no write, no event.
func (q *Queue) Enqueue(thoughtID, toolName string, params map[string]any) error {
	th, err := q.store.GetThought(thoughtID)
	if err != nil {
		return err
	}

	task := &model.PendingTask{ToolName: toolName, Params: params}
	status := th.Metadata.Status
	if (status == model.StatusPending || status == model.StatusProcessing) && th.Metadata.PendingTask.Equal(task) {
		q.logger.Debug("duplicate enqueue ignored",
			zap.String("thought", thoughtID), zap.String("tool", toolName))
		return nil
	}

	_, err = q.store.PatchThought(thoughtID, &model.ThoughtPatch{
		Status:      model.StatusPtr(model.StatusPending),
		PendingTask: task,
	})
	if err != nil {
		return err
	}
	q.logger.Debug("task enqueued",
		zap.String("thought", thoughtID), zap.String("tool", toolName))
	return nil
}

// tryAcquire marks the Thought active; false means a task is already running.
func (q *Queue) tryAcquire(thoughtID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[thoughtID] {
		return false
	}
	q.active[thoughtID] = true
	return true
}

func (q *Queue) release(thoughtID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, thoughtID)
}

// IsActive reports whether the Thought's task is currently executing.
func (q *Queue) IsActive(thoughtID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[thoughtID]
}

// ProcessTask runs the Thought's pending task. Returns false immediately if
// the Thought is already active, has no pending task, or is not pending.
// The active flag is cleared unconditionally, success or failure. Tool
// failures become a failed status with errorInfo; they are not returned.
func (q *Queue) ProcessTask(ctx context.Context, thoughtID string) (started bool, err error) {
	if !q.tryAcquire(thoughtID) {
		return false, nil
	}
	defer q.release(thoughtID)

	th, err := q.store.GetThought(thoughtID)
	if err != nil {
		return false, err
	}
	task := th.Metadata.PendingTask
	if task == nil || th.Metadata.Status != model.StatusPending {
		return false, nil
	}

	if _, err := q.store.PatchThought(thoughtID, &model.ThoughtPatch{
		Status:       model.StatusPtr(model.StatusProcessing),
		ClearPending: true,
	}); err != nil {
		return false, err
	}

	execCtx := &tools.ExecContext{
		ThoughtID: thoughtID,
		Store:     q.store,
		Provider:  q.provider,
		Creator:   q.creator,
	}
	_, toolErr := q.registry.Execute(ctx, task.ToolName, task.Params, execCtx)

	patch := &model.ThoughtPatch{ErrorInfo: model.StrPtr("")}
	if toolErr != nil {
		patch.Status = model.StatusPtr(model.StatusFailed)
		patch.ErrorInfo = model.StrPtr(toolErr.Error())
	} else {
		patch.Status = model.StatusPtr(model.StatusCompleted)
	}
	if _, err := q.store.PatchThought(thoughtID, patch); err != nil {
		q.logger.Warn("status transition failed",
			zap.String("thought", thoughtID), zap.Error(err))
	}
	return true, nil
}

// ProcessPending runs up to limit pending tasks. Tasks run concurrently
// with each other but never more than once per Thought. Returns the count
// actually started.
func (q *Queue) ProcessPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	pending, err := q.store.ListThoughts(&store.Filter{
		Statuses: []model.Status{model.StatusPending},
	})
	if err != nil {
		return 0, err
	}

	var selected []string
	for _, th := range pending {
		if q.IsActive(th.ID) {
			continue
		}
		selected = append(selected, th.ID)
		if len(selected) == limit {
			break
		}
	}

	var started atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTasks)
	for _, id := range selected {
		id := id
		g.Go(func() error {
			ok, err := q.ProcessTask(gctx, id)
			if err != nil {
				q.logger.Warn("task processing failed",
					zap.String("thought", id), zap.Error(err))
				return nil
			}
			if ok {
				started.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := started.Load(); n > 0 {
		q.logger.Debug("processed pending tasks", zap.Int64("started", n))
	}
	return int(started.Load()), nil
}
