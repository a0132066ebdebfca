package reasoner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"mindloop/internal/insight"
	"mindloop/internal/model"
	"mindloop/internal/notify"
	"mindloop/internal/queue"
	"mindloop/internal/store"
	"mindloop/internal/tools"
)

func TestMain(m *testing.M) {
	// go.opencensus.io starts a metrics worker goroutine in its package init
	// (pulled in transitively via google.golang.org/genai); it cannot be
	// stopped by the code under test.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// stubProvider offers fixed suggestions and tiny deterministic embeddings,
// with each capability toggleable per test.
type stubProvider struct {
	suggestions bool
	embeddings  bool
}

func (p *stubProvider) SuggestionsAvailable() bool { return p.suggestions }
func (p *stubProvider) EmbeddingsAvailable() bool  { return p.embeddings }
func (p *stubProvider) Name() string               { return "stub" }

func (p *stubProvider) Suggestions(_ context.Context, _ *model.Thought, _ []*model.Thought) []string {
	if !p.suggestions {
		return []string{"suggestions are not available"}
	}
	return []string{"break it into steps", "add a deadline"}
}

func (p *stubProvider) Embed(_ context.Context, text string) ([]float32, error) {
	if !p.embeddings {
		return nil, insight.ErrEmbeddingsUnavailable
	}
	v := make([]float32, 4)
	for i, r := range text {
		v[i%4] += float32(r) / 1000
	}
	return v, nil
}

type fixture struct {
	reasoner    *Reasoner
	store       *store.Store
	queue       *queue.Queue
	broadcaster *notify.Broadcaster
	provider    *stubProvider
}

func newFixture(t *testing.T, provider *stubProvider) *fixture {
	t.Helper()
	broadcaster := notify.NewBroadcaster(zap.NewNop())
	st, err := store.New(":memory:", provider, broadcaster, 10*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		broadcaster.Close()
	})

	registry := tools.NewRegistry(st, broadcaster, zap.NewNop())
	tools.RegisterBuiltins(registry)
	q := queue.New(st, registry, provider, zap.NewNop())
	r := New(st, q, registry, provider, broadcaster, 0, zap.NewNop())
	q.SetThoughtCreator(r)
	return &fixture{reasoner: r, store: st, queue: q, broadcaster: broadcaster, provider: provider}
}

func TestCreateThoughtWithoutEmbeddingsCompletesImmediately(t *testing.T) {
	f := newFixture(t, &stubProvider{})

	th, err := f.reasoner.CreateThought(context.Background(), "note to self", "", 0.7, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, model.TypeNote, th.Type)
	assert.Equal(t, model.StatusCompleted, th.Metadata.Status)
	assert.Nil(t, th.Metadata.PendingTask)
	assert.Equal(t, 0.7, th.Priority)
	assert.False(t, th.Metadata.CreatedAt.IsZero())
}

func TestCreateThoughtWithEmbeddingsEnqueues(t *testing.T) {
	f := newFixture(t, &stubProvider{embeddings: true})

	th, err := f.reasoner.CreateThought(context.Background(), "learn go generics", model.TypeGoal, 1.5, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1.0, th.Priority) // clamped
	assert.Equal(t, model.StatusPending, th.Metadata.Status)
	require.NotNil(t, th.Metadata.PendingTask)
	assert.Equal(t, "generate_embedding", th.Metadata.PendingTask.ToolName)
}

func TestCreateThoughtEmptyContentNeverEnqueues(t *testing.T) {
	f := newFixture(t, &stubProvider{embeddings: true})

	th, err := f.reasoner.CreateThought(context.Background(), "", model.TypeNote, 0.5, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, th.Metadata.Status)
	assert.Nil(t, th.Metadata.PendingTask)
}

func TestUpdateThoughtReenqueuesOnContentChange(t *testing.T) {
	f := newFixture(t, &stubProvider{embeddings: true})
	th, err := f.reasoner.CreateThought(context.Background(), "original", model.TypeNote, 0.5, nil, nil)
	require.NoError(t, err)

	// settle the create-time task first
	_, err = f.queue.ProcessTask(context.Background(), th.ID)
	require.NoError(t, err)

	updated, err := f.reasoner.UpdateThought(context.Background(), th.ID, &model.ThoughtPatch{
		Content: model.StrPtr("rewritten"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, updated.Metadata.Status)
	require.NotNil(t, updated.Metadata.PendingTask)
	assert.Equal(t, "generate_embedding", updated.Metadata.PendingTask.ToolName)

	// a metadata-only update does not re-enqueue
	_, err = f.queue.ProcessTask(context.Background(), th.ID)
	require.NoError(t, err)
	updated, err = f.reasoner.UpdateThought(context.Background(), th.ID, &model.ThoughtPatch{
		Tags: []string{"x"},
	})
	require.NoError(t, err)
	assert.Nil(t, updated.Metadata.PendingTask)
	assert.Equal(t, model.StatusCompleted, updated.Metadata.Status)
}

func TestUpdateThoughtMissing(t *testing.T) {
	f := newFixture(t, &stubProvider{})
	_, err := f.reasoner.UpdateThought(context.Background(), "nope", &model.ThoughtPatch{})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestProvideFeedbackRatingNudgesPriority(t *testing.T) {
	f := newFixture(t, &stubProvider{})
	th, err := f.reasoner.CreateThought(context.Background(), "c", model.TypeNote, 0.5, nil, nil)
	require.NoError(t, err)

	got, err := f.reasoner.ProvideFeedback(context.Background(), th.ID, model.Feedback{
		Type:  "rating",
		Value: 1.0,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.55, got.Priority, 1e-9)
	require.Len(t, got.Metadata.Feedback, 1)
	assert.False(t, got.Metadata.Feedback[0].Timestamp.IsZero())

	// low rating nudges down
	got, err = f.reasoner.ProvideFeedback(context.Background(), th.ID, model.Feedback{
		Type:  "rating",
		Value: 0.0,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.Priority, 1e-9)
	assert.Len(t, got.Metadata.Feedback, 2)
}

func TestProvideFeedbackNonRatingAppendsOnly(t *testing.T) {
	f := newFixture(t, &stubProvider{})
	th, err := f.reasoner.CreateThought(context.Background(), "c", model.TypeNote, 0.5, nil, nil)
	require.NoError(t, err)

	got, err := f.reasoner.ProvideFeedback(context.Background(), th.ID, model.Feedback{
		Type:  "comment",
		Value: "nice",
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Priority)
	assert.Len(t, got.Metadata.Feedback, 1)

	// out-of-range rating appends without nudging
	got, err = f.reasoner.ProvideFeedback(context.Background(), th.ID, model.Feedback{
		Type:  "rating",
		Value: 7.0,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Priority)
	assert.Len(t, got.Metadata.Feedback, 2)
}

func putGuide(t *testing.T, st *store.Store, id, condition, action string) {
	t.Helper()
	require.NoError(t, st.PutGuide(&model.Guide{ID: id, Condition: condition, Action: action}))
}

func TestCycleGuideAddsTagWithoutEnqueuing(t *testing.T) {
	f := newFixture(t, &stubProvider{})
	th, err := f.reasoner.CreateThought(context.Background(), "fix the fence", model.TypeTask, 0.5, nil, nil)
	require.NoError(t, err)
	putGuide(t, f.store, "g1", "type=task", "add_tag=chore")

	stats, err := f.reasoner.ProcessCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.GuideEffects)

	got, err := f.store.GetThought(th.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"chore"}, got.Metadata.Tags)
	assert.Nil(t, got.Metadata.PendingTask)

	// second cycle is a no-effect: the tag is already present
	stats, err = f.reasoner.ProcessCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.GuideEffects)
}

func TestCycleRunToolUnregisteredFailsThought(t *testing.T) {
	f := newFixture(t, &stubProvider{})
	th, err := f.reasoner.CreateThought(context.Background(), "doomed", model.TypeNote, 0.5, nil, nil)
	require.NoError(t, err)
	putGuide(t, f.store, "g1", "content=doomed", "run_tool=no_such_tool")

	msgs, cancel := f.broadcaster.Subscribe()
	defer cancel()

	// first cycle enqueues, second drains and fails the task
	_, err = f.reasoner.ProcessCycle(context.Background(), 10)
	require.NoError(t, err)
	stats, err := f.reasoner.ProcessCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TasksProcessed)

	got, err := f.store.GetThought(th.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Metadata.Status)
	assert.NotEmpty(t, got.Metadata.ErrorInfo)

	events, err := f.store.ListEvents(&store.EventFilter{Type: model.EventToolFailure})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, th.ID, events[0].TargetID)

	sawError := false
	for len(msgs) > 0 {
		if msg := <-msgs; msg.Type == notify.TypeError {
			sawError = true
		}
	}
	assert.True(t, sawError, "expected an error broadcast")
}

func TestCycleGuidesApplyInOrderWithoutShortCircuit(t *testing.T) {
	f := newFixture(t, &stubProvider{})
	th, err := f.reasoner.CreateThought(context.Background(), "c", model.TypeNote, 0.5, nil, nil)
	require.NoError(t, err)
	putGuide(t, f.store, "g1", "type=task", "add_tag=never") // does not match
	putGuide(t, f.store, "g2", "type=note", "add_tag=first")
	putGuide(t, f.store, "g3", "tag=first", "add_tag=second") // sees g2's effect

	stats, err := f.reasoner.ProcessCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.GuideEffects)

	got, err := f.store.GetThought(th.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"first", "second"}, got.Metadata.Tags)
}

func TestCycleLinkToRequiresExistingTarget(t *testing.T) {
	f := newFixture(t, &stubProvider{})
	target, err := f.reasoner.CreateThought(context.Background(), "target", model.TypeNote, 0.5, nil, nil)
	require.NoError(t, err)
	src, err := f.reasoner.CreateThought(context.Background(), "source", model.TypeGoal, 0.5, nil, nil)
	require.NoError(t, err)
	putGuide(t, f.store, "g1", "type=goal", "link_to="+target.ID+":related")
	putGuide(t, f.store, "g2", "type=goal", "link_to=ghost:related")

	stats, err := f.reasoner.ProcessCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.GuideEffects)

	got, err := f.store.GetThought(src.ID)
	require.NoError(t, err)
	require.Len(t, got.Links, 1)
	assert.Equal(t, target.ID, got.Links[0].TargetID)
	assert.Equal(t, "related", got.Links[0].Relationship)

	// repeating the cycle does not duplicate the link
	stats, err = f.reasoner.ProcessCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.GuideEffects)
}

func TestCycleCreateTaskSpawnsLinkedChild(t *testing.T) {
	f := newFixture(t, &stubProvider{})
	parent, err := f.reasoner.CreateThought(context.Background(), "plan the move", model.TypeGoal, 0.9, nil, nil)
	require.NoError(t, err)
	putGuide(t, f.store, "g1", "type=goal", "create_task=pack boxes")

	// first cycle enqueues spawn_child, second drains it
	_, err = f.reasoner.ProcessCycle(context.Background(), 10)
	require.NoError(t, err)
	_, err = f.reasoner.ProcessCycle(context.Background(), 10)
	require.NoError(t, err)

	children, err := f.store.FindByLinkTarget(parent.ID, "child_of")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "pack boxes", children[0].Content)
	assert.Equal(t, model.TypeTask, children[0].Type)
}

func TestCycleBudgetCoversTasksFirst(t *testing.T) {
	f := newFixture(t, &stubProvider{})
	th, err := f.reasoner.CreateThought(context.Background(), "c", model.TypeNote, 0.5, nil, nil)
	require.NoError(t, err)
	putGuide(t, f.store, "g1", "type=note", "add_tag=seen")
	require.NoError(t, f.queue.Enqueue(th.ID, "generate_embedding", nil))

	// the single pending task consumes the whole budget
	stats, err := f.reasoner.ProcessCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TasksProcessed)
	assert.Equal(t, 0, stats.ThoughtsEvaluated)
}

func TestCycleReentrancyGuard(t *testing.T) {
	f := newFixture(t, &stubProvider{})
	f.reasoner.cycleRunning.Store(true)

	stats, err := f.reasoner.ProcessCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, stats)
}

func TestCycleEmitsSummaryStatus(t *testing.T) {
	f := newFixture(t, &stubProvider{})
	_, err := f.reasoner.CreateThought(context.Background(), "c", model.TypeNote, 0.5, nil, nil)
	require.NoError(t, err)

	msgs, cancel := f.broadcaster.Subscribe()
	defer cancel()

	_, err = f.reasoner.ProcessCycle(context.Background(), 10)
	require.NoError(t, err)

	var summary map[string]any
	for len(msgs) > 0 {
		msg := <-msgs
		if msg.Type != notify.TypeStatusUpdate {
			continue
		}
		payload, ok := msg.Payload.(map[string]any)
		if ok && payload["state"] == "cycle_complete" {
			summary = payload
		}
	}
	require.NotNil(t, summary, "expected a cycle_complete status_update")
	assert.Equal(t, 1, summary["thoughtsEvaluated"])
}

func TestCycleSuggestionsForEligibleTypes(t *testing.T) {
	f := newFixture(t, &stubProvider{suggestions: true})
	f.reasoner.suggestChance = func() bool { return true }

	note, err := f.reasoner.CreateThought(context.Background(), "a note", model.TypeNote, 0.5, nil, nil)
	require.NoError(t, err)
	task, err := f.reasoner.CreateThought(context.Background(), "a task", model.TypeTask, 0.5, nil, nil)
	require.NoError(t, err)

	stats, err := f.reasoner.ProcessCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Suggestions)

	got, err := f.store.GetThought(note.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"break it into steps", "add a deadline"}, got.Metadata.AISuggestions)

	got, err = f.store.GetThought(task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Metadata.AISuggestions)
}

func TestCycleSuggestionsRespectProbability(t *testing.T) {
	f := newFixture(t, &stubProvider{suggestions: true})
	f.reasoner.suggestChance = func() bool { return false }

	note, err := f.reasoner.CreateThought(context.Background(), "a note", model.TypeNote, 0.5, nil, nil)
	require.NoError(t, err)

	stats, err := f.reasoner.ProcessCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Suggestions)

	got, err := f.store.GetThought(note.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Metadata.AISuggestions)
}

func TestRunToolImmediateWithoutThought(t *testing.T) {
	f := newFixture(t, &stubProvider{})

	result, err := f.reasoner.RunTool(context.Background(), "", "spawn_child", map[string]any{
		"content": "orphan task",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result)

	thoughts, err := f.store.ListThoughts(nil)
	require.NoError(t, err)
	require.Len(t, thoughts, 1)
	assert.Equal(t, "orphan task", thoughts[0].Content)
}
