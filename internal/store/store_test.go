package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindloop/internal/model"
	"mindloop/internal/notify"
)

// fakeProvider is a deterministic insight.Provider for store tests. It
// embeds text as a fixed-dimension bag-of-letters vector so similar strings
// land near each other.
type fakeProvider struct {
	mu         sync.Mutex
	embeds     int
	embedErr   error
	available  bool
	suggestion []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{available: true}
}

func (f *fakeProvider) SuggestionsAvailable() bool { return f.available }
func (f *fakeProvider) EmbeddingsAvailable() bool  { return f.available }
func (f *fakeProvider) Name() string               { return "fake" }

func (f *fakeProvider) Suggestions(context.Context, *model.Thought, []*model.Thought) []string {
	if len(f.suggestion) > 0 {
		return f.suggestion
	}
	return []string{"try something"}
}

func (f *fakeProvider) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeds++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	vec := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			vec[r-'a']++
		}
	}
	return vec, nil
}

func (f *fakeProvider) embedCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.embeds
}

func newTestStore(t *testing.T) (*Store, *fakeProvider, *notify.Broadcaster) {
	t.Helper()
	provider := newFakeProvider()
	broadcaster := notify.NewBroadcaster(zap.NewNop())
	s, err := New(":memory:", provider, broadcaster, 20*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		broadcaster.Close()
	})
	return s, provider, broadcaster
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _, _ := newTestStore(t)

	th := &model.Thought{
		ID:       "t1",
		Content:  "buy milk",
		Priority: 0.4,
		Type:     model.TypeTask,
		Links:    []model.Link{{TargetID: "t2", Relationship: "child"}},
		Metadata: model.Metadata{
			Tags:   []string{"errand"},
			Status: model.StatusCompleted,
			UI:     map[string]any{"x": 12.0},
		},
	}
	require.NoError(t, s.PutThought(th))

	got, err := s.GetThought("t1")
	require.NoError(t, err)
	assert.Equal(t, th.ID, got.ID)
	assert.Equal(t, th.Content, got.Content)
	assert.Equal(t, th.Priority, got.Priority)
	assert.Equal(t, th.Type, got.Type)
	assert.Equal(t, th.Links, got.Links)
	assert.Equal(t, th.Metadata.Tags, got.Metadata.Tags)
	assert.Equal(t, th.Metadata.Status, got.Metadata.Status)
	assert.Equal(t, th.Metadata.UI, got.Metadata.UI)
	assert.False(t, got.Metadata.CreatedAt.IsZero())
	assert.False(t, got.Metadata.UpdatedAt.IsZero())
}

func TestPutPreservesCreatedAt(t *testing.T) {
	s, _, _ := newTestStore(t)

	th := &model.Thought{ID: "t1", Content: "v1", Type: model.TypeNote}
	require.NoError(t, s.PutThought(th))
	created := th.Metadata.CreatedAt
	firstUpdated := th.Metadata.UpdatedAt

	time.Sleep(2 * time.Millisecond)
	th.Content = "v2"
	require.NoError(t, s.PutThought(th))

	got, err := s.GetThought("t1")
	require.NoError(t, err)
	assert.Equal(t, created.Format(timeFormat), got.Metadata.CreatedAt.Format(timeFormat))
	assert.True(t, got.Metadata.UpdatedAt.After(firstUpdated), "updatedAt must move on rewrite")
}

func TestPutClampsPriority(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.PutThought(&model.Thought{ID: "t1", Priority: 9}))
	got, err := s.GetThought("t1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Priority)
}

func TestGetMissing(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.GetThought("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPatchThoughtMerges(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.PutThought(&model.Thought{
		ID: "t1", Content: "original", Priority: 0.5, Type: model.TypeNote,
		Metadata: model.Metadata{Tags: []string{"a"}, UI: map[string]any{"pos": "left"}},
	}))

	got, err := s.PatchThought("t1", &model.ThoughtPatch{
		Priority: model.F64Ptr(0.9),
		UI:       map[string]any{"color": "red"},
	})
	require.NoError(t, err)
	assert.Equal(t, "original", got.Content)
	assert.Equal(t, 0.9, got.Priority)
	assert.Equal(t, []string{"a"}, got.Metadata.Tags)
	assert.Equal(t, "left", got.Metadata.UI["pos"])
	assert.Equal(t, "red", got.Metadata.UI["color"])

	_, err = s.PatchThought("missing", &model.ThoughtPatch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteThought(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.PutThought(&model.Thought{ID: "t1", Content: "x"}))
	require.NoError(t, s.DeleteThought("t1"))

	_, err := s.GetThought("t1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteThought("t1"), ErrNotFound)
}

func TestListThoughtsFilter(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.PutThought(&model.Thought{ID: "a", Type: model.TypeTask, Metadata: model.Metadata{Status: model.StatusPending}}))
	require.NoError(t, s.PutThought(&model.Thought{ID: "b", Type: model.TypeNote, Metadata: model.Metadata{Status: model.StatusCompleted}}))
	require.NoError(t, s.PutThought(&model.Thought{ID: "c", Type: model.TypeNote}))

	all, err := s.ListThoughts(nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	notes, err := s.ListThoughts(&Filter{Type: model.TypeNote})
	require.NoError(t, err)
	assert.Len(t, notes, 2)

	settled, err := s.ListThoughts(&Filter{Statuses: []model.Status{model.StatusCompleted}, IncludeUnsetStatus: true})
	require.NoError(t, err)
	require.Len(t, settled, 2)
	for _, th := range settled {
		assert.NotEqual(t, "a", th.ID)
	}
}

func TestListGraphFiltersDanglingEdges(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.PutThought(&model.Thought{
		ID:    "a",
		Links: []model.Link{{TargetID: "b", Relationship: "child"}, {TargetID: "ghost", Relationship: "child"}},
	}))
	require.NoError(t, s.PutThought(&model.Thought{ID: "b"}))

	graph, err := s.ListGraph()
	require.NoError(t, err)
	assert.Len(t, graph.Nodes, 2)
	require.Len(t, graph.Edges, 1)
	assert.Equal(t, "b", graph.Edges[0].TargetID)

	// invariant: every edge endpoint is present in nodes
	ids := map[string]bool{}
	for _, n := range graph.Nodes {
		ids[n.ID] = true
	}
	for _, e := range graph.Edges {
		assert.True(t, ids[e.SourceID])
		assert.True(t, ids[e.TargetID])
	}
}

func TestFindByLinkTarget(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.PutThought(&model.Thought{ID: "parent1", Links: []model.Link{{TargetID: "t", Relationship: "child"}}}))
	require.NoError(t, s.PutThought(&model.Thought{ID: "parent2", Links: []model.Link{{TargetID: "t", Relationship: "ref"}}}))
	require.NoError(t, s.PutThought(&model.Thought{ID: "t"}))

	all, err := s.FindByLinkTarget("t", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	children, err := s.FindByLinkTarget("t", "child")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "parent1", children[0].ID)
}

func TestEventBroadcastRules(t *testing.T) {
	s, _, broadcaster := newTestStore(t)
	ch, cancel := broadcaster.Subscribe()
	defer cancel()

	// thought mutation: one thought_update push, no event_log push
	require.NoError(t, s.PutThought(&model.Thought{ID: "t1"}))
	msg := <-ch
	assert.Equal(t, notify.TypeThoughtUpdate, msg.Type)

	// non-thought event: pushed as event_log
	require.NoError(t, s.AppendEvent(model.EventToolFailure, "t1", map[string]any{"error": "boom"}))
	msg = <-ch
	assert.Equal(t, notify.TypeEventLog, msg.Type)
	ev, ok := msg.Payload.(*model.Event)
	require.True(t, ok)
	assert.Equal(t, model.EventToolFailure, ev.Type)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra notification: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListEventsFilterAndOrder(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.AppendEvent(model.EventToolInvoked, "t1", nil))
	require.NoError(t, s.AppendEvent(model.EventToolSuccess, "t1", nil))
	require.NoError(t, s.AppendEvent(model.EventToolInvoked, "t2", nil))

	all, err := s.ListEvents(nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// newest first: ULIDs sort by creation time
	assert.Equal(t, "t2", all[0].TargetID)

	invoked, err := s.ListEvents(&EventFilter{Type: model.EventToolInvoked})
	require.NoError(t, err)
	assert.Len(t, invoked, 2)

	t1, err := s.ListEvents(&EventFilter{TargetID: "t1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, t1, 1)
	assert.Equal(t, model.EventToolSuccess, t1[0].Type)
}

func TestGuideCRUD(t *testing.T) {
	s, _, _ := newTestStore(t)

	g := &model.Guide{ID: "g1", Condition: "type=task", Action: "add_tag=chore", Weight: 0.5}
	require.NoError(t, s.PutGuide(g))
	created := g.CreatedAt

	got, err := s.GetGuide("g1")
	require.NoError(t, err)
	assert.Equal(t, "type=task", got.Condition)

	g.Action = "add_tag=todo"
	require.NoError(t, s.PutGuide(g))
	got, err = s.GetGuide("g1")
	require.NoError(t, err)
	assert.Equal(t, "add_tag=todo", got.Action)
	assert.Equal(t, created.Format(timeFormat), got.CreatedAt.Format(timeFormat))

	require.NoError(t, s.PutGuide(&model.Guide{ID: "g2", Condition: "type=note", Action: "add_tag=x"}))
	guides, err := s.ListGuides()
	require.NoError(t, err)
	require.Len(t, guides, 2)
	assert.Equal(t, "g1", guides[0].ID, "creation order is evaluation order")

	require.NoError(t, s.DeleteGuide("g1"))
	_, err = s.GetGuide("g1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.DeleteGuide("g1"), "double delete is a no-op")
}

func TestStatsAndClearAll(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.PutThought(&model.Thought{ID: "t1", Content: "indexed"}))
	require.NoError(t, s.PutGuide(&model.Guide{ID: "g1", Condition: "type=note", Action: "add_tag=x"}))
	s.FlushIndex(context.Background())

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["thoughts"])
	assert.Equal(t, int64(1), stats["guides"])
	assert.Equal(t, int64(1), stats["vectors"])
	assert.GreaterOrEqual(t, stats["events"], int64(1))

	require.NoError(t, s.ClearAll())
	stats, err = s.Stats()
	require.NoError(t, err)
	for table, count := range stats {
		assert.Zero(t, count, "table %s should be empty", table)
	}
}
