package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mindloop/internal/model"
	"mindloop/internal/notify"
)

// PutThought persists the Thought. UpdatedAt is always stamped to now;
// CreatedAt is set on first insert only. Writing identical content is still
// a write: the timestamp moves and indexing re-triggers. A change is
// notified as thought_update and logged as a thought_created or
// thought_updated event; thought events are not re-broadcast as event_log.
func (s *Store) PutThought(th *model.Thought) error {
	if th.ID == "" {
		return fmt.Errorf("thought id is required")
	}

	s.mu.Lock()
	now := time.Now().UTC()
	var createdRaw string
	err := s.db.QueryRow("SELECT created_at FROM thoughts WHERE id = ?", th.ID).Scan(&createdRaw)
	isNew := err != nil
	if isNew {
		th.Metadata.CreatedAt = now
	} else {
		th.Metadata.CreatedAt = parseTime(createdRaw)
	}
	th.Metadata.UpdatedAt = now
	th.Priority = model.ClampPriority(th.Priority)

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO thoughts (id, content, priority, type, links, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		th.ID, th.Content, th.Priority, th.Type,
		marshalJSON(th.Links), marshalJSON(th.Metadata),
		th.Metadata.CreatedAt.Format(timeFormat), now.Format(timeFormat),
	)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("put thought: %w", err)
	}

	eventType := model.EventThoughtUpdated
	if isNew {
		eventType = model.EventThoughtCreated
	}
	if err := s.AppendEvent(eventType, th.ID, map[string]any{"type": th.Type}); err != nil {
		s.logger.Warn("event append failed", zap.String("thought", th.ID), zap.Error(err))
	}
	s.broadcaster.Publish(notify.Message{Type: notify.TypeThoughtUpdate, Payload: th.Clone()})

	// Index updates are scheduled, never blocked on. Failures degrade
	// semantic search instead of failing the write.
	if strings.TrimSpace(th.Content) != "" && s.provider.EmbeddingsAvailable() {
		s.indexer.schedule(th.ID, th.Content)
	}
	return nil
}

// GetThought returns the Thought or ErrNotFound.
func (s *Store) GetThought(id string) (*model.Thought, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getThoughtLocked(id)
}

func (s *Store) getThoughtLocked(id string) (*model.Thought, error) {
	row := s.db.QueryRow(
		"SELECT id, content, priority, type, links, metadata, created_at, updated_at FROM thoughts WHERE id = ?", id)
	return scanThought(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThought(row rowScanner) (*model.Thought, error) {
	var th model.Thought
	var linksJSON, metaJSON, createdRaw, updatedRaw string
	err := row.Scan(&th.ID, &th.Content, &th.Priority, &th.Type, &linksJSON, &metaJSON, &createdRaw, &updatedRaw)
	if err != nil {
		return nil, ErrNotFound
	}
	if err := json.Unmarshal([]byte(linksJSON), &th.Links); err != nil {
		th.Links = nil
	}
	if err := json.Unmarshal([]byte(metaJSON), &th.Metadata); err != nil {
		th.Metadata = model.Metadata{}
	}
	// Store-managed timestamps win over whatever the metadata blob says.
	th.Metadata.CreatedAt = parseTime(createdRaw)
	th.Metadata.UpdatedAt = parseTime(updatedRaw)
	return &th, nil
}

// PatchThought applies a merge-update atomically and persists the result.
// Returns the merged Thought, or ErrNotFound.
func (s *Store) PatchThought(id string, patch *model.ThoughtPatch) (*model.Thought, error) {
	s.mu.Lock()
	th, err := s.getThoughtLocked(id)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	patch.Apply(th)
	if err := s.PutThought(th); err != nil {
		return nil, err
	}
	return th, nil
}

// DeleteThought removes the Thought from the primary store. Its vector row
// is removed best-effort; semantic search filters deleted ids at query time
// regardless.
func (s *Store) DeleteThought(id string) error {
	s.mu.Lock()
	res, err := s.db.Exec("DELETE FROM thoughts WHERE id = ?", id)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete thought: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := s.db.Exec("DELETE FROM vectors WHERE thought_id = ?", id); err != nil {
		s.logger.Warn("vector cleanup failed", zap.String("thought", id), zap.Error(err))
	}
	if err := s.AppendEvent(model.EventThoughtDeleted, id, nil); err != nil {
		s.logger.Warn("event append failed", zap.String("thought", id), zap.Error(err))
	}
	s.broadcaster.Publish(notify.Message{Type: notify.TypeThoughtDelete, Payload: map[string]any{"id": id}})
	return nil
}

// Filter narrows ListThoughts results. Zero value matches everything.
type Filter struct {
	Type     string
	Statuses []model.Status
	// IncludeUnsetStatus also matches Thoughts with no status at all.
	IncludeUnsetStatus bool
}

func (f *Filter) matches(th *model.Thought) bool {
	if f.Type != "" && th.Type != f.Type {
		return false
	}
	if len(f.Statuses) == 0 && !f.IncludeUnsetStatus {
		return true
	}
	if th.Metadata.Status == "" {
		return f.IncludeUnsetStatus
	}
	for _, st := range f.Statuses {
		if th.Metadata.Status == st {
			return true
		}
	}
	return false
}

// ListThoughts returns Thoughts matching the filter, most recently updated
// first.
func (s *Store) ListThoughts(filter *Filter) ([]*model.Thought, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, content, priority, type, links, metadata, created_at, updated_at FROM thoughts ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list thoughts: %w", err)
	}
	defer rows.Close()

	var out []*model.Thought
	for rows.Next() {
		th, err := scanThought(rows)
		if err != nil {
			continue
		}
		if filter == nil || filter.matches(th) {
			out = append(out, th)
		}
	}
	return out, rows.Err()
}

// Edge is a resolved link between two existing Thoughts.
type Edge struct {
	SourceID     string `json:"sourceId"`
	TargetID     string `json:"targetId"`
	Relationship string `json:"relationship"`
}

// Graph is the full node/edge view pushed to observers on connect.
type Graph struct {
	Nodes []*model.Thought `json:"nodes"`
	Edges []Edge           `json:"edges"`
}

// ListGraph returns all Thoughts and the edges whose endpoints both exist.
// Links to missing targets are soft references and simply do not appear.
func (s *Store) ListGraph() (*Graph, error) {
	thoughts, err := s.ListThoughts(nil)
	if err != nil {
		return nil, err
	}

	exists := make(map[string]bool, len(thoughts))
	for _, th := range thoughts {
		exists[th.ID] = true
	}

	graph := &Graph{Nodes: thoughts, Edges: []Edge{}}
	for _, th := range thoughts {
		for _, link := range th.Links {
			if exists[link.TargetID] {
				graph.Edges = append(graph.Edges, Edge{
					SourceID:     th.ID,
					TargetID:     link.TargetID,
					Relationship: link.Relationship,
				})
			}
		}
	}
	return graph, nil
}

// FindByLinkTarget returns Thoughts holding a link to targetID, optionally
// restricted to one relationship.
func (s *Store) FindByLinkTarget(targetID, relationship string) ([]*model.Thought, error) {
	thoughts, err := s.ListThoughts(nil)
	if err != nil {
		return nil, err
	}
	var out []*model.Thought
	for _, th := range thoughts {
		for _, link := range th.Links {
			if link.TargetID != targetID {
				continue
			}
			if relationship != "" && link.Relationship != relationship {
				continue
			}
			out = append(out, th)
			break
		}
	}
	return out, nil
}
