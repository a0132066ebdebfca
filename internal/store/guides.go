package store

import (
	"fmt"
	"time"

	"mindloop/internal/model"
)

// PutGuide inserts or replaces a Guide. CreatedAt is preserved across
// replacements.
func (s *Store) PutGuide(g *model.Guide) error {
	if g.ID == "" {
		return fmt.Errorf("guide id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var createdRaw string
	if err := s.db.QueryRow("SELECT created_at FROM guides WHERE id = ?", g.ID).Scan(&createdRaw); err != nil {
		g.CreatedAt = now
	} else {
		g.CreatedAt = parseTime(createdRaw)
	}
	g.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO guides (id, condition, action, weight, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.Condition, g.Action, g.Weight,
		g.CreatedAt.Format(timeFormat), g.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("put guide: %w", err)
	}
	return nil
}

// GetGuide returns the Guide or ErrNotFound.
func (s *Store) GetGuide(id string) (*model.Guide, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var g model.Guide
	var createdRaw, updatedRaw string
	err := s.db.QueryRow(
		"SELECT id, condition, action, weight, created_at, updated_at FROM guides WHERE id = ?", id,
	).Scan(&g.ID, &g.Condition, &g.Action, &g.Weight, &createdRaw, &updatedRaw)
	if err != nil {
		return nil, ErrNotFound
	}
	g.CreatedAt = parseTime(createdRaw)
	g.UpdatedAt = parseTime(updatedRaw)
	return &g, nil
}

// DeleteGuide removes a Guide. Deleting an absent Guide is a no-op.
func (s *Store) DeleteGuide(id string) error {
	_, err := s.db.Exec("DELETE FROM guides WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete guide: %w", err)
	}
	return nil
}

// ListGuides returns all Guides in creation order. Evaluation order is list
// order; the weight field does not influence it.
func (s *Store) ListGuides() ([]*model.Guide, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, condition, action, weight, created_at, updated_at FROM guides ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list guides: %w", err)
	}
	defer rows.Close()

	var out []*model.Guide
	for rows.Next() {
		var g model.Guide
		var createdRaw, updatedRaw string
		if err := rows.Scan(&g.ID, &g.Condition, &g.Action, &g.Weight, &createdRaw, &updatedRaw); err != nil {
			continue
		}
		g.CreatedAt = parseTime(createdRaw)
		g.UpdatedAt = parseTime(updatedRaw)
		out = append(out, &g)
	}
	return out, rows.Err()
}
