package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mindloop/internal/model"
	"mindloop/internal/notify"
)

// AppendEvent writes one record to the append-only log. Thought lifecycle
// events ride along with their thought_update notification and are not
// re-broadcast; every other event type is pushed as event_log.
func (s *Store) AppendEvent(eventType, targetID string, data map[string]any) error {
	ev := &model.Event{
		ID:        s.newEventID(),
		Type:      eventType,
		TargetID:  targetID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	_, err := s.db.Exec(
		"INSERT INTO events (id, type, target_id, timestamp, data) VALUES (?, ?, ?, ?, ?)",
		ev.ID, ev.Type, ev.TargetID, ev.Timestamp.Format(timeFormat), marshalJSON(ev.Data),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if !strings.HasPrefix(ev.Type, "thought_") {
		s.broadcaster.Publish(notify.Message{Type: notify.TypeEventLog, Payload: ev})
	}
	return nil
}

// EventFilter narrows ListEvents results. Zero value matches everything.
type EventFilter struct {
	Type     string
	TargetID string
	Limit    int
}

// ListEvents returns log records newest first.
func (s *Store) ListEvents(filter *EventFilter) ([]*model.Event, error) {
	query := "SELECT id, type, target_id, timestamp, data FROM events"
	var conds []string
	var args []any
	if filter != nil {
		if filter.Type != "" {
			conds = append(conds, "type = ?")
			args = append(args, filter.Type)
		}
		if filter.TargetID != "" {
			conds = append(conds, "target_id = ?")
			args = append(args, filter.TargetID)
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		var ev model.Event
		var targetID, timestampRaw string
		var dataJSON *string
		if err := rows.Scan(&ev.ID, &ev.Type, &targetID, &timestampRaw, &dataJSON); err != nil {
			continue
		}
		ev.TargetID = targetID
		ev.Timestamp = parseTime(timestampRaw)
		if dataJSON != nil && *dataJSON != "" {
			json.Unmarshal([]byte(*dataJSON), &ev.Data)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
