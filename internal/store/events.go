package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type EventCategory string

const (
	EventCategoryActivity EventCategory = "activity"
	EventCategorySystem   EventCategory = "system"
)

// Event is one row of the append-only log. Activity events describe task
// progress; system events describe operational occurrences (connects,
// disconnects, scheduler and gateway failures). Both share one time-ordered
// feed so a single cursor gives full visibility.
type Event struct {
	ID       int64         `json:"id"`
	At       time.Time     `json:"at"`
	Category EventCategory `json:"category"`

	// Activity fields.
	TaskID  string `json:"task_id,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Payload string `json:"payload,omitempty"`

	// System fields.
	Component string `json:"component,omitempty"`
	Level     string `json:"level,omitempty"`
	Message   string `json:"message,omitempty"`
	Metadata  string `json:"metadata,omitempty"`
}

// appendActivityTx inserts an activity event inside a task transaction so the
// task row and its event land atomically. The `at` column is nanoseconds so
// concurrent appenders stay strictly orderable (id breaks the rare tie).
func appendActivityTx(ctx context.Context, tx *sql.Tx, taskID, nodeID, status, payload string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (at, category, task_id, node_id, status, payload)
		VALUES (?, 'activity', ?, NULLIF(?, ''), ?, ?);
	`, time.Now().UTC().UnixNano(), taskID, nodeID, status, payload)
	if err != nil {
		return fmt.Errorf("insert activity event: %w", err)
	}
	return nil
}

// AppendSystemEvent records an operational occurrence. metadata may be nil.
func (s *Store) AppendSystemEvent(ctx context.Context, component, level, message string, metadata map[string]any) error {
	metaJSON := "{}"
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		metaJSON = string(raw)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO events (at, category, component, level, message, metadata)
			VALUES (?, 'system', ?, ?, ?, ?);
		`, time.Now().UTC().UnixNano(), component, level, message, metaJSON)
		if err != nil {
			return fmt.Errorf("insert system event: %w", err)
		}
		return nil
	})
}

// ListEvents pages the merged feed. since is an exclusive lower bound on the
// event timestamp; the zero time means "from the beginning". Rows come back
// oldest-first so callers can advance their cursor to the last row's (At, ID).
// A positive sinceID makes the cursor composite: rows sharing the since
// nanosecond are included when their id is higher, so a page boundary that
// splits a timestamp tie loses nothing. sinceID zero keeps the bound
// timestamp-only.
func (s *Store) ListEvents(ctx context.Context, limit int, since time.Time, sinceID int64) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var sinceNS int64
	if !since.IsZero() {
		sinceNS = since.UnixNano()
	}
	where := `at > ?`
	args := []any{sinceNS}
	if sinceID > 0 {
		where = `(at > ? OR (at = ? AND id > ?))`
		args = []any{sinceNS, sinceNS, sinceID}
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, category, task_id, node_id, status, payload, component, level, message, metadata
		FROM events
		WHERE `+where+`
		ORDER BY at ASC, id ASC
		LIMIT ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var at int64
		var taskID, nodeID, status, payload, component, level, message sql.NullString
		var metadata string
		if err := rows.Scan(&ev.ID, &at, &ev.Category, &taskID, &nodeID, &status, &payload, &component, &level, &message, &metadata); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.At = time.Unix(0, at).UTC()
		ev.TaskID = taskID.String
		ev.NodeID = nodeID.String
		ev.Status = status.String
		ev.Payload = payload.String
		ev.Component = component.String
		ev.Level = level.String
		ev.Message = message.String
		if metadata != "{}" {
			ev.Metadata = metadata
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
