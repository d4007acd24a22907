package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusError     TaskStatus = "error"
	TaskStatusStopped   TaskStatus = "stopped"
)

// Terminal reports whether no further transition may leave this status.
func (st TaskStatus) Terminal() bool {
	switch st {
	case TaskStatusCompleted, TaskStatusError, TaskStatusStopped:
		return true
	}
	return false
}

// ValidTaskStatus reports whether s names a known status.
func ValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusError, TaskStatusStopped:
		return true
	}
	return false
}

// allowedTransitions encodes forward-only monotonicity: a task may skip
// `running` (a stop before the node starts, an assign failure) but never
// moves backward and never leaves a terminal state.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusRunning:   {},
		TaskStatusCompleted: {},
		TaskStatusError:     {},
		TaskStatusStopped:   {},
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusError:     {},
		TaskStatusStopped:   {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type TaskOrigin string

const (
	TaskOriginAPI      TaskOrigin = "api"
	TaskOriginSchedule TaskOrigin = "schedule"
	TaskOriginChannel  TaskOrigin = "channel"
	TaskOriginNode     TaskOrigin = "node"
)

// Task is one unit of submitted work. Context is the opaque JSON array of
// prior conversation turns; the store never interprets it.
type Task struct {
	ID              string          `json:"id"`
	NodeID          string          `json:"node_id,omitempty"`
	Goal            string          `json:"goal"`
	Model           string          `json:"model,omitempty"`
	Origin          TaskOrigin      `json:"origin"`
	ConversationKey string          `json:"conversation_key,omitempty"`
	Status          TaskStatus      `json:"status"`
	Context         json.RawMessage `json:"context,omitempty"`
	PartialText     string          `json:"partial_text,omitempty"`
	Result          string          `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	EventCount      int             `json:"event_count"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// CreateTask inserts a new task and its creation activity event in one
// transaction. The task's Status must already be set (pending for dispatched
// tasks, running for node-originated ones).
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		return errors.New("task id required")
	}
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	if task.Origin == "" {
		task.Origin = TaskOriginAPI
	}
	contextJSON := "[]"
	if len(task.Context) > 0 {
		contextJSON = string(task.Context)
	}
	payload, _ := json.Marshal(map[string]any{"kind": "created", "origin": task.Origin})

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, node_id, goal, model, origin, conversation_key, status, context, event_count)
			VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, 1);
		`, task.ID, task.NodeID, task.Goal, task.Model, string(task.Origin), task.ConversationKey, string(task.Status), contextJSON); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := appendActivityTx(ctx, tx, task.ID, task.NodeID, string(task.Status), string(payload)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create task tx: %w", err)
		}
		return nil
	})
}

// TransitionUpdate carries the optional column updates that ride along with a
// status transition. Nil fields leave the column untouched.
type TransitionUpdate struct {
	PartialText *string
	Result      *string
	Error       *string
}

// TransitionTask applies one guarded status change plus its activity event.
// Returns (false, sql.ErrNoRows) for an unknown task and (false, nil) when
// the transition is ignored because the task is already terminal or the move
// is not forward — the caller decides whether ignoring is an error.
func (s *Store) TransitionTask(ctx context.Context, taskID string, to TaskStatus, upd TransitionUpdate) (bool, error) {
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		applied = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		var nodeID sql.NullString
		if err := tx.QueryRowContext(ctx, `
			SELECT status, node_id FROM tasks WHERE id = ?;
		`, taskID).Scan(&current, &nodeID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("select task for transition: %w", err)
		}
		if !canTransition(current, to) {
			// Terminal-state monotonicity: late or out-of-order updates are
			// ignored, not errors.
			return tx.Commit()
		}

		partial := sql.NullString{}
		if upd.PartialText != nil {
			partial = sql.NullString{Valid: true, String: *upd.PartialText}
		}
		result := sql.NullString{}
		if upd.Result != nil {
			result = sql.NullString{Valid: true, String: *upd.Result}
		}
		errMsg := sql.NullString{}
		if upd.Error != nil {
			errMsg = sql.NullString{Valid: true, String: *upd.Error}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
				partial_text = CASE WHEN ? THEN ? ELSE partial_text END,
				result = CASE WHEN ? THEN ? ELSE result END,
				error = CASE WHEN ? THEN ? ELSE error END,
				completed_at = CASE WHEN ? THEN CURRENT_TIMESTAMP ELSE completed_at END,
				event_count = event_count + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, string(to),
			partial.Valid, partial.String,
			result.Valid, result.String,
			errMsg.Valid, errMsg.String,
			to.Terminal(),
			taskID, string(current))
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return tx.Commit()
		}

		payload, _ := json.Marshal(map[string]any{"kind": "status", "from": current, "to": to})
		if err := appendActivityTx(ctx, tx, taskID, nodeID.String, string(to), string(payload)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// UpdateTaskOutput replaces the task's partial-output snapshot and appends an
// activity event without changing status. Ignored (false, nil) once the task
// is terminal.
func (s *Store) UpdateTaskOutput(ctx context.Context, taskID, partialText string) (bool, error) {
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		applied = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin output tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		var nodeID sql.NullString
		if err := tx.QueryRowContext(ctx, `
			SELECT status, node_id FROM tasks WHERE id = ?;
		`, taskID).Scan(&current, &nodeID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("select task for output: %w", err)
		}
		if current.Terminal() {
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET partial_text = ?, event_count = event_count + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, partialText, taskID); err != nil {
			return fmt.Errorf("update task output: %w", err)
		}

		payload, _ := json.Marshal(map[string]any{"kind": "output", "chars": len(partialText)})
		if err := appendActivityTx(ctx, tx, taskID, nodeID.String, string(current), string(payload)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit output tx: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+`WHERE id = ?;`, taskID)
	task := &Task{}
	if err := scanTask(row.Scan, task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// ListTasks returns the most recent tasks, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, limit int, status TaskStatus) ([]Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx, taskSelect+`
			WHERE status = ? ORDER BY created_at DESC, rowid DESC LIMIT ?;`, string(status), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, taskSelect+`
			ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// LatestTaskForConversation returns the newest task carrying the given
// conversation key, regardless of status. sql.ErrNoRows when none exists.
func (s *Store) LatestTaskForConversation(ctx context.Context, conversationKey string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+`
		WHERE conversation_key = ? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, conversationKey)
	task := &Task{}
	if err := scanTask(row.Scan, task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("latest conversation task: %w", err)
	}
	return task, nil
}

// LatestLiveTaskForConversation returns the newest non-terminal task carrying
// the given conversation key. A conversation can hold a running predecessor
// behind a terminal follow-up, so "latest" alone is not enough when the
// caller wants something it can still stop. sql.ErrNoRows when nothing is
// live.
func (s *Store) LatestLiveTaskForConversation(ctx context.Context, conversationKey string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+`
		WHERE conversation_key = ? AND status IN ('pending', 'running')
		ORDER BY created_at DESC, rowid DESC LIMIT 1;`, conversationKey)
	task := &Task{}
	if err := scanTask(row.Scan, task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("latest live conversation task: %w", err)
	}
	return task, nil
}

// RunningTaskIDs lists ids of non-terminal tasks bound to the node.
func (s *Store) RunningTaskIDs(ctx context.Context, nodeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE node_id = ? AND status IN ('pending', 'running')
		ORDER BY created_at ASC, rowid ASC;
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("running task ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const taskSelect = `
	SELECT id, node_id, goal, model, origin, conversation_key, status, context,
		partial_text, result, error, event_count, created_at, updated_at, completed_at
	FROM tasks
`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var nodeID, result, errMsg sql.NullString
	var completedAt sql.NullTime
	var contextJSON string
	if err := scanFn(
		&task.ID,
		&nodeID,
		&task.Goal,
		&task.Model,
		&task.Origin,
		&task.ConversationKey,
		&task.Status,
		&contextJSON,
		&task.PartialText,
		&result,
		&errMsg,
		&task.EventCount,
		&task.CreatedAt,
		&task.UpdatedAt,
		&completedAt,
	); err != nil {
		return err
	}
	task.NodeID = nodeID.String
	task.Result = result.String
	task.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if contextJSON != "" && contextJSON != "[]" {
		task.Context = json.RawMessage(contextJSON)
	}
	return nil
}
