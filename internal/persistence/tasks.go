package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-seldon/internal/bus"
)

type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       TaskStatus `json:"status"`
	Priority     int        `json:"priority"`
	AssignedTo   string     `json:"assigned_to,omitempty"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
	ThreadID     string     `json:"thread_id,omitempty"`
	Result       string     `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	Metadata     string     `json:"metadata"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ArchivedAt   *time.Time `json:"archived_at,omitempty"`
}

// MetadataMap decodes the task's metadata JSON. Corrupt metadata yields an
// empty map rather than an error; writers always store valid JSON.
func (t *Task) MetadataMap() map[string]any {
	m := map[string]any{}
	if t.Metadata != "" {
		_ = json.Unmarshal([]byte(t.Metadata), &m)
	}
	return m
}

const taskColumns = `
	id, title, description, status, priority, assigned_to,
	COALESCE(parent_task_id, ''), thread_id, COALESCE(result, ''),
	COALESCE(error_message, ''), retry_count, metadata,
	created_at, updated_at, started_at, completed_at, archived_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var started, completed, archived sql.NullTime
	if err := scanFn(
		&task.ID, &task.Title, &task.Description, &task.Status, &task.Priority,
		&task.AssignedTo, &task.ParentTaskID, &task.ThreadID, &task.Result,
		&task.ErrorMessage, &task.RetryCount, &task.Metadata,
		&task.CreatedAt, &task.UpdatedAt, &started, &completed, &archived,
	); err != nil {
		return err
	}
	if started.Valid {
		task.StartedAt = &started.Time
	}
	if completed.Valid {
		task.CompletedAt = &completed.Time
	}
	if archived.Valid {
		task.ArchivedAt = &archived.Time
	}
	return nil
}

// NewTask holds the caller-supplied fields for task creation.
type NewTask struct {
	Title        string
	Description  string
	Priority     int
	AssignedTo   string
	ParentTaskID string
	ThreadID     string
	Status       TaskStatus // defaults to pending
	Metadata     map[string]any
}

// CreateTask inserts a task and publishes task.created. Returns the new id.
func (s *Store) CreateTask(ctx context.Context, nt NewTask) (string, error) {
	id := uuid.NewString()
	if nt.Priority <= 0 {
		nt.Priority = 5
	}
	status := nt.Status
	if status == "" {
		status = TaskStatusPending
	}
	meta := "{}"
	if len(nt.Metadata) > 0 {
		raw, err := json.Marshal(nt.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshal task metadata: %w", err)
		}
		meta = string(raw)
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, status, priority, assigned_to, parent_task_id, thread_id, metadata)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?);
		`, id, nt.Title, nt.Description, status, nt.Priority, nt.AssignedTo, nt.ParentTaskID, nt.ThreadID, meta); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, id, "", status, "task.created", "{}"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}

	s.publish(bus.TopicTaskCreated, map[string]any{
		"task_id":  id,
		"agent_id": nt.AssignedTo,
		"status":   string(status),
	})
	return id, nil
}

// NextPendingTask returns the oldest pending task assigned to agentID,
// lowest priority number first. Returns nil when the queue is empty.
// It does not claim the task; pair with ClaimTask.
func (s *Store) NextPendingTask(ctx context.Context, agentID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ? AND assigned_to = ?
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT 1;
	`, TaskStatusPending, agentID)

	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select pending task: %w", err)
	}
	return &task, nil
}

// ClaimTask atomically moves a pending task to in_progress on behalf of
// agentID, stamping claimed_by/claimed_at into its metadata. Returns false
// without error when another worker won the race.
func (s *Store) ClaimTask(ctx context.Context, taskID, agentID string) (bool, error) {
	claimed := false
	err := retryOnBusy(ctx, 5, func() error {
		claimed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var meta string
		if err := tx.QueryRowContext(ctx, `
			SELECT metadata FROM tasks WHERE id = ? AND status = ?;
		`, taskID, TaskStatusPending).Scan(&meta); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil // already claimed or gone
			}
			return fmt.Errorf("select task for claim: %w", err)
		}
		merged := mergeJSON(meta, map[string]any{
			"claimed_by": agentID,
			"claimed_at": time.Now().UTC().Format(time.RFC3339),
		})

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, metadata = ?, started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, TaskStatusInProgress, merged, taskID, TaskStatusPending)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			return nil
		}
		payload, _ := json.Marshal(map[string]string{"claimed_by": agentID})
		if err := s.appendTaskEventTx(ctx, tx, taskID, TaskStatusPending, TaskStatusInProgress, "task.claimed", string(payload)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if claimed {
		s.publish(bus.TopicTaskClaimed, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			AgentID:   agentID,
			OldStatus: string(TaskStatusPending),
			NewStatus: string(TaskStatusInProgress),
		})
	}
	return claimed, nil
}

// CompleteTask transitions an in_progress task to completed with a result.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) error {
	var agentID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		_ = tx.QueryRowContext(ctx, `SELECT COALESCE(assigned_to, '') FROM tasks WHERE id = ?;`, taskID).Scan(&agentID)
		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusInProgress}, TaskStatusCompleted,
			"task.completed", "{}", &result, nil)
		if err != nil {
			return fmt.Errorf("complete task transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		AgentID:   agentID,
		OldStatus: string(TaskStatusInProgress),
		NewStatus: string(TaskStatusCompleted),
	})
	return nil
}

// FailTask transitions a task to failed, recording the error and bumping
// retry_count so a later requeue carries the attempt history.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	var agentID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		_ = tx.QueryRowContext(ctx, `SELECT COALESCE(assigned_to, '') FROM tasks WHERE id = ?;`, taskID).Scan(&agentID)
		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusInProgress}, TaskStatusFailed,
			"task.failed", "{}", nil, &errMsg)
		if err != nil {
			return fmt.Errorf("fail task transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET retry_count = retry_count + 1 WHERE id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("bump retry count: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		AgentID:   agentID,
		OldStatus: string(TaskStatusInProgress),
		NewStatus: string(TaskStatusFailed),
	})
	return nil
}

// CancelTask cancels a task from any non-terminal state.
func (s *Store) CancelTask(ctx context.Context, taskID, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		payload, _ := json.Marshal(map[string]string{"reason": reason})
		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusPending, TaskStatusInProgress, TaskStatusAwaitingApproval},
			TaskStatusCancelled, "task.cancelled", string(payload), nil, nil)
		if err != nil {
			return fmt.Errorf("cancel task transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		return tx.Commit()
	})
}

// ApproveTask releases an awaiting_approval task into the pending queue.
func (s *Store) ApproveTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin approve task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusAwaitingApproval}, TaskStatusPending,
			"task.approved", "{}", nil, nil)
		if err != nil {
			return fmt.Errorf("approve task transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		return tx.Commit()
	})
}

// RequeueTask sends an in_progress or failed task back to pending. Used by
// the critic retry path.
func (s *Store) RequeueTask(ctx context.Context, taskID, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		payload, _ := json.Marshal(map[string]string{"reason": reason})
		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusInProgress, TaskStatusFailed}, TaskStatusPending,
			"task.requeued", string(payload), nil, nil)
		if err != nil {
			return fmt.Errorf("requeue task transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		return tx.Commit()
	})
}

// MergeTaskMetadata applies a JSON patch onto the task's metadata column.
func (s *Store) MergeTaskMetadata(ctx context.Context, taskID string, patch map[string]any) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin metadata tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var meta string
		if err := tx.QueryRowContext(ctx, `SELECT metadata FROM tasks WHERE id = ?;`, taskID).Scan(&meta); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("select task metadata: %w", err)
		}
		merged := mergeJSON(meta, patch)
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET metadata = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, merged, taskID); err != nil {
			return fmt.Errorf("update task metadata: %w", err)
		}
		return tx.Commit()
	})
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?;
	`, taskID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// ListTasks returns tasks newest-first, optionally filtered by status
// and/or assignee.
func (s *Store) ListTasks(ctx context.Context, status, agentID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE archived_at IS NULL`
	args := []any{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if agentID != "" {
		query += ` AND assigned_to = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Subtasks returns the children of a parent task, oldest first.
func (s *Store) Subtasks(ctx context.Context, parentTaskID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE parent_task_id = ?
		ORDER BY created_at ASC, id ASC;
	`, parentTaskID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ArchiveTask copies a terminal task into task_archive with its thread
// message count and stamps archived_at. Archiving a second time is a no-op.
func (s *Store) ArchiveTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin archive tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
		if err := scanTask(row.Scan, &task); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("select task for archive: %w", err)
		}
		if task.ArchivedAt != nil {
			return nil
		}

		var msgCount int
		if task.ThreadID != "" {
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM messages WHERE thread_id = ?;
			`, task.ThreadID).Scan(&msgCount); err != nil {
				return fmt.Errorf("count thread messages: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_archive (id, title, status, assigned_to, result, metadata, thread_message_count, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, task.ID, task.Title, task.Status, task.AssignedTo, task.Result, task.Metadata, msgCount, task.CreatedAt, task.CompletedAt); err != nil {
			return fmt.Errorf("insert task archive: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET archived_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("stamp archived_at: %w", err)
		}
		return tx.Commit()
	})
}

// ArchivableTaskIDs returns ids of terminal tasks that finished before
// the cutoff and were never archived. The maintenance sweep uses this to
// catch tasks whose in-memory archival timer was lost to a restart.
func (s *Store) ArchivableTaskIDs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE archived_at IS NULL
		  AND status IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL
		  AND completed_at < ?
		ORDER BY completed_at ASC
		LIMIT ?;
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select archivable tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan archivable task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AbandonedTaskIDs returns in_progress tasks whose work started before
// the cutoff. The stale sweep reports these; it never requeues them, so a
// slow-but-alive worker keeps its claim.
func (s *Store) AbandonedTaskIDs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = 'in_progress'
		  AND started_at IS NOT NULL
		  AND started_at < ?
		ORDER BY started_at ASC
		LIMIT ?;
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select abandoned tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan abandoned task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TaskCounts returns pending and in_progress totals for the status surface.
func (s *Store) TaskCounts(ctx context.Context) (pending, inProgress int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'in_progress' THEN 1 END)
		FROM tasks WHERE archived_at IS NULL;
	`).Scan(&pending, &inProgress)
	if err != nil {
		err = fmt.Errorf("count tasks: %w", err)
	}
	return pending, inProgress, err
}

// mergeJSON applies patch over the JSON object in raw. Unparseable input
// starts from an empty object.
func mergeJSON(raw string, patch map[string]any) string {
	m := map[string]any{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &m)
	}
	for k, v := range patch {
		m[k] = v
	}
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return string(out)
}
