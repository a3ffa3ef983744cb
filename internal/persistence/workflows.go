package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type WorkflowRecord struct {
	ID           string     `json:"id"`
	Template     string     `json:"template"`
	ParentTaskID string     `json:"parent_task_id"`
	Status       string     `json:"status"`
	Metadata     string     `json:"metadata"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// CreateWorkflow persists a new workflow instance in the running state.
func (s *Store) CreateWorkflow(ctx context.Context, id, template, parentTaskID, metadata string) error {
	if metadata == "" {
		metadata = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflows (id, template, parent_task_id, metadata) VALUES (?, ?, ?, ?);
		`, id, template, parentTaskID, metadata)
		if err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}
		return nil
	})
}

// SaveWorkflowState overwrites the workflow's metadata snapshot. The
// executor serializes step_status and step_results here after each advance.
func (s *Store) SaveWorkflowState(ctx context.Context, id, metadata string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE workflows SET metadata = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, metadata, id)
		if err != nil {
			return fmt.Errorf("save workflow state: %w", err)
		}
		return nil
	})
}

// CompleteWorkflow stamps a workflow's terminal status.
func (s *Store) CompleteWorkflow(ctx context.Context, id, status, metadata string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE workflows
			SET status = ?, metadata = ?, updated_at = CURRENT_TIMESTAMP, completed_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, status, metadata, id)
		if err != nil {
			return fmt.Errorf("complete workflow: %w", err)
		}
		return nil
	})
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, template, parent_task_id, status, metadata, created_at, updated_at, completed_at
		FROM workflows WHERE id = ?;
	`, id)
	rec, err := scanWorkflow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select workflow: %w", err)
	}
	return rec, nil
}

func (s *Store) ListWorkflows(ctx context.Context, limit int) ([]WorkflowRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template, parent_task_id, status, metadata, created_at, updated_at, completed_at
		FROM workflows ORDER BY created_at DESC, id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanWorkflow(scanFn func(dest ...any) error) (*WorkflowRecord, error) {
	var rec WorkflowRecord
	var completed sql.NullTime
	if err := scanFn(&rec.ID, &rec.Template, &rec.ParentTaskID, &rec.Status, &rec.Metadata, &rec.CreatedAt, &rec.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return &rec, nil
}
