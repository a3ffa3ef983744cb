package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Message struct {
	ID            string    `json:"id"`
	ThreadID      string    `json:"thread_id,omitempty"`
	Sender        string    `json:"sender,omitempty"`
	Content       string    `json:"content"`
	RoutedTo      string    `json:"routed_to,omitempty"`
	RoutingStatus string    `json:"routing_status"`
	CreatedAt     time.Time `json:"created_at"`
}

// InsertMessage appends an inbound message awaiting routing.
func (s *Store) InsertMessage(ctx context.Context, threadID, sender, content string) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, thread_id, sender, content) VALUES (?, ?, ?, ?);
		`, id, threadID, sender, content)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UnroutedMessages returns up to limit messages still awaiting a routing
// decision, oldest first.
func (s *Store) UnroutedMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, sender, content, COALESCE(routed_to, ''), routing_status, created_at
		FROM messages
		WHERE routing_status = 'unrouted'
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unrouted messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Sender, &m.Content, &m.RoutedTo, &m.RoutingStatus, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRouted records the routing decision for a message. Only unrouted
// messages may be marked; a repeat call is a no-op returning false.
func (s *Store) MarkRouted(ctx context.Context, messageID, agentID string) (bool, error) {
	var routed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages
			SET routed_to = ?, routing_status = 'routed'
			WHERE id = ? AND routing_status = 'unrouted';
		`, agentID, messageID)
		if err != nil {
			return fmt.Errorf("mark routed: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		routed = affected == 1
		return nil
	})
	return routed, err
}

// MarkRoutingFailed flags a message whose routing attempt errored so the
// dispatcher will not pick it up again.
func (s *Store) MarkRoutingFailed(ctx context.Context, messageID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE messages SET routing_status = 'routing_failed'
			WHERE id = ? AND routing_status = 'unrouted';
		`, messageID)
		if err != nil {
			return fmt.Errorf("mark routing failed: %w", err)
		}
		return nil
	})
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, sender, content, COALESCE(routed_to, ''), routing_status, created_at
		FROM messages WHERE id = ?;
	`, messageID)
	var m Message
	if err := row.Scan(&m.ID, &m.ThreadID, &m.Sender, &m.Content, &m.RoutedTo, &m.RoutingStatus, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select message: %w", err)
	}
	return &m, nil
}
