package persistence

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/aristath/debai/internal/model"
)

// SaveMessage stores a conversation message for an agent.
// Messages are append-only (no upsert needed).
func (s *SQLiteStore) SaveMessage(ctx context.Context, agentID string, msg model.Message) error {
	// Create 5-second timeout context
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_history (agent_id, role, content, timestamp)
		VALUES (?, ?, ?, ?)
	`, agentID, msg.Role, msg.Content, toUnix(msg.At))
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	return nil
}

// GetHistory retrieves the latest limit conversation messages of an agent in
// chronological order, limit <= 0 returns everything.
// Returns empty slice (not nil) if no history exists.
func (s *SQLiteStore) GetHistory(ctx context.Context, agentID string, limit int) ([]model.Message, error) {
	// Create 5-second timeout context
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}

	// Double sort: timestamp, id ensures correct order even with equal timestamps
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp
		FROM conversation_history
		WHERE agent_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []model.Message{}
	for rows.Next() {
		var (
			msg model.Message
			at  int64
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &at); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.At = fromUnix(at)
		history = append(history, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	slices.Reverse(history)
	return history, nil
}
