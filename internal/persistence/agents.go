package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/debai/internal/model"
)

// SaveAgent saves or updates an agent.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent model.Agent) error {
	cfg, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal agent config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, type, status, config, backend, last_error, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			config = excluded.config,
			backend = excluded.backend,
			last_error = excluded.last_error,
			description = excluded.description,
			updated_at = excluded.updated_at
	`, agent.ID, agent.Name, agent.Type, agent.Status, string(cfg), agent.Backend, agent.LastError,
		agent.Description, toUnix(agent.CreatedAt), toUnix(agent.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}

	return nil
}

const agentColumns = `id, name, type, status, config, backend, last_error, description, created_at, updated_at`

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent: %w", err)
	}
	return &agent, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	agents := []model.Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}

	return agents, nil
}

// DeleteAgent removes an agent and its conversation history.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, model.ErrNotFound)
	}

	return nil
}

func scanAgent(s scanner) (model.Agent, error) {
	var (
		agent              model.Agent
		cfg                string
		createdAt, updated int64
	)

	err := s.Scan(&agent.ID, &agent.Name, &agent.Type, &agent.Status, &cfg, &agent.Backend,
		&agent.LastError, &agent.Description, &createdAt, &updated)
	if err != nil {
		return model.Agent{}, err
	}

	if err := json.Unmarshal([]byte(cfg), &agent.Config); err != nil {
		return model.Agent{}, fmt.Errorf("failed to unmarshal config of agent %s: %w", agent.ID, err)
	}
	agent.CreatedAt = fromUnix(createdAt)
	agent.UpdatedAt = fromUnix(updated)

	return agent, nil
}
