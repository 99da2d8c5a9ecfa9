package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/debai/internal/model"
)

// SaveTask upserts a task and replaces its dependency rows. Every
// dependency must already be stored.
func (s *SQLiteStore) SaveTask(ctx context.Context, task model.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	def, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, name, kind, priority, status, attempt, instance, instance_id, seq, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			priority = excluded.priority,
			status = excluded.status,
			attempt = excluded.attempt,
			instance = excluded.instance,
			instance_id = excluded.instance_id,
			definition = excluded.definition,
			updated_at = excluded.updated_at
	`, task.ID, task.Name, task.Kind, int(task.Priority), task.Status, task.Attempt, task.Instance,
		task.InstanceID, task.Seq, string(def), toUnix(task.CreatedAt), toUnix(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for i, depID := range task.DependsOn {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dependency task %s: %w", depID, model.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id, position)
			VALUES (?, ?, ?)
		`, task.ID, depID, i)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	var def string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM tasks WHERE id = ?`, taskID).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	task, err := decodeTask(def)
	if err != nil {
		return nil, err
	}

	deps, err := s.dependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps[taskID]

	return &task, nil
}

// ListTasks returns all tasks with their dependencies in insertion order.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM tasks ORDER BY seq, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	tasks := []model.Task{}
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task, err := decodeTask(def)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	// Dependencies are loaded once the task rows released the connection.
	deps, err := s.dependencies(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].DependsOn = deps[tasks[i].ID]
	}

	return tasks, nil
}

// DeleteTask removes a task and its dependency edges.
func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}

	return nil
}

// dependencies returns dependency lists keyed by task, for one task or all of them.
func (s *SQLiteStore) dependencies(ctx context.Context, taskID string) (map[string][]string, error) {
	query := `SELECT task_id, depends_on_id FROM task_dependencies ORDER BY task_id, position`
	args := []any{}
	if taskID != "" {
		query = `SELECT task_id, depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY position`
		args = append(args, taskID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	deps := map[string][]string{}
	for rows.Next() {
		var id, depID string
		if err := rows.Scan(&id, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps[id] = append(deps[id], depID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return deps, nil
}

func decodeTask(def string) (model.Task, error) {
	var task model.Task
	if err := json.Unmarshal([]byte(def), &task); err != nil {
		return model.Task{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	task.DependsOn = nil
	return task, nil
}
