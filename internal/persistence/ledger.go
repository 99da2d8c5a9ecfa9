package persistence

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/aristath/debai/internal/model"
)

// AppendExecution stores an immutable execution record.
func (s *SQLiteStore) AppendExecution(ctx context.Context, e model.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, instance_id, agent_id, attempt, cause, started_at, ended_at, outcome, exit_code, output, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TaskID, e.InstanceID, e.AgentID, e.Attempt, e.Cause, toUnix(e.StartedAt), toUnix(e.EndedAt),
		e.Outcome, e.ExitCode, e.Output, e.Error)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("execution %s: %w", e.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// Executions lazily yields the executions matching filter ordered by start time then id.
// Rows are fetched in pages so the connection is never held while the caller consumes.
func (s *SQLiteStore) Executions(ctx context.Context, filter model.ExecutionFilter) iter.Seq2[model.Execution, error] {
	return func(yield func(model.Execution, error) bool) {
		var (
			lastAt  int64 = -1
			lastID  string
			yielded int
		)

		for {
			where := []string{"(started_at, id) > (?, ?)"}
			args := []any{lastAt, lastID}
			if filter.TaskID != "" {
				where = append(where, "task_id = ?")
				args = append(args, filter.TaskID)
			}
			if filter.AgentID != "" {
				where = append(where, "agent_id = ?")
				args = append(args, filter.AgentID)
			}
			if filter.Outcome != "" {
				where = append(where, "outcome = ?")
				args = append(args, filter.Outcome)
			}
			if !filter.Since.IsZero() {
				where = append(where, "started_at >= ?")
				args = append(args, toUnix(filter.Since))
			}
			if !filter.Until.IsZero() {
				where = append(where, "started_at < ?")
				args = append(args, toUnix(filter.Until))
			}
			args = append(args, pageSize)

			page, err := s.executionPage(ctx, where, args)
			if err != nil {
				yield(model.Execution{}, err)
				return
			}

			for _, e := range page {
				if filter.Limit > 0 && yielded >= filter.Limit {
					return
				}
				if !yield(e, nil) {
					return
				}
				yielded++
			}

			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			lastAt, lastID = toUnix(last.StartedAt), last.ID
		}
	}
}

func (s *SQLiteStore) executionPage(ctx context.Context, where []string, args []any) ([]model.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, instance_id, agent_id, attempt, cause, started_at, ended_at, outcome, exit_code, output, error
		FROM executions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY started_at, id
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	page := make([]model.Execution, 0, pageSize)
	for rows.Next() {
		var (
			e                  model.Execution
			startedAt, endedAt int64
		)
		err := rows.Scan(&e.ID, &e.TaskID, &e.InstanceID, &e.AgentID, &e.Attempt, &e.Cause,
			&startedAt, &endedAt, &e.Outcome, &e.ExitCode, &e.Output, &e.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.StartedAt = fromUnix(startedAt)
		e.EndedAt = fromUnix(endedAt)
		page = append(page, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return page, nil
}

// AppendTransition stores an immutable transition record.
func (s *SQLiteStore) AppendTransition(ctx context.Context, tr model.Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (id, entity, entity_id, from_state, to_state, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, tr.ID, tr.Entity, tr.EntityID, tr.From, tr.To, tr.Reason, toUnix(tr.At))
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// Transitions lazily yields the transitions matching filter in chronological order.
func (s *SQLiteStore) Transitions(ctx context.Context, filter model.TransitionFilter) iter.Seq2[model.Transition, error] {
	return func(yield func(model.Transition, error) bool) {
		var (
			lastAt  int64 = -1
			lastID  string
			yielded int
		)

		for {
			where := []string{"(at, id) > (?, ?)"}
			args := []any{lastAt, lastID}
			if filter.Entity != "" {
				where = append(where, "entity = ?")
				args = append(args, filter.Entity)
			}
			if filter.EntityID != "" {
				where = append(where, "entity_id = ?")
				args = append(args, filter.EntityID)
			}
			if !filter.Since.IsZero() {
				where = append(where, "at >= ?")
				args = append(args, toUnix(filter.Since))
			}
			args = append(args, pageSize)

			page, err := s.transitionPage(ctx, where, args)
			if err != nil {
				yield(model.Transition{}, err)
				return
			}

			for _, tr := range page {
				if filter.Limit > 0 && yielded >= filter.Limit {
					return
				}
				if !yield(tr, nil) {
					return
				}
				yielded++
			}

			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			lastAt, lastID = toUnix(last.At), last.ID
		}
	}
}

func (s *SQLiteStore) transitionPage(ctx context.Context, where []string, args []any) ([]model.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity, entity_id, from_state, to_state, reason, at
		FROM transitions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY at, id
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	page := make([]model.Transition, 0, pageSize)
	for rows.Next() {
		var (
			tr model.Transition
			at int64
		)
		if err := rows.Scan(&tr.ID, &tr.Entity, &tr.EntityID, &tr.From, &tr.To, &tr.Reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.At = fromUnix(at)
		page = append(page, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return page, nil
}
