package scheduler

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/debai/internal/agent"
	"github.com/aristath/debai/internal/model"
)

// runWorkflow runs the steps of a workflow job as one attempt. Sequential
// workflows stop at the first step that doesn't succeed, parallel workflows
// run every step. The outcome is the one of the first failing step in order.
func (e *Executor) runWorkflow(ctx context.Context, job Job, inv agent.Invocation) result {
	t := job.Task
	started := e.cfg.TimeNow()

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, t.Timeout, model.ErrTimedOut)
		defer cancel()
	}

	results := make([]result, len(job.Steps))
	ran := make([]bool, len(job.Steps))

	if t.Parallel {
		var g errgroup.Group
		for i, step := range job.Steps {
			g.Go(func() error {
				results[i] = e.run(ctx, step, inv)
				ran[i] = true
				return nil // Step outcomes are collected, not returned
			})
		}
		_ = g.Wait()
	} else {
		for i, step := range job.Steps {
			results[i] = e.run(ctx, step, inv)
			ran[i] = true
			if results[i].kind != model.OutcomeSuccess {
				break
			}
		}
	}

	res := result{kind: model.OutcomeSuccess, started: started}
	var out strings.Builder
	for i, step := range job.Steps {
		if !ran[i] {
			fmt.Fprintf(&out, "== %s: skipped ==\n", step.Task.Name)
			continue
		}
		r := results[i]
		fmt.Fprintf(&out, "== %s: %s ==\n%s", step.Task.Name, r.kind, r.output)
		if r.output != "" && !strings.HasSuffix(r.output, "\n") {
			out.WriteByte('\n')
		}
		if r.kind != model.OutcomeSuccess && res.kind == model.OutcomeSuccess {
			res.kind = r.kind
			res.exitCode = r.exitCode
			res.err = fmt.Errorf("step %s: %w", step.Task.ID, stepErr(r))
		}
	}
	res.output = out.String()
	res.ended = e.cfg.TimeNow()

	// The workflow deadline surfaces as the step being cancelled.
	if res.kind == model.OutcomeCancelled && context.Cause(ctx) == model.ErrTimedOut {
		res.kind = model.OutcomeTimedOut
		res.err = fmt.Errorf("workflow %s exceeded %s: %w", t.ID, t.Timeout, model.ErrTimedOut)
	}
	return res
}

func stepErr(r result) error {
	if r.err != nil {
		return r.err
	}
	return fmt.Errorf("%s", r.kind)
}

// job resolves the snapshot of a task, expanding workflow steps recursively.
func (g *Graph) job(taskID string) (Job, error) {
	task, ok := g.tasks[taskID]
	if !ok {
		return Job{}, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	j := Job{Task: task.Clone()}
	for _, step := range task.Steps {
		sj, err := g.job(step)
		if err != nil {
			return Job{}, fmt.Errorf("workflow %s: %w", taskID, err)
		}
		j.Steps = append(j.Steps, sj)
	}
	return j, nil
}
