package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/debai/internal/agent"
	"github.com/aristath/debai/internal/log"
	"github.com/aristath/debai/internal/model"
	"github.com/aristath/debai/internal/sandbox"
)

// Job is a task snapshot handed to a worker. Workflow jobs carry their
// resolved steps.
type Job struct {
	Task  model.Task
	Steps []Job
}

// TaskExecutor runs one attempt of a job and returns its recorded execution.
// The error is a *model.PersistenceError when the attempt ran but its record
// could not be stored; the execution still carries the outcome.
type TaskExecutor interface {
	Execute(ctx context.Context, job Job, inv agent.Invocation) (model.Execution, error)
}

// AgentActor performs agent actions, it is satisfied by *agent.Manager.
type AgentActor interface {
	Act(ctx context.Context, id string, action model.Action, inv agent.Invocation) (model.Execution, error)
}

// Appender records executions, it is satisfied by *ledger.Ledger.
type Appender interface {
	Append(ctx context.Context, e model.Execution) (model.Execution, error)
}

// ExecutorConfig is the configuration of the executor.
type ExecutorConfig struct {
	Sandbox sandbox.Runner
	// Agents is optional, agent tasks fail without it.
	Agents AgentActor
	// Confirmer is optional, without it destructive command and script tasks
	// run only while their stored token is redeemable.
	Confirmer agent.Confirmer
	Ledger    Appender
	Logger    log.Logger
	TimeNow   func() time.Time
}

func (c *ExecutorConfig) defaults() error {
	if c.Sandbox == nil {
		return fmt.Errorf("sandbox is required")
	}
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "scheduler.Executor"})
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}
	return nil
}

// Executor dispatches tasks to the sandbox or to an agent.
type Executor struct {
	cfg    ExecutorConfig
	logger log.Logger
}

// NewExecutor creates a new Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Executor{cfg: cfg, logger: cfg.Logger}, nil
}

// result is the outcome of one attempt before it is recorded.
type result struct {
	kind     model.OutcomeKind
	exitCode int
	output   string
	err      error
	started  time.Time
	ended    time.Time
}

// Execute runs one attempt of job and records it. Agent actions are recorded
// by the agent manager and returned as is.
func (e *Executor) Execute(ctx context.Context, job Job, inv agent.Invocation) (model.Execution, error) {
	t := job.Task
	if t.Kind == model.TaskKindAgent {
		exec, res, err := e.act(ctx, t, inv)
		if exec.Outcome != "" {
			var perr *model.PersistenceError
			if errors.As(err, &perr) {
				return exec, perr
			}
			return exec, nil
		}
		return e.record(ctx, t, inv, res)
	}
	return e.record(ctx, t, inv, e.run(ctx, job, inv))
}

// run performs a job without recording it.
func (e *Executor) run(ctx context.Context, job Job, inv agent.Invocation) result {
	t := job.Task
	switch t.Kind {
	case model.TaskKindCommand, model.TaskKindScript:
		out := e.runConfirmed(ctx, t, sandbox.Spec{
			Command:           t.Command,
			Script:            t.Script,
			Interpreter:       t.Interpreter,
			Env:               t.Env,
			WorkDir:           t.WorkDir,
			Limits:            t.Limits,
			Timeout:           t.Timeout,
			Destructive:       t.Destructive,
			ConfirmationToken: t.ConfirmationToken,
		})
		return result{
			kind:     out.Kind,
			exitCode: out.ExitCode,
			output:   out.Output,
			err:      out.Err,
			started:  out.StartedAt,
			ended:    out.EndedAt,
		}
	case model.TaskKindAgent:
		exec, res, _ := e.act(ctx, t, inv)
		if exec.Outcome == "" {
			return res
		}
		var err error
		if exec.Error != "" {
			err = errors.New(exec.Error)
		}
		return result{
			kind:     exec.Outcome,
			exitCode: exec.ExitCode,
			output:   exec.Output,
			err:      err,
			started:  exec.StartedAt,
			ended:    exec.EndedAt,
		}
	case model.TaskKindWorkflow:
		return e.runWorkflow(ctx, job, inv)
	}

	now := e.cfg.TimeNow()
	return result{
		kind:     model.OutcomeFailure,
		exitCode: -1,
		err:      fmt.Errorf("task %s has unknown kind %q: %w", t.ID, t.Kind, model.ErrNotValid),
		started:  now,
		ended:    now,
	}
}

// runConfirmed runs spec, asking for a fresh token when destructive work has
// none or its stored one was spent by an earlier attempt.
func (e *Executor) runConfirmed(ctx context.Context, t model.Task, spec sandbox.Spec) sandbox.Outcome {
	if !spec.Destructive || e.cfg.Confirmer == nil {
		return e.cfg.Sandbox.Run(ctx, spec)
	}
	if spec.ConfirmationToken != "" {
		out := e.cfg.Sandbox.Run(ctx, spec)
		if out.Kind != model.OutcomeConfirmationRequired {
			return out
		}
		e.logger.Infof("stored confirmation of task %s was not accepted, asking again", t.ID)
	}

	started := e.cfg.TimeNow().UTC()
	token, err := e.cfg.Confirmer.Ask(ctx, t.AgentID, t.ID, spec.Describe())
	if err != nil {
		o := sandbox.Outcome{Kind: model.OutcomeConfirmationRequired, ExitCode: -1, Err: err, StartedAt: started}
		if ctx.Err() != nil {
			o.Kind, o.Err = model.OutcomeCancelled, fmt.Errorf("confirmation aborted: %w", err)
		}
		o.EndedAt = e.cfg.TimeNow().UTC()
		return o
	}
	spec.ConfirmationToken = token
	return e.cfg.Sandbox.Run(ctx, spec)
}

// act invokes the agent of an agent task. When the manager rejected the call
// before recording anything the returned execution is empty and res
// describes the rejection. Otherwise err is what the manager returned.
func (e *Executor) act(ctx context.Context, t model.Task, inv agent.Invocation) (model.Execution, result, error) {
	started := e.cfg.TimeNow()
	if e.cfg.Agents == nil {
		return model.Execution{}, result{
			kind:     model.OutcomeFailure,
			exitCode: -1,
			err:      fmt.Errorf("agent task %s can't run without an agent manager", t.ID),
			started:  started,
			ended:    started,
		}, nil
	}

	action := *t.Action
	action.Destructive = action.Destructive || t.Destructive
	if action.ConfirmationToken == "" {
		action.ConfirmationToken = t.ConfirmationToken
	}
	if action.Timeout == 0 {
		action.Timeout = t.Timeout
	}
	inv.TaskID = t.ID

	exec, err := e.cfg.Agents.Act(ctx, t.AgentID, action, inv)
	if exec.Outcome != "" {
		return exec, result{}, err
	}
	return model.Execution{}, result{
		kind:     rejectionOutcome(ctx, err),
		exitCode: -1,
		err:      err,
		started:  started,
		ended:    e.cfg.TimeNow(),
	}, nil
}

func (e *Executor) record(ctx context.Context, t model.Task, inv agent.Invocation, res result) (model.Execution, error) {
	exec := model.Execution{
		TaskID:     t.ID,
		InstanceID: inv.InstanceID,
		AgentID:    t.AgentID,
		Attempt:    inv.Attempt,
		Cause:      inv.Cause,
		StartedAt:  res.started,
		EndedAt:    res.ended,
		Outcome:    res.kind,
		ExitCode:   res.exitCode,
		Output:     res.output,
	}
	if res.err != nil {
		exec.Error = res.err.Error()
	}

	recorded, err := e.cfg.Ledger.Append(ctx, exec)
	if err != nil {
		return recorded, fmt.Errorf("could not record attempt %d of task %s: %w", inv.Attempt, t.ID, err)
	}
	return recorded, nil
}

func rejectionOutcome(ctx context.Context, err error) model.OutcomeKind {
	switch {
	case ctx.Err() != nil:
		return model.OutcomeCancelled
	case errors.Is(err, model.ErrCapabilityDenied):
		return model.OutcomeCapabilityDenied
	case errors.Is(err, model.ErrInvalidTransition):
		return model.OutcomeInvalidTransition
	case errors.Is(err, model.ErrPolicyViolation):
		return model.OutcomePolicyViolation
	}
	return model.OutcomeFailure
}
