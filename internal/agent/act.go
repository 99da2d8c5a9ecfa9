package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/debai/internal/backend"
	"github.com/aristath/debai/internal/model"
	"github.com/aristath/debai/internal/sandbox"
)

// Invocation carries the scheduling context of an action.
type Invocation struct {
	TaskID     string
	InstanceID string
	Attempt    int
	Cause      model.Cause
}

const planInstruction = "Reply with exactly one shell command that accomplishes the request below. " +
	"Do not explain it and do not wrap it in markdown.\n\nRequest: "

// Act performs action on a Running agent and records the attempt in the ledger.
//
// The returned execution is the recorded attempt. Its Outcome is empty when the
// call was rejected before any attempt existed (unknown agent, malformed action),
// in which case nothing was recorded. Non success outcomes are also returned as
// an error matching the model sentinels.
func (m *Manager) Act(ctx context.Context, id string, action model.Action, inv Invocation) (model.Execution, error) {
	if err := action.Validate(); err != nil {
		return model.Execution{}, err
	}
	e, err := m.entry(id)
	if err != nil {
		return model.Execution{}, err
	}
	if inv.Cause == "" {
		inv.Cause = model.CauseManual
	}

	exec := model.Execution{
		TaskID:     inv.TaskID,
		InstanceID: inv.InstanceID,
		AgentID:    id,
		Attempt:    inv.Attempt,
		Cause:      inv.Cause,
		StartedAt:  m.cfg.TimeNow().UTC(),
	}

	// Admission happens under the transition lock so Stop can't miss an act.
	e.mu.Lock()
	a := e.snapshot()
	if a.Status != model.AgentStatusRunning {
		e.mu.Unlock()
		err := &model.TransitionError{Entity: model.EntityAgent, ID: id, From: string(a.Status), Attempted: "act"}
		return m.finish(ctx, exec, model.OutcomeInvalidTransition, -1, "", err)
	}
	for _, c := range action.RequiredCapabilities() {
		if !a.Config.HasCapability(c) {
			e.mu.Unlock()
			err := &model.CapabilityError{AgentID: id, Action: action.Kind, Capability: c}
			m.logger.Warningf("%s", err)
			return m.finish(ctx, exec, model.OutcomeCapabilityDenied, -1, "", err)
		}
	}
	e.inflight.Add(1)
	e.stateMu.Lock()
	runCtx := e.runCtx
	e.stateMu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}
	e.mu.Unlock()
	defer e.inflight.Done()

	// Stop cancels runCtx, the caller cancels ctx.
	actCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(runCtx, cancel)()

	switch action.Kind {
	case model.ActionCommand:
		return m.runCommand(actCtx, ctx, a, action, action.Command, "", exec, inv)
	case model.ActionPrompt:
		answer, err := m.chat(actCtx, a, action.Prompt)
		if err != nil {
			return m.finish(ctx, exec, backendOutcome(actCtx, err), -1, "", err)
		}
		return m.finish(ctx, exec, model.OutcomeSuccess, 0, answer, nil)
	default: // model.ActionPlan
		answer, err := m.chat(actCtx, a, planInstruction+action.Prompt)
		if err != nil {
			return m.finish(ctx, exec, backendOutcome(actCtx, err), -1, "", err)
		}
		command := extractCommand(answer)
		if command == "" {
			return m.finish(ctx, exec, model.OutcomeFailure, -1, answer,
				fmt.Errorf("model did not propose a command"))
		}
		return m.runCommand(actCtx, ctx, a, action, command, "$ "+command+"\n", exec, inv)
	}
}

func (m *Manager) runCommand(actCtx, ctx context.Context, a model.Agent, action model.Action, command, prefix string, exec model.Execution, inv Invocation) (model.Execution, error) {
	if !commandAllowed(a.Config.AllowedCommands, command) {
		err := fmt.Errorf("%w: %q is not in the allowed commands of agent %s", model.ErrPolicyViolation, command, a.ID)
		return m.finish(ctx, exec, model.OutcomePolicyViolation, -1, prefix, err)
	}

	timeout := action.Timeout
	if timeout == 0 {
		timeout = a.Config.Timeout
	}
	spec := sandbox.Spec{
		Command:           command,
		Env:               a.Config.Env,
		WorkDir:           a.Config.WorkDir,
		Limits:            a.Config.Limits,
		Timeout:           timeout,
		Destructive:       action.Destructive || a.Config.RequiresConfirmation,
		ConfirmationToken: action.ConfirmationToken,
		DenyList:          a.Config.DenyList,
	}

	if spec.Destructive && spec.ConfirmationToken == "" && m.cfg.Confirmer != nil {
		token, err := m.cfg.Confirmer.Ask(actCtx, a.ID, inv.TaskID, command)
		switch {
		case err == nil:
			spec.ConfirmationToken = token
		case actCtx.Err() != nil:
			return m.finish(ctx, exec, model.OutcomeCancelled, -1, prefix, fmt.Errorf("confirmation aborted: %w", err))
		default:
			return m.finish(ctx, exec, model.OutcomeConfirmationRequired, -1, prefix, err)
		}
	}

	out := m.cfg.Sandbox.Run(actCtx, spec)
	exec.StartedAt = out.StartedAt
	return m.finishAt(ctx, exec, out.EndedAt, out.Kind, out.ExitCode, prefix+out.Output, out.Err)
}

// chat sends prompt with the agent's system prompt and recent history, and
// appends both sides of the exchange to the history.
func (m *Manager) chat(ctx context.Context, a model.Agent, prompt string) (string, error) {
	history, err := m.cfg.Repository.GetHistory(ctx, a.ID, m.cfg.HistoryLimit)
	if err != nil {
		m.logger.Warningf("could not load history of agent %s: %s", a.ID, err)
	}

	msgs := make([]model.Message, 0, len(history)+2)
	if a.Config.SystemPrompt != "" {
		msgs = append(msgs, model.Message{Role: model.RoleSystem, Content: a.Config.SystemPrompt})
	}
	msgs = append(msgs, history...)
	user := model.Message{Role: model.RoleUser, Content: prompt, At: m.cfg.TimeNow().UTC()}
	msgs = append(msgs, user)

	answer, err := m.cfg.Backend.Chat(ctx, a.Config.Model, msgs, backend.Options{})
	if err != nil {
		return "", err
	}

	reply := model.Message{Role: model.RoleAssistant, Content: answer, At: m.cfg.TimeNow().UTC()}
	for _, msg := range []model.Message{user, reply} {
		if err := m.cfg.Repository.SaveMessage(context.WithoutCancel(ctx), a.ID, msg); err != nil {
			m.logger.Errorf("could not save message of agent %s: %s", a.ID, err)
		}
	}
	return answer, nil
}

func (m *Manager) finish(ctx context.Context, exec model.Execution, kind model.OutcomeKind, exitCode int, output string, cause error) (model.Execution, error) {
	return m.finishAt(ctx, exec, m.cfg.TimeNow().UTC(), kind, exitCode, output, cause)
}

func (m *Manager) finishAt(ctx context.Context, exec model.Execution, ended time.Time, kind model.OutcomeKind, exitCode int, output string, cause error) (model.Execution, error) {
	exec.EndedAt = ended
	exec.Outcome = kind
	exec.ExitCode = exitCode
	exec.Output = output
	if cause != nil {
		exec.Error = cause.Error()
	}

	recorded, err := m.cfg.Ledger.Append(ctx, exec)
	return recorded, errors.Join(cause, err)
}

func backendOutcome(ctx context.Context, err error) model.OutcomeKind {
	switch {
	case ctx.Err() != nil:
		return model.OutcomeCancelled
	case errors.Is(err, model.ErrBackendUnavailable):
		return model.OutcomeBackendUnavailable
	}
	return model.OutcomeFailure
}

// commandAllowed reports whether command starts with one of the allowed
// programs. An empty allow-list allows everything.
func commandAllowed(allowed []string, command string) bool {
	if len(allowed) == 0 {
		return true
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	prog := fields[0]
	if prog == "sudo" && len(fields) > 1 {
		prog = fields[1]
	}
	norm := strings.Join(fields, " ")
	for _, a := range allowed {
		a = strings.Join(strings.Fields(a), " ")
		if a == prog || a == filepath.Base(prog) || (strings.Contains(a, " ") && strings.HasPrefix(norm, a)) {
			return true
		}
	}
	return false
}

// extractCommand pulls the shell command out of a model answer, tolerating
// markdown fences and a leading prompt sign.
func extractCommand(answer string) string {
	for _, line := range strings.Split(answer, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		line = strings.TrimPrefix(line, "$ ")
		return strings.Trim(line, "`")
	}
	return ""
}
