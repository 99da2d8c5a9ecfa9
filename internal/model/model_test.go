package model_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/debai/internal/model"
)

func TestTaskValidate(t *testing.T) {
	base := func() model.Task {
		return model.Task{ID: "t1", Name: "t1", Kind: model.TaskKindCommand, Command: "true"}.WithDefaults()
	}

	tests := map[string]struct {
		task   func() model.Task
		expErr error
	}{
		"A command task with defaults should be valid.": {
			task: base,
		},
		"A command task without command should fail.": {
			task: func() model.Task {
				t := base()
				t.Command = ""
				return t
			},
			expErr: model.ErrNotValid,
		},
		"A task depending on itself should be a cycle.": {
			task: func() model.Task {
				t := base()
				t.DependsOn = []string{"t1"}
				return t
			},
			expErr: model.ErrCyclicDependency,
		},
		"A workflow containing itself should be a cycle.": {
			task: func() model.Task {
				t := base()
				t.Kind = model.TaskKindWorkflow
				t.Steps = []string{"t1"}
				return t
			},
			expErr: model.ErrCyclicDependency,
		},
		"A cron trigger without expression should fail.": {
			task: func() model.Task {
				t := base()
				t.Trigger = model.Trigger{Kind: model.TriggerCron}
				return t
			},
			expErr: model.ErrNotValid,
		},
		"An agent task without action should fail.": {
			task: func() model.Task {
				t := base()
				t.Kind = model.TaskKindAgent
				t.AgentID = "a1"
				return t
			},
			expErr: model.ErrNotValid,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := test.task().Validate()
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPriorityText(t *testing.T) {
	var p model.Priority
	require.NoError(t, json.Unmarshal([]byte(`"critical"`), &p))
	assert.Equal(t, model.PriorityCritical, p)

	b, err := json.Marshal(model.PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, `"low"`, string(b))

	_, err = model.ParsePriority("urgent")
	assert.ErrorIs(t, err, model.ErrNotValid)
	assert.True(t, model.PriorityCritical > model.PriorityHigh)
}

func TestStructuredErrors(t *testing.T) {
	err := fmt.Errorf("starting: %w", &model.TransitionError{Entity: model.EntityAgent, ID: "a1", From: "deleted", Attempted: "start"})
	var te *model.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "deleted", te.From)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	perr := &model.PersistenceError{Op: "append execution", Err: errors.New("disk full")}
	assert.ErrorIs(t, perr, model.ErrPersistence)
	assert.Contains(t, perr.Error(), "disk full")

	cerr := &model.CapabilityError{AgentID: "a1", Action: model.ActionCommand, Capability: model.CapabilityExecuteCommands}
	assert.ErrorIs(t, cerr, model.ErrCapabilityDenied)
}

func TestActionRequiredCapabilities(t *testing.T) {
	a := model.Action{Kind: model.ActionPlan, Prompt: "x", Capability: model.CapabilityPackageInstall}
	assert.Equal(t, []model.Capability{model.CapabilityExecuteCommands, model.CapabilityPackageInstall}, a.RequiredCapabilities())

	p := model.Action{Kind: model.ActionPrompt, Prompt: "x"}
	assert.Empty(t, p.RequiredCapabilities())
}

func TestExecutionFilterMatch(t *testing.T) {
	e := model.Execution{TaskID: "t1", Outcome: model.OutcomeFailure}
	assert.True(t, model.ExecutionFilter{}.Match(e))
	assert.True(t, model.ExecutionFilter{TaskID: "t1", Outcome: model.OutcomeFailure}.Match(e))
	assert.False(t, model.ExecutionFilter{AgentID: "a1"}.Match(e))
	assert.True(t, model.OutcomeTimedOut.Retryable())
	assert.False(t, model.OutcomePolicyViolation.Retryable())
}
