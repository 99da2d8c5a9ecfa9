package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/aristath/debai/internal/model"
)

const scheduledPrompt = "Perform your scheduled review of the system and report anything that needs attention."

// ScheduleTaskID is the id of the recurring task created for an agent with a
// schedule.
func ScheduleTaskID(agentID string) string { return agentID + "-schedule" }

// CreateAgent registers an agent. An agent with a schedule also gets a
// recurring agent task that prompts it on every fire.
func (e *Engine) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	created, err := e.agents.Create(ctx, a)
	if err != nil {
		return model.Agent{}, err
	}
	if created.Config.Schedule == "" {
		return created, nil
	}

	_, err = e.scheduler.CreateTask(ctx, model.Task{
		ID:          ScheduleTaskID(created.ID),
		Name:        created.Name + " schedule",
		Description: "Recurring review by agent " + created.Name,
		Kind:        model.TaskKindAgent,
		Priority:    model.PriorityNormal,
		AgentID:     created.ID,
		Action:      &model.Action{Kind: model.ActionPrompt, Prompt: scheduledPrompt},
		Trigger:     model.Trigger{Kind: model.TriggerCron, Cron: created.Config.Schedule},
	})
	if err != nil {
		if delErr := e.agents.Delete(ctx, created.ID); delErr != nil {
			e.logger.Warningf("could not roll back agent %s: %s", created.ID, delErr)
		}
		return model.Agent{}, fmt.Errorf("could not schedule agent %s: %w", created.ID, err)
	}
	return created, nil
}

// DeleteAgent removes an agent and its recurring task.
func (e *Engine) DeleteAgent(ctx context.Context, id string) error {
	if err := e.agents.Delete(ctx, id); err != nil {
		return err
	}
	err := e.scheduler.DeleteTask(ctx, ScheduleTaskID(id))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		e.logger.Warningf("could not delete schedule of agent %s: %s", id, err)
	}
	return nil
}

// CreateAgentFromTemplate creates an agent from a configured template. An
// empty name keeps the template name.
func (e *Engine) CreateAgentFromTemplate(ctx context.Context, template, name string) (model.Agent, error) {
	tpl, err := e.cfg.Settings.AgentTemplate(template)
	if err != nil {
		return model.Agent{}, err
	}
	a := tpl.Agent()
	if name != "" {
		a.Name = name
	}
	return e.CreateAgent(ctx, a)
}

// CreateTaskFromTemplate creates a task with the given id from a configured
// template. An empty id gets a generated one.
func (e *Engine) CreateTaskFromTemplate(ctx context.Context, template, id string) (model.Task, error) {
	tpl, err := e.cfg.Settings.TaskTemplate(template)
	if err != nil {
		return model.Task{}, err
	}
	return e.scheduler.CreateTask(ctx, tpl.Task(id))
}

// Templates lists the agent and task template names.
func (e *Engine) Templates() (agents, tasks []string) {
	return slices.Sorted(maps.Keys(e.cfg.Settings.Agents)), slices.Sorted(maps.Keys(e.cfg.Settings.Tasks))
}
