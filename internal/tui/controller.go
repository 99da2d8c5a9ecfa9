package tui

import (
	"context"

	"github.com/aristath/debai/internal/engine"
	"github.com/aristath/debai/internal/model"
)

// Controller is what the dashboard needs from the engine.
type Controller interface {
	Agents() []model.Agent
	Tasks(ctx context.Context) ([]model.Task, error)
	ToggleAgent(ctx context.Context, id string) (model.Agent, error)
	RunTask(ctx context.Context, id string) (model.Task, error)
	Resolve(requestID string, approve bool) error
}

// EngineController drives a local engine.
func EngineController(e *engine.Engine) Controller {
	return engineController{e: e}
}

type engineController struct {
	e *engine.Engine
}

func (c engineController) Agents() []model.Agent { return c.e.Agents().List() }

func (c engineController) Tasks(ctx context.Context) ([]model.Task, error) {
	return c.e.Scheduler().ListTasks(ctx)
}

// ToggleAgent stops a running agent and starts any other.
func (c engineController) ToggleAgent(ctx context.Context, id string) (model.Agent, error) {
	a, err := c.e.Agents().Get(id)
	if err != nil {
		return model.Agent{}, err
	}
	if a.Status == model.AgentStatusRunning {
		return c.e.Agents().Stop(ctx, id)
	}
	return c.e.Agents().Start(ctx, id)
}

func (c engineController) RunTask(ctx context.Context, id string) (model.Task, error) {
	return c.e.Scheduler().RunTask(ctx, id)
}

func (c engineController) Resolve(requestID string, approve bool) error {
	return c.e.Confirmations().Resolve(requestID, approve)
}
