package scheduler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/debai/internal/model"
)

// Graph is the task dependency graph. Dependency edges and workflow
// containment edges are both kept acyclic.
//
// Graph is owned by the scheduler loop and is not safe for concurrent use.
type Graph struct {
	tasks      map[string]*model.Task // All tasks indexed by ID
	dependents map[string][]string    // Maps taskID -> tasks that depend on it
	containers map[string][]string    // Maps taskID -> workflows that contain it as a step
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:      make(map[string]*model.Task),
		dependents: make(map[string][]string),
		containers: make(map[string][]string),
	}
}

// Add inserts a task. Its dependencies and steps must already be in the graph.
func (g *Graph) Add(task *model.Task) error {
	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("task %s: %w", task.ID, model.ErrAlreadyExists)
	}
	for _, depID := range task.DependsOn {
		if depID == task.ID {
			return &model.CycleError{TaskID: task.ID, DependsOn: depID, Path: []string{task.ID}}
		}
		if _, exists := g.tasks[depID]; !exists {
			return fmt.Errorf("dependency %s of task %s: %w", depID, task.ID, model.ErrNotFound)
		}
	}
	if err := g.checkSteps(task.ID, task.Steps); err != nil {
		return err
	}

	g.insert(task)
	return nil
}

// insert adds the task without checks, used when loading a persisted graph
// that is validated as a whole afterwards.
func (g *Graph) insert(task *model.Task) {
	g.tasks[task.ID] = task
	for _, depID := range task.DependsOn {
		g.dependents[depID] = append(g.dependents[depID], task.ID)
	}
	for _, step := range task.Steps {
		g.containers[step] = append(g.containers[step], task.ID)
	}
}

// Remove deletes a task that nothing depends on and no workflow contains.
func (g *Graph) Remove(taskID string) error {
	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if deps := g.dependents[taskID]; len(deps) > 0 {
		return fmt.Errorf("task %s is a dependency of %s: %w", taskID, strings.Join(deps, ", "), model.ErrNotValid)
	}
	if wfs := g.containers[taskID]; len(wfs) > 0 {
		return fmt.Errorf("task %s is a step of %s: %w", taskID, strings.Join(wfs, ", "), model.ErrNotValid)
	}

	for _, depID := range task.DependsOn {
		g.dependents[depID] = without(g.dependents[depID], taskID)
	}
	for _, step := range task.Steps {
		g.containers[step] = without(g.containers[step], taskID)
	}
	delete(g.tasks, taskID)
	delete(g.dependents, taskID)
	delete(g.containers, taskID)
	return nil
}

// SetDependencies replaces the dependencies of a task. An edge that would
// close a cycle is rejected with a *model.CycleError and nothing changes.
func (g *Graph) SetDependencies(taskID string, deps []string) error {
	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}

	deps = dedupe(deps)
	for _, depID := range deps {
		if depID == taskID {
			return &model.CycleError{TaskID: taskID, DependsOn: depID, Path: []string{taskID}}
		}
		if _, exists := g.tasks[depID]; !exists {
			return fmt.Errorf("dependency %s of task %s: %w", depID, taskID, model.ErrNotFound)
		}
		// A cycle exists if the new dependency already reaches back to the task.
		if path := g.path(depID, taskID); path != nil {
			return &model.CycleError{TaskID: taskID, DependsOn: depID, Path: path}
		}
	}

	for _, depID := range task.DependsOn {
		g.dependents[depID] = without(g.dependents[depID], taskID)
	}
	task.DependsOn = deps
	for _, depID := range deps {
		g.dependents[depID] = append(g.dependents[depID], taskID)
	}
	return nil
}

// checkSteps verifies the steps of workflow id exist and don't contain id.
func (g *Graph) checkSteps(id string, steps []string) error {
	for _, step := range steps {
		if step == id {
			return &model.CycleError{TaskID: id, DependsOn: step, Path: []string{id}}
		}
		if _, exists := g.tasks[step]; !exists {
			return fmt.Errorf("step %s of workflow %s: %w", step, id, model.ErrNotFound)
		}
		if path := g.path(step, id); path != nil {
			return &model.CycleError{TaskID: id, DependsOn: step, Path: path}
		}
	}
	return nil
}

// path returns the chain from -> ... -> to, or nil. It follows dependency
// and step edges together, the same edges Validate sorts.
func (g *Graph) path(from, to string) []string {
	visited := map[string]bool{}
	var walk func(id string) []string
	walk = func(id string) []string {
		if id == to {
			return []string{id}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		task, ok := g.tasks[id]
		if !ok {
			return nil
		}
		for _, n := range predecessors(task) {
			if rest := walk(n); rest != nil {
				return append([]string{id}, rest...)
			}
		}
		return nil
	}
	return walk(from)
}

// Validate runs a topological sort over dependency and containment edges.
// Returns ordered task IDs or an error if a cycle or a dangling reference is found.
func (g *Graph) Validate() ([]string, error) {
	for taskID, task := range g.tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %s depends on non-existent task %s: %w", taskID, depID, model.ErrNotFound)
			}
		}
		for _, step := range task.Steps {
			if _, exists := g.tasks[step]; !exists {
				return nil, fmt.Errorf("workflow %s contains non-existent task %s: %w", taskID, step, model.ErrNotFound)
			}
		}
	}

	// Edge (a, b) means a must come before b.
	var edges []toposort.Edge
	for taskID, task := range g.tasks {
		if len(task.DependsOn) == 0 && len(task.Steps) == 0 {
			edges = append(edges, toposort.Edge{nil, taskID})
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, taskID})
		}
		for _, step := range task.Steps {
			edges = append(edges, toposort.Edge{step, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task graph contains a cycle: %w: %w", model.ErrCyclicDependency, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.tasks) {
		return nil, fmt.Errorf("topological sort lost %d tasks: %w", len(g.tasks)-len(order), model.ErrCyclicDependency)
	}
	return order, nil
}

// Get returns the live task, callers in the loop may mutate it.
func (g *Graph) Get(taskID string) (*model.Task, bool) {
	task, exists := g.tasks[taskID]
	return task, exists
}

// Tasks returns the live tasks in insertion order.
func (g *Graph) Tasks() []*model.Task {
	tasks := make([]*model.Task, 0, len(g.tasks))
	for _, task := range g.tasks {
		tasks = append(tasks, task)
	}
	slices.SortFunc(tasks, func(a, b *model.Task) int {
		if a.Seq != b.Seq {
			if a.Seq < b.Seq {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return tasks
}

// Dependents returns the ids of the tasks that depend on taskID.
func (g *Graph) Dependents(taskID string) []string {
	return slices.Clone(g.dependents[taskID])
}

// Len is the number of tasks.
func (g *Graph) Len() int { return len(g.tasks) }

// predecessors are the tasks that must finish before t: its dependencies
// and, for a workflow, its steps.
func predecessors(t *model.Task) []string {
	return append(slices.Clone(t.DependsOn), t.Steps...)
}

func without(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(s string) bool { return s == id })
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
