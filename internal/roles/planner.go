package roles

import (
	"context"
	"fmt"
	"sort"

	"github.com/kilnworks/kiln/internal/memory"
	"github.com/kilnworks/kiln/pkg/models"
)

// Planner turns a request into a validated task plan. It keeps its own
// bounded conversation so Refine can reference the original request and
// earlier revisions.
type Planner struct {
	caller *caller
	mem    *memory.Store
}

// Plan asks the planner model to decompose a request. The returned plan
// has passed invariant validation and is already applied to memory.
func (p *Planner) Plan(ctx context.Context, request string, class models.Classification, onToken func(string)) (models.Plan, error) {
	p.mem.ResetHistory(models.RolePlanner)
	p.mem.AppendHistory(models.RolePlanner, models.ChatMessage{Role: "user", Content: request})
	return p.complete(ctx, class, onToken)
}

// Refine asks for a revised plan after build errors. The planner sees
// the errors, the failure log, and the current architecture; the
// conversation from the original Plan call is retained.
func (p *Planner) Refine(ctx context.Context, buildErrors []string, class models.Classification, onToken func(string)) (models.Plan, error) {
	prompt := plannerRefinePrompt(buildErrors, p.mem.SliceForPlanner(), p.mem.Architecture())
	p.mem.AppendHistory(models.RolePlanner, models.ChatMessage{Role: "user", Content: prompt})
	return p.complete(ctx, class, onToken)
}

func (p *Planner) complete(ctx context.Context, class models.Classification, onToken func(string)) (models.Plan, error) {
	messages := append(
		[]models.ChatMessage{{Role: "system", Content: plannerSystem}},
		p.mem.History(models.RolePlanner)...,
	)
	raw, err := p.caller.chat(ctx, models.RolePlanner, class, messages, onToken)
	if err != nil {
		return models.Plan{}, err
	}
	p.mem.AppendHistory(models.RolePlanner, models.ChatMessage{Role: "assistant", Content: raw})

	var plan models.Plan
	if err := ExtractJSON(raw, &plan); err != nil {
		return models.Plan{}, fmt.Errorf("planner output: %w", err)
	}
	if err := Validate(plan); err != nil {
		return models.Plan{}, err
	}
	p.mem.ApplyPlan(plan)
	return plan, nil
}

// Validate checks the plan invariants: tasks exist, ids and file paths
// are unique, dependencies reference known ids, and the dependency
// graph is acyclic. All violations are collected into one error.
func Validate(plan models.Plan) error {
	var violations []string

	if len(plan.Tasks) == 0 {
		violations = append(violations, "plan has no tasks")
	}

	ids := make(map[int]bool, len(plan.Tasks))
	files := make(map[string]int, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if t.File == "" {
			violations = append(violations, fmt.Sprintf("task %d has no file path", t.ID))
		}
		if ids[t.ID] {
			violations = append(violations, fmt.Sprintf("duplicate task id %d", t.ID))
		}
		ids[t.ID] = true
		if first, dup := files[t.File]; dup && t.File != "" {
			violations = append(violations, fmt.Sprintf("file %q appears in tasks %d and %d", t.File, first, t.ID))
		} else {
			files[t.File] = t.ID
		}
	}

	for _, t := range plan.Tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				violations = append(violations, fmt.Sprintf("task %d depends on itself", t.ID))
			} else if !ids[dep] {
				violations = append(violations, fmt.Sprintf("task %d depends on unknown task %d", t.ID, dep))
			}
		}
	}

	if len(violations) == 0 {
		if stuck := cycleMembers(plan.Tasks); len(stuck) > 0 {
			violations = append(violations, fmt.Sprintf("dependency cycle through tasks %v", stuck))
		}
	}

	if len(violations) > 0 {
		return &models.PlanInvariantError{Violations: violations}
	}
	return nil
}

// cycleMembers peels tasks with satisfied dependencies; whatever cannot
// be peeled sits on a cycle.
func cycleMembers(tasks []models.PlanTask) []int {
	indegree := make(map[int]int, len(tasks))
	dependents := make(map[int][]int, len(tasks))
	for _, t := range tasks {
		indegree[t.ID] += 0
		for _, dep := range t.DependsOn {
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var ready []int
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	seen := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		seen++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if seen == len(indegree) {
		return nil
	}

	var stuck []int
	for id, deg := range indegree {
		if deg > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Ints(stuck)
	return stuck
}
