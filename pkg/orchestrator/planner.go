package orchestrator

import (
	"fmt"

	"converge/pkg/manifest"
	"converge/pkg/steps"
)

// Plan is the ordered list of steps a run will execute
type Plan struct {
	Steps []steps.Step
}

// NewPlan derives the execution order for a manifest. The registry order and
// the dependency graph must agree; the graph exists to catch ordering
// mistakes when new steps are added.
func NewPlan(m *manifest.Manifest, only string) (*Plan, error) {
	candidates := steps.ForManifest(m)

	graph := NewDependencyGraph()
	deps := stepDependencies()
	present := make(map[string]steps.Step, len(candidates))
	for _, step := range candidates {
		present[step.Name()] = step
		var kept []string
		for _, dep := range deps[step.Name()] {
			kept = append(kept, dep)
		}
		graph.AddNode(step.Name(), kept...)
	}

	// Sections absent from the manifest drop out of the graph along with
	// edges pointing at them
	for name := range graph.edges {
		var kept []string
		for _, dep := range graph.edges[name] {
			if _, ok := present[dep]; ok {
				kept = append(kept, dep)
			}
		}
		graph.edges[name] = kept
	}

	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("step ordering is invalid: %w", err)
	}
	ordered, err := graph.TopologicalSort()
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(ordered))
	for i, name := range ordered {
		index[name] = i
	}
	for i := 1; i < len(candidates); i++ {
		if index[candidates[i-1].Name()] > index[candidates[i].Name()] {
			return nil, fmt.Errorf("registry order conflicts with dependencies at %s", candidates[i].Name())
		}
	}

	plan := &Plan{}
	for _, step := range candidates {
		if only != "" && step.Name() != only {
			continue
		}
		plan.Steps = append(plan.Steps, step)
	}
	if only != "" && len(plan.Steps) == 0 {
		return nil, fmt.Errorf("manifest declares no %s section", only)
	}
	return plan, nil
}
