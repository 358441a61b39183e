package orchestrator

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyGraph is a directed acyclic graph of step names
type DependencyGraph struct {
	nodes map[string]bool
	edges map[string][]string // node -> dependencies
}

// NewDependencyGraph creates an empty graph
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]bool),
		edges: make(map[string][]string),
	}
}

// AddNode adds a step and its dependencies
func (g *DependencyGraph) AddNode(name string, dependsOn ...string) {
	g.nodes[name] = true
	g.edges[name] = append(g.edges[name], dependsOn...)
}

// TopologicalSort returns the steps ordered dependencies-first. Ties within a
// level are broken alphabetically so plans are deterministic.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int)
	for name := range g.nodes {
		inDegree[name] = 0
	}
	for name, deps := range g.edges {
		for _, dep := range deps {
			if g.nodes[dep] {
				inDegree[name]++
			}
		}
	}

	var ordered []string
	remaining := make(map[string]bool, len(g.nodes))
	for name := range g.nodes {
		remaining[name] = true
	}

	for len(remaining) > 0 {
		var ready []string
		for name := range remaining {
			if inDegree[name] == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("circular dependency detected: %s", g.cycleTrace(remaining))
		}
		sort.Strings(ready)

		for _, name := range ready {
			ordered = append(ordered, name)
			delete(remaining, name)
			for other := range remaining {
				for _, dep := range g.edges[other] {
					if dep == name {
						inDegree[other]--
					}
				}
			}
		}
	}
	return ordered, nil
}

// Validate checks for missing dependencies and cycles
func (g *DependencyGraph) Validate() error {
	for name, deps := range g.edges {
		for _, dep := range deps {
			if !g.nodes[dep] {
				return fmt.Errorf("step %s depends on missing step %s", name, dep)
			}
		}
	}
	_, err := g.TopologicalSort()
	return err
}

// cycleTrace walks the unresolvable remainder to render one cycle
func (g *DependencyGraph) cycleTrace(remaining map[string]bool) string {
	start := ""
	for name := range remaining {
		if start == "" || name < start {
			start = name
		}
	}

	trace := []string{start}
	seen := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, dep := range g.edges[current] {
			if remaining[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			break
		}
		trace = append(trace, next)
		if seen[next] {
			break
		}
		seen[next] = true
		current = next
	}
	return strings.Join(trace, " -> ")
}
