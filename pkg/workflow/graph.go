// Package workflow assembles per-subject estimators into one aggregate
// step graph and hands it to an execution engine. The composer performs
// no numeric work; its contract is structural: every estimator's steps
// appear exactly once, intra-estimator dependency edges are complete, and
// no cross-estimator edges exist, so independent estimators never
// serialize each other.
package workflow

import (
	"fmt"

	"fmapflows/pkg/estimator"
)

// Step is one named node of the aggregate pipeline graph.
type Step struct {
	// ID is unique within the graph.
	ID string

	// Estimator names the owning estimator. Steps may only depend on
	// steps of the same estimator.
	Estimator string

	// After lists the IDs of steps that must complete first.
	After []string

	// Run executes the step. It must be idempotent.
	Run func() error
}

// Graph is a set of steps with dependency edges.
type Graph struct {
	steps map[string]*Step
	order []string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{steps: make(map[string]*Step)}
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.order) }

// Step returns the step with the given ID, if present.
func (g *Graph) Step(id string) (*Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Steps returns all steps in insertion order.
func (g *Graph) Steps() []*Step {
	out := make([]*Step, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.steps[id])
	}
	return out
}

// StepsOf returns the IDs of the steps owned by one estimator, in
// insertion order.
func (g *Graph) StepsOf(estimatorName string) []string {
	var out []string
	for _, id := range g.order {
		if g.steps[id].Estimator == estimatorName {
			out = append(out, id)
		}
	}
	return out
}

// AddStep inserts a step. Duplicate IDs are rejected.
func (g *Graph) AddStep(s *Step) error {
	if s.ID == "" {
		return fmt.Errorf("step without ID")
	}
	if _, exists := g.steps[s.ID]; exists {
		return fmt.Errorf("duplicate step %q", s.ID)
	}
	g.steps[s.ID] = s
	g.order = append(g.order, s.ID)
	return nil
}

// AddEstimator expands an estimator's chain into graph steps, each
// depending only on its predecessor in the chain.
func (g *Graph) AddEstimator(est *estimator.Estimator, workDir string) error {
	var prev string
	for _, chainStep := range est.Steps(workDir) {
		step := &Step{
			ID:        est.Name + "/" + chainStep.Name,
			Estimator: est.Name,
			Run:       chainStep.Run,
		}
		if prev != "" {
			step.After = []string{prev}
		}
		if err := g.AddStep(step); err != nil {
			return err
		}
		prev = step.ID
	}
	return nil
}

// Validate checks the structural contract: all referenced dependencies
// exist, no edge crosses estimator boundaries, and the graph is acyclic.
func (g *Graph) Validate() error {
	indeg := make(map[string]int, len(g.order))
	dependents := make(map[string][]string)
	for _, id := range g.order {
		step := g.steps[id]
		indeg[id] = len(step.After)
		for _, dep := range step.After {
			parent, ok := g.steps[dep]
			if !ok {
				return fmt.Errorf("step %q depends on unknown step %q", id, dep)
			}
			if parent.Estimator != step.Estimator {
				return fmt.Errorf("step %q (estimator %s) depends on %q (estimator %s): cross-estimator edges are forbidden",
					id, step.Estimator, dep, parent.Estimator)
			}
			dependents[dep] = append(dependents[dep], id)
		}
	}

	// Kahn's algorithm: every step must become reachable.
	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(g.order) {
		return fmt.Errorf("dependency cycle involving %d steps", len(g.order)-visited)
	}
	return nil
}
