package workflow

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrSkipped marks a step that never ran because an upstream step of its
// chain failed.
var ErrSkipped = errors.New("step skipped: upstream step failed")

// Engine schedules a validated step graph and reports per-step failures.
// Implementations own parallelism and ordering; the graph only guarantees
// that its edges are the true dependencies.
type Engine interface {
	// Run executes the graph topologically and returns a map holding an
	// entry for every step that failed or was skipped.
	Run(g *Graph) (map[string]error, error)
}

// LocalEngine is the reference in-process engine: a bounded worker pool
// fed by an indegree-driven ready queue. Independent estimator chains
// execute concurrently; steps within a chain stay ordered.
type LocalEngine struct {
	// Workers bounds concurrent step execution. Defaults to NumCPU.
	Workers int
}

func (e *LocalEngine) Run(g *Graph) (map[string]error, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline graph: %w", err)
	}

	workers := e.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	indeg := make(map[string]int, g.Len())
	dependents := make(map[string][]string)
	for _, step := range g.Steps() {
		indeg[step.ID] = len(step.After)
		for _, dep := range step.After {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	type outcome struct {
		id  string
		err error
	}
	ready := make(chan *Step, g.Len())
	results := make(chan outcome, g.Len())
	for w := 0; w < workers; w++ {
		go func() {
			for step := range ready {
				results <- outcome{id: step.ID, err: step.Run()}
			}
		}()
	}
	defer close(ready)

	errs := make(map[string]error)
	for _, step := range g.Steps() {
		if len(step.After) == 0 {
			ready <- step
		}
	}

	// Single coordinator: consume completions, release dependents, and
	// cascade skips through chains whose upstream failed.
	pending := g.Len()
	for pending > 0 {
		res := <-results
		pending--
		if res.err != nil {
			errs[res.id] = res.err
		}

		queue := dependents[res.id]
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			indeg[id]--
			if indeg[id] > 0 {
				continue
			}
			step, _ := g.Step(id)
			if upstreamFailed(step, errs) {
				errs[id] = fmt.Errorf("%s: %w", id, ErrSkipped)
				pending--
				queue = append(queue, dependents[id]...)
				continue
			}
			ready <- step
		}
	}
	return errs, nil
}

func upstreamFailed(step *Step, errs map[string]error) bool {
	for _, dep := range step.After {
		if errs[dep] != nil {
			return true
		}
	}
	return false
}
