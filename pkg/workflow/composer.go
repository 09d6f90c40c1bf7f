package workflow

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"fmapflows/internal/models"
	"fmapflows/pkg/estimator"
	"fmapflows/pkg/fieldmap"
	"fmapflows/pkg/wrangler"
)

// Composer builds the dataset-wide aggregate pipeline: it iterates
// subjects, invokes the selector, and wires every produced estimator's
// step chain into one graph for the execution engine.
type Composer struct {
	// WorkDir is the root working area; each estimator gets an isolated
	// subdirectory beneath it.
	WorkDir string

	// Fmapless permits the degenerate fieldmap-less fallback for
	// subjects without a real correction source.
	Fmapless bool

	// Options is forwarded to every constructed estimator.
	Options estimator.Options

	// Log receives selection and assembly events. Defaults to the
	// standard logger.
	Log logrus.FieldLogger
}

// Pipeline is the assembled dataset-wide structure handed to an engine.
type Pipeline struct {
	Graph  *Graph
	Record wrangler.Record

	// NoCoverage lists subjects that contributed zero estimators.
	// This is a recorded outcome, not an error.
	NoCoverage []string
}

// Report aggregates per-estimator outcomes of one pipeline run.
type Report struct {
	// Fieldmaps holds the canonical fieldmap of every estimator that
	// completed, keyed by estimator name.
	Fieldmaps map[string]*fieldmap.Fieldmap

	// Failures holds the first error of every estimator that did not
	// complete, keyed by estimator name.
	Failures map[string]error

	// NoCoverage lists subjects without any estimator.
	NoCoverage []string
}

// Compose scans every subject's acquisition groups and assembles the
// aggregate graph. Selection failures are local: a subject yielding no
// estimators is recorded as a coverage gap and assembly continues.
func (c *Composer) Compose(groups map[string][]models.AcquisitionGroup) (*Pipeline, error) {
	log := c.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	subjects := make([]string, 0, len(groups))
	for subject := range groups {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)

	p := &Pipeline{
		Graph:  NewGraph(),
		Record: make(wrangler.Record, len(subjects)),
	}
	for _, subject := range subjects {
		ests := wrangler.FindEstimators(subject, groups[subject], c.Fmapless, c.Options, log)
		p.Record[subject] = ests
		if len(ests) == 0 {
			p.NoCoverage = append(p.NoCoverage, subject)
			continue
		}
		for _, est := range ests {
			workDir := filepath.Join(c.WorkDir, subject, est.Name)
			if err := p.Graph.AddEstimator(est, workDir); err != nil {
				return nil, fmt.Errorf("assembling estimator %s: %w", est.Name, err)
			}
		}
	}

	if err := p.Graph.Validate(); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"subjects":   len(subjects),
		"steps":      p.Graph.Len(),
		"noCoverage": len(p.NoCoverage),
	}).Info("Assembled aggregate pipeline")
	return p, nil
}

// Execute submits the pipeline to the engine and folds per-step failures
// back into per-estimator outcomes. Failures stay local to their
// estimator; every other estimator's result is still collected.
func (c *Composer) Execute(p *Pipeline, engine Engine) (*Report, error) {
	stepErrs, err := engine.Run(p.Graph)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Fieldmaps:  make(map[string]*fieldmap.Fieldmap),
		Failures:   make(map[string]error),
		NoCoverage: p.NoCoverage,
	}
	for _, ests := range p.Record {
		for _, est := range ests {
			if stepErr := firstFailure(p.Graph, est.Name, stepErrs); stepErr != nil {
				report.Failures[est.Name] = stepErr
				continue
			}
			report.Fieldmaps[est.Name] = est.Result()
		}
	}
	return report, nil
}

// firstFailure returns the earliest failing step of one estimator's
// chain, skipping cascade markers in favor of the root cause.
func firstFailure(g *Graph, estimatorName string, stepErrs map[string]error) error {
	for _, id := range g.StepsOf(estimatorName) {
		if err := stepErrs[id]; err != nil {
			return err
		}
	}
	return nil
}
