// Package estimator binds raw acquisitions to the fixed converter chain
// that produces a canonical Hz fieldmap for one subject's acquisition
// group. Each variant of the closed set maps to one chain; estimators are
// constructed by the selector at dataset-scan time and executed once.
package estimator

import (
	"fmt"
	"os"
	"path/filepath"

	"fmapflows/internal/models"
	"fmapflows/internal/nifti"
	"fmapflows/pkg/fieldmap"
)

// Variant names one of the supported estimation strategies.
type Variant string

const (
	// Phasediff estimates from a directly-acquired phase-difference map.
	Phasediff Variant = "phasediff"

	// TwoPhases estimates from two separate phase maps at different
	// echo times, subtracting them first.
	TwoPhases Variant = "phase1phase2"

	// PEPolar estimates from a pre-computed displacement transform
	// (or scalar field) produced by an opposed-phase-encoding solver.
	PEPolar Variant = "pepolar"

	// Fieldmapless is the degenerate no-correction-source sentinel.
	// It is a valid variant, not an error: downstream consumers must
	// treat its output as "no correction available", which is distinct
	// from a legitimate all-zero Hz map.
	Fieldmapless Variant = "fieldmapless"
)

// VolumeLoader abstracts volume I/O so that converters stay pure and
// tests can substitute in-memory fixtures.
type VolumeLoader interface {
	Load(path string) (*models.Volume, error)
	Save(path string, v *models.Volume) error
}

type niftiLoader struct{}

func (niftiLoader) Load(path string) (*models.Volume, error) { return nifti.Load(path) }
func (niftiLoader) Save(path string, v *models.Volume) error { return nifti.Save(path, v) }

// DefaultLoader returns the NIfTI-backed volume loader.
func DefaultLoader() VolumeLoader { return niftiLoader{} }

// Options configures estimator execution.
type Options struct {
	// Demean subtracts the voxel-wise median from displacement-derived
	// fieldmaps.
	Demean bool

	// Loader performs volume I/O. Defaults to the NIfTI loader.
	Loader VolumeLoader
}

// Step is one named unit of work in an estimator's chain. Steps within a
// chain depend strictly on their predecessor and on nothing else.
type Step struct {
	Name string
	Run  func() error
}

// Estimator is a named, ordered chain of conversion steps bound to
// specific raw acquisitions. Executing it writes intermediate and final
// volumes under a caller-supplied working directory and yields exactly one
// canonical fieldmap; execution is idempotent given identical inputs.
type Estimator struct {
	// Name identifies the estimator within the aggregate pipeline.
	Name string

	// Subject is the owning subject identifier.
	Subject string

	// Variant selects the converter chain.
	Variant Variant

	// Inputs are the bound raw acquisitions.
	Inputs []models.RawAcquisition

	opts   Options
	result *fieldmap.Fieldmap
}

// New constructs an estimator, validating that the bound inputs satisfy
// the variant's cardinality requirements.
func New(name, subject string, variant Variant, inputs []models.RawAcquisition, opts Options) (*Estimator, error) {
	if opts.Loader == nil {
		opts.Loader = niftiLoader{}
	}
	e := &Estimator{
		Name:    name,
		Subject: subject,
		Variant: variant,
		Inputs:  inputs,
		opts:    opts,
	}

	switch variant {
	case Phasediff:
		if len(e.byRole(models.RolePhaseDiff)) != 1 {
			return nil, fmt.Errorf("estimator %s: variant %s requires exactly one phase-difference map", name, variant)
		}
	case TwoPhases:
		if len(e.byRole(models.RolePhase1)) != 1 || len(e.byRole(models.RolePhase2)) != 1 {
			return nil, fmt.Errorf("estimator %s: variant %s requires one phase1 and one phase2 map", name, variant)
		}
	case PEPolar:
		if len(e.byRole(models.RoleFieldmap)) == 0 && len(e.byRole(models.RoleEPI)) < 2 {
			return nil, fmt.Errorf("estimator %s: variant %s requires a pre-computed transform or an EPI pair", name, variant)
		}
	case Fieldmapless:
		// No inputs required.
	default:
		return nil, fmt.Errorf("estimator %s: unknown variant %q", name, variant)
	}
	return e, nil
}

func (e *Estimator) byRole(role models.Role) []models.RawAcquisition {
	var out []models.RawAcquisition
	for _, in := range e.Inputs {
		if in.Role == role {
			out = append(out, in)
		}
	}
	return out
}

// Result returns the canonical fieldmap produced by the last execution,
// or nil if the estimator has not run (or failed).
func (e *Estimator) Result() *fieldmap.Fieldmap { return e.result }

// Execute runs the estimator's chain to completion, writing intermediate
// and final volumes under workDir.
func (e *Estimator) Execute(workDir string) (*fieldmap.Fieldmap, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, &fieldmap.EstimationError{Estimator: e.Name, Step: "prepare-workdir", Err: err}
	}
	for _, step := range e.Steps(workDir) {
		if err := step.Run(); err != nil {
			return nil, err
		}
	}
	return e.result, nil
}

// Steps expands the variant's converter chain into named steps suitable
// for insertion into an aggregate pipeline graph. Steps share state
// through the estimator and must run in order.
func (e *Estimator) Steps(workDir string) []Step {
	var steps []Step
	switch e.Variant {
	case Phasediff:
		steps = e.phasediffSteps(workDir)
	case TwoPhases:
		steps = e.twoPhasesSteps(workDir)
	case PEPolar:
		steps = e.pepolarSteps(workDir)
	case Fieldmapless:
		steps = e.fieldmaplessSteps()
	}

	// Wrap step failures so they are attributable to this estimator and
	// fatal to it alone.
	for i := range steps {
		name, run := steps[i].Name, steps[i].Run
		steps[i].Run = func() error {
			if err := run(); err != nil {
				return &fieldmap.EstimationError{Estimator: e.Name, Step: name, Err: err}
			}
			return nil
		}
	}
	return steps
}

// loadPhase reads an acquisition as a phase map, honoring an explicit
// "Units" metadata tag of "rad"; anything else is treated as arbitrary
// scanner units.
func (e *Estimator) loadPhase(acq models.RawAcquisition) (*fieldmap.PhaseMap, error) {
	vol, err := e.opts.Loader.Load(acq.Path)
	if err != nil {
		return nil, err
	}
	units := fieldmap.UnitsArbitrary
	if u, ok := acq.Meta.String(fieldmap.KeyUnits); ok && (u == "rad" || u == "radians") {
		units = fieldmap.UnitsRadians
	}
	return &fieldmap.PhaseMap{Volume: vol, Units: units}, nil
}

// finalize attaches provenance, writes the output volume, and records the
// result on the estimator.
func (e *Estimator) finalize(workDir string, fm *fieldmap.Fieldmap) error {
	if fm.Provenance == nil {
		fm.Provenance = models.Metadata{}
	}
	fm.Provenance["EstimationMethod"] = string(e.Variant)
	fm.Provenance["Subject"] = e.Subject
	if !fm.NoCorrection() {
		if err := e.opts.Loader.Save(filepath.Join(workDir, "fieldmap_Hz.nii"), fm.Volume); err != nil {
			return err
		}
	}
	e.result = fm
	return nil
}

func (e *Estimator) phasediffSteps(workDir string) []Step {
	acq := e.byRole(models.RolePhaseDiff)[0]
	var phase *fieldmap.PhaseMap
	var diff *fieldmap.PhaseDiffMap
	var fm *fieldmap.Fieldmap

	return []Step{
		{Name: "load-phasediff", Run: func() error {
			var err error
			phase, err = e.loadPhase(acq)
			return err
		}},
		{Name: "phase-to-rads", Run: func() error {
			if phase.Units == fieldmap.UnitsRadians {
				return nil
			}
			rads, err := fieldmap.PhaseToRadians(phase)
			if err != nil {
				return err
			}
			phase = rads
			return e.opts.Loader.Save(filepath.Join(workDir, "phasediff_rads.nii"), phase.Volume)
		}},
		{Name: "subtract-phases", Run: func() error {
			var err error
			diff, err = fieldmap.SubtractPhases(
				[]*fieldmap.PhaseMap{phase},
				[]models.Metadata{acq.Meta},
			)
			return err
		}},
		{Name: "phasediff-to-fieldmap", Run: func() error {
			var err error
			fm, err = fieldmap.PhaseDiffToFieldmap(diff)
			return err
		}},
		{Name: "ensure-hz", Run: func() error {
			var err error
			fm, err = fieldmap.EnsureHz(fm)
			return err
		}},
		{Name: "write-fieldmap", Run: func() error {
			return e.finalize(workDir, fm)
		}},
	}
}

func (e *Estimator) twoPhasesSteps(workDir string) []Step {
	acq1 := e.byRole(models.RolePhase1)[0]
	acq2 := e.byRole(models.RolePhase2)[0]
	var phases [2]*fieldmap.PhaseMap
	var diff *fieldmap.PhaseDiffMap
	var fm *fieldmap.Fieldmap

	return []Step{
		{Name: "load-phases", Run: func() error {
			for i, acq := range []models.RawAcquisition{acq1, acq2} {
				pm, err := e.loadPhase(acq)
				if err != nil {
					return err
				}
				phases[i] = pm
			}
			return nil
		}},
		{Name: "phases-to-rads", Run: func() error {
			for i, pm := range phases {
				if pm.Units == fieldmap.UnitsRadians {
					continue
				}
				rads, err := fieldmap.PhaseToRadians(pm)
				if err != nil {
					return err
				}
				phases[i] = rads
				name := fmt.Sprintf("phase%d_rads.nii", i+1)
				if err := e.opts.Loader.Save(filepath.Join(workDir, name), rads.Volume); err != nil {
					return err
				}
			}
			return nil
		}},
		{Name: "subtract-phases", Run: func() error {
			var err error
			diff, err = fieldmap.SubtractPhases(
				[]*fieldmap.PhaseMap{phases[0], phases[1]},
				[]models.Metadata{acq1.Meta, acq2.Meta},
			)
			return err
		}},
		{Name: "phasediff-to-fieldmap", Run: func() error {
			var err error
			fm, err = fieldmap.PhaseDiffToFieldmap(diff)
			return err
		}},
		{Name: "ensure-hz", Run: func() error {
			var err error
			fm, err = fieldmap.EnsureHz(fm)
			return err
		}},
		{Name: "write-fieldmap", Run: func() error {
			return e.finalize(workDir, fm)
		}},
	}
}

// transformSource resolves the acquisition carrying the pre-computed
// transform (or scalar field) and the metadata scaling its conversion.
// EPI pairs reference the transform produced by the external
// opposed-phase-encoding solver through the TransformFile parameter.
func (e *Estimator) transformSource() (path string, meta models.Metadata, err error) {
	if fmaps := e.byRole(models.RoleFieldmap); len(fmaps) > 0 {
		return fmaps[0].Path, fmaps[0].Meta, nil
	}
	epis := e.byRole(models.RoleEPI)
	for _, epi := range epis {
		if tf, ok := epi.Meta.String("TransformFile"); ok {
			if !filepath.IsAbs(tf) {
				tf = filepath.Join(filepath.Dir(epi.Path), tf)
			}
			return tf, epi.Meta, nil
		}
	}
	return "", nil, &fieldmap.MissingParameterError{Param: "TransformFile"}
}

func (e *Estimator) pepolarSteps(workDir string) []Step {
	var vol *models.Volume
	var meta models.Metadata
	var fm *fieldmap.Fieldmap

	return []Step{
		{Name: "load-transform", Run: func() error {
			path, m, err := e.transformSource()
			if err != nil {
				return err
			}
			meta = m
			vol, err = e.opts.Loader.Load(path)
			return err
		}},
		{Name: "to-fieldmap", Run: func() error {
			if vol.Components == 3 {
				roTime, ok := meta.Float(fieldmap.KeyReadoutTime)
				if !ok {
					return &fieldmap.MissingParameterError{Param: fieldmap.KeyReadoutTime}
				}
				peDir, ok := meta.String(fieldmap.KeyPEDirection)
				if !ok {
					return &fieldmap.MissingParameterError{Param: fieldmap.KeyPEDirection}
				}
				itk := true
				if v, ok := meta.Bool("ITKFormat"); ok {
					itk = v
				}
				var err error
				fm, err = fieldmap.DisplacementToFieldmap(&fieldmap.DisplacementField{
					Volume:      vol,
					ReadoutTime: roTime,
					PEDirection: peDir,
					ITKFormat:   itk,
				}, e.opts.Demean)
				return err
			}

			// Scalar source: a fieldmap acquired directly, possibly in rad/s.
			units := fieldmap.UnitsHz
			if u, ok := meta.String(fieldmap.KeyUnits); ok {
				units = fieldmap.FieldUnits(u)
			}
			var err error
			fm, err = fieldmap.EnsureHz(&fieldmap.Fieldmap{
				Volume:     vol,
				Units:      units,
				Provenance: meta.Clone(),
			})
			return err
		}},
		{Name: "write-fieldmap", Run: func() error {
			return e.finalize(workDir, fm)
		}},
	}
}

func (e *Estimator) fieldmaplessSteps() []Step {
	return []Step{
		{Name: "record-no-correction", Run: func() error {
			e.result = &fieldmap.Fieldmap{
				Units: fieldmap.UnitsHz,
				Provenance: models.Metadata{
					"EstimationMethod": string(Fieldmapless),
					"Subject":          e.Subject,
					"NoCorrection":     true,
				},
			}
			return nil
		}},
	}
}
