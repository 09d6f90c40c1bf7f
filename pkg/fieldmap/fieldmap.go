// Package fieldmap implements the numeric conversions between raw phase
// and displacement representations and the canonical fieldmap: a scalar
// volume in Hz sampled on the subject's reference grid.
//
// Every converter in this package is stateless and pure. Chains of
// converters compose without ambiguity because each postcondition is
// stated in the single system-wide unit convention (Hz).
package fieldmap

import (
	"math"

	"fmapflows/internal/models"
)

// PhaseUnits tags the value convention of a phase map.
type PhaseUnits int

const (
	// UnitsArbitrary marks wrapped phase in scanner units (commonly 0-4095).
	UnitsArbitrary PhaseUnits = iota

	// UnitsRadians marks phase already expressed in radians.
	UnitsRadians
)

// FieldUnits tags the value convention of a scalar field.
type FieldUnits string

const (
	// UnitsHz is the canonical fieldmap unit.
	UnitsHz FieldUnits = "Hz"

	// UnitsRadPerSec marks a field in angular frequency, requiring
	// normalization through EnsureHz before leaving this package.
	UnitsRadPerSec FieldUnits = "rad/s"
)

// PhaseMap is a volume of wrapped phase values with a units tag.
type PhaseMap struct {
	Volume *models.Volume
	Units  PhaseUnits
}

// PhaseDiffMap is a volume of phase differences between two echoes,
// with the metadata needed to derive the echo-time difference.
type PhaseDiffMap struct {
	Volume *models.Volume
	Meta   models.Metadata
}

// DisplacementField is a volume of per-voxel spatial displacement vectors
// (three components, in mm) together with the acquisition parameters that
// scale its conversion to Hz.
type DisplacementField struct {
	Volume *models.Volume

	// ReadoutTime is the total readout time in seconds. Must be > 0.
	ReadoutTime float64

	// PEDirection is the phase-encoding axis: one of
	// "i", "i-", "j", "j-", "k", "k-".
	PEDirection string

	// ITKFormat marks the ITK/backward transform convention, which
	// requires a sign inversion relative to forward warps.
	ITKFormat bool
}

// Fieldmap is the canonical output of every estimator: a scalar volume in
// Hz with attached provenance metadata. A nil Volume is the fieldmap-less
// sentinel, distinct from a legitimate all-zero field.
type Fieldmap struct {
	Volume     *models.Volume
	Units      FieldUnits
	Provenance models.Metadata
}

// NoCorrection reports whether this fieldmap is the degenerate
// "no distortion source found" sentinel.
func (f *Fieldmap) NoCorrection() bool {
	return f.Volume == nil
}

// Stats returns the mean and standard deviation of the field values.
// Degenerate fieldmaps report zeros.
func (f *Fieldmap) Stats() (mean, std float64) {
	if f.Volume == nil || len(f.Volume.Data) == 0 {
		return 0, 0
	}
	n := float64(len(f.Volume.Data))
	for _, v := range f.Volume.Data {
		mean += v
	}
	mean /= n
	for _, v := range f.Volume.Data {
		d := v - mean
		std += d * d
	}
	return mean, math.Sqrt(std / n)
}
