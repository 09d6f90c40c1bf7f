package fieldmap

import (
	"fmt"
	"math"

	"fmapflows/internal/models"
)

// PhaseToRadians rescales a wrapped phase map given in arbitrary scanner
// units (e.g. 0-4095) linearly onto the range [0, 2*pi). The input must be
// tagged UnitsArbitrary: phase already in radians is never rescaled twice.
func PhaseToRadians(in *PhaseMap) (*PhaseMap, error) {
	if in.Units != UnitsArbitrary {
		return nil, fmt.Errorf("phase map is already in radians, refusing to rescale")
	}
	if len(in.Volume.Data) == 0 {
		return nil, fmt.Errorf("phase map has no voxel data")
	}

	lo, hi := in.Volume.Data[0], in.Volume.Data[0]
	for _, v := range in.Volume.Data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == lo {
		return nil, fmt.Errorf("phase map is constant, cannot rescale to radians")
	}

	out := in.Volume.CloneShape()
	scale := 2 * math.Pi / (hi - lo)
	for i, v := range in.Volume.Data {
		out.Data[i] = (v - lo) * scale
	}
	return &PhaseMap{Volume: out, Units: UnitsRadians}, nil
}

// SubtractPhases computes a phase-difference map from one or two phase
// maps in radians.
//
// A single input is already a difference map and passes through unchanged,
// its metadata copied forward. Two inputs are ordered by echo time (the
// earlier echo is the subtrahend), subtracted voxel-wise, and the result
// wrapped back into (-pi, pi]. The output metadata is the reconciled union
// of the inputs with each per-input EchoTime consumed and re-emitted as
// EchoTime1/EchoTime2.
func SubtractPhases(phases []*PhaseMap, meta []models.Metadata) (*PhaseDiffMap, error) {
	if len(phases) != len(meta) {
		return nil, &InputCardinalityError{Volumes: len(phases), Records: len(meta)}
	}
	if len(phases) == 0 || len(phases) > 2 {
		return nil, fmt.Errorf("expected 1 or 2 phase maps, got %d", len(phases))
	}

	if len(phases) == 1 {
		return &PhaseDiffMap{Volume: phases[0].Volume, Meta: meta[0]}, nil
	}

	for i, p := range phases {
		if p.Units != UnitsRadians {
			return nil, fmt.Errorf("phase map %d is not in radians", i+1)
		}
	}

	m0, m1 := meta[0].Clone(), meta[1].Clone()
	te0, ok0 := m0.Float(KeyEchoTime)
	te1, ok1 := m1.Float(KeyEchoTime)
	if !ok0 || !ok1 {
		return nil, &MissingParameterError{Param: KeyEchoTime}
	}
	delete(m0, KeyEchoTime)
	delete(m1, KeyEchoTime)

	a, b := phases[0].Volume, phases[1].Volume
	if te0 > te1 {
		a, b = b, a
		te0, te1 = te1, te0
		m0, m1 = m1, m0
	}
	if !a.SameShape(b) {
		return nil, fmt.Errorf("phase map shapes differ: %dx%dx%d vs %dx%dx%d",
			a.Width, a.Height, a.Depth, b.Width, b.Height, b.Depth)
	}

	out := a.CloneShape()
	for i := range a.Data {
		d := b.Data[i] - a.Data[i]
		if d <= -math.Pi {
			d += 2 * math.Pi
		} else if d > math.Pi {
			d -= 2 * math.Pi
		}
		out.Data[i] = d
	}

	merged := Reconcile(m0, m1)
	merged[KeyEchoTime1] = te0
	merged[KeyEchoTime2] = te1
	return &PhaseDiffMap{Volume: out, Meta: merged}, nil
}

// PhaseDiffToFieldmap converts a phase-difference map into a fieldmap in
// Hz, computing each voxel as phase_difference / (2*pi * delta_TE).
func PhaseDiffToFieldmap(in *PhaseDiffMap) (*Fieldmap, error) {
	dte, err := DeltaTE(in.Meta)
	if err != nil {
		return nil, err
	}

	out := in.Volume.CloneShape()
	scale := 1.0 / (2 * math.Pi * dte)
	for i, v := range in.Volume.Data {
		out.Data[i] = v * scale
	}

	prov := in.Meta.Clone()
	prov[KeyUnits] = string(UnitsHz)
	return &Fieldmap{Volume: out, Units: UnitsHz, Provenance: prov}, nil
}

// EnsureHz is the single normalization gate guaranteeing the canonical
// unit invariant. A fieldmap already in Hz is returned unchanged (same
// pointer, no copy); a field in rad/s is divided by 2*pi into a new
// fieldmap. Any other unit tag is rejected.
func EnsureHz(in *Fieldmap) (*Fieldmap, error) {
	switch in.Units {
	case UnitsHz:
		return in, nil
	case UnitsRadPerSec:
		out := in.Volume.CloneShape()
		for i, v := range in.Volume.Data {
			out.Data[i] = v / (2 * math.Pi)
		}
		prov := in.Provenance.Clone()
		prov[KeyUnits] = string(UnitsHz)
		return &Fieldmap{Volume: out, Units: UnitsHz, Provenance: prov}, nil
	}
	return nil, fmt.Errorf("unknown fieldmap units %q", in.Units)
}
