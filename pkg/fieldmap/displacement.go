package fieldmap

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"fmapflows/internal/models"
)

// peAxis resolves a phase-encoding direction code ("i", "j-", ...) into an
// axis index and the sign implied by a trailing "-".
func peAxis(pe string) (axis int, sign float64, err error) {
	base := strings.TrimSuffix(pe, "-")
	switch base {
	case "i":
		axis = 0
	case "j":
		axis = 1
	case "k":
		axis = 2
	default:
		return 0, 0, fmt.Errorf("invalid phase-encoding direction %q", pe)
	}
	sign = 1.0
	if strings.HasSuffix(pe, "-") {
		sign = -1.0
	}
	return axis, sign, nil
}

// DisplacementToFieldmap converts a precomputed displacement field into a
// fieldmap in Hz. The along-axis displacement component (mm) is scaled to
// voxels and divided by the readout time; the sign flips for a negative
// axis suffix and again for ITK/backward-convention transforms.
//
// With demean enabled, the voxel-wise median of the field is subtracted
// from every voxel before output: a robust zero-point normalization that
// does not depend on anatomical content.
func DisplacementToFieldmap(in *DisplacementField, demean bool) (*Fieldmap, error) {
	if in.ReadoutTime <= 0 {
		return nil, fmt.Errorf("readout time must be positive, got %g", in.ReadoutTime)
	}
	if in.Volume.Components != 3 {
		return nil, fmt.Errorf("displacement field must have 3 components per voxel, got %d",
			in.Volume.Components)
	}

	axis, sign, err := peAxis(in.PEDirection)
	if err != nil {
		return nil, err
	}
	if in.ITKFormat {
		sign = -sign
	}

	voxelSize := [3]float64{in.Volume.VoxelSize.X, in.Volume.VoxelSize.Y, in.Volume.VoxelSize.Z}[axis]
	if voxelSize <= 0 {
		return nil, fmt.Errorf("voxel size along axis %d must be positive, got %g", axis, voxelSize)
	}

	nvox := in.Volume.NumVoxels()
	out := models.NewVolume(in.Volume.Width, in.Volume.Height, in.Volume.Depth, 1)
	out.VoxelSize = in.Volume.VoxelSize

	scale := sign / (voxelSize * in.ReadoutTime)
	offset := axis * nvox
	for i := 0; i < nvox; i++ {
		out.Data[i] = in.Volume.Data[offset+i] * scale
	}

	if demean {
		sorted := make([]float64, nvox)
		copy(sorted, out.Data)
		sort.Float64s(sorted)
		median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
		for i := range out.Data {
			out.Data[i] -= median
		}
	}

	prov := models.Metadata{
		KeyUnits:       string(UnitsHz),
		KeyReadoutTime: in.ReadoutTime,
		KeyPEDirection: in.PEDirection,
		"ITKFormat":    in.ITKFormat,
		"Demeaned":     demean,
	}
	return &Fieldmap{Volume: out, Units: UnitsHz, Provenance: prov}, nil
}
