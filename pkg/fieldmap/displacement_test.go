package fieldmap

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"fmapflows/internal/models"
)

// testDisplacement builds a 3-component field whose j-axis component is
// filled by fill(i); the other components carry junk that must be ignored.
func testDisplacement(fill func(i int) float64) *models.Volume {
	v := models.NewVolume(4, 4, 2, 3)
	nvox := v.NumVoxels()
	for i := 0; i < nvox; i++ {
		v.Data[i] = 99.0         // i component, ignored
		v.Data[nvox+i] = fill(i) // j component
		v.Data[2*nvox+i] = -99.0 // k component, ignored
	}
	return v
}

func TestDisplacementSignConvention(t *testing.T) {
	field := func(pe string) *DisplacementField {
		return &DisplacementField{
			Volume:      testDisplacement(func(i int) float64 { return float64(i + 1) }),
			ReadoutTime: 0.05,
			PEDirection: pe,
		}
	}

	plus, err := DisplacementToFieldmap(field("j"), false)
	require.NoError(t, err)
	minus, err := DisplacementToFieldmap(field("j-"), false)
	require.NoError(t, err)

	for i := range plus.Volume.Data {
		assert.InDelta(t, -plus.Volume.Data[i], minus.Volume.Data[i], tol,
			"axis suffix must flip the sign at voxel %d", i)
	}
}

func TestDisplacementITKConventionInvertsSign(t *testing.T) {
	field := func(itk bool) *DisplacementField {
		return &DisplacementField{
			Volume:      testDisplacement(func(i int) float64 { return float64(i + 1) }),
			ReadoutTime: 0.05,
			PEDirection: "j",
			ITKFormat:   itk,
		}
	}

	forward, err := DisplacementToFieldmap(field(false), false)
	require.NoError(t, err)
	itk, err := DisplacementToFieldmap(field(true), false)
	require.NoError(t, err)

	for i := range forward.Volume.Data {
		assert.InDelta(t, -forward.Volume.Data[i], itk.Volume.Data[i], tol)
	}
}

func TestDisplacementScaling(t *testing.T) {
	vol := testDisplacement(func(int) float64 { return 3.0 })
	vol.VoxelSize.Y = 2.0

	fm, err := DisplacementToFieldmap(&DisplacementField{
		Volume:      vol,
		ReadoutTime: 0.05,
		PEDirection: "j",
	}, false)
	require.NoError(t, err)

	// 3mm / 2mm-per-voxel / 0.05s = 30 Hz.
	assert.InDelta(t, 30.0, fm.Volume.Data[0], tol)
	assert.Equal(t, 1, fm.Volume.Components)
}

func TestDisplacementDemeanZeroesMedian(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	vol := testDisplacement(func(int) float64 { return rng.NormFloat64()*4 + 12 })

	fm, err := DisplacementToFieldmap(&DisplacementField{
		Volume:      vol,
		ReadoutTime: 0.05,
		PEDirection: "j",
	}, true)
	require.NoError(t, err)

	sorted := append([]float64(nil), fm.Volume.Data...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	assert.InDelta(t, 0, median, tol)

	demeaned, _ := fm.Provenance.Bool("Demeaned")
	assert.True(t, demeaned)
}

func TestDisplacementRejectsNonPositiveReadout(t *testing.T) {
	for _, roTime := range []float64{0, -0.05} {
		_, err := DisplacementToFieldmap(&DisplacementField{
			Volume:      testDisplacement(func(int) float64 { return 1 }),
			ReadoutTime: roTime,
			PEDirection: "j",
		}, false)
		require.Error(t, err, "readout time %g must be rejected", roTime)
	}
}

func TestDisplacementRejectsScalarVolume(t *testing.T) {
	_, err := DisplacementToFieldmap(&DisplacementField{
		Volume:      models.NewVolume(4, 4, 2, 1),
		ReadoutTime: 0.05,
		PEDirection: "j",
	}, false)
	require.Error(t, err)
}

func TestDisplacementRejectsBadAxis(t *testing.T) {
	_, err := DisplacementToFieldmap(&DisplacementField{
		Volume:      testDisplacement(func(int) float64 { return 1 }),
		ReadoutTime: 0.05,
		PEDirection: "q-",
	}, false)
	require.Error(t, err)
}
