package nifti

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmapflows/internal/models"
)

func TestSaveLoadRoundtrip(t *testing.T) {
	v := models.NewVolume(6, 5, 4, 1)
	v.VoxelSize.X = 2.0
	v.VoxelSize.Y = 2.0
	v.VoxelSize.Z = 3.5
	for i := range v.Data {
		v.Data[i] = float64(i) * 0.25
	}

	path := filepath.Join(t.TempDir(), "field.nii")
	require.NoError(t, Save(path, v))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, v.Width, got.Width)
	assert.Equal(t, v.Height, got.Height)
	assert.Equal(t, v.Depth, got.Depth)
	assert.Equal(t, 1, got.Components)
	assert.InDelta(t, 3.5, got.VoxelSize.Z, 1e-6)
	for i := range v.Data {
		assert.InDelta(t, v.Data[i], got.Data[i], 1e-4)
	}
}

func TestSaveLoadGzip(t *testing.T) {
	v := models.NewVolume(3, 3, 3, 1)
	for i := range v.Data {
		v.Data[i] = float64(i)
	}

	path := filepath.Join(t.TempDir(), "field.nii.gz")
	require.NoError(t, Save(path, v))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, v.NumVoxels(), got.NumVoxels())
	assert.InDelta(t, v.Data[13], got.Data[13], 1e-4)
}

func TestSaveLoadDisplacementComponents(t *testing.T) {
	v := models.NewVolume(4, 4, 2, 3)
	for i := range v.Data {
		v.Data[i] = float64(i % 7)
	}

	path := filepath.Join(t.TempDir(), "disp.nii")
	require.NoError(t, Save(path, v))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Components)
	assert.Equal(t, len(v.Data), len(got.Data))
}

func TestLoadAppliesSclSlopeAndIntercept(t *testing.T) {
	v := models.NewVolume(3, 3, 2, 1)
	for i := range v.Data {
		v.Data[i] = float64(i)
	}

	path := filepath.Join(t.TempDir(), "scaled.nii")
	require.NoError(t, Save(path, v))

	// Rewrite scl_slope (byte 112) and scl_inter (byte 116) the way an
	// external tool storing quantized values would.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(raw[112:], math.Float32bits(2.0))
	binary.LittleEndian.PutUint32(raw[116:], math.Float32bits(10.0))
	require.NoError(t, os.WriteFile(path, raw, 0644))

	got, err := Load(path)
	require.NoError(t, err)
	for i := range v.Data {
		assert.InDelta(t, v.Data[i]*2.0+10.0, got.Data[i], 1e-4)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.nii")
	require.NoError(t, os.WriteFile(path, make([]byte, 400), 0644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrNotNIfTI)
}

func TestLoadRejectsShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.nii")
	require.NoError(t, os.WriteFile(path, []byte("ni"), 0644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrNotNIfTI)
}
