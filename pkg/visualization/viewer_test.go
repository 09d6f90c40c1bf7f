package visualization

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmapflows/internal/models"
)

func testField() *models.Volume {
	v := models.NewVolume(8, 6, 4, 1)
	for i := range v.Data {
		v.Data[i] = float64(i%21) - 10 // values in [-10, 10] Hz
	}
	return v
}

func TestExtractSliceDimensions(t *testing.T) {
	viewer := NewViewer(testField())

	cases := map[string]image.Rectangle{
		"x": image.Rect(0, 0, 4, 6),
		"y": image.Rect(0, 0, 8, 4),
		"z": image.Rect(0, 0, 8, 6),
	}
	for axis, want := range cases {
		img, err := viewer.ExtractSlice(axis, 1)
		require.NoError(t, err, "axis %s", axis)
		assert.Equal(t, want, img.Bounds(), "axis %s", axis)
	}
}

func TestExtractSliceBounds(t *testing.T) {
	viewer := NewViewer(testField())

	_, err := viewer.ExtractSlice("x", 8)
	assert.Error(t, err)
	_, err = viewer.ExtractSlice("z", -1)
	assert.Error(t, err)
	_, err = viewer.ExtractSlice("w", 0)
	assert.Error(t, err)
}

func TestSaveMidSlices(t *testing.T) {
	viewer := NewViewer(testField())
	dir := filepath.Join(t.TempDir(), "report")

	require.NoError(t, viewer.SaveMidSlices(dir))
	for _, axis := range []string{"x", "y", "z"} {
		path := filepath.Join(dir, "fieldmap_"+axis+".jpg")
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
}

func TestZeroFieldDoesNotDivideByZero(t *testing.T) {
	viewer := NewViewer(models.NewVolume(4, 4, 2, 1))
	_, err := viewer.ExtractSlice("z", 0)
	require.NoError(t, err)
}
