// Package visualization renders quality-control images of estimated
// fieldmaps: mid-volume slices along each axis, windowed symmetrically
// around 0 Hz so off-resonance hot spots stand out.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"fmapflows/internal/models"
)

// Viewer extracts 2D slices from a scalar fieldmap volume for reporting.
type Viewer struct {
	// volume holds the scalar field in Hz
	volume *models.Volume

	// window is the symmetric display range in Hz: values at +window
	// map to white, -window to black, 0 Hz to mid-gray
	window float64
}

// NewViewer creates a viewer for a scalar volume. The display window is
// derived from the 98th percentile of absolute field values, so a few
// extreme voxels do not wash out the rest of the image.
func NewViewer(volume *models.Volume) *Viewer {
	abs := make([]float64, len(volume.Data))
	for i, v := range volume.Data {
		abs[i] = math.Abs(v)
	}
	sort.Float64s(abs)

	window := stat.Quantile(0.98, stat.Empirical, abs, nil)
	if window == 0 {
		window = 1
	}
	return &Viewer{volume: volume, window: window}
}

// gray maps a field value onto the symmetric display window.
func (v *Viewer) gray(value float64) color.Gray16 {
	norm := (value + v.window) / (2 * v.window)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, norm*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.volume

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// Slice along the YZ plane
		if position >= vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Depth, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for z := 0; z < vol.Depth; z++ {
				img.SetGray16(z, y, v.gray(vol.Data[vol.Index(position, y, z, 0)]))
			}
		}

	case "y", "Y":
		// Slice along the XZ plane
		if position >= vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, z, v.gray(vol.Data[vol.Index(x, position, z, 0)]))
			}
		}

	case "z", "Z":
		// Slice along the XY plane
		if position >= vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, y, v.gray(vol.Data[vol.Index(x, y, position, 0)]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveMidSlices writes the central slice along each axis into outputDir,
// one JPEG per axis. This is the per-estimator QC reportlet.
func (v *Viewer) SaveMidSlices(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	positions := map[string]int{
		"x": v.volume.Width / 2,
		"y": v.volume.Height / 2,
		"z": v.volume.Depth / 2,
	}
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, positions[axis])
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("fieldmap_%s.jpg", axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
