// Package nifti implements a minimal NIfTI-1 codec for single-file .nii
// volumes (optionally gzip-compressed), sufficient for exchanging scalar
// fields and displacement fields with external tools.
//
// Header layout follows the official nifti1.h definition. Only float32
// voxel data is supported; volumes are widened to float64 in memory.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"fmapflows/internal/models"
)

// Common errors
var (
	ErrNotNIfTI    = errors.New("not a NIfTI-1 file")
	ErrUnsupported = errors.New("unsupported NIfTI feature")
)

const (
	headerSize    = 348
	voxOffset     = 352
	dtFloat32     = 16
	bitPixFloat32 = 32
)

// header is the fixed 348-byte NIfTI-1 header.
type header struct {
	SizeOfHdr          int32
	UnusedDataType     [10]int8
	UnusedDbName       [18]int8
	UnusedExtents      int32
	UnusedSessionError int16
	UnusedRegular      int8
	DimInfo            int8

	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	DataType      int16
	BitPix        int16
	SliceStart    int16
	PixDim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     int8
	XYZTUnits     int8
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	UnusedGlmax   int32
	UnusedGlmin   int32

	Descrip [80]int8
	AuxFile [24]int8

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]int8

	Magic [4]int8
}

// magic "n+1\0": header and data share one file.
var magicN1 = [4]int8{110, 43, 49, 0}

// Save writes a volume as a single-file NIfTI-1 image. Scalar volumes are
// written as 3D images; multi-component volumes use the 5th dimension with
// a singleton time axis. A ".gz" suffix enables gzip compression.
func Save(path string, v *models.Volume) error {
	h := header{
		SizeOfHdr: headerSize,
		DataType:  dtFloat32,
		BitPix:    bitPixFloat32,
		VoxOffset: voxOffset,
		SclSlope:  1,
		Magic:     magicN1,
	}
	if v.Components == 1 {
		h.Dim = [8]int16{3, int16(v.Width), int16(v.Height), int16(v.Depth), 1, 1, 1, 1}
	} else {
		h.Dim = [8]int16{5, int16(v.Width), int16(v.Height), int16(v.Depth), 1, int16(v.Components), 1, 1}
	}
	h.PixDim = [8]float32{1,
		float32(v.VoxelSize.X), float32(v.VoxelSize.Y), float32(v.VoxelSize.Z),
		1, 1, 1, 1}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("encoding header: %w", err)
	}
	// Pad the 4 bytes between header end and voxel offset (extension flags).
	buf.Write([]byte{0, 0, 0, 0})

	data := make([]float32, len(v.Data))
	for i, val := range v.Data {
		data[i] = float32(val)
	}
	if err := binary.Write(buf, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("encoding voxel data: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return fmt.Errorf("flushing %s: %w", path, err)
		}
	}

	log.WithFields(log.Fields{
		"path":   path,
		"dims":   h.Dim,
		"voxels": v.NumVoxels(),
	}).Debug("Wrote NIfTI volume")
	return f.Close()
}

// Load reads a single-file NIfTI-1 image into a volume.
func Load(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(raw) < voxOffset {
		return nil, fmt.Errorf("%s: %w: file shorter than header", path, ErrNotNIfTI)
	}

	h, order, err := readHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	width, height, depth := int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])
	components := 1
	if h.Dim[0] >= 5 && h.Dim[5] > 1 {
		components = int(h.Dim[5])
	}

	offset := int(h.VoxOffset)
	if offset < headerSize {
		offset = voxOffset
	}
	nvals := width * height * depth * components
	if len(raw) < offset+4*nvals {
		return nil, fmt.Errorf("%s: %w: truncated voxel data", path, ErrNotNIfTI)
	}

	// scl_slope == 0 means no scaling per nifti1.h.
	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 {
		slope, inter = 1, 0
	}

	v := models.NewVolume(width, height, depth, components)
	v.VoxelSize.X = float64(h.PixDim[1])
	v.VoxelSize.Y = float64(h.PixDim[2])
	v.VoxelSize.Z = float64(h.PixDim[3])
	for i := 0; i < nvals; i++ {
		bits := order.Uint32(raw[offset+4*i:])
		v.Data[i] = float64(math.Float32frombits(bits))*slope + inter
	}

	log.WithFields(log.Fields{
		"path":      path,
		"byteOrder": order,
		"dims":      h.Dim,
	}).Debug("Read NIfTI volume")
	return v, nil
}

// readHeader decodes the header, probing the byte order from dim[0]
// the way nifti1_io does.
func readHeader(raw []byte) (header, binary.ByteOrder, error) {
	var h header
	var order binary.ByteOrder = binary.LittleEndian

	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return h, order, fmt.Errorf("decoding header: %w", err)
	}
	if h.Dim[0] <= 0 || h.Dim[0] > 7 {
		h = header{}
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
			return h, order, fmt.Errorf("decoding header: %w", err)
		}
	}
	if h.Dim[0] <= 0 || h.Dim[0] > 7 {
		return h, order, fmt.Errorf("%w: dim[0] out of range [1, 7]", ErrNotNIfTI)
	}
	if h.SizeOfHdr != headerSize {
		return h, order, fmt.Errorf("%w: header size %d", ErrNotNIfTI, h.SizeOfHdr)
	}
	if h.Magic != magicN1 {
		return h, order, fmt.Errorf("%w: bad magic", ErrNotNIfTI)
	}
	if h.DataType != dtFloat32 {
		return h, order, fmt.Errorf("%w: datatype %d (only float32 is supported)",
			ErrUnsupported, h.DataType)
	}
	return h, order, nil
}
