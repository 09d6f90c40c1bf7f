// Package models defines the shared data model for fieldmap estimation:
// in-memory volumes, acquisition metadata, and raw acquisition descriptors.
package models

import (
	"fmt"
	"sort"
)

// Volume represents an image volume held in memory as a flat float64 buffer.
// Scalar fields use a single component per voxel; displacement fields use
// three (one per spatial axis). The buffer is laid out x-fastest, with the
// component index slowest, matching the on-disk ordering of NIfTI volumes.
type Volume struct {
	// Data is the voxel buffer in row-major order, x varying fastest.
	Data []float64

	// Width, Height, Depth are the grid dimensions in voxels.
	Width, Height, Depth int

	// Components is the number of values stored per voxel
	// (1 for scalar fields, 3 for displacement fields).
	Components int

	// VoxelSize is the physical size of each voxel in mm.
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zero-filled volume with the given grid dimensions
// and per-voxel component count. Voxel size defaults to 1mm isotropic.
func NewVolume(width, height, depth, components int) *Volume {
	v := &Volume{
		Data:       make([]float64, width*height*depth*components),
		Width:      width,
		Height:     height,
		Depth:      depth,
		Components: components,
	}
	v.VoxelSize.X = 1.0
	v.VoxelSize.Y = 1.0
	v.VoxelSize.Z = 1.0
	return v
}

// Index returns the buffer offset of voxel (x, y, z), component c.
func (v *Volume) Index(x, y, z, c int) int {
	return x + v.Width*(y+v.Height*(z+v.Depth*c))
}

// NumVoxels returns the number of grid positions (excluding components).
func (v *Volume) NumVoxels() int {
	return v.Width * v.Height * v.Depth
}

// SameShape reports whether two volumes share grid dimensions and
// component count.
func (v *Volume) SameShape(other *Volume) bool {
	return v.Width == other.Width &&
		v.Height == other.Height &&
		v.Depth == other.Depth &&
		v.Components == other.Components
}

// CloneShape allocates a new volume with the same dimensions and voxel
// size as v, but an independent zeroed buffer.
func (v *Volume) CloneShape() *Volume {
	out := NewVolume(v.Width, v.Height, v.Depth, v.Components)
	out.VoxelSize = v.VoxelSize
	return out
}

// Metadata is an acquisition metadata record: a mapping from parameter
// name to scalar or string value, as read from a sidecar file or a DICOM
// header. Converters consume it read-only.
type Metadata map[string]any

// Float returns the named parameter as a float64. Integer values are
// widened; anything else reports not-ok.
func (m Metadata) Float(key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// String returns the named parameter as a string.
func (m Metadata) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the named parameter as a bool.
func (m Metadata) Bool(key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Clone returns a shallow copy of the record.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Role identifies what part an acquisition plays within its group.
type Role string

const (
	RolePhaseDiff  Role = "phasediff"
	RolePhase1     Role = "phase1"
	RolePhase2     Role = "phase2"
	RoleMagnitude1 Role = "magnitude1"
	RoleMagnitude2 Role = "magnitude2"
	RoleFieldmap   Role = "fieldmap"
	RoleEPI        Role = "epi"
)

// KnownRole reports whether s names one of the recognized acquisition roles.
func KnownRole(s string) bool {
	switch Role(s) {
	case RolePhaseDiff, RolePhase1, RolePhase2,
		RoleMagnitude1, RoleMagnitude2, RoleFieldmap, RoleEPI:
		return true
	}
	return false
}

// RawAcquisition is one discovered input file plus its metadata record.
// It is immutable once discovered.
type RawAcquisition struct {
	// Path is the location of the image volume on disk.
	Path string

	// Role classifies the acquisition within its group.
	Role Role

	// Meta is the metadata record attached to the acquisition.
	Meta Metadata
}

// AcquisitionGroup is the set of raw acquisitions belonging to one
// subject's session/run that are estimated together.
type AcquisitionGroup struct {
	// Subject is the subject identifier (e.g. "sub-01").
	Subject string

	// Session is the session identifier, empty when the dataset has no
	// session level.
	Session string

	// Label distinguishes multiple groups within one session.
	Label string

	// Files are the acquisitions in the group, in discovery order.
	Files []RawAcquisition
}

// Name returns a stable identifier for the group, combining subject,
// session and label.
func (g *AcquisitionGroup) Name() string {
	name := g.Subject
	if g.Session != "" {
		name += "_" + g.Session
	}
	if g.Label != "" {
		name += "_" + g.Label
	}
	return name
}

// ByRole returns all acquisitions in the group with the given role.
func (g *AcquisitionGroup) ByRole(role Role) []RawAcquisition {
	var out []RawAcquisition
	for _, f := range g.Files {
		if f.Role == role {
			out = append(out, f)
		}
	}
	return out
}

// First returns the first acquisition with the given role, if any.
func (g *AcquisitionGroup) First(role Role) (RawAcquisition, bool) {
	for _, f := range g.Files {
		if f.Role == role {
			return f, true
		}
	}
	return RawAcquisition{}, false
}

// Validate checks basic structural sanity of the group.
func (g *AcquisitionGroup) Validate() error {
	if g.Subject == "" {
		return fmt.Errorf("acquisition group without subject")
	}
	if len(g.Files) == 0 {
		return fmt.Errorf("acquisition group %s has no files", g.Name())
	}
	return nil
}
