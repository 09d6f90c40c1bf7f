// Package dicommeta extracts acquisition metadata from DICOM headers.
// It is the fallback used by the dataset scanner when an image has no
// JSON sidecar: the handful of parameters the estimators need (echo time,
// phase-encoding direction, scanner identity) are mapped onto the same
// metadata keys a sidecar would provide.
package dicommeta

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"fmapflows/internal/models"
)

// FromFile parses a DICOM file and maps its header onto a metadata record.
func FromFile(path string) (models.Metadata, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("parsing DICOM %s: %w", path, err)
	}
	return FromDataset(&ds)
}

// FromDataset maps an already-parsed DICOM dataset onto a metadata
// record. DICOM times are in milliseconds and are converted to seconds,
// matching the sidecar convention.
func FromDataset(ds *dicom.Dataset) (models.Metadata, error) {
	meta := models.Metadata{}

	if v, ok := floatValue(ds, tag.EchoTime); ok {
		meta["EchoTime"] = v / 1000.0
	}
	if v, ok := floatValue(ds, tag.RepetitionTime); ok {
		meta["RepetitionTime"] = v / 1000.0
	}
	if v, ok := floatValue(ds, tag.MagneticFieldStrength); ok {
		meta["MagneticFieldStrength"] = v
	}
	if s, ok := stringValue(ds, tag.Manufacturer); ok {
		meta["Manufacturer"] = s
	}
	if s, ok := stringValue(ds, tag.InPlanePhaseEncodingDirection); ok {
		// DICOM records the in-plane axis only; the polarity must come
		// from elsewhere (sidecar or acquisition protocol).
		switch strings.ToUpper(strings.TrimSpace(s)) {
		case "ROW":
			meta["PhaseEncodingDirection"] = "i"
		case "COL":
			meta["PhaseEncodingDirection"] = "j"
		}
	}

	if len(meta) == 0 {
		return nil, fmt.Errorf("no usable acquisition parameters in DICOM header")
	}
	return meta, nil
}

func stringValue(ds *dicom.Dataset, t tag.Tag) (string, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return "", false
	}
	if vals, ok := el.Value.GetValue().([]string); ok && len(vals) > 0 {
		return strings.TrimSpace(vals[0]), true
	}
	return "", false
}

func floatValue(ds *dicom.Dataset, t tag.Tag) (float64, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return 0, false
	}
	switch vals := el.Value.GetValue().(type) {
	case []string:
		// Decimal-string VRs (DS) arrive as strings.
		if len(vals) > 0 {
			if f, err := strconv.ParseFloat(strings.TrimSpace(vals[0]), 64); err == nil {
				return f, true
			}
		}
	case []float64:
		if len(vals) > 0 {
			return vals[0], true
		}
	case []int:
		if len(vals) > 0 {
			return float64(vals[0]), true
		}
	}
	return 0, false
}
