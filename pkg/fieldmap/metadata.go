package fieldmap

import (
	"math"

	"fmapflows/internal/models"
)

// Metadata parameter names shared across converters.
const (
	KeyEchoTime           = "EchoTime"
	KeyEchoTime1          = "EchoTime1"
	KeyEchoTime2          = "EchoTime2"
	KeyEchoTimeDifference = "EchoTimeDifference"
	KeyUnits              = "Units"
	KeyReadoutTime        = "TotalReadoutTime"
	KeyPEDirection        = "PhaseEncodingDirection"
)

// Reconcile merges two metadata records nominally describing paired
// acquisitions. Keys present in both with equal values are copied once;
// keys present in only one are copied as-is. When both records carry the
// same key with different values, the first operand wins.
func Reconcile(first, second models.Metadata) models.Metadata {
	out := second.Clone()
	for k, v := range first {
		out[k] = v
	}
	return out
}

// DeltaTE derives the echo-time difference in seconds from a reconciled
// metadata record. It prefers the individual echo times (EchoTime1 and
// EchoTime2), falling back to an explicit EchoTimeDifference. A missing
// or non-positive difference yields a MissingParameterError.
func DeltaTE(meta models.Metadata) (float64, error) {
	te1, ok1 := meta.Float(KeyEchoTime1)
	te2, ok2 := meta.Float(KeyEchoTime2)
	if ok1 && ok2 {
		dte := math.Abs(te2 - te1)
		if dte > 0 {
			return dte, nil
		}
		return 0, &MissingParameterError{Param: KeyEchoTimeDifference}
	}
	if dte, ok := meta.Float(KeyEchoTimeDifference); ok {
		if dte > 0 {
			return dte, nil
		}
		return 0, &MissingParameterError{Param: KeyEchoTimeDifference}
	}
	return 0, &MissingParameterError{Param: KeyEchoTimeDifference}
}
