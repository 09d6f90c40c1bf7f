package fieldmap

import "fmt"

// InputCardinalityError reports a mismatch between the number of input
// volumes and the number of metadata records. This is a discovery bug
// upstream and is never retried.
type InputCardinalityError struct {
	Volumes int
	Records int
}

func (e *InputCardinalityError) Error() string {
	return fmt.Sprintf("input cardinality mismatch: %d volumes, %d metadata records",
		e.Volumes, e.Records)
}

// MissingParameterError reports that a required physical parameter could
// not be derived from the available metadata.
type MissingParameterError struct {
	Param string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("required parameter %q could not be derived from metadata", e.Param)
}

// EstimationError wraps a failure of one numeric step inside one
// estimator. It is fatal to that estimator only.
type EstimationError struct {
	Estimator string
	Step      string
	Err       error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("estimator %s: step %s: %v", e.Estimator, e.Step, e.Err)
}

func (e *EstimationError) Unwrap() error { return e.Err }
