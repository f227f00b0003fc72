package detector

import (
	"errors"
	"fmt"
)

// Sentinel errors for the three structural failure classes. Frame-local
// failures (ErrShapeMismatch) are recovered by dropping the frame; the
// others are surfaced to the operator rather than silently patched.
var (
	// ErrShapeMismatch marks a per-frame module count or shape violation.
	// The offending frame is skipped and the run continues.
	ErrShapeMismatch = errors.New("module shape mismatch")

	// ErrInvalidGeometry marks an internally inconsistent geometry
	// descriptor (NaN offsets, overlapping modules). Fatal at
	// initialisation; the pipeline does not start.
	ErrInvalidGeometry = errors.New("invalid geometry")

	// ErrInvalidCalibration marks a correction-constants update whose
	// shapes do not match the detector. The update is rejected and the
	// last-known-good constants stay in effect.
	ErrInvalidCalibration = errors.New("invalid calibration")
)

// shapeMismatchError carries the module index and the two shapes involved.
type shapeMismatchError struct {
	Module int
	Want   Shape
	Got    Shape
}

func (e *shapeMismatchError) Error() string {
	return fmt.Sprintf("module %d: expected %dx%d, got %dx%d",
		e.Module, e.Want.Rows, e.Want.Cols, e.Got.Rows, e.Got.Cols)
}

func (e *shapeMismatchError) Unwrap() error { return ErrShapeMismatch }

// NewShapeMismatch builds a ShapeMismatch error for the given module.
func NewShapeMismatch(module int, want, got Shape) error {
	return &shapeMismatchError{Module: module, Want: want, Got: got}
}
