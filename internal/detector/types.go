package detector

import (
	"math"
	"time"
)

// Invalid-pixel sentinel.
//
// Gaps between modules, masked pixels, saturated pixels and failed gain
// divisions are all represented by a float32 NaN in image buffers. The
// sentinel is always tested through IsInvalid rather than relying on NaN
// arithmetic propagation, so a sentinel can never silently contaminate a
// neighbouring aggregate.

// Invalid returns the sentinel value used for masked, saturated or
// out-of-geometry pixels.
func Invalid() float32 {
	return float32(math.NaN())
}

// IsInvalid reports whether v is the invalid-pixel sentinel. It also treats
// Inf as invalid so a corrupt upstream sample can never enter an aggregate.
func IsInvalid(v float32) bool {
	f := float64(v)
	return math.IsNaN(f) || math.IsInf(f, 0)
}

// Shape is the row/column extent of a 2D pixel buffer.
type Shape struct {
	Rows int
	Cols int
}

// NumPixels returns Rows*Cols.
func (s Shape) NumPixels() int { return s.Rows * s.Cols }

// Equal reports whether two shapes match exactly.
func (s Shape) Equal(o Shape) bool { return s.Rows == o.Rows && s.Cols == o.Cols }

// ModulePanel is the raw pixel array from one physical detector tile.
// It is owned by its Train for the duration of one train and must not be
// mutated after ingest; correction always writes into a fresh buffer.
type ModulePanel struct {
	Module int       // module index, 0-based
	Shape  Shape     // fixed per detector type
	Pix    []float32 // row-major, len == Shape.NumPixels()
}

// PulseTag distinguishes pump-probe on/off pulses within a train.
type PulseTag uint8

const (
	// TagOn marks a pumped (laser-on) pulse.
	TagOn PulseTag = iota
	// TagOff marks an unpumped (laser-off) pulse.
	TagOff
)

// String returns "on" or "off".
func (t PulseTag) String() string {
	if t == TagOn {
		return "on"
	}
	return "off"
}

// Pulse is one frame within a train: a full set of module panels plus
// per-pulse metadata.
type Pulse struct {
	TrainID uint64
	PulseID uint64
	Tag     PulseTag
	Modules []ModulePanel // ordered by module index
}

// Train is one burst of pulses delivered together from the detector.
// It is created when a burst arrives and discarded once its pulses have been
// corrected, assembled and folded into statistics; nothing in the core
// retains it beyond that window.
type Train struct {
	TrainID       uint64
	DetectorID    string
	Pulses        []Pulse   // arrival order
	StartWallTime time.Time // wall-clock time of first delivery
	EndWallTime   time.Time // wall-clock time of last delivery
	Complete      bool      // false if finalised by timeout with pulses missing
}

// NumPulses returns the number of pulses carried by the train.
func (t *Train) NumPulses() int { return len(t.Pulses) }

// AssembledImage is the full-detector image produced by placing corrected
// module data according to a Geometry. Pixels not covered by any module and
// masked pixels hold the invalid sentinel, never zero.
type AssembledImage struct {
	TrainID uint64
	PulseID uint64
	Tag     PulseTag
	Shape   Shape
	Pix     []float32 // row-major, len == Shape.NumPixels()
}

// At returns the pixel at (row, col). No bounds checking beyond the slice's own.
func (img *AssembledImage) At(row, col int) float32 {
	return img.Pix[row*img.Shape.Cols+col]
}

// ValidCount returns the number of non-sentinel pixels in the image.
func (img *AssembledImage) ValidCount() int {
	n := 0
	for _, v := range img.Pix {
		if !IsInvalid(v) {
			n++
		}
	}
	return n
}
