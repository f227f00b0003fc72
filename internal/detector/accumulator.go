package detector

import (
	"fmt"
	"math"
)

// Accumulator maintains streaming reductions over assembled frames: a
// per-pixel Welford mean/variance image, per-ROI scalar series and an
// optional fixed-edge histogram. Memory is O(canvas + series), independent
// of how many frames have been folded in.
//
// The accumulator itself is not goroutine-safe; StatsManager serialises
// updates and owns the atomic reset lifecycle. Sharded accumulation is
// supported through Merge, whose result equals sequential accumulation of
// the concatenated stream within floating tolerance.
type Accumulator struct {
	canvas Shape

	// Welford state, per pixel. Kept in float64 regardless of the image
	// dtype: continuous accumulation over millions of frames loses precision
	// fast in float32.
	count []int64
	mean  []float64
	m2    []float64

	frames int64 // frames folded in

	rois   []*roiIndex
	series map[string][]ROIResult

	hist *Histogram // nil when no histogram was configured

	azim   *AzimuthalIntegrator // nil when no azimuthal reduction was configured
	radial []RadialProfile
}

// NewAccumulator builds an empty accumulator for the given canvas. ROI
// definitions are validated here, at construction; histogramEdges and
// azimuthal may be nil to disable those reductions.
func NewAccumulator(canvas Shape, rois []ROI, histogramEdges []float64, azimuthal *AzimuthalConfig) (*Accumulator, error) {
	if canvas.Rows <= 0 || canvas.Cols <= 0 {
		return nil, fmt.Errorf("accumulator: canvas %dx%d", canvas.Rows, canvas.Cols)
	}
	acc := &Accumulator{
		canvas: canvas,
		count:  make([]int64, canvas.NumPixels()),
		mean:   make([]float64, canvas.NumPixels()),
		m2:     make([]float64, canvas.NumPixels()),
		series: make(map[string][]ROIResult, len(rois)),
	}
	for _, def := range rois {
		if err := def.Validate(canvas); err != nil {
			return nil, err
		}
		if _, dup := acc.series[def.Label]; dup {
			return nil, fmt.Errorf("roi %q: duplicate label", def.Label)
		}
		acc.rois = append(acc.rois, newROIIndex(def, canvas))
		acc.series[def.Label] = nil
	}
	if histogramEdges != nil {
		h, err := NewHistogram(histogramEdges)
		if err != nil {
			return nil, err
		}
		acc.hist = h
	}
	if azimuthal != nil {
		ai, err := NewAzimuthalIntegrator(canvas, *azimuthal)
		if err != nil {
			return nil, err
		}
		acc.azim = ai
	}
	return acc, nil
}

// Frames returns the number of frames folded into the accumulator.
func (a *Accumulator) Frames() int64 { return a.frames }

// Update folds one assembled frame into the running state. Invalid-sentinel
// pixels are excluded from every denominator; they are never counted as
// zero. A canvas shape mismatch rejects the frame.
func (a *Accumulator) Update(img *AssembledImage) error {
	if !img.Shape.Equal(a.canvas) {
		return fmt.Errorf("%w: frame %dx%d, accumulator canvas %dx%d",
			ErrShapeMismatch, img.Shape.Rows, img.Shape.Cols, a.canvas.Rows, a.canvas.Cols)
	}

	for i, v := range img.Pix {
		if IsInvalid(v) {
			continue
		}
		x := float64(v)
		a.count[i]++
		delta := x - a.mean[i]
		a.mean[i] += delta / float64(a.count[i])
		a.m2[i] += delta * (x - a.mean[i])
		if a.hist != nil {
			a.hist.Add(x)
		}
	}

	for _, ri := range a.rois {
		a.series[ri.def.Label] = append(a.series[ri.def.Label], ri.reduce(img))
	}
	if a.azim != nil {
		prof, err := a.azim.Integrate(img)
		if err != nil {
			return err
		}
		a.radial = append(a.radial, prof)
	}
	a.frames++
	return nil
}

// Merge folds other into a using the parallel variance merge rule, so two
// accumulators covering disjoint sample streams combine into the same state
// sequential accumulation would have produced. Both must share canvas, ROI
// set and histogram edges.
func (a *Accumulator) Merge(other *Accumulator) error {
	if !a.canvas.Equal(other.canvas) {
		return fmt.Errorf("accumulator merge: canvas %dx%d vs %dx%d",
			a.canvas.Rows, a.canvas.Cols, other.canvas.Rows, other.canvas.Cols)
	}
	if len(a.rois) != len(other.rois) {
		return fmt.Errorf("accumulator merge: %d rois vs %d", len(a.rois), len(other.rois))
	}
	for i := range a.rois {
		if !a.rois[i].def.equal(&other.rois[i].def) {
			return fmt.Errorf("accumulator merge: roi %d differs (%q vs %q)",
				i, a.rois[i].def.Label, other.rois[i].def.Label)
		}
	}
	if (a.hist == nil) != (other.hist == nil) {
		return fmt.Errorf("accumulator merge: histogram configured on one side only")
	}
	if (a.azim == nil) != (other.azim == nil) {
		return fmt.Errorf("accumulator merge: azimuthal integration configured on one side only")
	}
	if a.azim != nil && a.azim.cfg != other.azim.cfg {
		return fmt.Errorf("accumulator merge: azimuthal configs differ (%+v vs %+v)",
			a.azim.cfg, other.azim.cfg)
	}

	for i := range a.count {
		nA := float64(a.count[i])
		nB := float64(other.count[i])
		if nB == 0 {
			continue
		}
		if nA == 0 {
			a.count[i] = other.count[i]
			a.mean[i] = other.mean[i]
			a.m2[i] = other.m2[i]
			continue
		}
		nAB := nA + nB
		delta := other.mean[i] - a.mean[i]
		a.mean[i] += delta * nB / nAB
		a.m2[i] += other.m2[i] + delta*delta*nA*nB/nAB
		a.count[i] += other.count[i]
	}

	for _, ri := range other.rois {
		a.series[ri.def.Label] = append(a.series[ri.def.Label], other.series[ri.def.Label]...)
	}
	if a.hist != nil {
		if err := a.hist.Merge(other.hist); err != nil {
			return err
		}
	}
	a.radial = append(a.radial, other.radial...)
	a.frames += other.frames
	return nil
}

// RunningStats is the immutable snapshot of an accumulator. All fields are
// deep copies; the snapshot stays valid however the accumulator moves on.
// Exported fields only, so the snapshot can travel through gob for
// persistence.
type RunningStats struct {
	Canvas   Shape
	Frames   int64
	Count    []int64   // per-pixel valid-sample counts
	Mean     []float64 // per-pixel running mean; NaN where Count == 0
	Variance []float64 // per-pixel sample variance; NaN where Count < 2
	Series   map[string][]ROIResult
	Hist     *Histogram // nil when no histogram was configured

	// Azimuthal reduction, when configured. RadialCenters carries the bin
	// centres so the profiles are plottable without the integrator.
	Radial        []RadialProfile
	RadialCenters []float64
}

// Snapshot produces an immutable copy of the current state.
func (a *Accumulator) Snapshot() *RunningStats {
	s := &RunningStats{
		Canvas:   a.canvas,
		Frames:   a.frames,
		Count:    append([]int64(nil), a.count...),
		Mean:     make([]float64, len(a.mean)),
		Variance: make([]float64, len(a.m2)),
		Series:   make(map[string][]ROIResult, len(a.series)),
	}
	for i := range a.mean {
		switch {
		case a.count[i] == 0:
			s.Mean[i] = math.NaN()
			s.Variance[i] = math.NaN()
		case a.count[i] == 1:
			s.Mean[i] = a.mean[i]
			s.Variance[i] = math.NaN()
		default:
			s.Mean[i] = a.mean[i]
			s.Variance[i] = a.m2[i] / float64(a.count[i]-1)
		}
	}
	for label, series := range a.series {
		s.Series[label] = append([]ROIResult(nil), series...)
	}
	if a.hist != nil {
		s.Hist = a.hist.Clone()
	}
	if a.azim != nil {
		s.RadialCenters = a.azim.Centers()
		s.Radial = make([]RadialProfile, len(a.radial))
		for i, p := range a.radial {
			s.Radial[i] = RadialProfile{
				TrainID: p.TrainID,
				PulseID: p.PulseID,
				Mean:    append([]float64(nil), p.Mean...),
				Count:   append([]int64(nil), p.Count...),
			}
		}
	}
	return s
}

// TotalCount returns the summed per-pixel sample count of the snapshot.
// Used by the reset-atomicity tests: the total is either the full pre-reset
// count or the full post-reset count, never a blend.
func (s *RunningStats) TotalCount() int64 {
	var n int64
	for _, c := range s.Count {
		n += c
	}
	return n
}

// PumpProbeDelta computes the per-pixel difference of two snapshots' mean
// images (on - off). Pixels lacking data on either side come back as the
// invalid sentinel. This is the only point where the two tag streams meet;
// accumulation itself never mixes them.
func PumpProbeDelta(on, off *RunningStats) ([]float64, error) {
	if !on.Canvas.Equal(off.Canvas) {
		return nil, fmt.Errorf("pump-probe delta: canvas %dx%d vs %dx%d",
			on.Canvas.Rows, on.Canvas.Cols, off.Canvas.Rows, off.Canvas.Cols)
	}
	delta := make([]float64, len(on.Mean))
	for i := range delta {
		if on.Count[i] == 0 || off.Count[i] == 0 {
			delta[i] = math.NaN()
			continue
		}
		delta[i] = on.Mean[i] - off.Mean[i]
	}
	return delta, nil
}
