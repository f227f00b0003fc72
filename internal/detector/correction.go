package detector

import (
	"fmt"
	"sync"

	"github.com/banshee-data/beamline.report/internal/monitoring"
)

// DefaultGainEpsilon is the smallest gain magnitude that is still divided
// through; below it the pixel is flagged invalid instead of producing a
// huge corrected value.
const DefaultGainEpsilon = 1e-6

// ModuleConstants holds the per-module calibration maps for one epoch.
// All three maps share the module shape exactly. The maps are read-only for
// the lifetime of the epoch; a new calibration is a whole-object swap.
type ModuleConstants struct {
	Module int
	Shape  Shape
	Dark   []float32 // per-pixel offset, subtracted first
	Gain   []float32 // per-pixel divisor, applied after dark
	Mask   []bool    // true = pixel excluded regardless of prior computation
}

// CorrectionSet is the full calibration state for one epoch: one
// ModuleConstants per module plus the detector-wide thresholds.
type CorrectionSet struct {
	Epoch               uint64 // calibration epoch, monotonically increasing
	Modules             []ModuleConstants
	SaturationThreshold float32 // raw values at or above this are flagged, not corrected
	GainEpsilon         float32 // |gain| below this flags the pixel invalid
}

// NewCorrectionSet validates the per-module maps against the detector shape.
// A shape mismatch rejects the whole set: partial calibration updates are
// worse than keeping the last-known-good epoch.
func NewCorrectionSet(epoch uint64, moduleShape Shape, modules []ModuleConstants, saturation float32) (*CorrectionSet, error) {
	n := moduleShape.NumPixels()
	for i, m := range modules {
		if m.Module != i {
			return nil, fmt.Errorf("%w: constants %d carry module index %d", ErrInvalidCalibration, i, m.Module)
		}
		if !m.Shape.Equal(moduleShape) {
			return nil, fmt.Errorf("%w: module %d maps are %dx%d, detector is %dx%d",
				ErrInvalidCalibration, i, m.Shape.Rows, m.Shape.Cols, moduleShape.Rows, moduleShape.Cols)
		}
		if len(m.Dark) != n || len(m.Gain) != n || len(m.Mask) != n {
			return nil, fmt.Errorf("%w: module %d map lengths dark=%d gain=%d mask=%d, want %d",
				ErrInvalidCalibration, i, len(m.Dark), len(m.Gain), len(m.Mask), n)
		}
	}
	return &CorrectionSet{
		Epoch:               epoch,
		Modules:             modules,
		SaturationThreshold: saturation,
		GainEpsilon:         DefaultGainEpsilon,
	}, nil
}

// IdentityCorrection returns a correction set that passes raw data through
// unchanged: dark=0, gain=1, all pixels valid, saturation disabled.
func IdentityCorrection(moduleShape Shape, numModules int) *CorrectionSet {
	n := moduleShape.NumPixels()
	modules := make([]ModuleConstants, numModules)
	for i := range modules {
		gain := make([]float32, n)
		for j := range gain {
			gain[j] = 1
		}
		modules[i] = ModuleConstants{
			Module: i,
			Shape:  moduleShape,
			Dark:   make([]float32, n),
			Gain:   gain,
			Mask:   make([]bool, n),
		}
	}
	return &CorrectionSet{
		Epoch:               0,
		Modules:             modules,
		SaturationThreshold: Invalid(), // NaN threshold disables the saturation check
		GainEpsilon:         DefaultGainEpsilon,
	}
}

// Correct applies the fixed correction order to one raw panel and returns a
// fresh corrected panel; the raw buffer is never touched.
//
// Order of operations: the mask wins outright, then pre-invalid input is
// passed through, then saturation is flagged against the raw value (so a
// saturated pixel can never produce a plausible-looking corrected value),
// then dark subtraction and gain division with the epsilon guard.
func (cs *CorrectionSet) Correct(raw ModulePanel) (ModulePanel, error) {
	if raw.Module < 0 || raw.Module >= len(cs.Modules) {
		return ModulePanel{}, fmt.Errorf("%w: module index %d outside calibration (%d modules)",
			ErrShapeMismatch, raw.Module, len(cs.Modules))
	}
	mc := &cs.Modules[raw.Module]
	if !raw.Shape.Equal(mc.Shape) {
		return ModulePanel{}, NewShapeMismatch(raw.Module, mc.Shape, raw.Shape)
	}

	out := ModulePanel{Module: raw.Module, Shape: raw.Shape, Pix: make([]float32, len(raw.Pix))}
	inv := Invalid()
	checkSaturation := !IsInvalid(cs.SaturationThreshold)
	eps := cs.GainEpsilon
	if eps <= 0 {
		eps = DefaultGainEpsilon
	}

	for i, v := range raw.Pix {
		switch {
		case mc.Mask[i]:
			out.Pix[i] = inv
		case IsInvalid(v):
			out.Pix[i] = inv
		case checkSaturation && v >= cs.SaturationThreshold:
			out.Pix[i] = inv
		default:
			g := mc.Gain[i]
			if g < eps && g > -eps {
				out.Pix[i] = inv
				continue
			}
			out.Pix[i] = (v - mc.Dark[i]) / g
		}
	}
	return out, nil
}

// CorrectStack corrects every panel of one pulse in parallel and returns the
// corrected stack in module order. Per-pixel work is independent, but the
// full stack must be available before assembly starts, so this joins all
// workers before returning.
func (cs *CorrectionSet) CorrectStack(modules []ModulePanel) ([]ModulePanel, error) {
	out := make([]ModulePanel, len(modules))
	errs := make([]error, len(modules))

	var wg sync.WaitGroup
	for i := range modules {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i], errs[i] = cs.Correct(modules[i])
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ConstantsHolder owns the active CorrectionSet behind an atomic reference
// so workers always observe a complete epoch, never a torn update.
type ConstantsHolder struct {
	mu       sync.RWMutex
	active   *CorrectionSet
	rejected uint64 // epochs rejected since the active one was installed
}

// NewConstantsHolder seeds the holder with an initial set.
func NewConstantsHolder(initial *CorrectionSet) *ConstantsHolder {
	return &ConstantsHolder{active: initial}
}

// Active returns the current correction set.
func (h *ConstantsHolder) Active() *CorrectionSet {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

// Install validates and swaps in a new epoch wholesale. On shape mismatch
// the last-known-good set stays active and the rejection is reported once
// per offending epoch rather than once per frame.
func (h *ConstantsHolder) Install(moduleShape Shape, next *CorrectionSet) error {
	if _, err := NewCorrectionSet(next.Epoch, moduleShape, next.Modules, next.SaturationThreshold); err != nil {
		h.mu.Lock()
		h.rejected++
		h.mu.Unlock()
		monitoring.Logf("calibration epoch %d rejected, keeping epoch %d: %v", next.Epoch, h.Active().Epoch, err)
		return err
	}
	h.mu.Lock()
	h.active = next
	h.rejected = 0
	h.mu.Unlock()
	return nil
}

// RejectedEpochs returns how many calibration updates were rejected since
// the active epoch was installed.
func (h *ConstantsHolder) RejectedEpochs() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rejected
}
