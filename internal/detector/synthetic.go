package detector

import (
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

// SyntheticGenerator generates synthetic detector trains for testing and
// demos. Each pulse carries a Gaussian scattering ring on top of a dark
// offset and noise floor, with a fraction of pixels driven to saturation so
// the correction path gets exercised end to end.
type SyntheticGenerator struct {
	trainID    atomic.Uint64
	detectorID string

	// Configuration
	ModuleShape     Shape
	Modules         int     // panels per pulse
	PulsesPerTrain  int     // pulses per train
	OnEvery         int     // every Nth pulse tagged pump-on (0 disables)
	DarkOffset      float64 // baseline added to every pixel
	NoiseSigma      float64 // gaussian noise amplitude
	PeakAmplitude   float64 // signal peak height on pump-on pulses
	SaturationValue float32 // value written to hot pixels
	SaturationRate  float64 // probability per pixel of saturating

	// Internal state
	rng *rand.Rand
}

// NewSyntheticGenerator creates a new synthetic train generator.
func NewSyntheticGenerator(detectorID string, moduleShape Shape, modules int) *SyntheticGenerator {
	return &SyntheticGenerator{
		detectorID:      detectorID,
		ModuleShape:     moduleShape,
		Modules:         modules,
		PulsesPerTrain:  8,
		OnEvery:         2,
		DarkOffset:      100.0,
		NoiseSigma:      3.0,
		PeakAmplitude:   500.0,
		SaturationValue: 16383,
		SaturationRate:  0.0005,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextTrain generates the next complete synthetic train.
func (g *SyntheticGenerator) NextTrain() *Train {
	trainID := g.trainID.Add(1)
	start := time.Now()

	train := &Train{
		TrainID:       trainID,
		DetectorID:    g.detectorID,
		Pulses:        make([]Pulse, g.PulsesPerTrain),
		StartWallTime: start,
		Complete:      true,
	}

	for p := 0; p < g.PulsesPerTrain; p++ {
		tag := TagOff
		if g.OnEvery > 0 && p%g.OnEvery == 0 {
			tag = TagOn
		}
		train.Pulses[p] = Pulse{
			TrainID: trainID,
			PulseID: uint64(p),
			Tag:     tag,
			Modules: g.generateModules(tag),
		}
	}

	train.EndWallTime = time.Now()
	return train
}

// generateModules creates the raw panels for one pulse.
func (g *SyntheticGenerator) generateModules(tag PulseTag) []ModulePanel {
	modules := make([]ModulePanel, g.Modules)
	for m := 0; m < g.Modules; m++ {
		modules[m] = g.generatePanel(m, tag)
	}
	return modules
}

// generatePanel fills one module with dark offset, noise and, on pump-on
// pulses, a Gaussian peak in the module centre.
func (g *SyntheticGenerator) generatePanel(module int, tag PulseTag) ModulePanel {
	shape := g.ModuleShape
	pix := make([]float32, shape.NumPixels())

	cy := float64(shape.Rows) / 2
	cx := float64(shape.Cols) / 2
	// Peak width scales with the module so small test shapes still show
	// structure
	sigma := math.Max(float64(shape.Rows), float64(shape.Cols)) / 4
	if sigma < 1 {
		sigma = 1
	}

	for r := 0; r < shape.Rows; r++ {
		for c := 0; c < shape.Cols; c++ {
			v := g.DarkOffset + g.rng.NormFloat64()*g.NoiseSigma
			if tag == TagOn {
				dy := float64(r) - cy
				dx := float64(c) - cx
				v += g.PeakAmplitude * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			}
			i := r*shape.Cols + c
			if g.SaturationRate > 0 && g.rng.Float64() < g.SaturationRate {
				pix[i] = g.SaturationValue
				continue
			}
			pix[i] = float32(v)
		}
	}

	return ModulePanel{Module: module, Shape: shape, Pix: pix}
}

// Constants returns a correction set matching the generator's output: flat
// dark maps at the configured offset, unit gain, no masked pixels, and a
// saturation threshold just below the generator's saturation value.
func (g *SyntheticGenerator) Constants() (*CorrectionSet, error) {
	n := g.ModuleShape.NumPixels()
	modules := make([]ModuleConstants, g.Modules)
	for m := 0; m < g.Modules; m++ {
		dark := make([]float32, n)
		gain := make([]float32, n)
		for i := range dark {
			dark[i] = float32(g.DarkOffset)
			gain[i] = 1.0
		}
		modules[m] = ModuleConstants{
			Module: m,
			Shape:  g.ModuleShape,
			Dark:   dark,
			Gain:   gain,
			Mask:   make([]bool, n),
		}
	}
	return NewCorrectionSet(1, g.ModuleShape, modules, g.SaturationValue-1)
}
