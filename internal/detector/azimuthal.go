package detector

import (
	"fmt"
	"math"
)

// AzimuthalConfig describes the radial reduction of an assembled frame: valid
// pixels are binned by their distance from a beam centre, producing a 1D
// intensity curve per pulse. Bins are uniform in radius between 0 and RMax.
type AzimuthalConfig struct {
	CenterX float64 `json:"center_x"` // column of the beam centre
	CenterY float64 `json:"center_y"` // row of the beam centre
	Bins    int     `json:"bins"`
	RMax    float64 `json:"r_max,omitempty"` // 0 means out to the farthest canvas corner
}

// AzimuthalIntegrator holds the precomputed pixel-to-bin assignment for one
// canvas and configuration. Like the assembler's placement map and the ROI
// index, the expensive geometry walk happens once per run; the per-frame
// reduction is a single pass over the canvas.
type AzimuthalIntegrator struct {
	cfg     AzimuthalConfig
	canvas  Shape
	binOf   []int32 // per-pixel bin index, -1 when the pixel falls beyond RMax
	centers []float64
}

// NewAzimuthalIntegrator validates the configuration against the canvas and
// precomputes the bin assignment. Distances are measured from pixel centres,
// consistent with the polygon ROI convention.
func NewAzimuthalIntegrator(canvas Shape, cfg AzimuthalConfig) (*AzimuthalIntegrator, error) {
	if canvas.Rows <= 0 || canvas.Cols <= 0 {
		return nil, fmt.Errorf("azimuthal: canvas %dx%d", canvas.Rows, canvas.Cols)
	}
	if cfg.Bins <= 0 {
		return nil, fmt.Errorf("azimuthal: bins must be positive, got %d", cfg.Bins)
	}
	if math.IsNaN(cfg.CenterX) || math.IsInf(cfg.CenterX, 0) ||
		math.IsNaN(cfg.CenterY) || math.IsInf(cfg.CenterY, 0) {
		return nil, fmt.Errorf("azimuthal: centre (%v, %v) is not finite", cfg.CenterX, cfg.CenterY)
	}
	if cfg.RMax < 0 || math.IsNaN(cfg.RMax) {
		return nil, fmt.Errorf("azimuthal: r_max %v", cfg.RMax)
	}

	rmax := cfg.RMax
	if rmax == 0 {
		// Reach the farthest canvas corner so every pixel gets a bin.
		for _, corner := range [4][2]float64{
			{0, 0},
			{0, float64(canvas.Cols)},
			{float64(canvas.Rows), 0},
			{float64(canvas.Rows), float64(canvas.Cols)},
		} {
			d := math.Hypot(corner[1]-cfg.CenterX, corner[0]-cfg.CenterY)
			if d > rmax {
				rmax = d
			}
		}
	}

	ai := &AzimuthalIntegrator{
		cfg:     cfg,
		canvas:  canvas,
		binOf:   make([]int32, canvas.NumPixels()),
		centers: make([]float64, cfg.Bins),
	}
	step := rmax / float64(cfg.Bins)
	for b := 0; b < cfg.Bins; b++ {
		ai.centers[b] = (float64(b) + 0.5) * step
	}
	for row := 0; row < canvas.Rows; row++ {
		y := float64(row) + 0.5
		for col := 0; col < canvas.Cols; col++ {
			x := float64(col) + 0.5
			r := math.Hypot(x-cfg.CenterX, y-cfg.CenterY)
			idx := row*canvas.Cols + col
			if r >= rmax {
				ai.binOf[idx] = -1
				continue
			}
			b := int32(r / step)
			if b >= int32(cfg.Bins) {
				b = int32(cfg.Bins) - 1
			}
			ai.binOf[idx] = b
		}
	}
	return ai, nil
}

// Config returns the configuration the integrator was built from.
func (ai *AzimuthalIntegrator) Config() AzimuthalConfig { return ai.cfg }

// Centers returns the radial bin centres, in pixels from the beam centre.
func (ai *AzimuthalIntegrator) Centers() []float64 {
	return append([]float64(nil), ai.centers...)
}

// RadialProfile is the 1D azimuthal reduction of one assembled frame. Mean is
// NaN for rings that contained no valid pixels; invalid-sentinel pixels never
// enter any ring's denominator.
type RadialProfile struct {
	TrainID uint64    `json:"train_id"`
	PulseID uint64    `json:"pulse_id"`
	Mean    []float64 `json:"mean"`
	Count   []int64   `json:"count"`
}

// Integrate reduces one assembled frame into its radial profile.
func (ai *AzimuthalIntegrator) Integrate(img *AssembledImage) (RadialProfile, error) {
	if !img.Shape.Equal(ai.canvas) {
		return RadialProfile{}, fmt.Errorf("%w: frame %dx%d, integrator canvas %dx%d",
			ErrShapeMismatch, img.Shape.Rows, img.Shape.Cols, ai.canvas.Rows, ai.canvas.Cols)
	}
	prof := RadialProfile{
		TrainID: img.TrainID,
		PulseID: img.PulseID,
		Mean:    make([]float64, ai.cfg.Bins),
		Count:   make([]int64, ai.cfg.Bins),
	}
	for i, v := range img.Pix {
		b := ai.binOf[i]
		if b < 0 || IsInvalid(v) {
			continue
		}
		prof.Mean[b] += float64(v)
		prof.Count[b]++
	}
	for b := range prof.Mean {
		if prof.Count[b] == 0 {
			prof.Mean[b] = math.NaN()
			continue
		}
		prof.Mean[b] /= float64(prof.Count[b])
	}
	return prof, nil
}
