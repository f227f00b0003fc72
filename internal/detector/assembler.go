package detector

import (
	"fmt"
	"sync"
)

// modulePlan is the cached placement transform for one module: the canvas
// linear index of source pixel (r, c) is base + r*rowStride + c*colStride.
// Computing the plan once per geometry makes per-frame assembly a pure
// strided copy with no per-pixel arithmetic beyond the strides.
type modulePlan struct {
	base      int
	rowStride int
	colStride int
}

// Assembler projects corrected module panels onto the assembled canvas.
// The placement map is computed once per Geometry (the expensive step, done
// per calibration epoch, not per frame); Assemble itself is O(total pixels)
// and writes disjoint canvas regions per module, so modules can be copied in
// parallel without affecting the output.
type Assembler struct {
	geom  *Geometry
	plans []modulePlan

	// Parallelise the module copy loop above this module count.
	parallelThreshold int
}

// orientPixel maps module pixel (r, c) to its post-orientation coordinates
// within the placed footprint.
func orientPixel(p ModulePlacement, module Shape, r, c int) (or, oc int) {
	switch p.Rot {
	case 0:
		or, oc = r, c
	case 1:
		or, oc = c, module.Rows-1-r
	case 2:
		or, oc = module.Rows-1-r, module.Cols-1-c
	default: // 3
		or, oc = module.Cols-1-c, r
	}
	fp := p.footprint(module)
	if p.FlipH {
		oc = fp.Cols - 1 - oc
	}
	if p.FlipV {
		or = fp.Rows - 1 - or
	}
	return or, oc
}

// NewAssembler builds the cached placement map for geom.
func NewAssembler(geom *Geometry) *Assembler {
	plans := make([]modulePlan, geom.NumModules())
	w := geom.Canvas.Cols
	for m, p := range geom.Placements {
		// The orientation map is affine in (r, c); recover base and strides
		// by evaluating it at (0,0), (1,0) and (0,1).
		r0, c0 := orientPixel(p, geom.ModuleShape, 0, 0)
		r1, c1 := orientPixel(p, geom.ModuleShape, 1, 0)
		r2, c2 := orientPixel(p, geom.ModuleShape, 0, 1)
		plans[m] = modulePlan{
			base:      (p.Row+r0)*w + p.Col + c0,
			rowStride: (r1-r0)*w + (c1 - c0),
			colStride: (r2-r0)*w + (c2 - c0),
		}
	}
	return &Assembler{geom: geom, plans: plans, parallelThreshold: 4}
}

// Geometry returns the descriptor the assembler was built for.
func (a *Assembler) Geometry() *Geometry { return a.geom }

// OutputImage allocates a canvas-shaped image prefilled with the invalid
// sentinel. Gaps between modules keep the sentinel after assembly so they
// never contribute to area-based statistics.
func (a *Assembler) OutputImage() *AssembledImage {
	img := &AssembledImage{Shape: a.geom.Canvas, Pix: make([]float32, a.geom.Canvas.NumPixels())}
	inv := Invalid()
	for i := range img.Pix {
		img.Pix[i] = inv
	}
	return img
}

// Assemble places one pulse's module stack onto a fresh canvas.
// Precondition: len(modules) equals the geometry's module count and every
// panel matches the expected module shape; a violation returns a
// ShapeMismatch error and the frame should be skipped, not the run.
func (a *Assembler) Assemble(pulse *Pulse) (*AssembledImage, error) {
	img := a.OutputImage()
	if err := a.AssembleInto(img, pulse.Modules); err != nil {
		return nil, err
	}
	img.TrainID = pulse.TrainID
	img.PulseID = pulse.PulseID
	img.Tag = pulse.Tag
	return img, nil
}

// AssembleInto places modules onto a caller-owned canvas, allowing buffer
// reuse on the hot path. The canvas must come from OutputImage (or match its
// shape) and is expected to be sentinel-filled in the gap regions.
func (a *Assembler) AssembleInto(img *AssembledImage, modules []ModulePanel) error {
	if len(modules) != a.geom.NumModules() {
		return fmt.Errorf("%w: expected %d modules, got %d", ErrShapeMismatch, a.geom.NumModules(), len(modules))
	}
	if !img.Shape.Equal(a.geom.Canvas) {
		return fmt.Errorf("%w: canvas %dx%d, geometry wants %dx%d",
			ErrShapeMismatch, img.Shape.Rows, img.Shape.Cols, a.geom.Canvas.Rows, a.geom.Canvas.Cols)
	}
	for i, mod := range modules {
		if !mod.Shape.Equal(a.geom.ModuleShape) {
			return NewShapeMismatch(i, a.geom.ModuleShape, mod.Shape)
		}
		if len(mod.Pix) != mod.Shape.NumPixels() {
			return NewShapeMismatch(i, a.geom.ModuleShape, Shape{Rows: 1, Cols: len(mod.Pix)})
		}
	}

	if len(modules) < a.parallelThreshold {
		for m := range modules {
			a.copyModule(img.Pix, modules[m].Pix, a.plans[m])
		}
		return nil
	}

	// Each module writes a disjoint canvas region, so the parallel copy is
	// race-free and bit-identical to the sequential one.
	var wg sync.WaitGroup
	for m := range modules {
		wg.Add(1)
		go func(m int) {
			defer wg.Done()
			a.copyModule(img.Pix, modules[m].Pix, a.plans[m])
		}(m)
	}
	wg.Wait()
	return nil
}

func (a *Assembler) copyModule(dst, src []float32, plan modulePlan) {
	rows := a.geom.ModuleShape.Rows
	cols := a.geom.ModuleShape.Cols
	for r := 0; r < rows; r++ {
		di := plan.base + r*plan.rowStride
		si := r * cols
		for c := 0; c < cols; c++ {
			dst[di] = src[si+c]
			di += plan.colStride
		}
	}
}
