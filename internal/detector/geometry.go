package detector

import (
	"fmt"
	"math"
)

// ModulePlacement describes where one module panel lands on the assembled
// canvas and how it is oriented when it gets there. Offsets are in pixels
// and may be negative before normalisation; NewGeometry shifts the whole
// layout so the canvas origin is (0,0).
type ModulePlacement struct {
	Module int  // module index, 0-based
	Row    int  // canvas row of the transformed panel's top-left corner
	Col    int  // canvas column of the transformed panel's top-left corner
	Rot    int  // clockwise quarter turns applied before placement (0..3)
	FlipH  bool // mirror columns after rotation
	FlipV  bool // mirror rows after rotation
}

// footprint returns the row/col extent of the placed module after rotation.
func (p ModulePlacement) footprint(module Shape) Shape {
	if p.Rot%2 == 1 {
		return Shape{Rows: module.Cols, Cols: module.Rows}
	}
	return module
}

// Geometry is the immutable calibration descriptor for one detector layout:
// the per-module shape plus one placement per module. It is loaded once per
// calibration epoch by an external collaborator and shared read-only across
// all workers; a new calibration is always a whole-object replacement.
type Geometry struct {
	DetectorID  string
	ModuleShape Shape
	Placements  []ModulePlacement // ordered by module index
	Canvas      Shape             // derived; identical for every frame of a run
}

// NumModules returns the number of module panels the geometry expects.
func (g *Geometry) NumModules() int { return len(g.Placements) }

// NewGeometry validates and normalises a set of placements into a Geometry.
// Validation is deliberately strict: an overlapping or out-of-order layout is
// a configuration error that must stop the pipeline before the first frame,
// not something to skip per-frame.
func NewGeometry(detectorID string, moduleShape Shape, placements []ModulePlacement) (*Geometry, error) {
	if moduleShape.Rows <= 0 || moduleShape.Cols <= 0 {
		return nil, fmt.Errorf("%w: module shape %dx%d", ErrInvalidGeometry, moduleShape.Rows, moduleShape.Cols)
	}
	if len(placements) == 0 {
		return nil, fmt.Errorf("%w: no module placements", ErrInvalidGeometry)
	}

	norm := make([]ModulePlacement, len(placements))
	for i, p := range placements {
		if p.Module != i {
			return nil, fmt.Errorf("%w: placement %d has module index %d", ErrInvalidGeometry, i, p.Module)
		}
		if p.Rot < 0 || p.Rot > 3 {
			return nil, fmt.Errorf("%w: module %d rotation %d", ErrInvalidGeometry, i, p.Rot)
		}
		norm[i] = p
	}

	// Shift the layout so the minimum row/col is zero, then size the canvas.
	minRow, minCol := norm[0].Row, norm[0].Col
	for _, p := range norm[1:] {
		if p.Row < minRow {
			minRow = p.Row
		}
		if p.Col < minCol {
			minCol = p.Col
		}
	}
	canvas := Shape{}
	for i := range norm {
		norm[i].Row -= minRow
		norm[i].Col -= minCol
		fp := norm[i].footprint(moduleShape)
		if r := norm[i].Row + fp.Rows; r > canvas.Rows {
			canvas.Rows = r
		}
		if c := norm[i].Col + fp.Cols; c > canvas.Cols {
			canvas.Cols = c
		}
	}

	g := &Geometry{
		DetectorID:  detectorID,
		ModuleShape: moduleShape,
		Placements:  norm,
		Canvas:      canvas,
	}
	if err := g.checkOverlap(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkOverlap paints a coverage mask and rejects any layout in which two
// modules claim the same canvas pixel.
func (g *Geometry) checkOverlap() error {
	owner := make([]int16, g.Canvas.NumPixels())
	for i := range owner {
		owner[i] = -1
	}
	for m := range g.Placements {
		fp := g.Placements[m].footprint(g.ModuleShape)
		base := g.Placements[m].Row*g.Canvas.Cols + g.Placements[m].Col
		for r := 0; r < fp.Rows; r++ {
			row := base + r*g.Canvas.Cols
			for c := 0; c < fp.Cols; c++ {
				if prev := owner[row+c]; prev >= 0 {
					return fmt.Errorf("%w: modules %d and %d overlap at canvas (%d,%d)",
						ErrInvalidGeometry, prev, m,
						g.Placements[m].Row+r, g.Placements[m].Col+c)
				}
				owner[row+c] = int16(m)
			}
		}
	}
	return nil
}

// NewGridGeometry lays modules out in a simple gridRows x gridCols tiling
// with no rotation, module i at grid cell (i/gridCols, i%gridCols). Used for
// test detectors and single-panel instruments.
func NewGridGeometry(detectorID string, moduleShape Shape, gridRows, gridCols int) (*Geometry, error) {
	if gridRows <= 0 || gridCols <= 0 {
		return nil, fmt.Errorf("%w: grid %dx%d", ErrInvalidGeometry, gridRows, gridCols)
	}
	placements := make([]ModulePlacement, gridRows*gridCols)
	for i := range placements {
		placements[i] = ModulePlacement{
			Module: i,
			Row:    (i / gridCols) * moduleShape.Rows,
			Col:    (i % gridCols) * moduleShape.Cols,
		}
	}
	return NewGeometry(detectorID, moduleShape, placements)
}

// QuadPosition is the metric offset of one detector quadrant relative to the
// beam centre, as supplied by the external calibration collaborator.
type QuadPosition struct {
	X float64 // metres, positive right
	Y float64 // metres, positive up
}

// GeometryFromQuadPositions builds a 1M-style geometry from four quadrant
// offsets: modulesPerQuad modules per quadrant stacked top to bottom, with
// the two left-hand quadrants rotated 180 degrees so all panels read out
// towards the centre. pixelPitch converts metres to pixels.
//
// Offsets are rounded to whole pixels; sub-pixel positioning is out of scope
// for the streaming path.
func GeometryFromQuadPositions(detectorID string, moduleShape Shape, quads [4]QuadPosition, modulesPerQuad int, pixelPitch float64) (*Geometry, error) {
	if pixelPitch <= 0 || math.IsNaN(pixelPitch) {
		return nil, fmt.Errorf("%w: pixel pitch %v", ErrInvalidGeometry, pixelPitch)
	}
	if modulesPerQuad <= 0 {
		return nil, fmt.Errorf("%w: %d modules per quad", ErrInvalidGeometry, modulesPerQuad)
	}
	for q, pos := range quads {
		if math.IsNaN(pos.X) || math.IsNaN(pos.Y) || math.IsInf(pos.X, 0) || math.IsInf(pos.Y, 0) {
			return nil, fmt.Errorf("%w: quad %d offset (%v, %v)", ErrInvalidGeometry, q, pos.X, pos.Y)
		}
	}

	placements := make([]ModulePlacement, 0, 4*modulesPerQuad)
	for q := 0; q < 4; q++ {
		// Y grows upward in metric space but rows grow downward on the canvas.
		quadRow := int(math.Round(-quads[q].Y / pixelPitch))
		quadCol := int(math.Round(quads[q].X / pixelPitch))
		rotated := q >= 2 // left-hand quadrants face the centre
		for m := 0; m < modulesPerQuad; m++ {
			p := ModulePlacement{
				Module: q*modulesPerQuad + m,
				Row:    quadRow + m*moduleShape.Rows,
				Col:    quadCol,
			}
			if rotated {
				p.Rot = 2
			}
			placements = append(placements, p)
		}
	}
	return NewGeometry(detectorID, moduleShape, placements)
}
