package detector

import (
	"fmt"
)

// ROIShape enumerates the recognised region geometries.
type ROIShape string

const (
	ROIRectangle ROIShape = "rectangle"
	ROIPolygon   ROIShape = "polygon"
)

// ROIPoint is one vertex of a polygonal region, in canvas pixel coordinates.
type ROIPoint struct {
	X float64 `json:"x"` // column
	Y float64 `json:"y"` // row
}

// ROI is one validated region-of-interest definition. Regions are supplied
// once per run as structured configuration and validated at construction,
// never at use.
type ROI struct {
	Label string   `json:"label"`
	Shape ROIShape `json:"shape"`

	// Rectangle bounds, inclusive rows/cols [Y0,Y1) x [X0,X1).
	X0 int `json:"x0,omitempty"`
	Y0 int `json:"y0,omitempty"`
	X1 int `json:"x1,omitempty"`
	Y1 int `json:"y1,omitempty"`

	// Polygon vertices, at least three.
	Vertices []ROIPoint `json:"vertices,omitempty"`
}

// Validate checks the definition against the canvas shape.
func (r *ROI) Validate(canvas Shape) error {
	if r.Label == "" {
		return fmt.Errorf("roi: empty label")
	}
	switch r.Shape {
	case ROIRectangle:
		if r.X0 < 0 || r.Y0 < 0 || r.X1 > canvas.Cols || r.Y1 > canvas.Rows {
			return fmt.Errorf("roi %q: bounds [%d,%d)x[%d,%d) outside canvas %dx%d",
				r.Label, r.Y0, r.Y1, r.X0, r.X1, canvas.Rows, canvas.Cols)
		}
		if r.X1 <= r.X0 || r.Y1 <= r.Y0 {
			return fmt.Errorf("roi %q: empty bounds", r.Label)
		}
	case ROIPolygon:
		if len(r.Vertices) < 3 {
			return fmt.Errorf("roi %q: polygon needs at least 3 vertices, got %d", r.Label, len(r.Vertices))
		}
	default:
		return fmt.Errorf("roi %q: unrecognised shape %q", r.Label, r.Shape)
	}
	return nil
}

// contains reports whether canvas pixel (row, col) belongs to the region.
// Polygon membership uses the even-odd ray casting rule against the pixel
// centre.
func (r *ROI) contains(row, col int) bool {
	switch r.Shape {
	case ROIRectangle:
		return row >= r.Y0 && row < r.Y1 && col >= r.X0 && col < r.X1
	case ROIPolygon:
		x := float64(col) + 0.5
		y := float64(row) + 0.5
		inside := false
		n := len(r.Vertices)
		for i, j := 0, n-1; i < n; j, i = i, i+1 {
			vi, vj := r.Vertices[i], r.Vertices[j]
			if (vi.Y > y) != (vj.Y > y) &&
				x < (vj.X-vi.X)*(y-vi.Y)/(vj.Y-vi.Y)+vi.X {
				inside = !inside
			}
		}
		return inside
	}
	return false
}

// equal reports whether two definitions describe the same region. Merging
// accumulators relies on this; matching counts alone would let differently
// configured shards mix their series.
func (r *ROI) equal(o *ROI) bool {
	if r.Label != o.Label || r.Shape != o.Shape {
		return false
	}
	if r.X0 != o.X0 || r.Y0 != o.Y0 || r.X1 != o.X1 || r.Y1 != o.Y1 {
		return false
	}
	if len(r.Vertices) != len(o.Vertices) {
		return false
	}
	for i := range r.Vertices {
		if r.Vertices[i] != o.Vertices[i] {
			return false
		}
	}
	return true
}

// ROIResult is the scalar reduction of one region over one frame. Valid is
// false when the region contained no valid pixels; that is an explicit
// "no data" outcome, not a zero.
type ROIResult struct {
	TrainID uint64  `json:"train_id"`
	PulseID uint64  `json:"pulse_id"`
	Sum     float64 `json:"sum"`
	Mean    float64 `json:"mean"`
	Count   int     `json:"count"` // valid pixels inside the region
	Valid   bool    `json:"valid"`
}

// roiIndex precomputes the canvas linear indices covered by one ROI so the
// per-frame reduction only walks the region, not the whole canvas. Like the
// assembler's placement map this is built once per run, not per frame.
type roiIndex struct {
	def     ROI
	indices []int
}

func newROIIndex(def ROI, canvas Shape) *roiIndex {
	ri := &roiIndex{def: def}
	for row := 0; row < canvas.Rows; row++ {
		for col := 0; col < canvas.Cols; col++ {
			if def.contains(row, col) {
				ri.indices = append(ri.indices, row*canvas.Cols+col)
			}
		}
	}
	return ri
}

// reduce computes the region's sum/mean over valid pixels only.
func (ri *roiIndex) reduce(img *AssembledImage) ROIResult {
	res := ROIResult{TrainID: img.TrainID, PulseID: img.PulseID}
	for _, idx := range ri.indices {
		v := img.Pix[idx]
		if IsInvalid(v) {
			continue
		}
		res.Sum += float64(v)
		res.Count++
	}
	if res.Count > 0 {
		res.Mean = res.Sum / float64(res.Count)
		res.Valid = true
	}
	return res
}
