package detector

import (
	"fmt"
	"math"
	"sort"
)

// Histogram accumulates valid samples into fixed-edge bins. Edges are set at
// construction and never change during accumulation; bin i covers the
// half-open interval [Edges[i], Edges[i+1]).
//
// Out-of-range policy: samples below Edges[0] or at/above the last edge are
// dropped deterministically and counted in Dropped. They are never clipped
// into the boundary bins, so the boundary bins always mean what the edges
// say they mean.
type Histogram struct {
	Edges   []float64
	Counts  []int64 // len == len(Edges)-1
	Dropped int64   // out-of-range and NaN samples, for diagnostics
}

// NewHistogram validates the edge sequence (at least two edges, strictly
// ascending) and returns an empty histogram.
func NewHistogram(edges []float64) (*Histogram, error) {
	if len(edges) < 2 {
		return nil, fmt.Errorf("histogram needs at least 2 edges, got %d", len(edges))
	}
	for i := 1; i < len(edges); i++ {
		if !(edges[i] > edges[i-1]) {
			return nil, fmt.Errorf("histogram edges must be strictly ascending: edge %d (%v) <= edge %d (%v)",
				i, edges[i], i-1, edges[i-1])
		}
	}
	h := &Histogram{
		Edges:  append([]float64(nil), edges...),
		Counts: make([]int64, len(edges)-1),
	}
	return h, nil
}

// Add folds one sample into the histogram. Invalid-sentinel samples are
// fenced by the accumulator on the pipeline path, but callers feeding the
// histogram directly may still hand it a NaN; both NaN comparisons below are
// false, so it gets its own check.
func (h *Histogram) Add(v float64) {
	if math.IsNaN(v) {
		h.Dropped++
		return
	}
	if v < h.Edges[0] || v >= h.Edges[len(h.Edges)-1] {
		h.Dropped++
		return
	}
	// SearchFloat64s returns the insertion point; for v in [e_i, e_{i+1})
	// that is i+1 except when v sits exactly on an edge.
	i := sort.SearchFloat64s(h.Edges, v)
	if i < len(h.Edges) && h.Edges[i] == v {
		h.Counts[i]++
		return
	}
	h.Counts[i-1]++
}

// Total returns the number of binned samples (excluding dropped ones).
func (h *Histogram) Total() int64 {
	var n int64
	for _, c := range h.Counts {
		n += c
	}
	return n
}

// Merge adds the counts of other into h. Both histograms must share the
// exact same edges; merging differently-binned histograms is a programming
// error, not a runtime condition.
func (h *Histogram) Merge(other *Histogram) error {
	if len(h.Edges) != len(other.Edges) {
		return fmt.Errorf("histogram merge: %d edges vs %d", len(h.Edges), len(other.Edges))
	}
	for i := range h.Edges {
		if h.Edges[i] != other.Edges[i] {
			return fmt.Errorf("histogram merge: edge %d differs (%v vs %v)", i, h.Edges[i], other.Edges[i])
		}
	}
	for i := range h.Counts {
		h.Counts[i] += other.Counts[i]
	}
	h.Dropped += other.Dropped
	return nil
}

// Clone returns an independent deep copy.
func (h *Histogram) Clone() *Histogram {
	return &Histogram{
		Edges:   append([]float64(nil), h.Edges...),
		Counts:  append([]int64(nil), h.Counts...),
		Dropped: h.Dropped,
	}
}

// Reset zeroes all counts while keeping the edges.
func (h *Histogram) Reset() {
	for i := range h.Counts {
		h.Counts[i] = 0
	}
	h.Dropped = 0
}
