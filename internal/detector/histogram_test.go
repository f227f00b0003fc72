package detector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramBinning(t *testing.T) {
	t.Parallel()

	// Samples [1,2,2,3] over edges [0,1,2,3,4] land in bins [0,1,2,1]:
	// each sample on an edge belongs to the bin it opens
	h, err := NewHistogram([]float64{0, 1, 2, 3, 4})
	require.NoError(t, err)

	for _, v := range []float64{1, 2, 2, 3} {
		h.Add(v)
	}

	assert.Equal(t, []int64{0, 1, 2, 1}, h.Counts)
	assert.Equal(t, int64(4), h.Total())
	assert.Equal(t, int64(0), h.Dropped)
}

func TestHistogramHalfOpenBins(t *testing.T) {
	t.Parallel()

	h, err := NewHistogram([]float64{0, 10, 20})
	require.NoError(t, err)

	h.Add(0)    // first bin, inclusive lower edge
	h.Add(9.99) // still first bin
	h.Add(10)   // second bin, edge opens it
	h.Add(19.9) // second bin

	assert.Equal(t, []int64{2, 2}, h.Counts)
}

func TestHistogramOutOfRangeDropped(t *testing.T) {
	t.Parallel()

	h, err := NewHistogram([]float64{0, 1, 2})
	require.NoError(t, err)

	h.Add(-0.5) // below range
	h.Add(2)    // at last edge: out of range, not clipped
	h.Add(100)  // above range
	h.Add(0.5)  // in range

	assert.Equal(t, []int64{1, 0}, h.Counts)
	assert.Equal(t, int64(3), h.Dropped)
	assert.Equal(t, int64(1), h.Total())
}

func TestHistogramNaNDropped(t *testing.T) {
	t.Parallel()

	// NaN compares false against both range edges, so without its own check
	// it would fall through to the binary search and index past Counts.
	h, err := NewHistogram([]float64{0, 1, 2})
	require.NoError(t, err)

	require.NotPanics(t, func() { h.Add(math.NaN()) })

	assert.Equal(t, []int64{0, 0}, h.Counts)
	assert.Equal(t, int64(1), h.Dropped)

	// Infinities are plain out-of-range samples
	h.Add(math.Inf(1))
	h.Add(math.Inf(-1))
	assert.Equal(t, int64(3), h.Dropped)
	assert.Equal(t, int64(0), h.Total())
}

func TestHistogramNonUniformEdges(t *testing.T) {
	t.Parallel()

	h, err := NewHistogram([]float64{0, 1, 10, 100})
	require.NoError(t, err)

	h.Add(0.5)
	h.Add(5)
	h.Add(50)
	h.Add(99.999)

	assert.Equal(t, []int64{1, 1, 2}, h.Counts)
}

func TestNewHistogramRejectsBadEdges(t *testing.T) {
	t.Parallel()

	_, err := NewHistogram([]float64{1})
	require.Error(t, err)

	_, err = NewHistogram([]float64{0, 2, 1})
	require.Error(t, err)

	_, err = NewHistogram([]float64{0, 0, 1})
	require.Error(t, err)
}

func TestHistogramMerge(t *testing.T) {
	t.Parallel()

	edges := []float64{0, 1, 2, 3}
	a, err := NewHistogram(edges)
	require.NoError(t, err)
	b, err := NewHistogram(edges)
	require.NoError(t, err)

	a.Add(0.5)
	a.Add(5) // dropped
	b.Add(1.5)
	b.Add(2.5)

	require.NoError(t, a.Merge(b))
	assert.Equal(t, []int64{1, 1, 1}, a.Counts)
	assert.Equal(t, int64(1), a.Dropped)

	// Mismatched edges reject the merge
	c, err := NewHistogram([]float64{0, 1})
	require.NoError(t, err)
	require.Error(t, a.Merge(c))
}

func TestHistogramCloneAndReset(t *testing.T) {
	t.Parallel()

	h, err := NewHistogram([]float64{0, 1, 2})
	require.NoError(t, err)
	h.Add(0.5)
	h.Add(9) // dropped

	clone := h.Clone()
	h.Reset()

	assert.Equal(t, []int64{1, 0}, clone.Counts)
	assert.Equal(t, int64(1), clone.Dropped)
	assert.Equal(t, []int64{0, 0}, h.Counts)
	assert.Equal(t, int64(0), h.Dropped)
}
