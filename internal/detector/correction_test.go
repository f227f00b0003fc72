package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constants(t *testing.T, shape Shape, dark, gain []float32, mask []bool, saturation float32) *CorrectionSet {
	t.Helper()
	n := shape.NumPixels()
	if dark == nil {
		dark = make([]float32, n)
	}
	if gain == nil {
		gain = make([]float32, n)
		for i := range gain {
			gain[i] = 1
		}
	}
	if mask == nil {
		mask = make([]bool, n)
	}
	cs, err := NewCorrectionSet(1, shape, []ModuleConstants{
		{Module: 0, Shape: shape, Dark: dark, Gain: gain, Mask: mask},
	}, saturation)
	require.NoError(t, err)
	return cs
}

func TestIdentityCorrectionPassesThrough(t *testing.T) {
	t.Parallel()

	shape := Shape{Rows: 2, Cols: 3}
	cs := IdentityCorrection(shape, 1)

	raw := panel(0, shape, 1, 2, 3, 4, 5, 6)
	out, err := cs.Correct(raw)
	require.NoError(t, err)
	assert.Equal(t, raw.Pix, out.Pix)
}

func TestCorrectAppliesDarkAndGain(t *testing.T) {
	t.Parallel()

	shape := Shape{Rows: 1, Cols: 3}
	cs := constants(t, shape,
		[]float32{10, 10, 10},
		[]float32{2, 4, 0.5},
		nil, Invalid())

	out, err := cs.Correct(panel(0, shape, 20, 30, 15))
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 5, 10}, out.Pix)
}

func TestCorrectMaskWins(t *testing.T) {
	t.Parallel()

	shape := Shape{Rows: 1, Cols: 2}
	cs := constants(t, shape, nil, nil, []bool{true, false}, Invalid())

	out, err := cs.Correct(panel(0, shape, 7, 7))
	require.NoError(t, err)
	assert.True(t, IsInvalid(out.Pix[0]), "masked pixel must come out invalid")
	assert.Equal(t, float32(7), out.Pix[1])
}

func TestCorrectSaturationBeforeDark(t *testing.T) {
	t.Parallel()

	// Saturation is judged on the raw value: dark subtraction must not pull
	// a saturated sample back under the threshold
	shape := Shape{Rows: 1, Cols: 2}
	cs := constants(t, shape,
		[]float32{1000, 1000},
		nil, nil, 5000)

	out, err := cs.Correct(panel(0, shape, 5000, 4999))
	require.NoError(t, err)
	assert.True(t, IsInvalid(out.Pix[0]), "at-threshold raw value must be flagged")
	assert.Equal(t, float32(3999), out.Pix[1])
}

func TestCorrectSaturationDisabledByNaN(t *testing.T) {
	t.Parallel()

	shape := Shape{Rows: 1, Cols: 1}
	cs := constants(t, shape, nil, nil, nil, Invalid())

	out, err := cs.Correct(panel(0, shape, 1e9))
	require.NoError(t, err)
	assert.Equal(t, float32(1e9), out.Pix[0])
}

func TestCorrectGainEpsilonGuard(t *testing.T) {
	t.Parallel()

	shape := Shape{Rows: 1, Cols: 3}
	cs := constants(t, shape, nil,
		[]float32{0, 1e-9, 1}, nil, Invalid())

	out, err := cs.Correct(panel(0, shape, 5, 5, 5))
	require.NoError(t, err)
	assert.True(t, IsInvalid(out.Pix[0]), "zero gain must flag, not divide")
	assert.True(t, IsInvalid(out.Pix[1]), "sub-epsilon gain must flag, not divide")
	assert.Equal(t, float32(5), out.Pix[2])
}

func TestCorrectPropagatesInvalidInput(t *testing.T) {
	t.Parallel()

	shape := Shape{Rows: 1, Cols: 1}
	cs := constants(t, shape, nil, nil, nil, Invalid())

	out, err := cs.Correct(panel(0, shape, Invalid()))
	require.NoError(t, err)
	assert.True(t, IsInvalid(out.Pix[0]))
}

func TestCorrectDoesNotMutateRaw(t *testing.T) {
	t.Parallel()

	shape := Shape{Rows: 1, Cols: 2}
	cs := constants(t, shape, []float32{1, 1}, nil, nil, Invalid())

	raw := panel(0, shape, 3, 4)
	_, err := cs.Correct(raw)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, raw.Pix)
}

func TestCorrectShapeMismatch(t *testing.T) {
	t.Parallel()

	cs := constants(t, Shape{Rows: 2, Cols: 2}, nil, nil, nil, Invalid())

	_, err := cs.Correct(panel(0, Shape{Rows: 2, Cols: 3}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = cs.Correct(panel(5, Shape{Rows: 2, Cols: 2}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestCorrectStack(t *testing.T) {
	t.Parallel()

	shape := Shape{Rows: 1, Cols: 2}
	cs := IdentityCorrection(shape, 3)

	stack := []ModulePanel{
		panel(0, shape, 1, 2),
		panel(1, shape, 3, 4),
		panel(2, shape, 5, 6),
	}
	out, err := cs.CorrectStack(stack)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i := range out {
		assert.Equal(t, stack[i].Pix, out[i].Pix)
		assert.Equal(t, i, out[i].Module)
	}

	// One bad panel rejects the stack
	stack[1].Shape = Shape{Rows: 2, Cols: 2}
	_, err = cs.CorrectStack(stack)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestNewCorrectionSetValidation(t *testing.T) {
	t.Parallel()

	shape := Shape{Rows: 2, Cols: 2}

	// Wrong module index
	_, err := NewCorrectionSet(1, shape, []ModuleConstants{
		{Module: 3, Shape: shape, Dark: make([]float32, 4), Gain: make([]float32, 4), Mask: make([]bool, 4)},
	}, Invalid())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCalibration)

	// Wrong shape
	_, err = NewCorrectionSet(1, shape, []ModuleConstants{
		{Module: 0, Shape: Shape{Rows: 3, Cols: 3}, Dark: make([]float32, 9), Gain: make([]float32, 9), Mask: make([]bool, 9)},
	}, Invalid())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCalibration)

	// Short maps
	_, err = NewCorrectionSet(1, shape, []ModuleConstants{
		{Module: 0, Shape: shape, Dark: make([]float32, 2), Gain: make([]float32, 4), Mask: make([]bool, 4)},
	}, Invalid())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCalibration)
}

func TestConstantsHolderInstallAndReject(t *testing.T) {
	t.Parallel()

	shape := Shape{Rows: 2, Cols: 2}
	initial := IdentityCorrection(shape, 1)
	holder := NewConstantsHolder(initial)

	assert.Same(t, initial, holder.Active())

	// A valid next epoch replaces the active set
	next := IdentityCorrection(shape, 1)
	next.Epoch = 2
	require.NoError(t, holder.Install(shape, next))
	assert.Same(t, next, holder.Active())
	assert.Equal(t, uint64(0), holder.RejectedEpochs())

	// A mismatched epoch is rejected and the last-known-good stays active
	bad := IdentityCorrection(Shape{Rows: 3, Cols: 3}, 1)
	bad.Epoch = 3
	require.Error(t, holder.Install(shape, bad))
	assert.Same(t, next, holder.Active())
	assert.Equal(t, uint64(1), holder.RejectedEpochs())
}
