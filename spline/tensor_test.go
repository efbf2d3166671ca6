package spline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensorBasisShape(t *testing.T) {
	tb, err := NewTensorBasis([]int{2, 1}, []int{3, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, tb.Dim())
	assert.Equal(t, []int{5, 3}, tb.FunctionShape())
	assert.Equal(t, 15, tb.NumFunctions())

	props := tb.Properties()
	assert.Equal(t, "TB21", props.ShortName)
	assert.Equal(t, 6, props.Np)
	assert.Equal(t, D2, props.Dimensions)

	fns := tb.ElementFunctions([]int{1, 1})
	// direction 0: functions 1..3, direction 1: functions 1..2
	assert.Equal(t, []int{6, 7, 8, 11, 12, 13}, fns)

	lo, hi := tb.SupportElements(Flatten([]int{2, 0}, tb.FunctionShape()))
	assert.Equal(t, []int{0, 0}, lo)
	assert.Equal(t, []int{2, 0}, hi)

	_, err = NewTensorBasis([]int{2}, []int{3, 3})
	assert.Error(t, err)
	_, err = NewTensorBasis([]int{1, 1, 1, 1}, []int{1, 1, 1, 1})
	assert.Error(t, err)
}

func TestFlattenRoundTrip(t *testing.T) {
	shape := []int{4, 3, 2}
	idx := make([]int, 3)
	for f := 0; f < 24; f++ {
		Unflatten(f, shape, idx)
		assert.Equal(t, f, Flatten(idx, shape))
	}
}

func TestEvalElementPartitionOfUnity(t *testing.T) {
	tb, err := NewTensorBasis([]int{2, 3}, []int{4, 3})
	require.NoError(t, err)
	pts := [][]float64{{0.3, 0.4, 0.49}, {0.35, 0.6}}
	ev := tb.EvalElement([]int{1, 1}, pts, 2)
	require.Equal(t, 6, ev.NumPoints)
	require.Len(t, ev.Functions, 12)
	for q := 0; q < ev.NumPoints; q++ {
		var s float64
		grad := make([]float64, 2)
		d2 := make([]float64, 2)
		for f := range ev.Functions {
			s += ev.Val[f][q]
			for k := 0; k < 2; k++ {
				grad[k] += ev.Grad[f][q][k]
				d2[k] += ev.D2[f][q][k]
			}
		}
		assert.InDelta(t, 1., s, 1.e-12)
		assert.InDeltaSlice(t, []float64{0, 0}, grad, 1.e-10)
		assert.InDeltaSlice(t, []float64{0, 0}, d2, 1.e-8)
	}
}

func TestEvalPoint(t *testing.T) {
	tb, err := NewTensorBasis([]int{2, 2}, []int{2, 2})
	require.NoError(t, err)
	fns, vals := tb.EvalPoint([]float64{1, 0})
	var s float64
	for i, v := range vals {
		s += v
		if v > 0.5 {
			// corner function (3,0) interpolates the corner
			assert.Equal(t, Flatten([]int{3, 0}, tb.FunctionShape()), fns[i])
		}
	}
	assert.InDelta(t, 1., s, 1.e-14)
}

// TestRefinementOperatorTensor checks the Kronecker refinement on points
func TestRefinementOperatorTensor(t *testing.T) {
	coarse, err := NewTensorBasis([]int{2, 1}, []int{2, 3})
	require.NoError(t, err)
	fine := coarse.Refine()
	R := coarse.RefinementOperator()
	r, c := R.Dims()
	require.Equal(t, fine.NumFunctions(), r)
	require.Equal(t, coarse.NumFunctions(), c)

	for _, u := range [][]float64{{0.1, 0.2}, {0.5, 0.5}, {0.93, 0.71}} {
		cf, cv := coarse.EvalPoint(u)
		ff, fv := fine.EvalPoint(u)
		fineVal := make(map[int]float64)
		for i, f := range ff {
			fineVal[f] = fv[i]
		}
		for i, fc := range cf {
			var s float64
			for j := 0; j < r; j++ {
				s += R.At(j, fc) * fineVal[j]
			}
			assert.InDelta(t, cv[i], s, 1.e-12)
		}
	}
}
