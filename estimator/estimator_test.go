package estimator

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/notargets/IGAdapt/hspace"
	"github.com/notargets/IGAdapt/mesh"
	"github.com/notargets/IGAdapt/partitions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSpace(t *testing.T, sub, degree []int, strategy hspace.Strategy, refine ...mesh.ElementID) *hspace.Space {
	t.Helper()
	hm, err := mesh.NewHierarchicalMesh(mesh.Options{Subdivisions: sub, MaxLevel: 3})
	require.NoError(t, err)
	if len(refine) > 0 {
		require.NoError(t, hm.Refine(refine))
	}
	s, err := hspace.New(hm, degree, strategy)
	require.NoError(t, err)
	return s
}

func gaussianSource(x []float64, _ float64) float64 {
	dx, dy := x[0]-0.3, x[1]-0.6
	return 5 * math.Exp(-(dx*dx+dy*dy)/0.02)
}

// zero source and zero solution give zero indicators
func TestZeroResidual(t *testing.T) {
	s := newSpace(t, []int{2, 2}, []int{2, 2}, hspace.Truncated)
	for _, flag := range []Flag{Elements, Functions} {
		est := New(s, Funcs{}, Options{Flag: flag})
		u := make([]float64, s.NDOF())
		res, err := est.Estimate(context.Background(), Solution{U: u, UPrev: u, Dt: 0.1})
		require.NoError(t, err)
		assert.Equal(t, 0., res.MaxSource)
		assert.Equal(t, 0., res.Max)
		for _, v := range res.Values {
			assert.Equal(t, 0., v)
		}
	}
	res, err := New(s, Funcs{}, Options{}).Estimate(context.Background(), Solution{U: make([]float64, s.NDOF())})
	require.NoError(t, err)
	assert.Len(t, res.Values, 4)
	assert.Len(t, res.Elements, 4)
}

func TestStaleSolution(t *testing.T) {
	s := newSpace(t, []int{2, 2}, []int{2, 2}, hspace.Standard)
	est := New(s, Funcs{}, Options{})
	ndof := s.NDOF()

	_, err := est.Estimate(context.Background(), Solution{U: make([]float64, ndof+1)})
	assert.True(t, errors.Is(err, ErrStaleSolution))

	_, err = est.Estimate(context.Background(), Solution{
		U: make([]float64, ndof), UPrev: make([]float64, ndof-1), Dt: 0.1,
	})
	assert.True(t, errors.Is(err, ErrStaleSolution))

	// no time term, previous solution not needed
	_, err = est.Estimate(context.Background(), Solution{U: make([]float64, ndof)})
	assert.NoError(t, err)
}

// x² is reproduced by quadratic splines, so with f = -2 the residual vanishes
func TestQuadraticSolutionResidual(t *testing.T) {
	s := newSpace(t, []int{3, 2}, []int{2, 2}, hspace.Truncated)
	var (
		b0   = s.Basis(0).Bases[0]
		n0   = b0.NumFunctions()
		u    = make([]float64, s.NDOF())
		coef = Funcs{SourceFn: func([]float64, float64) float64 { return -2 }}
	)
	for i := range u {
		ix := i % n0
		u[i] = b0.Knots[ix+1] * b0.Knots[ix+2]
	}
	for _, flag := range []Flag{Elements, Functions} {
		res, err := New(s, coef, Options{Flag: flag}).Estimate(context.Background(), Solution{U: u})
		require.NoError(t, err)
		assert.Equal(t, 2., res.MaxSource)
		assert.InDelta(t, 0., res.Max, 1.e-10)
	}
}

func TestNonNegative(t *testing.T) {
	for _, st := range []hspace.Strategy{hspace.Standard, hspace.Truncated} {
		s := newSpace(t, []int{3, 3}, []int{2, 2}, st,
			mesh.ElementID{Level: 0, Index: 0}, mesh.ElementID{Level: 0, Index: 4})
		u := make([]float64, s.NDOF())
		uPrev := make([]float64, s.NDOF())
		for i := range u {
			u[i] = math.Sin(float64(i))
			uPrev[i] = 0.5 * math.Cos(float64(i))
		}
		coef := Funcs{
			DiffusionFn:      func(u float64) float64 { return 1 + 0.1*u },
			DiffusionDerivFn: func(float64) float64 { return 0.1 },
			CapacityFn:       func(float64, float64) float64 { return 2 },
			SourceFn:         gaussianSource,
		}
		for _, flag := range []Flag{Elements, Functions} {
			res, err := New(s, coef, Options{Flag: flag, C0: 0.5, Workers: 3}).
				Estimate(context.Background(), Solution{U: u, UPrev: uPrev, Dt: 0.05, Time: 0.1})
			require.NoError(t, err)
			if flag == Elements {
				assert.Len(t, res.Values, s.Mesh.NumActive())
			} else {
				assert.Len(t, res.Values, s.NDOF())
			}
			for _, v := range res.Values {
				assert.GreaterOrEqual(t, v, 0.)
			}
			assert.Greater(t, res.Max, 0.)
		}
	}
}

// Scaling source and solution together leaves the normalised indicators unchanged
func TestSourceNormalisation(t *testing.T) {
	s := newSpace(t, []int{2, 2}, []int{2, 2}, hspace.Truncated, mesh.ElementID{Level: 0, Index: 1})
	u := make([]float64, s.NDOF())
	for i := range u {
		u[i] = float64(i%3) * 0.1
	}
	estimate := func(alpha float64) []float64 {
		coef := Funcs{SourceFn: func(x []float64, t float64) float64 { return alpha * gaussianSource(x, t) }}
		v := make([]float64, len(u))
		for i := range v {
			v[i] = alpha * u[i]
		}
		res, err := New(s, coef, Options{}).Estimate(context.Background(), Solution{U: v})
		require.NoError(t, err)
		return res.Values
	}
	a, b := estimate(1), estimate(40)
	require.Len(t, b, len(a))
	for i := range a {
		assert.InDelta(t, a[i], b[i], 1.e-10*(1+a[i]))
	}
}

// On a uniform mesh with unit PoU weights the two variants carry the same
// total squared indicator
func TestElementFunctionConsistency(t *testing.T) {
	s := newSpace(t, []int{3, 3}, []int{2, 1}, hspace.Truncated)
	coef := Funcs{SourceFn: gaussianSource}
	u := make([]float64, s.NDOF())
	sol := Solution{U: u}

	re, err := New(s, coef, Options{Flag: Elements}).Estimate(context.Background(), sol)
	require.NoError(t, err)
	rf, err := New(s, coef, Options{Flag: Functions}).Estimate(context.Background(), sol)
	require.NoError(t, err)
	assert.InDelta(t, re.Global, rf.Global, 1.e-10*re.Global)
}

// The worker layout changes the schedule, never the indicators
func TestPartitionStrategies(t *testing.T) {
	s := newSpace(t, []int{3, 3}, []int{2, 2}, hspace.Truncated,
		mesh.ElementID{Level: 0, Index: 4}, mesh.ElementID{Level: 0, Index: 5})
	coef := Funcs{SourceFn: gaussianSource}
	u := make([]float64, s.NDOF())
	for i := range u {
		u[i] = 0.1 * float64(i%4)
	}
	sol := Solution{U: u}
	for _, flag := range []Flag{Elements, Functions} {
		want, err := New(s, coef, Options{Flag: flag, Workers: 1}).Estimate(context.Background(), sol)
		require.NoError(t, err)
		assert.Equal(t, 1, want.Balance.NumPartitions)
		for _, opts := range []Options{
			{Workers: 3, Partition: partitions.BlockPartition},
			{Workers: 4, Partition: partitions.RoundRobin},
			{Workers: 3, Partition: partitions.WeightedPartition},
			{PartitionSize: 4, Partition: partitions.WeightedPartition},
		} {
			opts.Flag = flag
			got, err := New(s, coef, opts).Estimate(context.Background(), sol)
			require.NoError(t, err)
			require.Len(t, got.Values, len(want.Values))
			for i := range want.Values {
				assert.InDelta(t, want.Values[i], got.Values[i], 1.e-12*(1+want.Values[i]))
			}
			assert.GreaterOrEqual(t, got.Balance.Imbalance, 1.)
		}
	}
	// 15 active elements, 4 per partition
	res, err := New(s, coef, Options{PartitionSize: 4}).Estimate(context.Background(), sol)
	require.NoError(t, err)
	require.Equal(t, 15, s.Mesh.NumActive())
	assert.Equal(t, 4, res.Balance.NumPartitions)
	assert.Equal(t, 4, res.Balance.MaxElements)
}

func TestEstimateCancelled(t *testing.T) {
	s := newSpace(t, []int{2, 2}, []int{1, 1}, hspace.Standard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(s, Funcs{}, Options{}).Estimate(ctx, Solution{U: make([]float64, s.NDOF())})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFunctionIndicatorsCancelled(t *testing.T) {
	s := newSpace(t, []int{2, 2}, []int{1, 1}, hspace.Truncated)
	est := New(s, Funcs{SourceFn: gaussianSource}, Options{Flag: Functions, Workers: 2})
	active := s.Mesh.ActiveElements()
	layout, err := est.partition(active)
	require.NoError(t, err)
	work := make([]elementWork, len(active))
	for i, e := range active {
		work[i], _, err = est.elementResidual(e, Solution{U: make([]float64, s.NDOF())})
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = est.functionIndicators(ctx, active, work, layout)
	assert.True(t, errors.Is(err, context.Canceled))

	v, err := est.functionIndicators(context.Background(), active, work, layout)
	require.NoError(t, err)
	assert.Len(t, v, s.NDOF())
}

func TestResidual(t *testing.T) {
	coef := Funcs{
		DiffusionFn:      func(u float64) float64 { return 2 + u },
		DiffusionDerivFn: func(float64) float64 { return 1 },
		CapacityFn:       func(float64, float64) float64 { return 3 },
		SourceFn:         func([]float64, float64) float64 { return 4 },
	}
	r, f := Residual(coef, Point{U: 1, UPrev: 0.5, Dt: 0.25, Grad: []float64{1, 2}, Lap: -1})
	// 4 - 3*(0.5/0.25) + 3*(-1) + 1*5
	assert.Equal(t, 4., f)
	assert.InDelta(t, 0., r, 1.e-15)

	r, _ = Residual(coef, Point{U: 1, UPrev: 100, Dt: 0, Grad: []float64{0, 0}, Lap: 0})
	assert.Equal(t, 4., r)

	flag, err := ParseFlag("Functions")
	require.NoError(t, err)
	assert.Equal(t, Functions, flag)
	_, err = ParseFlag("nodes")
	assert.Error(t, err)
}
