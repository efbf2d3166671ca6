package adapt

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"

	"github.com/notargets/IGAdapt/estimator"
	"github.com/notargets/IGAdapt/hspace"
	"github.com/notargets/IGAdapt/marker"
	"github.com/notargets/IGAdapt/mesh"
	"github.com/notargets/IGAdapt/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zeroSolver returns the zero function on whatever space it is given
var zeroSolver = SolverFunc(func(_ context.Context, sp *hspace.Space) (estimator.Solution, error) {
	return estimator.Solution{U: make([]float64, sp.NDOF())}, nil
})

func peakSource(x []float64, _ float64) float64 {
	dx, dy := x[0]-0.2, x[1]-0.3
	return math.Exp(-(dx*dx + dy*dy) / 0.005)
}

func newLoop(t *testing.T, maxLevel int, coef estimator.Coefficients, lim Limits) *Loop {
	t.Helper()
	hm, err := mesh.NewHierarchicalMesh(mesh.Options{Subdivisions: []int{2, 2}, MaxLevel: maxLevel})
	require.NoError(t, err)
	sp, err := hspace.New(hm, []int{2, 2}, hspace.Truncated)
	require.NoError(t, err)
	return &Loop{
		Space:     sp,
		Solver:    zeroSolver,
		Estimator: estimator.New(sp, coef, estimator.Options{}),
		Marker:    marker.New(marker.Options{Strategy: marker.MaxStrategy, MarkParam: 0.5}),
		Limits:    lim,
	}
}

// zero data stops on the tolerance after one iteration
func TestZeroDataStopsOnTolerance(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg)

	l := newLoop(t, 3, estimator.Funcs{}, Limits{NumMaxIter: 10, Tol: 1.e-6})
	l.Logger = utils.NewTextLogger(&buf, slog.LevelInfo)
	l.Metrics = metrics
	rep, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Tolerance, rep.Reason)
	require.Len(t, rep.Iterations, 1)
	assert.Equal(t, 4, rep.Iterations[0].NumElements)
	assert.Equal(t, 0, rep.Iterations[0].Refined)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, 4, l.Space.Mesh.NumActive())

	assert.Equal(t, 1., testutil.ToFloat64(metrics.iterations))
	assert.Equal(t, 16., testutil.ToFloat64(metrics.ndof))
	assert.Equal(t, 1., testutil.ToFloat64(metrics.stops.WithLabelValues("tolerance")))
	assert.Contains(t, buf.String(), "reason=tolerance")
	assert.Contains(t, buf.String(), "run="+rep.RunID)
}

func TestRefinementProgress(t *testing.T) {
	l := newLoop(t, 6, estimator.Funcs{SourceFn: peakSource}, Limits{NumMaxIter: 3})
	rep, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MaxIterations, rep.Reason)
	require.Len(t, rep.Iterations, 3)
	for i := 1; i < 3; i++ {
		// nested spaces: refinement never loses functions
		assert.Greater(t, rep.Iterations[i].NumElements, rep.Iterations[i-1].NumElements)
		assert.GreaterOrEqual(t, rep.Iterations[i].NDOF, rep.Iterations[i-1].NDOF)
		assert.Greater(t, rep.Iterations[i-1].Refined, 0)
	}
	// the final solution and estimate belong to the final space
	assert.Len(t, rep.Solution.U, l.Space.NDOF())
	assert.Len(t, rep.Estimate.Values, l.Space.Mesh.NumActive())
	require.NoError(t, l.Space.Mesh.CheckTiling())
}

func TestStopOrder(t *testing.T) {
	tests := []struct {
		name string
		lim  Limits
		want StopReason
	}{
		{"iterations before ndof", Limits{NumMaxIter: 1, MaxNDOF: 10}, MaxIterations},
		{"ndof", Limits{NumMaxIter: 5, MaxNDOF: 10, MaxElements: 2}, MaxNDOF},
		{"elements", Limits{NumMaxIter: 5, MaxElements: 3}, MaxElements},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLoop(t, 3, estimator.Funcs{SourceFn: peakSource}, tt.lim)
			rep, err := l.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, rep.Reason)
			assert.Len(t, rep.Iterations, 1)
		})
	}
}

func TestStopAtMaxLevel(t *testing.T) {
	l := newLoop(t, 1, estimator.Funcs{SourceFn: peakSource}, Limits{NumMaxIter: 20})
	rep, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MaxLevel, rep.Reason)
	assert.Less(t, len(rep.Iterations), 20)
	assert.Equal(t, 2, l.Space.Mesh.NumLevels())
}

func TestStaleSolver(t *testing.T) {
	l := newLoop(t, 2, estimator.Funcs{}, Limits{NumMaxIter: 2})
	l.Solver = SolverFunc(func(context.Context, *hspace.Space) (estimator.Solution, error) {
		return estimator.Solution{U: []float64{1}}, nil
	})
	_, err := l.Run(context.Background())
	assert.True(t, errors.Is(err, estimator.ErrStaleSolution))
}

func TestRunCancelled(t *testing.T) {
	l := newLoop(t, 2, estimator.Funcs{}, Limits{NumMaxIter: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := l.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, rep.Iterations)
}

func TestCoarseningInLoop(t *testing.T) {
	l := newLoop(t, 3, estimator.Funcs{SourceFn: peakSource}, Limits{NumMaxIter: 2})
	require.NoError(t, l.Space.Mesh.Refine([]mesh.ElementID{{Level: 0, Index: 3}}))
	l.Space.Update()
	l.Marker = marker.New(marker.Options{
		MarkParam:           0.5,
		MarkParamCoarsening: 0.05,
		DoCoarsening:        true,
	})
	rep, err := l.Run(context.Background())
	require.NoError(t, err)
	// (0,3) sits far from the source: its children are merged back
	assert.Equal(t, 1, rep.Iterations[0].Coarsened)
	assert.True(t, l.Space.Mesh.IsActive(mesh.ElementID{Level: 0, Index: 3}))
}

func TestStopReasonString(t *testing.T) {
	assert.Equal(t, "max_level", MaxLevel.String())
	assert.Equal(t, "running", NotStopped.String())
}
