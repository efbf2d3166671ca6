package marker

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/notargets/IGAdapt/estimator"
	"github.com/notargets/IGAdapt/hspace"
	"github.com/notargets/IGAdapt/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSpace(t *testing.T, sub, degree []int, maxLevel int) *hspace.Space {
	t.Helper()
	hm, err := mesh.NewHierarchicalMesh(mesh.Options{Subdivisions: sub, MaxLevel: maxLevel})
	require.NoError(t, err)
	s, err := hspace.New(hm, degree, hspace.Standard)
	require.NoError(t, err)
	return s
}

func elementResult(sp *hspace.Space, values []float64) *estimator.Result {
	return &estimator.Result{
		Flag:     estimator.Elements,
		Elements: sp.Mesh.ActiveElements(),
		Values:   values,
	}
}

func TestMarkStrategies(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		opts   Options
		want   []int
	}{
		{"MS", []float64{1, 2, 8, 6}, Options{Strategy: MaxStrategy, MarkParam: 0.75}, []int{2, 3}},
		{"MS zero indicators", []float64{0, 0, 0}, Options{Strategy: MaxStrategy, MarkParam: 0.5}, nil},
		{"GR", []float64{1, 1, 1, 3}, Options{Strategy: GlobalRMS, MarkParam: 1}, []int{3}},
		{"GR zero indicators", []float64{0, 0}, Options{Strategy: GlobalRMS, MarkParam: 1}, nil},
		{"GERS", []float64{3, 4, 0, 1}, Options{Strategy: Dorfler, MarkParam: 0.9}, []int{0, 1}},
		{"GERS all", []float64{3, 4, 0, 1}, Options{Strategy: Dorfler, MarkParam: 1}, []int{0, 1, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Mark(tt.values, tt.opts, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Refine)
			assert.Empty(t, m.Coarsen)
		})
	}
}

func TestMarkEmpty(t *testing.T) {
	_, err := Mark(nil, Options{}, 0)
	assert.True(t, errors.Is(err, ErrEmptyIndicatorSet))

	_, err = New(Options{}).Mark(&estimator.Result{}, nil, 0)
	assert.True(t, errors.Is(err, ErrEmptyIndicatorSet))

	_, err = Mark([]float64{1, -1}, Options{}, 0)
	assert.Error(t, err)
}

// Raising markParam never adds to the MS refine set
func TestMaxStrategyMonotone(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 20; trial++ {
		values := make([]float64, 50)
		for i := range values {
			values[i] = rng.ExpFloat64()
		}
		hi, err := Mark(values, Options{Strategy: MaxStrategy, MarkParam: 0.8}, 0)
		require.NoError(t, err)
		lo, err := Mark(values, Options{Strategy: MaxStrategy, MarkParam: 0.3}, 0)
		require.NoError(t, err)
		assert.Subset(t, lo.Refine, hi.Refine)
		assert.GreaterOrEqual(t, len(lo.Refine), len(hi.Refine))
	}
}

func TestCoarseningThreshold(t *testing.T) {
	values := []float64{1, 0.01, 0.5, 0.05}
	opts := Options{
		Strategy:            MaxStrategy,
		MarkParam:           0.9,
		MarkParamCoarsening: 0.1,
		DoCoarsening:        true,
	}
	m, err := Mark(values, opts, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, m.Refine)
	assert.Equal(t, []int{1, 3}, m.Coarsen)

	// relaxation shrinks the threshold: 0.1·0.5² = 0.025
	opts.Relaxation = 0.5
	m, err = Mark(values, opts, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, m.Coarsen)
}

// one dominant element is the only one refined
func TestDominantElementRefined(t *testing.T) {
	sp := newSpace(t, []int{4}, []int{2}, 2)
	res := elementResult(sp, []float64{0.1, 0.2, 50, 0.1})
	d, err := New(Options{Strategy: MaxStrategy, MarkParam: 0.75}).Mark(res, sp, 0)
	require.NoError(t, err)
	assert.Equal(t, []mesh.ElementID{{Level: 0, Index: 2}}, d.Refine)
	assert.Empty(t, d.Coarsen)

	require.NoError(t, sp.Mesh.Refine(d.Refine))
	assert.Equal(t, []mesh.ElementID{
		{Level: 0, Index: 0}, {Level: 0, Index: 1}, {Level: 0, Index: 3},
		{Level: 1, Index: 4}, {Level: 1, Index: 5},
	}, sp.Mesh.ActiveElements())
}

func TestCoarsenFamilies(t *testing.T) {
	sp := newSpace(t, []int{2, 2}, []int{1, 1}, 2)
	require.NoError(t, sp.Mesh.Refine([]mesh.ElementID{{Level: 0, Index: 0}}))
	sp.Update()
	kids := sp.Mesh.Children(mesh.ElementID{Level: 0, Index: 0})

	// active order: (0,1) (0,2) (0,3) then the four children
	values := []float64{1, 1, 1, 0.01, 0.01, 0.01, 0.01}
	mk := New(Options{MarkParam: 0.5, MarkParamCoarsening: 0.1, DoCoarsening: true})
	d, err := mk.Mark(elementResult(sp, values), sp, 0)
	require.NoError(t, err)
	assert.Len(t, d.Refine, 3)
	assert.Equal(t, kids, d.Coarsen)

	// one child over the threshold breaks the family
	values[5] = 0.9
	d, err = mk.Mark(elementResult(sp, values), sp, 0)
	require.NoError(t, err)
	assert.Empty(t, d.Coarsen)
}

// 3 of 4 children proposed leaves the family alone
func TestCompleteFamiliesPartial(t *testing.T) {
	sp := newSpace(t, []int{2, 2}, []int{1, 1}, 2)
	require.NoError(t, sp.Mesh.Refine([]mesh.ElementID{{Level: 0, Index: 0}}))
	kids := sp.Mesh.Children(mesh.ElementID{Level: 0, Index: 0})

	assert.Empty(t, CompleteFamilies(sp.Mesh, kids[:3], nil))
	assert.Equal(t, kids, CompleteFamilies(sp.Mesh, kids, nil))
	assert.Empty(t, CompleteFamilies(sp.Mesh, kids, kids[2:3]))
	// level 0 elements have no family
	assert.Empty(t, CompleteFamilies(sp.Mesh, []mesh.ElementID{{Level: 0, Index: 1}}, nil))
}

func TestMarkNeighbours(t *testing.T) {
	hm, err := mesh.NewHierarchicalMesh(mesh.Options{Subdivisions: []int{4}, MaxLevel: 3})
	require.NoError(t, err)
	require.NoError(t, hm.Refine([]mesh.ElementID{{Level: 0, Index: 1}}))
	require.NoError(t, hm.Refine([]mesh.ElementID{{Level: 1, Index: 3}}))

	marked := []mesh.ElementID{{Level: 2, Index: 7}}
	assert.Equal(t, []mesh.ElementID{
		{Level: 0, Index: 2}, {Level: 2, Index: 6}, {Level: 2, Index: 7},
	}, MarkNeighbours(hm, marked, 1))

	// the second pass only reaches coarser neighbours of the added ring
	assert.Equal(t, []mesh.ElementID{
		{Level: 0, Index: 2}, {Level: 1, Index: 2}, {Level: 2, Index: 6}, {Level: 2, Index: 7},
	}, MarkNeighbours(hm, marked, 2))

	// finer neighbours are never added
	assert.Equal(t, []mesh.ElementID{{Level: 0, Index: 2}, {Level: 0, Index: 3}},
		MarkNeighbours(hm, []mesh.ElementID{{Level: 0, Index: 2}}, 3))
}

func TestFunctionMarks(t *testing.T) {
	sp := newSpace(t, []int{4}, []int{1}, 2)
	require.NoError(t, sp.Mesh.Refine([]mesh.ElementID{{Level: 0, Index: 2}}))
	sp.Update()
	require.Equal(t, 6, sp.NDOF())

	res := &estimator.Result{Flag: estimator.Functions, Values: []float64{1, 1, 0, 0, 0, 0}}
	mk := New(Options{MarkParam: 0.5, MarkParamCoarsening: 0.1, DoCoarsening: true})
	d, err := mk.Mark(res, sp, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, d.Marked.Refine)
	assert.Equal(t, []mesh.ElementID{{Level: 0, Index: 0}, {Level: 0, Index: 1}}, d.Refine)
	assert.Equal(t, []mesh.ElementID{{Level: 1, Index: 4}, {Level: 1, Index: 5}}, d.Coarsen)

	ids, err := ElementsToRefine(sp, res, []int{5})
	require.NoError(t, err)
	assert.Equal(t, []mesh.ElementID{{Level: 1, Index: 4}, {Level: 1, Index: 5}}, ids)
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{"ms": MaxStrategy, "GR": GlobalRMS, "gers": Dorfler} {
		got, err := ParseStrategy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.NotEmpty(t, got.String())
	}
	_, err := ParseStrategy("bisect")
	assert.Error(t, err)
}
