package hspace

import (
	"errors"
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/james-bowman/sparse"
	"github.com/notargets/IGAdapt/mesh"
	"github.com/notargets/IGAdapt/spline"
)

var (
	// ErrInconsistentBasis is returned when an element has no active
	// function support on its level
	ErrInconsistentBasis = errors.New("inconsistent basis")
	// ErrDimensionMismatch is returned when a coefficient vector does not
	// match the number of active functions
	ErrDimensionMismatch = errors.New("coefficient vector length does not match the active basis")
)

// Space is a hierarchical B-spline space on a HierarchicalMesh. The mesh is
// read only here; call Update after every mesh mutation.
type Space struct {
	Mesh     *mesh.HierarchicalMesh
	Degree   []int
	Strategy Strategy

	bases []*spline.TensorBasis // Full basis of every level
	ref   []*sparse.CSR         // Knot insertion ℓ→ℓ+1

	active  []*roaring.Bitmap // Active functions per level
	inside  []*roaring.Bitmap // Functions with support in Ω_ℓ
	offsets []int             // Global index of the first active function of each level, plus total

	csub []*sparse.CSR // Csub[ℓ]: level-ℓ function → active functions of levels ≤ ℓ
	pou  []float64
}

// New builds the space of the given degree per direction on hm
func New(hm *mesh.HierarchicalMesh, degree []int, strategy Strategy) (s *Space, err error) {
	if len(degree) != hm.Dim {
		return nil, fmt.Errorf("degree has %d directions, mesh has %d", len(degree), hm.Dim)
	}
	if strategy == nil {
		strategy = Standard
	}
	b0, err := spline.NewTensorBasis(degree, hm.Base())
	if err != nil {
		return nil, err
	}
	s = &Space{
		Mesh:     hm,
		Degree:   append([]int(nil), degree...),
		Strategy: strategy,
		bases:    []*spline.TensorBasis{b0},
	}
	s.Update()
	return
}

// NumLevels returns the number of levels of the space, equal to the mesh's
func (s *Space) NumLevels() int { return len(s.active) }

// Basis returns the full tensor basis of a level
func (s *Space) Basis(level int) *spline.TensorBasis { return s.bases[level] }

// Update recomputes active functions, Csub and coeff_pou from the mesh
func (s *Space) Update() {
	nl := s.Mesh.NumLevels()
	for len(s.bases) < nl {
		last := s.bases[len(s.bases)-1]
		s.ref = append(s.ref, last.RefinementOperator())
		s.bases = append(s.bases, last.Refine())
	}
	s.active = make([]*roaring.Bitmap, nl)
	s.inside = make([]*roaring.Bitmap, nl)
	s.offsets = make([]int, nl+1)
	for l := 0; l < nl; l++ {
		s.active[l], s.inside[l] = s.classify(l)
		s.offsets[l+1] = s.offsets[l] + int(s.active[l].GetCardinality())
	}
	s.buildCsub()
	s.pou = s.Strategy.partitionOfUnity(s)
}

// classify finds the level-ℓ functions with support in Ω_ℓ (all support
// cells active or refined) and, among them, the active ones (not every
// support cell refined)
func (s *Space) classify(l int) (active, inside *roaring.Bitmap) {
	var (
		hm         = s.Mesh
		lm         = hm.Levels[l]
		tb         = s.bases[l]
		candidates = roaring.New()
	)
	active, inside = roaring.New(), roaring.New()
	for _, cells := range [][]uint32{hm.ActiveOnLevel(l), hm.RefinedOnLevel(l)} {
		for _, c := range cells {
			for _, f := range tb.ElementFunctions(lm.MultiIndex(int(c))) {
				candidates.Add(uint32(f))
			}
		}
	}
	cell := make([]int, hm.Dim)
	for _, f := range candidates.ToArray() {
		lo, hi := tb.SupportElements(int(f))
		in, allRefined := true, true
		copy(cell, lo)
		for {
			switch hm.Status(mesh.ElementID{Level: l, Index: lm.Index(cell)}) {
			case mesh.Outside:
				in = false
			case mesh.Active:
				allRefined = false
			}
			if !in || !nextCell(cell, lo, hi) {
				break
			}
		}
		if !in {
			continue
		}
		inside.Add(f)
		if !allRefined {
			active.Add(f)
		}
	}
	return
}

// nextCell advances cell through the box [lo,hi], direction 0 fastest
func nextCell(cell, lo, hi []int) bool {
	for k := range cell {
		if cell[k] < hi[k] {
			cell[k]++
			return true
		}
		cell[k] = lo[k]
	}
	return false
}

// buildCsub assembles Csub[ℓ] = [T·R_{ℓ-1}·Csub[ℓ-1], I(:, active_ℓ)]. The
// lifted block precedes the identity columns in every row.
func (s *Space) buildCsub() {
	nl := s.NumLevels()
	s.csub = make([]*sparse.CSR, nl)
	for l := 0; l < nl; l++ {
		var (
			nf     = s.bases[l].NumFunctions()
			indptr = make([]int, nf+1)
			ind    []int
			data   []float64
			lifted *sparse.CSR
		)
		if l > 0 && s.offsets[l] > 0 {
			lifted = &sparse.CSR{}
			lifted.Mul(s.ref[l-1], s.csub[l-1])
		}
		for i := 0; i < nf; i++ {
			if lifted != nil && !s.Strategy.drops(i, s.inside[l]) {
				lifted.DoRowNonZero(i, func(_, j int, v float64) {
					if v != 0 {
						ind = append(ind, j)
						data = append(data, v)
					}
				})
			}
			if f := uint32(i); s.active[l].Contains(f) {
				ind = append(ind, s.offsets[l]+int(s.active[l].Rank(f))-1)
				data = append(data, 1)
			}
			indptr[i+1] = len(ind)
		}
		s.csub[l] = sparse.NewCSR(nf, s.offsets[l+1], indptr, ind, data)
	}
}

// NDOF returns the number of active functions over all levels
func (s *Space) NDOF() int { return s.offsets[len(s.offsets)-1] }

// NumActivePerLevel returns the active function count of every level
func (s *Space) NumActivePerLevel() []int {
	out := make([]int, s.NumLevels())
	for l, bm := range s.active {
		out[l] = int(bm.GetCardinality())
	}
	return out
}

// ActiveFunctions returns, per level, the ascending local indices of the
// active functions; global numbering follows this order level by level
func (s *Space) ActiveFunctions() [][]int {
	out := make([][]int, s.NumLevels())
	for l, bm := range s.active {
		arr := bm.ToArray()
		out[l] = make([]int, len(arr))
		for i, f := range arr {
			out[l][i] = int(f)
		}
	}
	return out
}

// GlobalIndex returns the global index of local function f of level l, or
// -1 when it is not active
func (s *Space) GlobalIndex(l, f int) int {
	if l < 0 || l >= s.NumLevels() || !s.active[l].Contains(uint32(f)) {
		return -1
	}
	return s.offsets[l] + int(s.active[l].Rank(uint32(f))) - 1
}

// FunctionLevel returns the level and local index of global function b
func (s *Space) FunctionLevel(b int) (level, local int, err error) {
	if b < 0 || b >= s.NDOF() {
		return 0, 0, fmt.Errorf("function %d out of range [0,%d)", b, s.NDOF())
	}
	for l := 0; l < s.NumLevels(); l++ {
		if b < s.offsets[l+1] {
			f, err := s.active[l].Select(uint32(b - s.offsets[l]))
			return l, int(f), err
		}
	}
	return 0, 0, fmt.Errorf("function %d not found", b)
}

// SubdivisionCoefficients returns Csub[level]: rows are the full level
// basis, columns the active functions of levels 0..level in global order
func (s *Space) SubdivisionCoefficients(level int) (*sparse.CSR, error) {
	if level < 0 || level >= s.NumLevels() {
		return nil, fmt.Errorf("%w: level %d has no subdivision matrix", ErrInconsistentBasis, level)
	}
	return s.csub[level], nil
}

// RefinementOperator returns the knot insertion matrix from level to
// level+1, shared with the space
func (s *Space) RefinementOperator(level int) (*sparse.CSR, error) {
	if level < 0 || level+1 >= len(s.bases) {
		return nil, fmt.Errorf("no refinement operator from level %d", level)
	}
	return s.ref[level], nil
}

// CoeffPOU returns the weights c with Σ_b c_b φ_b = 1
func (s *Space) CoeffPOU() []float64 { return append([]float64(nil), s.pou...) }

// FunctionsOnElement returns the global active functions nonzero on e
func (s *Space) FunctionsOnElement(e mesh.ElementID) ([]int, error) {
	if e.Level < 0 || e.Level >= s.NumLevels() {
		return nil, fmt.Errorf("%w: element %v", ErrInconsistentBasis, e)
	}
	var (
		lm   = s.Mesh.Levels[e.Level]
		seen = roaring.New()
	)
	for _, k := range s.bases[e.Level].ElementFunctions(lm.MultiIndex(e.Index)) {
		s.csub[e.Level].DoRowNonZero(k, func(_, j int, _ float64) { seen.Add(uint32(j)) })
	}
	if seen.IsEmpty() {
		return nil, fmt.Errorf("%w: element %v has no active functions", ErrInconsistentBasis, e)
	}
	out := make([]int, 0, seen.GetCardinality())
	for _, b := range seen.ToArray() {
		out = append(out, int(b))
	}
	return out, nil
}

// ElementsInSupport returns the active elements of b's own level lying in
// the support of global function b
func (s *Space) ElementsInSupport(b int) ([]mesh.ElementID, error) {
	l, f, err := s.FunctionLevel(b)
	if err != nil {
		return nil, err
	}
	var (
		lm     = s.Mesh.Levels[l]
		lo, hi = s.bases[l].SupportElements(f)
		cell   = append([]int(nil), lo...)
		out    []mesh.ElementID
	)
	for {
		id := mesh.ElementID{Level: l, Index: lm.Index(cell)}
		if s.Mesh.IsActive(id) {
			out = append(out, id)
		}
		if !nextCell(cell, lo, hi) {
			break
		}
	}
	return out, nil
}

// String returns a summary of the space
func (s *Space) String() string {
	var sb strings.Builder
	props := s.bases[0].Properties()
	sb.WriteString("=== HierarchicalSpace Summary ===\n")
	sb.WriteString(fmt.Sprintf("  Basis: %s (%s)\n", props.Name, props.ShortName))
	sb.WriteString(fmt.Sprintf("  Strategy: %s\n", s.Strategy.Name()))
	for l, bm := range s.active {
		sb.WriteString(fmt.Sprintf("  Level %d: %d active of %d functions\n", l,
			bm.GetCardinality(), s.bases[l].NumFunctions()))
	}
	sb.WriteString(fmt.Sprintf("  Degrees of freedom: %d\n", s.NDOF()))
	return sb.String()
}
