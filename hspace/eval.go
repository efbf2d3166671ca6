package hspace

import (
	"fmt"
	"sort"

	"github.com/notargets/IGAdapt/mesh"
)

// ElementBasis holds the active functions nonzero on one element evaluated
// at its quadrature points, with physical derivatives
type ElementBasis struct {
	Element   mesh.ElementID
	Functions []int         // Global indices, ascending
	Val       [][]float64   // [Nf][Nq]
	Grad      [][][]float64 // [Nf][Nq][dim], nil unless nders >= 1
	Lap       [][]float64   // [Nf][Nq], nil unless nders >= 2
	Quad      mesh.QuadratureData
}

// NumFunctions returns the number of functions nonzero on the element
func (eb *ElementBasis) NumFunctions() int { return len(eb.Functions) }

// ElementBasis evaluates the hierarchical basis on active element e,
// combining the full level basis through the rows of Csub
func (s *Space) ElementBasis(e mesh.ElementID, nders int) (eb *ElementBasis, err error) {
	if !s.Mesh.IsActive(e) {
		return nil, fmt.Errorf("%w: element %v is not active", ErrInconsistentBasis, e)
	}
	qd, err := s.Mesh.QuadratureData(e)
	if err != nil {
		return
	}
	var (
		l     = e.Level
		lm    = s.Mesh.Levels[l]
		dim   = s.Mesh.Dim
		ev    = s.bases[l].EvalElement(lm.MultiIndex(e.Index), qd.Param, nders)
		nq    = ev.NumPoints
		slot  = make(map[int]int)
		scale = make([]float64, dim)
	)
	for k := range scale {
		scale[k] = s.Mesh.Geometry.Scale(k)
	}
	for _, k := range ev.Functions {
		s.csub[l].DoRowNonZero(k, func(_, j int, _ float64) { slot[j] = 0 })
	}
	if len(slot) == 0 {
		return nil, fmt.Errorf("%w: element %v has no active functions", ErrInconsistentBasis, e)
	}
	eb = &ElementBasis{Element: e, Quad: qd}
	for b := range slot {
		eb.Functions = append(eb.Functions, b)
	}
	sort.Ints(eb.Functions)
	nf := len(eb.Functions)
	eb.Val = make([][]float64, nf)
	if nders >= 1 {
		eb.Grad = make([][][]float64, nf)
	}
	if nders >= 2 {
		eb.Lap = make([][]float64, nf)
	}
	for i, b := range eb.Functions {
		slot[b] = i
		eb.Val[i] = make([]float64, nq)
		if nders >= 1 {
			eb.Grad[i] = make([][]float64, nq)
			for q := range eb.Grad[i] {
				eb.Grad[i][q] = make([]float64, dim)
			}
		}
		if nders >= 2 {
			eb.Lap[i] = make([]float64, nq)
		}
	}
	for f, k := range ev.Functions {
		s.csub[l].DoRowNonZero(k, func(_, col int, c float64) {
			i := slot[col]
			for q := 0; q < nq; q++ {
				eb.Val[i][q] += c * ev.Val[f][q]
				if nders >= 1 {
					for d := 0; d < dim; d++ {
						eb.Grad[i][q][d] += c * ev.Grad[f][q][d] / scale[d]
					}
				}
				if nders >= 2 {
					for d := 0; d < dim; d++ {
						eb.Lap[i][q] += c * ev.D2[f][q][d] / (scale[d] * scale[d])
					}
				}
			}
		})
	}
	return
}

// ElementField is a discrete field evaluated at the quadrature points of one
// active element
type ElementField struct {
	Element mesh.ElementID
	Val     []float64   // [Nq]
	Grad    [][]float64 // [Nq][dim], nil unless nders >= 1
	Lap     []float64   // [Nq], nil unless nders >= 2
	Quad    mesh.QuadratureData
}

// Combine contracts the element basis with global coefficients
func (eb *ElementBasis) Combine(coeffs []float64) (ef ElementField) {
	nq := eb.Quad.NumPoints()
	ef = ElementField{Element: eb.Element, Quad: eb.Quad, Val: make([]float64, nq)}
	if eb.Grad != nil {
		dim := len(eb.Quad.Param)
		ef.Grad = make([][]float64, nq)
		for q := range ef.Grad {
			ef.Grad[q] = make([]float64, dim)
		}
	}
	if eb.Lap != nil {
		ef.Lap = make([]float64, nq)
	}
	for i, b := range eb.Functions {
		c := coeffs[b]
		if c == 0 {
			continue
		}
		for q := 0; q < nq; q++ {
			ef.Val[q] += c * eb.Val[i][q]
			if ef.Grad != nil {
				for d := range ef.Grad[q] {
					ef.Grad[q][d] += c * eb.Grad[i][q][d]
				}
			}
			if ef.Lap != nil {
				ef.Lap[q] += c * eb.Lap[i][q]
			}
		}
	}
	return
}

// EvaluateElement evaluates a coefficient vector on one active element
func (s *Space) EvaluateElement(e mesh.ElementID, coeffs []float64, nders int) (ef ElementField, err error) {
	if len(coeffs) != s.NDOF() {
		err = fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(coeffs), s.NDOF())
		return
	}
	eb, err := s.ElementBasis(e, nders)
	if err != nil {
		return
	}
	return eb.Combine(coeffs), nil
}

// EvaluateAtQuadrature evaluates a coefficient vector at the quadrature
// points of every active element, in ActiveElements order
func (s *Space) EvaluateAtQuadrature(coeffs []float64, nders int) (fields []ElementField, err error) {
	if len(coeffs) != s.NDOF() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(coeffs), s.NDOF())
	}
	active := s.Mesh.ActiveElements()
	fields = make([]ElementField, len(active))
	for i, e := range active {
		if fields[i], err = s.EvaluateElement(e, coeffs, nders); err != nil {
			return nil, err
		}
	}
	return
}
