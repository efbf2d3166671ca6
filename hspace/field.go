package hspace

import (
	"fmt"

	"github.com/notargets/IGAdapt/mesh"
	"github.com/notargets/IGAdapt/quadrature"
	"github.com/notargets/IGAdapt/spline"
)

// Field is a mesh-independent copy of a discrete function, stored as
// coefficients of the full tensor basis of the finest level. It survives
// refinement and coarsening of the space it was taken from.
type Field struct {
	Level  int
	Basis  *spline.TensorBasis
	Coeffs []float64
}

// Snapshot expresses coeffs in the full basis of the finest level
func (s *Space) Snapshot(coeffs []float64) (f *Field, err error) {
	if len(coeffs) != s.NDOF() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(coeffs), s.NDOF())
	}
	l := s.NumLevels() - 1
	f = &Field{
		Level:  l,
		Basis:  s.bases[l],
		Coeffs: make([]float64, s.bases[l].NumFunctions()),
	}
	s.csub[l].MulVecTo(f.Coeffs, false, coeffs)
	return
}

// Eval evaluates the field at parametric point u
func (f *Field) Eval(u []float64) (v float64) {
	fns, vals := f.Basis.EvalPoint(u)
	for i, fn := range fns {
		v += f.Coeffs[fn] * vals[i]
	}
	return
}

// EvalQuadrature evaluates the field at the quadrature points of an element
func (f *Field) EvalQuadrature(qd mesh.QuadratureData) []float64 {
	var (
		d    = len(qd.Param)
		out  = make([]float64, qd.NumPoints())
		u    = make([]float64, d)
		qi   = make([]int, d)
		size = make([]int, d)
	)
	for k := range size {
		size[k] = len(qd.Param[k])
	}
	for q := range out {
		quadrature.SplitIndex(q, size, qi)
		for k := range u {
			u[k] = qd.Param[k][qi[k]]
		}
		out[q] = f.Eval(u)
	}
	return out
}
