package spline

import (
	"fmt"
	"strings"

	"github.com/james-bowman/sparse"
)

// Dimensionality represents the spatial dimension of a parametric domain
type Dimensionality uint8

const (
	D1 Dimensionality = iota + 1 // Curves
	D2                           // Surfaces
	D3                           // Volumes
)

// ElementProperties describes one tensor-product Bezier element of a basis
type ElementProperties struct {
	Name       string         // e.g. "Tensor B-spline (2,2)"
	ShortName  string         // e.g. "TB22"
	Degree     []int          // Polynomial degree per direction
	Np         int            // Number of basis functions nonzero on one element
	Dimensions Dimensionality // Spatial dimension
}

// TensorBasis is the tensor product of 1D bases, with function and element
// indices flattened direction 0 fastest
type TensorBasis struct {
	Bases []*Basis1D
}

// NewTensorBasis builds a tensor basis with degree[k] and nelems[k] per direction
func NewTensorBasis(degree, nelems []int) (tb *TensorBasis, err error) {
	if len(degree) != len(nelems) {
		return nil, fmt.Errorf("degree has %d directions, nelems has %d", len(degree), len(nelems))
	}
	if len(degree) < 1 || len(degree) > 3 {
		return nil, fmt.Errorf("unsupported dimension %d", len(degree))
	}
	tb = &TensorBasis{Bases: make([]*Basis1D, len(degree))}
	for k := range degree {
		if tb.Bases[k], err = NewUniform(degree[k], nelems[k]); err != nil {
			return nil, fmt.Errorf("direction %d: %w", k, err)
		}
	}
	return
}

// Dim returns the number of parametric directions
func (tb *TensorBasis) Dim() int { return len(tb.Bases) }

// Refine returns the dyadically refined tensor basis
func (tb *TensorBasis) Refine() *TensorBasis {
	fine := &TensorBasis{Bases: make([]*Basis1D, len(tb.Bases))}
	for k, b := range tb.Bases {
		fine.Bases[k] = b.Refine()
	}
	return fine
}

// NumFunctions returns the total number of tensor functions
func (tb *TensorBasis) NumFunctions() int {
	n := 1
	for _, b := range tb.Bases {
		n *= b.NumFunctions()
	}
	return n
}

// FunctionShape returns the number of functions per direction
func (tb *TensorBasis) FunctionShape() []int {
	sh := make([]int, len(tb.Bases))
	for k, b := range tb.Bases {
		sh[k] = b.NumFunctions()
	}
	return sh
}

// Properties reports the element-level properties of the basis
func (tb *TensorBasis) Properties() ElementProperties {
	var (
		deg   = make([]int, len(tb.Bases))
		np    = 1
		short strings.Builder
		long  = make([]string, len(tb.Bases))
	)
	short.WriteString("TB")
	for k, b := range tb.Bases {
		deg[k] = b.Degree
		np *= b.Degree + 1
		long[k] = fmt.Sprintf("%d", b.Degree)
		short.WriteString(fmt.Sprintf("%d", b.Degree))
	}
	return ElementProperties{
		Name:       fmt.Sprintf("Tensor B-spline (%s)", strings.Join(long, ",")),
		ShortName:  short.String(),
		Degree:     deg,
		Np:         np,
		Dimensions: Dimensionality(len(tb.Bases)),
	}
}

// Flatten converts a multi-index into a flat index for the given shape
func Flatten(idx, shape []int) int {
	flat, stride := 0, 1
	for k := range shape {
		flat += idx[k] * stride
		stride *= shape[k]
	}
	return flat
}

// Unflatten converts a flat index into a multi-index for the given shape
func Unflatten(flat int, shape, idx []int) {
	for k := range shape {
		idx[k] = flat % shape[k]
		flat /= shape[k]
	}
}

// ElementFunctions returns the flat indices of the functions nonzero on the
// element with multi-index elem, enumerated direction 0 fastest
func (tb *TensorBasis) ElementFunctions(elem []int) []int {
	var (
		shape = tb.FunctionShape()
		local = make([]int, len(tb.Bases))
		idx   = make([]int, len(tb.Bases))
		np    = 1
	)
	for _, b := range tb.Bases {
		np *= b.Degree + 1
	}
	out := make([]int, np)
	for f := 0; f < np; f++ {
		rem := f
		for k, b := range tb.Bases {
			local[k] = rem % (b.Degree + 1)
			rem /= b.Degree + 1
			idx[k] = b.FirstFunction(elem[k]) + local[k]
		}
		out[f] = Flatten(idx, shape)
	}
	return out
}

// SupportElements returns per direction the inclusive element range of
// the support of the function with flat index fn
func (tb *TensorBasis) SupportElements(fn int) (lo, hi []int) {
	var (
		idx = make([]int, len(tb.Bases))
	)
	Unflatten(fn, tb.FunctionShape(), idx)
	lo = make([]int, len(tb.Bases))
	hi = make([]int, len(tb.Bases))
	for k, b := range tb.Bases {
		lo[k], hi[k] = b.SupportElements(idx[k])
	}
	return
}

// RefinementOperator returns the sparse tensor knot-insertion matrix
// mapping coefficients of this basis to coefficients of Refine()
func (tb *TensorBasis) RefinementOperator() *sparse.CSR {
	var (
		d      = len(tb.Bases)
		rows   = make([][]int, d)
		cols   = make([][]int, d)
		vals   = make([][]float64, d)
		fShape = make([]int, d)
		cShape = tb.FunctionShape()
	)
	for k, b := range tb.Bases {
		R := RefinementMatrix(b)
		r, c := R.Dims()
		fShape[k] = r
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if v := R.At(i, j); v != 0 {
					rows[k] = append(rows[k], i)
					cols[k] = append(cols[k], j)
					vals[k] = append(vals[k], v)
				}
			}
		}
	}
	var (
		nf, nc = 1, 1
		ri     = make([]int, d)
		ci     = make([]int, d)
		pos    = make([]int, d)
	)
	for k := 0; k < d; k++ {
		nf *= fShape[k]
		nc *= cShape[k]
	}
	dok := sparse.NewDOK(nf, nc)
	for {
		v := 1.
		for k := 0; k < d; k++ {
			ri[k] = rows[k][pos[k]]
			ci[k] = cols[k][pos[k]]
			v *= vals[k][pos[k]]
		}
		dok.Set(Flatten(ri, fShape), Flatten(ci, cShape), v)
		// odometer over the per-direction nonzeros
		k := 0
		for ; k < d; k++ {
			pos[k]++
			if pos[k] < len(vals[k]) {
				break
			}
			pos[k] = 0
		}
		if k == d {
			break
		}
	}
	return dok.ToCSR()
}
