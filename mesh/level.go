package mesh

import (
	"fmt"
	"math"

	"github.com/notargets/IGAdapt/quadrature"
)

// ElementID addresses an element by its level and its flat index within
// that level's Cartesian grid (direction 0 fastest)
type ElementID struct {
	Level int
	Index int
}

func (id ElementID) String() string { return fmt.Sprintf("(%d,%d)", id.Level, id.Index) }

// Box is the affine image of the parametric unit cube [0,1]^d
type Box struct {
	Lo, Hi []float64
}

// UnitBox returns [0,1]^dim
func UnitBox(dim int) Box {
	b := Box{Lo: make([]float64, dim), Hi: make([]float64, dim)}
	for k := range b.Hi {
		b.Hi[k] = 1
	}
	return b
}

// Scale returns the physical length of the parametric direction k
func (b Box) Scale(k int) float64 { return b.Hi[k] - b.Lo[k] }

// Measure returns the physical volume of the box
func (b Box) Measure() float64 {
	m := 1.
	for k := range b.Lo {
		m *= b.Scale(k)
	}
	return m
}

// Map sends a parametric point to physical space
func (b Box) Map(u []float64) []float64 {
	x := make([]float64, len(u))
	for k := range u {
		x[k] = b.Lo[k] + b.Scale(k)*u[k]
	}
	return x
}

// LevelMesh is the full Cartesian grid of one level: Shape[k] elements of
// parametric width H[k] per direction
type LevelMesh struct {
	Level int
	Shape []int
	H     []float64
	Quad  quadrature.Tensor
}

func newLevelMesh(level int, base []int, quad quadrature.Tensor) *LevelMesh {
	lm := &LevelMesh{
		Level: level,
		Shape: make([]int, len(base)),
		H:     make([]float64, len(base)),
		Quad:  quad,
	}
	for k, n := range base {
		lm.Shape[k] = n << uint(level)
		lm.H[k] = 1. / float64(lm.Shape[k])
	}
	return lm
}

// NumElements returns the number of elements of the full level grid
func (lm *LevelMesh) NumElements() int {
	n := 1
	for _, s := range lm.Shape {
		n *= s
	}
	return n
}

// MultiIndex converts a flat element index into per-direction indices
func (lm *LevelMesh) MultiIndex(idx int) []int {
	m := make([]int, len(lm.Shape))
	for k, s := range lm.Shape {
		m[k] = idx % s
		idx /= s
	}
	return m
}

// Index converts per-direction indices into a flat index, or -1 when out of range
func (lm *LevelMesh) Index(m []int) int {
	flat, stride := 0, 1
	for k, s := range lm.Shape {
		if m[k] < 0 || m[k] >= s {
			return -1
		}
		flat += m[k] * stride
		stride *= s
	}
	return flat
}

// ParametricBounds returns the corners of element idx in [0,1]^d
func (lm *LevelMesh) ParametricBounds(idx int) (lo, hi []float64) {
	m := lm.MultiIndex(idx)
	lo = make([]float64, len(m))
	hi = make([]float64, len(m))
	for k := range m {
		lo[k] = float64(m[k]) * lm.H[k]
		hi[k] = float64(m[k]+1) * lm.H[k]
	}
	return
}

// QuadratureData holds the tensor quadrature of one element
type QuadratureData struct {
	Param    [][]float64 // [dim][qk] parametric abscissae per direction
	Points   [][]float64 // [q][dim] physical points, direction 0 fastest
	Weights  []float64   // [q] reference weights on [-1,1]^d
	Jacobian []float64   // [q] |det J| of the reference-to-physical map
	Size     float64     // largest physical side length
}

// NumPoints returns the number of quadrature points
func (qd QuadratureData) NumPoints() int { return len(qd.Weights) }

// quadratureData builds the element quadrature under the affine map geo
func (lm *LevelMesh) quadratureData(idx int, geo Box) (qd QuadratureData) {
	var (
		d      = len(lm.Shape)
		lo, hi = lm.ParametricBounds(idx)
		nq     = lm.Quad.NumPoints()
		qi     = make([]int, d)
		jac    = 1.
	)
	qd.Param = make([][]float64, d)
	for k := 0; k < d; k++ {
		qd.Param[k], _ = lm.Quad.Rules[k].Map(lo[k], hi[k])
		side := geo.Scale(k) * lm.H[k]
		jac *= 0.5 * side
		qd.Size = math.Max(qd.Size, side)
	}
	qd.Points = make([][]float64, nq)
	qd.Weights = make([]float64, nq)
	qd.Jacobian = make([]float64, nq)
	u := make([]float64, d)
	for q := 0; q < nq; q++ {
		lm.Quad.Split(q, qi)
		w := 1.
		for k := 0; k < d; k++ {
			u[k] = qd.Param[k][qi[k]]
			w *= lm.Quad.Rules[k].W[qi[k]]
		}
		qd.Points[q] = geo.Map(u)
		qd.Weights[q] = w
		qd.Jacobian[q] = jac
	}
	return
}
