package quadrature

import "fmt"

// Tensor is a tensor-product rule built from one 1D rule per direction.
// Points are enumerated with direction 0 varying fastest.
type Tensor struct {
	Rules []Rule1D
}

// NewTensor builds a Gauss-Legendre tensor rule with n[k] points in direction k
func NewTensor(n []int) (t Tensor, err error) {
	if len(n) == 0 {
		err = fmt.Errorf("tensor rule needs at least one direction")
		return
	}
	t.Rules = make([]Rule1D, len(n))
	for k, nk := range n {
		if t.Rules[k], err = GaussLegendre(nk); err != nil {
			return
		}
	}
	return
}

// Dim returns the number of directions
func (t Tensor) Dim() int { return len(t.Rules) }

// NumPoints returns the total number of tensor points
func (t Tensor) NumPoints() int {
	np := 1
	for _, r := range t.Rules {
		np *= r.NumPoints()
	}
	return np
}

// Sizes returns the number of points per direction
func (t Tensor) Sizes() []int {
	sz := make([]int, len(t.Rules))
	for k, r := range t.Rules {
		sz[k] = r.NumPoints()
	}
	return sz
}

// Split converts a flat point index into per-direction indices
func (t Tensor) Split(q int, idx []int) { SplitIndex(q, t.Sizes(), idx) }

// SplitIndex converts a flat index over a grid of the given sizes into
// per-direction indices, direction 0 fastest
func SplitIndex(q int, sizes, idx []int) {
	for k, n := range sizes {
		idx[k] = q % n
		q /= n
	}
}
