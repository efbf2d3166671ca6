package quadrature

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Rule1D is a quadrature rule on the reference interval [-1,1]
type Rule1D struct {
	X []float64 // Abscissae, ascending
	W []float64 // Weights, sum to 2
}

// GaussLegendre returns the n-point Gauss-Legendre rule, exact for
// polynomials of degree 2n-1. The abscissae are the eigenvalues of the
// Legendre Jacobi matrix, the weights twice the squared first components of
// its eigenvectors.
func GaussLegendre(n int) (r Rule1D, err error) {
	if n < 1 {
		err = fmt.Errorf("gauss-legendre rule needs at least one point, got %d", n)
		return
	}
	if n == 1 {
		return Rule1D{X: []float64{0}, W: []float64{2}}, nil
	}
	J := mat.NewSymDense(n, nil)
	for k := 1; k < n; k++ {
		fk := float64(k)
		J.SetSym(k-1, k, fk/math.Sqrt(4*fk*fk-1))
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(J, true); !ok {
		return r, fmt.Errorf("gauss-legendre eigenproblem failed for %d points", n)
	}
	var V mat.Dense
	eig.VectorsTo(&V)
	r.X = eig.Values(nil)
	r.W = make([]float64, n)
	for i := range r.W {
		v := V.At(0, i)
		r.W[i] = 2 * v * v
	}
	return
}

// NumPoints returns the number of abscissae in the rule
func (r Rule1D) NumPoints() int { return len(r.X) }

// Map returns the rule affinely mapped onto [a,b]
func (r Rule1D) Map(a, b float64) (x, w []float64) {
	var (
		half = 0.5 * (b - a)
		mid  = 0.5 * (b + a)
	)
	x = make([]float64, len(r.X))
	w = make([]float64, len(r.W))
	for i := range r.X {
		x[i] = mid + half*r.X[i]
		w[i] = half * r.W[i]
	}
	return
}
