package spline

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Basis1D is a B-spline basis of degree Degree on an open uniform knot
// vector over [0,1] with NumElems equal knot spans
type Basis1D struct {
	Degree   int
	NumElems int
	Knots    []float64 // Length NumElems+2*Degree+1
}

// NewUniform builds an open uniform basis of the given degree on nelems spans
func NewUniform(degree, nelems int) (b *Basis1D, err error) {
	if degree < 1 {
		return nil, fmt.Errorf("degree must be >= 1, got %d", degree)
	}
	if nelems < 1 {
		return nil, fmt.Errorf("number of elements must be >= 1, got %d", nelems)
	}
	b = &Basis1D{
		Degree:   degree,
		NumElems: nelems,
		Knots:    make([]float64, nelems+2*degree+1),
	}
	for i := range b.Knots {
		switch {
		case i <= degree:
			b.Knots[i] = 0
		case i >= nelems+degree:
			b.Knots[i] = 1
		default:
			b.Knots[i] = float64(i-degree) / float64(nelems)
		}
	}
	return
}

// NumFunctions returns the dimension of the spline space
func (b *Basis1D) NumFunctions() int { return b.NumElems + b.Degree }

// Refine returns the dyadically refined basis (every span bisected)
func (b *Basis1D) Refine() *Basis1D {
	fine, _ := NewUniform(b.Degree, 2*b.NumElems)
	return fine
}

// ElementBounds returns the parametric interval of element e
func (b *Basis1D) ElementBounds(e int) (lo, hi float64) {
	return b.Knots[e+b.Degree], b.Knots[e+b.Degree+1]
}

// Span returns the knot span index of element e
func (b *Basis1D) Span(e int) int { return e + b.Degree }

// FirstFunction returns the lowest function index nonzero on element e;
// functions FirstFunction(e)..FirstFunction(e)+Degree are nonzero there
func (b *Basis1D) FirstFunction(e int) int { return e }

// SupportElements returns the inclusive element range of function i's support
func (b *Basis1D) SupportElements(i int) (lo, hi int) {
	lo, hi = i-b.Degree, i
	if lo < 0 {
		lo = 0
	}
	if hi > b.NumElems-1 {
		hi = b.NumElems - 1
	}
	return
}

// FindSpan locates the knot span containing u
func (b *Basis1D) FindSpan(u float64) int {
	return findSpan(b.Knots, b.Degree, b.NumFunctions(), u)
}

func findSpan(U []float64, p, nfun int, u float64) int {
	if u >= U[nfun] {
		return nfun - 1
	}
	if u <= U[p] {
		return p
	}
	lo, hi := p, nfun
	mid := (lo + hi) / 2
	for u < U[mid] || u >= U[mid+1] {
		if u < U[mid] {
			hi = mid
		} else {
			lo = mid
		}
		mid = (lo + hi) / 2
	}
	return mid
}

// DersBasisFuns evaluates the Degree+1 nonzero functions on the given span
// and their derivatives up to order n at u. ders[k][j] is the k-th
// derivative of function span-Degree+j. Orders above Degree are zero.
func (b *Basis1D) DersBasisFuns(span int, u float64, n int) (ders [][]float64) {
	var (
		p     = b.Degree
		U     = b.Knots
		ndu   = alloc2D(p+1, p+1)
		a     = alloc2D(2, p+1)
		left  = make([]float64, p+1)
		right = make([]float64, p+1)
		nd    = n
	)
	if nd > p {
		nd = p
	}
	ders = alloc2D(n+1, p+1)

	ndu[0][0] = 1
	for j := 1; j <= p; j++ {
		left[j] = u - U[span+1-j]
		right[j] = U[span+j] - u
		saved := 0.
		for r := 0; r < j; r++ {
			ndu[j][r] = right[r+1] + left[j-r]
			temp := ndu[r][j-1] / ndu[j][r]
			ndu[r][j] = saved + right[r+1]*temp
			saved = left[j-r] * temp
		}
		ndu[j][j] = saved
	}
	for j := 0; j <= p; j++ {
		ders[0][j] = ndu[j][p]
	}

	for r := 0; r <= p; r++ {
		s1, s2 := 0, 1
		a[0][0] = 1
		for k := 1; k <= nd; k++ {
			var (
				d      float64
				rk     = r - k
				pk     = p - k
				j1, j2 int
			)
			if r >= k {
				a[s2][0] = a[s1][0] / ndu[pk+1][rk]
				d = a[s2][0] * ndu[rk][pk]
			}
			if rk >= -1 {
				j1 = 1
			} else {
				j1 = -rk
			}
			if r-1 <= pk {
				j2 = k - 1
			} else {
				j2 = p - r
			}
			for j := j1; j <= j2; j++ {
				a[s2][j] = (a[s1][j] - a[s1][j-1]) / ndu[pk+1][rk+j]
				d += a[s2][j] * ndu[rk+j][pk]
			}
			if r <= pk {
				a[s2][k] = -a[s1][k-1] / ndu[pk+1][r]
				d += a[s2][k] * ndu[r][pk]
			}
			ders[k][r] = d
			s1, s2 = s2, s1
		}
	}

	fac := float64(p)
	for k := 1; k <= nd; k++ {
		for j := 0; j <= p; j++ {
			ders[k][j] *= fac
		}
		fac *= float64(p - k)
	}
	return
}

// RefinementMatrix returns R with coarse function i equal to
// Σ_j R[j,i] fine function j, built by inserting every midpoint of the
// coarse spans with Boehm's algorithm. Fine coefficients are R times coarse
// coefficients.
func RefinementMatrix(coarse *Basis1D) (R *mat.Dense) {
	var (
		p = coarse.Degree
		U = append([]float64(nil), coarse.Knots...)
	)
	R = identity(coarse.NumFunctions())
	for e := 0; e < coarse.NumElems; e++ {
		lo, hi := coarse.ElementBounds(e)
		u := 0.5 * (lo + hi)
		nfun := len(U) - p - 1
		k := findSpan(U, p, nfun, u)
		A := mat.NewDense(nfun+1, nfun, nil)
		for i := 0; i <= nfun; i++ {
			switch {
			case i <= k-p:
				A.Set(i, i, 1)
			case i >= k+1:
				A.Set(i, i-1, 1)
			default:
				alpha := (u - U[i]) / (U[i+p] - U[i])
				A.Set(i, i, alpha)
				A.Set(i, i-1, 1-alpha)
			}
		}
		var next mat.Dense
		next.Mul(A, R)
		R = &next
		U = insertKnot(U, k, u)
	}
	return
}

func insertKnot(U []float64, k int, u float64) []float64 {
	out := make([]float64, 0, len(U)+1)
	out = append(out, U[:k+1]...)
	out = append(out, u)
	return append(out, U[k+1:]...)
}

func identity(n int) *mat.Dense {
	I := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		I.Set(i, i, 1)
	}
	return I
}

func alloc2D(n, m int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, m)
	}
	return out
}
