package spline

// ElementValues holds the tensor basis functions nonzero on one element,
// evaluated at a tensor grid of parametric points (direction 0 fastest)
type ElementValues struct {
	Functions []int         // Flat function indices, length Nf
	NumPoints int           // Number of tensor points
	Val       [][]float64   // [Nf][Nq]
	Grad      [][][]float64 // [Nf][Nq][dim], parametric, nil unless nders >= 1
	D2        [][][]float64 // [Nf][Nq][dim], pure second derivatives, nil unless nders >= 2
}

// EvalElement evaluates all functions nonzero on element elem at the tensor
// grid pts, where pts[k] lists the parametric coordinates in direction k
func (tb *TensorBasis) EvalElement(elem []int, pts [][]float64, nders int) (ev *ElementValues) {
	var (
		d    = len(tb.Bases)
		oned = make([][][][]float64, d) // [k][qk][order][local]
		nq   = 1
		np   = 1
	)
	for k, b := range tb.Bases {
		span := b.Span(elem[k])
		oned[k] = make([][][]float64, len(pts[k]))
		for q, u := range pts[k] {
			oned[k][q] = b.DersBasisFuns(span, u, nders)
		}
		nq *= len(pts[k])
		np *= b.Degree + 1
	}
	ev = &ElementValues{
		Functions: tb.ElementFunctions(elem),
		NumPoints: nq,
		Val:       make([][]float64, np),
	}
	if nders >= 1 {
		ev.Grad = make([][][]float64, np)
	}
	if nders >= 2 {
		ev.D2 = make([][][]float64, np)
	}

	var (
		local = make([]int, d)
		qi    = make([]int, d)
	)
	for f := 0; f < np; f++ {
		rem := f
		for k, b := range tb.Bases {
			local[k] = rem % (b.Degree + 1)
			rem /= b.Degree + 1
		}
		ev.Val[f] = make([]float64, nq)
		if nders >= 1 {
			ev.Grad[f] = make([][]float64, nq)
		}
		if nders >= 2 {
			ev.D2[f] = make([][]float64, nq)
		}
		for q := 0; q < nq; q++ {
			rem := q
			for k := range tb.Bases {
				qi[k] = rem % len(pts[k])
				rem /= len(pts[k])
			}
			v := 1.
			for k := 0; k < d; k++ {
				v *= oned[k][qi[k]][0][local[k]]
			}
			ev.Val[f][q] = v
			if nders >= 1 {
				ev.Grad[f][q] = tensorDerivative(oned, qi, local, 1)
			}
			if nders >= 2 {
				ev.D2[f][q] = tensorDerivative(oned, qi, local, 2)
			}
		}
	}
	return
}

// tensorDerivative returns, for each direction k, the product of the
// order-th derivative in direction k with the values in the other directions
func tensorDerivative(oned [][][][]float64, qi, local []int, order int) []float64 {
	d := len(oned)
	out := make([]float64, d)
	for k := 0; k < d; k++ {
		v := 1.
		for j := 0; j < d; j++ {
			if j == k {
				v *= oned[j][qi[j]][order][local[j]]
			} else {
				v *= oned[j][qi[j]][0][local[j]]
			}
		}
		out[k] = v
	}
	return out
}

// EvalPoint evaluates every function nonzero at the parametric point u,
// returning their flat indices and values
func (tb *TensorBasis) EvalPoint(u []float64) (functions []int, values []float64) {
	var (
		d    = len(tb.Bases)
		elem = make([]int, d)
		pts  = make([][]float64, d)
	)
	for k, b := range tb.Bases {
		elem[k] = b.FindSpan(u[k]) - b.Degree
		pts[k] = []float64{u[k]}
	}
	ev := tb.EvalElement(elem, pts, 0)
	values = make([]float64, len(ev.Functions))
	for f := range ev.Functions {
		values[f] = ev.Val[f][0]
	}
	return ev.Functions, values
}
