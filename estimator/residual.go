package estimator

// Coefficients are the problem callbacks the residual is built from. They
// must be pure functions, safe for concurrent use.
type Coefficients interface {
	Diffusion(u float64) float64
	Capacity(u, uPrev float64) float64
	Source(x []float64, t float64) float64
}

// DiffusionDerivative is implemented by coefficients that supply dc_diff/du;
// the gradient term of the residual is zero otherwise
type DiffusionDerivative interface {
	DiffusionDeriv(u float64) float64
}

// Point is the discrete state at one quadrature point
type Point struct {
	X     []float64 // Physical coordinates
	T, Dt float64
	U     float64
	UPrev float64
	Grad  []float64
	Lap   float64
}

// Residual returns the strong residual
//
//	r = f − c_cap (u − u_prev)/Δt + c_diff Δu + c_diff'(u) |∇u|²
//
// at p together with the source value f. The time term is skipped for Dt <= 0.
func Residual(c Coefficients, p Point) (r, f float64) {
	f = c.Source(p.X, p.T)
	r = f + c.Diffusion(p.U)*p.Lap
	if p.Dt > 0 {
		r -= c.Capacity(p.U, p.UPrev) * (p.U - p.UPrev) / p.Dt
	}
	if dc, ok := c.(DiffusionDerivative); ok {
		var g2 float64
		for _, g := range p.Grad {
			g2 += g * g
		}
		r += dc.DiffusionDeriv(p.U) * g2
	}
	return
}

// Funcs adapts plain functions to Coefficients; nil entries are zero, and
// a nil Diffusion is the constant 1
type Funcs struct {
	DiffusionFn      func(u float64) float64
	DiffusionDerivFn func(u float64) float64
	CapacityFn       func(u, uPrev float64) float64
	SourceFn         func(x []float64, t float64) float64
}

func (fc Funcs) Diffusion(u float64) float64 {
	if fc.DiffusionFn == nil {
		return 1
	}
	return fc.DiffusionFn(u)
}

func (fc Funcs) DiffusionDeriv(u float64) float64 {
	if fc.DiffusionDerivFn == nil {
		return 0
	}
	return fc.DiffusionDerivFn(u)
}

func (fc Funcs) Capacity(u, uPrev float64) float64 {
	if fc.CapacityFn == nil {
		return 0
	}
	return fc.CapacityFn(u, uPrev)
}

func (fc Funcs) Source(x []float64, t float64) float64 {
	if fc.SourceFn == nil {
		return 0
	}
	return fc.SourceFn(x, t)
}
