package heat

import (
	"fmt"
	"math"
)

// Problem is nonlinear heat conduction with temperature dependent
// conductivity k(u) = K0 + K1·u, constant capacity Rho·Cp, an insulated
// boundary and a Gaussian source moving along a straight path
type Problem struct {
	K0, K1    float64
	Rho, Cp   float64
	Power     float64 // Peak source intensity
	Sigma     float64 // Source width
	PathStart []float64
	PathEnd   []float64
	Duration  float64 // Time to travel the path; the source is fixed when <= 0
	U0        float64 // Initial temperature
}

// Validate checks the problem parameters against a dimension
func (p *Problem) Validate(dim int) error {
	switch {
	case p.K0 <= 0:
		return fmt.Errorf("conductivity K0 must be > 0")
	case p.Rho <= 0 || p.Cp <= 0:
		return fmt.Errorf("capacity Rho·Cp must be > 0")
	case p.Sigma <= 0:
		return fmt.Errorf("source width must be > 0")
	case len(p.PathStart) != dim || len(p.PathEnd) != dim:
		return fmt.Errorf("source path must have %d coordinates", dim)
	}
	return nil
}

// Diffusion implements estimator.Coefficients
func (p *Problem) Diffusion(u float64) float64 { return p.K0 + p.K1*u }

// DiffusionDeriv implements estimator.DiffusionDerivative
func (p *Problem) DiffusionDeriv(float64) float64 { return p.K1 }

// Capacity implements estimator.Coefficients
func (p *Problem) Capacity(float64, float64) float64 { return p.Rho * p.Cp }

// SourcePosition returns the centre of the source at time t
func (p *Problem) SourcePosition(t float64) []float64 {
	s := 0.
	if p.Duration > 0 {
		s = math.Min(math.Max(t/p.Duration, 0), 1)
	}
	x := make([]float64, len(p.PathStart))
	for k := range x {
		x[k] = p.PathStart[k] + s*(p.PathEnd[k]-p.PathStart[k])
	}
	return x
}

// Source implements estimator.Coefficients
func (p *Problem) Source(x []float64, t float64) float64 {
	var (
		c  = p.SourcePosition(t)
		r2 float64
	)
	for k := range c {
		d := x[k] - c[k]
		r2 += d * d
	}
	return p.Power * math.Exp(-r2/(2*p.Sigma*p.Sigma))
}
