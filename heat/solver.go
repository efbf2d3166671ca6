package heat

import (
	"context"
	"fmt"
	"math"

	"github.com/notargets/IGAdapt/estimator"
	"github.com/notargets/IGAdapt/hspace"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Options controls time stepping and the Picard iteration
type Options struct {
	Dt            float64
	PicardTol     float64 // Relative max-norm update, 1e-8 when zero
	PicardMaxIter int     // 20 when zero
}

// Solver advances the heat equation by implicit Euler, resolving the
// nonlinear conductivity by Picard iteration. Between time steps it keeps
// the previous solution as a Field so the space may change under it.
type Solver struct {
	Problem *Problem
	Options
	Time       float64
	Iterations int // Picard iterations of the last Solve

	prev *hspace.Field
}

// NewSolver starts from the constant initial temperature on sp
func NewSolver(p *Problem, sp *hspace.Space, opts Options) (s *Solver, err error) {
	if err = p.Validate(sp.Mesh.Dim); err != nil {
		return
	}
	if opts.Dt <= 0 {
		return nil, fmt.Errorf("time step must be > 0, got %g", opts.Dt)
	}
	if opts.PicardTol == 0 {
		opts.PicardTol = 1.e-8
	}
	if opts.PicardMaxIter <= 0 {
		opts.PicardMaxIter = 20
	}
	u0 := sp.CoeffPOU()
	floats.Scale(p.U0, u0)
	s = &Solver{Problem: p, Options: opts}
	if s.prev, err = sp.Snapshot(u0); err != nil {
		return nil, err
	}
	return
}

// Solve computes the solution at Time+Dt on the current space
func (s *Solver) Solve(ctx context.Context, sp *hspace.Space) (sol estimator.Solution, err error) {
	uPrev, err := Project(sp, s.prev)
	if err != nil {
		return
	}
	var (
		t = s.Time + s.Dt
		u = append([]float64(nil), uPrev...)
	)
	for s.Iterations = 1; s.Iterations <= s.PicardMaxIter; s.Iterations++ {
		if err = ctx.Err(); err != nil {
			return
		}
		var next []float64
		if next, err = s.linearStep(sp, u, uPrev, t); err != nil {
			return
		}
		scale := math.Max(1, floats.Norm(next, math.Inf(1)))
		diff := floats.Distance(next, u, math.Inf(1))
		u = next
		if diff <= s.PicardTol*scale {
			break
		}
	}
	if s.Iterations > s.PicardMaxIter {
		s.Iterations = s.PicardMaxIter
	}
	return estimator.Solution{U: u, UPrev: uPrev, Dt: s.Dt, Time: t}, nil
}

// linearStep solves (ρc/Δt M + K(u_k)) u = ρc/Δt M u_prev + F(t)
func (s *Solver) linearStep(sp *hspace.Space, uk, uPrev []float64, t float64) ([]float64, error) {
	var (
		p    = s.Problem
		n    = sp.NDOF()
		rc   = p.Rho * p.Cp / s.Dt
		A    = mat.NewSymDense(n, nil)
		rhs  = make([]float64, n)
		grad float64
	)
	for _, e := range sp.Mesh.ActiveElements() {
		eb, err := sp.ElementBasis(e, 1)
		if err != nil {
			return nil, err
		}
		var (
			qd  = eb.Quad
			ukq = eb.Combine(uk)
			upq = eb.Combine(uPrev)
		)
		for q := 0; q < qd.NumPoints(); q++ {
			var (
				w = qd.Weights[q] * qd.Jacobian[q]
				k = p.Diffusion(ukq.Val[q])
				f = p.Source(qd.Points[q], t)
			)
			for i, bi := range eb.Functions {
				vi := eb.Val[i][q]
				rhs[bi] += w * (f + rc*upq.Val[q]) * vi
				for j := i; j < len(eb.Functions); j++ {
					bj := eb.Functions[j]
					grad = floats.Dot(eb.Grad[i][q], eb.Grad[j][q])
					A.SetSym(bi, bj, A.At(bi, bj)+w*(rc*vi*eb.Val[j][q]+k*grad))
				}
			}
		}
	}
	return solveSPD(A, rhs)
}

// Advance stores u, computed on sp, as the previous solution and moves to
// the next time level
func (s *Solver) Advance(sp *hspace.Space, u []float64) (err error) {
	if s.prev, err = sp.Snapshot(u); err != nil {
		return
	}
	s.Time += s.Dt
	return
}

// Reset replaces the previous solution by u, computed on sp, at time t
func (s *Solver) Reset(sp *hspace.Space, u []float64, t float64) (err error) {
	if s.prev, err = sp.Snapshot(u); err != nil {
		return
	}
	s.Time = t
	return
}

// Previous returns the stored previous solution
func (s *Solver) Previous() *hspace.Field { return s.prev }

// Project computes the L2 projection of f onto the active basis of sp
func Project(sp *hspace.Space, f *hspace.Field) ([]float64, error) {
	var (
		n   = sp.NDOF()
		M   = mat.NewSymDense(n, nil)
		rhs = make([]float64, n)
	)
	for _, e := range sp.Mesh.ActiveElements() {
		eb, err := sp.ElementBasis(e, 0)
		if err != nil {
			return nil, err
		}
		var (
			qd = eb.Quad
			fq = f.EvalQuadrature(qd)
		)
		for q := 0; q < qd.NumPoints(); q++ {
			w := qd.Weights[q] * qd.Jacobian[q]
			for i, bi := range eb.Functions {
				vi := eb.Val[i][q]
				rhs[bi] += w * fq[q] * vi
				for j := i; j < len(eb.Functions); j++ {
					bj := eb.Functions[j]
					M.SetSym(bi, bj, M.At(bi, bj)+w*vi*eb.Val[j][q])
				}
			}
		}
	}
	return solveSPD(M, rhs)
}

func solveSPD(A *mat.SymDense, rhs []float64) ([]float64, error) {
	var ch mat.Cholesky
	if ok := ch.Factorize(A); !ok {
		return nil, fmt.Errorf("system matrix is not positive definite")
	}
	x := mat.NewVecDense(len(rhs), nil)
	if err := ch.SolveVecTo(x, mat.NewVecDense(len(rhs), rhs)); err != nil {
		return nil, err
	}
	return x.RawVector().Data, nil
}
