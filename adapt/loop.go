package adapt

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/notargets/IGAdapt/estimator"
	"github.com/notargets/IGAdapt/hspace"
	"github.com/notargets/IGAdapt/marker"
	"github.com/notargets/IGAdapt/mesh"
	"github.com/notargets/IGAdapt/utils"
)

// Solver is the external SOLVE step: it returns the discrete solution on
// the current space, as coefficients over its active basis
type Solver interface {
	Solve(ctx context.Context, sp *hspace.Space) (estimator.Solution, error)
}

// SolverFunc adapts a function to Solver
type SolverFunc func(ctx context.Context, sp *hspace.Space) (estimator.Solution, error)

func (f SolverFunc) Solve(ctx context.Context, sp *hspace.Space) (estimator.Solution, error) {
	return f(ctx, sp)
}

// StopReason records why a Loop terminated
type StopReason uint8

const (
	NotStopped StopReason = iota
	MaxIterations
	MaxNDOF
	MaxElements
	MaxLevel
	Tolerance
	NothingMarked
	EmptyIndicators
)

func (r StopReason) String() string {
	switch r {
	case MaxIterations:
		return "max_iterations"
	case MaxNDOF:
		return "max_ndof"
	case MaxElements:
		return "max_elements"
	case MaxLevel:
		return "max_level"
	case Tolerance:
		return "tolerance"
	case NothingMarked:
		return "nothing_marked"
	case EmptyIndicators:
		return "empty_indicators"
	}
	return "running"
}

// Limits are the stopping criteria; zero MaxNDOF or MaxElements disables
// the check
type Limits struct {
	NumMaxIter  int
	MaxNDOF     int
	MaxElements int
	Tol         float64
}

// Iteration is the record of one SOLVE → ESTIMATE → MARK → REFINE/COARSEN pass
type Iteration struct {
	Iter           int
	NDOF           int
	NumElements    int
	NumLevels      int
	MaxEstimate    float64
	GlobalEstimate float64
	Refined        int // Elements refined
	Coarsened      int // Families merged
}

// Report is the outcome of Run. Solution and Estimate belong to the final
// space; the mesh is not changed after the last estimate.
type Report struct {
	RunID      string
	Reason     StopReason
	Iterations []Iteration
	Solution   estimator.Solution
	Estimate   *estimator.Result
}

// Loop drives adaptive refinement of one space. It holds no state across
// Run calls beyond the space it mutates.
type Loop struct {
	Space     *hspace.Space
	Solver    Solver
	Estimator *estimator.Estimator
	Marker    *marker.Marker
	Limits    Limits
	Logger    *utils.Logger
	Metrics   Metrics
}

// Run iterates until a stopping criterion holds. Stopping criteria are
// checked in order: iteration count, DOF count, element count, every
// marked element on the maximum level, tolerance. Cancellation is checked
// between iterations.
func (l *Loop) Run(ctx context.Context) (rep *Report, err error) {
	if l.Logger == nil {
		l.Logger = utils.NoopLogger()
	}
	if l.Metrics == nil {
		l.Metrics = NoopMetrics{}
	}
	rep = &Report{RunID: uuid.NewString()}
	log := l.Logger.WithRun(rep.RunID)
	for iter := 0; ; iter++ {
		if err = ctx.Err(); err != nil {
			log.LogStop(ctx, "", iter, err)
			return rep, err
		}
		var it Iteration
		it, err = l.Step(ctx, iter, rep)
		if err != nil {
			log.WithIteration(iter).LogStop(ctx, "", iter+1, err)
			return rep, err
		}
		rep.Iterations = append(rep.Iterations, it)
		l.Metrics.ObserveIteration(it)
		log.WithIteration(iter).LogStep(ctx, it.NDOF, it.NumElements, it.MaxEstimate, it.Refined, it.Coarsened)
		if rep.Reason != NotStopped {
			l.Metrics.ObserveStop(rep.Reason)
			log.LogStop(ctx, rep.Reason.String(), iter+1, nil)
			return rep, nil
		}
	}
}

// Step runs one iteration, recording the solution, the estimate and, when a
// criterion holds, the stop reason in rep
func (l *Loop) Step(ctx context.Context, iter int, rep *Report) (it Iteration, err error) {
	var (
		sp = l.Space
		hm = sp.Mesh
	)
	it = Iteration{Iter: iter}

	sol, err := l.Solver.Solve(ctx, sp)
	if err != nil {
		return it, fmt.Errorf("solve: %w", err)
	}
	res, err := l.Estimator.Estimate(ctx, sol)
	if err != nil {
		return it, fmt.Errorf("estimate: %w", err)
	}
	rep.Solution, rep.Estimate = sol, res
	it.NDOF, it.NumElements, it.NumLevels = sp.NDOF(), hm.NumActive(), hm.NumLevels()
	it.MaxEstimate, it.GlobalEstimate = res.Max, res.Global

	switch lim := l.Limits; {
	case lim.NumMaxIter > 0 && iter+1 >= lim.NumMaxIter:
		rep.Reason = MaxIterations
	case lim.MaxNDOF > 0 && it.NDOF > lim.MaxNDOF:
		rep.Reason = MaxNDOF
	case lim.MaxElements > 0 && it.NumElements > lim.MaxElements:
		rep.Reason = MaxElements
	}
	if rep.Reason != NotStopped {
		return
	}

	dec, err := l.Marker.Mark(res, sp, iter)
	if errors.Is(err, marker.ErrEmptyIndicatorSet) {
		rep.Reason = EmptyIndicators
		return it, nil
	}
	if err != nil {
		return it, fmt.Errorf("mark: %w", err)
	}
	refine := make([]mesh.ElementID, 0, len(dec.Refine))
	for _, e := range dec.Refine {
		if e.Level < hm.MaxLevel {
			refine = append(refine, e)
		}
	}
	switch {
	case len(dec.Refine) > 0 && len(refine) == 0:
		rep.Reason = MaxLevel
	case res.Max < l.Limits.Tol:
		rep.Reason = Tolerance
	case len(refine) == 0 && len(dec.Coarsen) == 0:
		rep.Reason = NothingMarked
	}
	if rep.Reason != NotStopped {
		return
	}

	if err = hm.Refine(refine); err != nil {
		return it, fmt.Errorf("refine: %w", err)
	}
	it.Refined = len(refine)
	reactivated, _ := hm.Coarsen(dec.Coarsen)
	it.Coarsened = len(reactivated)
	sp.Update()
	return
}
