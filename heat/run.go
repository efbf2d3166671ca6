package heat

import (
	"context"
	"fmt"

	"github.com/notargets/IGAdapt/adapt"
)

// StepReport is the outcome of one time step
type StepReport struct {
	Step   int
	Time   float64
	Report *adapt.Report
}

// Run advances steps time steps. Each step adapts the space with loop, whose
// Solver must be s, then accepts the final solution as the new previous
// state. The mesh carries over between steps, so coarsening lets it follow
// the source.
func Run(ctx context.Context, loop *adapt.Loop, s *Solver, steps int) (out []StepReport, err error) {
	for n := 0; n < steps; n++ {
		var rep *adapt.Report
		if rep, err = loop.Run(ctx); err != nil {
			return out, fmt.Errorf("step %d: %w", n, err)
		}
		if err = s.Advance(loop.Space, rep.Solution.U); err != nil {
			return out, fmt.Errorf("step %d: %w", n, err)
		}
		out = append(out, StepReport{Step: n, Time: s.Time, Report: rep})
	}
	return
}
