package estimator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"

	"github.com/notargets/IGAdapt/hspace"
	"github.com/notargets/IGAdapt/mesh"
	"github.com/notargets/IGAdapt/partitions"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// ErrStaleSolution is returned when a coefficient vector was computed on a
// different basis than the space currently holds
var ErrStaleSolution = errors.New("stale solution")

// Flag selects what the indicators are attached to
type Flag uint8

const (
	Elements Flag = iota
	Functions
)

func (f Flag) String() string {
	if f == Functions {
		return "functions"
	}
	return "elements"
}

// ParseFlag maps "elements" or "functions" to a Flag
func ParseFlag(s string) (Flag, error) {
	switch strings.ToLower(s) {
	case "elements", "element", "":
		return Elements, nil
	case "functions", "function":
		return Functions, nil
	}
	return Elements, fmt.Errorf("unknown estimator flag %q", s)
}

// Options configures an Estimator
type Options struct {
	Flag      Flag
	C0        float64 // Scaling constant, 1 when zero
	Workers   int     // Parallel partitions; GOMAXPROCS when zero and PartitionSize is unset
	Partition partitions.PartitionStrategy
	// Elements per partition, used when Workers is zero
	PartitionSize int
}

// Solution is the discrete state an estimate is computed from. U and UPrev
// are coefficient vectors over the current active basis; with Dt <= 0 the
// time derivative term is dropped and UPrev may be nil.
type Solution struct {
	U, UPrev []float64
	Dt       float64
	Time     float64
}

// Result holds one indicator per active element (in ActiveElements order) or
// per active function (in global order)
type Result struct {
	Flag      Flag
	Values    []float64
	Elements  []mesh.ElementID // Set for the element variant
	MaxSource float64          // Normalisation denominator before the zero guard
	Max       float64
	Global    float64 // sqrt(Σ est²)
	Balance   partitions.PartitionStats
}

// Estimator computes residual-based indicators on a hierarchical space
type Estimator struct {
	Space  *hspace.Space
	Coeffs Coefficients
	Options
}

// New creates an Estimator
func New(space *hspace.Space, coeffs Coefficients, opts Options) *Estimator {
	if opts.C0 == 0 {
		opts.C0 = 1
	}
	if opts.Workers < 0 {
		opts.Workers = 0
	}
	if opts.Workers == 0 && opts.PartitionSize <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Estimator{Space: space, Coeffs: coeffs, Options: opts}
}

// elementWork is the per-element residual, kept until the global source
// maximum is known
type elementWork struct {
	basis *hspace.ElementBasis
	res   []float64
}

// Estimate computes indicators for sol. All quadrature residuals are
// normalised by one global denominator, the maximum |f| over the domain.
func (est *Estimator) Estimate(ctx context.Context, sol Solution) (r *Result, err error) {
	var (
		sp   = est.Space
		ndof = sp.NDOF()
	)
	if len(sol.U) != ndof {
		return nil, fmt.Errorf("%w: solution has %d coefficients, space has %d", ErrStaleSolution, len(sol.U), ndof)
	}
	if sol.Dt > 0 && len(sol.UPrev) != ndof {
		return nil, fmt.Errorf("%w: previous solution has %d coefficients, space has %d",
			ErrStaleSolution, len(sol.UPrev), ndof)
	}
	active := sp.Mesh.ActiveElements()
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: mesh has no active elements", hspace.ErrInconsistentBasis)
	}
	layout, err := est.partition(active)
	if err != nil {
		return nil, err
	}

	work := make([]elementWork, len(active))
	maxF := make([]float64, layout.NumPartitions)
	g, gctx := errgroup.WithContext(ctx)
	for _, part := range layout.Partitions {
		g.Go(func() error {
			for _, i := range part.Elements {
				if err := gctx.Err(); err != nil {
					return err
				}
				w, fmax, err := est.elementResidual(active[i], sol)
				if err != nil {
					return err
				}
				work[i] = w
				maxF[part.ID] = math.Max(maxF[part.ID], fmax)
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}

	r = &Result{Flag: est.Flag, MaxSource: floats.Max(maxF), Balance: layout.PartitionStatistics()}
	scale := 1.
	if r.MaxSource > 0 {
		scale = 1 / r.MaxSource
	}
	for _, w := range work {
		floats.Scale(scale, w.res)
	}
	switch est.Flag {
	case Functions:
		if r.Values, err = est.functionIndicators(ctx, active, work, layout); err != nil {
			return nil, err
		}
	default:
		r.Elements = active
		r.Values = est.elementIndicators(active, work)
	}
	if len(r.Values) > 0 {
		r.Max = floats.Max(r.Values)
		r.Global = floats.Norm(r.Values, 2)
	}
	return
}

// partition splits the active elements over the workers. Weighted layouts
// cost an element as its number of nonzero functions times quadrature points.
func (est *Estimator) partition(active []mesh.ElementID) (*partitions.PartitionLayout, error) {
	pb := &partitions.PartitionBuilder{
		NumElements:         len(active),
		NumPartitions:       est.Workers,
		TargetPartitionSize: est.PartitionSize,
		Strategy:            est.Partition,
	}
	if est.Partition == partitions.WeightedPartition {
		nq := 1
		for _, n := range est.Space.Mesh.QuadPoints() {
			nq *= n
		}
		pb.Weights = make([]float64, len(active))
		for i, e := range active {
			fns, err := est.Space.FunctionsOnElement(e)
			if err != nil {
				return nil, err
			}
			pb.Weights[i] = float64(len(fns) * nq)
		}
	}
	return pb.BuildPartitions()
}

// elementResidual evaluates the strong residual at the quadrature points of e
func (est *Estimator) elementResidual(e mesh.ElementID, sol Solution) (w elementWork, fmax float64, err error) {
	eb, err := est.Space.ElementBasis(e, 2)
	if err != nil {
		return
	}
	var (
		u     = eb.Combine(sol.U)
		uPrev []float64
		nq    = eb.Quad.NumPoints()
	)
	if sol.Dt > 0 {
		uPrev = eb.Combine(sol.UPrev).Val
	}
	w = elementWork{basis: eb, res: make([]float64, nq)}
	for q := 0; q < nq; q++ {
		pt := Point{
			X:    eb.Quad.Points[q],
			T:    sol.Time,
			Dt:   sol.Dt,
			U:    u.Val[q],
			Grad: u.Grad[q],
			Lap:  u.Lap[q],
		}
		if uPrev != nil {
			pt.UPrev = uPrev[q]
		}
		var f float64
		w.res[q], f = Residual(est.Coeffs, pt)
		fmax = math.Max(fmax, math.Abs(f))
	}
	return
}

// elementIndicators: est_e = C0 · h_e · sqrt(Σ rn² w J)
func (est *Estimator) elementIndicators(active []mesh.ElementID, work []elementWork) []float64 {
	out := make([]float64, len(active))
	for i, e := range active {
		var (
			qd  = work[i].basis.Quad
			sum float64
		)
		for q, rn := range work[i].res {
			sum += rn * rn * qd.Weights[q] * qd.Jacobian[q]
		}
		out[i] = est.C0 * est.Space.Mesh.Diameter(e) * math.Sqrt(sum)
	}
	return out
}

// functionIndicators: est_b = C0 · h_b · sqrt(pou_b Σ rn² w J φ_b), with h_b
// the diameter of the finest element on which b is nonzero. Partitions
// accumulate into private buffers merged by summation.
func (est *Estimator) functionIndicators(ctx context.Context, active []mesh.ElementID, work []elementWork,
	layout *partitions.PartitionLayout) ([]float64, error) {
	var (
		ndof = est.Space.NDOF()
		sums = make([][]float64, layout.NumPartitions)
		hmin = make([][]float64, layout.NumPartitions)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, part := range layout.Partitions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s := make([]float64, ndof)
			h := make([]float64, ndof)
			for i := range h {
				h[i] = math.Inf(1)
			}
			for _, i := range part.Elements {
				var (
					eb   = work[i].basis
					qd   = eb.Quad
					diam = est.Space.Mesh.Diameter(active[i])
				)
				for k, b := range eb.Functions {
					var acc float64
					nonzero := false
					for q, rn := range work[i].res {
						v := eb.Val[k][q]
						if v != 0 {
							nonzero = true
						}
						acc += rn * rn * qd.Weights[q] * qd.Jacobian[q] * v
					}
					s[b] += acc
					if nonzero {
						h[b] = math.Min(h[b], diam)
					}
				}
			}
			sums[part.ID], hmin[part.ID] = s, h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		pou = est.Space.CoeffPOU()
		out = make([]float64, ndof)
	)
	for b := range out {
		var (
			s float64
			h = math.Inf(1)
		)
		for p := range sums {
			s += sums[p][b]
			h = math.Min(h, hmin[p][b])
		}
		if math.IsInf(h, 1) {
			continue
		}
		out[b] = est.C0 * h * math.Sqrt(math.Max(0, pou[b]*s))
	}
	return out, nil
}
