package marker

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"gonum.org/v1/gonum/floats"
)

// ErrEmptyIndicatorSet is returned when there is nothing to mark from
var ErrEmptyIndicatorSet = errors.New("empty indicator set")

// Strategy converts indicators into a refinement decision
type Strategy uint8

const (
	// MaxStrategy marks indicators at or above markParam · max
	MaxStrategy Strategy = iota
	// GlobalRMS marks indicators at or above markParam · rms
	GlobalRMS
	// Dorfler marks the smallest set carrying markParam² of the total squared indicator
	Dorfler
)

func (s Strategy) String() string {
	switch s {
	case GlobalRMS:
		return "GR"
	case Dorfler:
		return "GERS"
	}
	return "MS"
}

// ParseStrategy maps MS, GR or GERS to a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToUpper(s) {
	case "MS", "MAX", "":
		return MaxStrategy, nil
	case "GR", "RMS":
		return GlobalRMS, nil
	case "GERS", "DORFLER", "DÖRFLER":
		return Dorfler, nil
	}
	return MaxStrategy, fmt.Errorf("unknown marking strategy %q", s)
}

// Options is the adaptivity policy
type Options struct {
	Strategy            Strategy
	MarkParam           float64
	MarkParamCoarsening float64
	Relaxation          float64 // Coarsening threshold factor per iteration, 1 when zero
	DoCoarsening        bool
	MarkNeighbours      bool
	NeighbourPasses     int // Smoothing passes when MarkNeighbours, 1 when zero
}

// Marked holds indices into an indicator slice. Refine and Coarsen are
// disjoint and ascending.
type Marked struct {
	Refine  []int
	Coarsen []int
}

// Mark applies the refinement rule and, when enabled, the coarsening rule
// to the indicators of one adaptive iteration. The coarsening threshold
// markParamCoarsening · relaxation^iter is taken relative to the same
// statistic the strategy uses (max, or rms for GR).
func Mark(values []float64, opts Options, iter int) (m Marked, err error) {
	if len(values) == 0 {
		return m, ErrEmptyIndicatorSet
	}
	for i, v := range values {
		if v < 0 || math.IsNaN(v) {
			return m, fmt.Errorf("indicator %d is %g", i, v)
		}
	}
	switch opts.Strategy {
	case Dorfler:
		m.Refine = dorfler(values, opts.MarkParam)
	default:
		thr := opts.MarkParam * reference(values, opts.Strategy)
		for i, v := range values {
			if v > 0 && v >= thr {
				m.Refine = append(m.Refine, i)
			}
		}
	}
	if !opts.DoCoarsening {
		return
	}
	relax := opts.Relaxation
	if relax == 0 {
		relax = 1
	}
	thr := opts.MarkParamCoarsening * math.Pow(relax, float64(iter)) * reference(values, opts.Strategy)
	refine := roaring.New()
	for _, i := range m.Refine {
		refine.Add(uint32(i))
	}
	for i, v := range values {
		if v <= thr && !refine.Contains(uint32(i)) {
			m.Coarsen = append(m.Coarsen, i)
		}
	}
	return
}

// reference is max(values), or their root mean square for GR
func reference(values []float64, s Strategy) float64 {
	if s == GlobalRMS {
		return floats.Norm(values, 2) / math.Sqrt(float64(len(values)))
	}
	return floats.Max(values)
}

// dorfler returns the smallest index set, largest indicators first, whose
// squared sum reaches theta² of the total
func dorfler(values []float64, theta float64) []int {
	total := floats.Dot(values, values)
	if total == 0 {
		return nil
	}
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] > values[order[b]] })
	var (
		goal = theta * theta * total
		acc  float64
		out  []int
	)
	for _, i := range order {
		if acc >= goal || values[i] == 0 {
			break
		}
		out = append(out, i)
		acc += values[i] * values[i]
	}
	sort.Ints(out)
	return out
}
