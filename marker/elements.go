package marker

import (
	"fmt"

	"github.com/notargets/IGAdapt/estimator"
	"github.com/notargets/IGAdapt/hspace"
	"github.com/notargets/IGAdapt/mesh"
)

// Decision is the outcome of one MARK step, expressed on active elements
type Decision struct {
	Marked
	Refine  []mesh.ElementID
	Coarsen []mesh.ElementID
}

// Marker turns estimator results into element sets for the mesh
type Marker struct {
	Options
}

// New creates a Marker
func New(opts Options) *Marker {
	if opts.Relaxation == 0 {
		opts.Relaxation = 1
	}
	if opts.NeighbourPasses <= 0 {
		opts.NeighbourPasses = 1
	}
	return &Marker{Options: opts}
}

// Mark marks the indicators of res and converts them to element sets on the
// current mesh of sp. REFINE and COARSEN are disjoint; COARSEN holds only
// complete sibling families above level 0.
func (mk *Marker) Mark(res *estimator.Result, sp *hspace.Space, iter int) (d *Decision, err error) {
	if res == nil || len(res.Values) == 0 {
		return nil, ErrEmptyIndicatorSet
	}
	marked, err := Mark(res.Values, mk.Options, iter)
	if err != nil {
		return
	}
	d = &Decision{Marked: marked}
	if d.Refine, err = ElementsToRefine(sp, res, marked.Refine); err != nil {
		return nil, err
	}
	if mk.MarkNeighbours {
		d.Refine = MarkNeighbours(sp.Mesh, d.Refine, mk.NeighbourPasses)
	}
	if mk.DoCoarsening {
		if d.Coarsen, err = ElementsToCoarsen(sp, res, marked.Coarsen); err != nil {
			return nil, err
		}
		d.Coarsen = CompleteFamilies(sp.Mesh, d.Coarsen, d.Refine)
	}
	return
}

// ElementsToRefine maps marked indicator indices to active elements. A
// marked function refines every active element of its own level in its
// support.
func ElementsToRefine(sp *hspace.Space, res *estimator.Result, idx []int) ([]mesh.ElementID, error) {
	set := make(map[mesh.ElementID]struct{})
	for _, i := range idx {
		switch res.Flag {
		case estimator.Functions:
			ids, err := sp.ElementsInSupport(i)
			if err != nil {
				return nil, err
			}
			for _, e := range ids {
				set[e] = struct{}{}
			}
		default:
			if i < 0 || i >= len(res.Elements) {
				return nil, fmt.Errorf("indicator %d out of range", i)
			}
			set[res.Elements[i]] = struct{}{}
		}
	}
	return sortedIDs(set), nil
}

// ElementsToCoarsen maps coarsening-marked indices to active elements. For
// the function variant an element qualifies when every active function on
// it is marked.
func ElementsToCoarsen(sp *hspace.Space, res *estimator.Result, idx []int) ([]mesh.ElementID, error) {
	set := make(map[mesh.ElementID]struct{})
	if res.Flag != estimator.Functions {
		for _, i := range idx {
			if i < 0 || i >= len(res.Elements) {
				return nil, fmt.Errorf("indicator %d out of range", i)
			}
			set[res.Elements[i]] = struct{}{}
		}
		return sortedIDs(set), nil
	}
	marked := make(map[int]bool, len(idx))
	for _, i := range idx {
		marked[i] = true
	}
	for _, e := range sp.Mesh.ActiveElements() {
		fns, err := sp.FunctionsOnElement(e)
		if err != nil {
			return nil, err
		}
		all := true
		for _, b := range fns {
			if !marked[b] {
				all = false
				break
			}
		}
		if all {
			set[e] = struct{}{}
		}
	}
	return sortedIDs(set), nil
}

// MarkNeighbours adds face neighbours of marked elements on the same or a
// coarser level. Each further pass adds only strictly coarser neighbours of
// the elements the previous pass added, so the expansion stops after at
// most passes rings.
func MarkNeighbours(hm *mesh.HierarchicalMesh, marked []mesh.ElementID, passes int) []mesh.ElementID {
	set := make(map[mesh.ElementID]struct{}, len(marked))
	for _, e := range marked {
		set[e] = struct{}{}
	}
	front := marked
	for pass := 0; pass < passes && len(front) > 0; pass++ {
		var next []mesh.ElementID
		for _, e := range front {
			for _, n := range hm.FaceNeighbours(e) {
				if n.Level > e.Level || (pass > 0 && n.Level == e.Level) {
					continue
				}
				if _, ok := set[n]; ok {
					continue
				}
				set[n] = struct{}{}
				next = append(next, n)
			}
		}
		front = next
	}
	return sortedIDs(set)
}

// CompleteFamilies keeps the candidates whose parent has every child in the
// candidate set and none in exclude. Level 0 elements have no parent and
// are dropped.
func CompleteFamilies(hm *mesh.HierarchicalMesh, candidates, exclude []mesh.ElementID) []mesh.ElementID {
	var (
		cand    = make(map[mesh.ElementID]struct{}, len(candidates))
		skip    = make(map[mesh.ElementID]struct{}, len(exclude))
		parents = make(map[mesh.ElementID]struct{})
		out     = make(map[mesh.ElementID]struct{})
	)
	for _, e := range exclude {
		skip[e] = struct{}{}
	}
	for _, e := range candidates {
		if _, ok := skip[e]; ok {
			continue
		}
		cand[e] = struct{}{}
		if p, ok := hm.Parent(e); ok {
			parents[p] = struct{}{}
		}
	}
	for p := range parents {
		kids := hm.Children(p)
		complete := true
		for _, c := range kids {
			if _, ok := cand[c]; !ok || !hm.IsActive(c) {
				complete = false
				break
			}
		}
		if complete {
			for _, c := range kids {
				out[c] = struct{}{}
			}
		}
	}
	return sortedIDs(out)
}

func sortedIDs(set map[mesh.ElementID]struct{}) []mesh.ElementID {
	out := make([]mesh.ElementID, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	mesh.SortIDs(out)
	return out
}
