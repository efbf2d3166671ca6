package mesh

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// State is a detached copy of the per-level active and refined cell sets
type State struct {
	Active  []*roaring.Bitmap
	Refined []*roaring.Bitmap
}

// State returns a copy of the element sets of every level
func (hm *HierarchicalMesh) State() (st State) {
	st.Active = make([]*roaring.Bitmap, len(hm.active))
	st.Refined = make([]*roaring.Bitmap, len(hm.refined))
	for l := range hm.active {
		st.Active[l] = hm.active[l].Clone()
		st.Refined[l] = hm.refined[l].Clone()
	}
	return
}

// Restore rebuilds a mesh from opts and a saved State, verifying that the
// sets describe a valid hierarchy
func Restore(opts Options, st State) (hm *HierarchicalMesh, err error) {
	if len(st.Active) == 0 || len(st.Active) != len(st.Refined) {
		return nil, fmt.Errorf("state has %d active and %d refined levels", len(st.Active), len(st.Refined))
	}
	if len(st.Active)-1 > opts.MaxLevel {
		return nil, fmt.Errorf("state has %d levels, max level is %d", len(st.Active), opts.MaxLevel)
	}
	if hm, err = NewHierarchicalMesh(opts); err != nil {
		return nil, err
	}
	for len(hm.Levels) < len(st.Active) {
		hm.addLevel()
	}
	for l := range st.Active {
		n := uint64(hm.Levels[l].NumElements())
		for _, bm := range []*roaring.Bitmap{st.Active[l], st.Refined[l]} {
			if !bm.IsEmpty() && uint64(bm.Maximum()) >= n {
				return nil, fmt.Errorf("level %d: element %d out of range", l, bm.Maximum())
			}
		}
		hm.active[l] = st.Active[l].Clone()
		hm.refined[l] = st.Refined[l].Clone()
	}
	for l := 1; l < len(hm.Levels); l++ {
		for _, i := range hm.refined[l].ToArray() {
			id := ElementID{Level: l, Index: int(i)}
			if p, _ := hm.Parent(id); !hm.IsRefined(p) {
				return nil, fmt.Errorf("refined element %v has unrefined parent %v", id, p)
			}
		}
	}
	if err = hm.CheckTiling(); err != nil {
		return nil, err
	}
	return
}
