package mesh

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/notargets/IGAdapt/quadrature"
)

// ErrInvalidRefinement is returned when an element cannot be refined: it is
// unknown, not active, or already at the maximum level
var ErrInvalidRefinement = errors.New("invalid refinement")

// Status classifies a level-ℓ cell relative to the active mesh
type Status uint8

const (
	Outside Status = iota // Covered by an active element of a coarser level
	Active                // Active leaf element
	Refined               // Deactivated, superseded by its children
)

// Options configures a HierarchicalMesh
type Options struct {
	Subdivisions []int // Level-0 elements per direction
	Geometry     Box   // Physical image of [0,1]^d, defaults to the unit cube
	MaxLevel     int   // Finest level that may be created
	QuadPoints   []int // Gauss points per direction
}

// HierarchicalMesh is a stack of dyadically nested LevelMesh grids and the
// set of active elements across them. Level ℓ cells are either Active,
// Refined (children live on ℓ+1) or Outside (inside a coarser active element).
type HierarchicalMesh struct {
	Dim      int
	Geometry Box
	MaxLevel int
	Levels   []*LevelMesh

	base    []int
	quad    quadrature.Tensor
	active  []*roaring.Bitmap
	refined []*roaring.Bitmap
}

// NewHierarchicalMesh creates a mesh whose only level is fully active
func NewHierarchicalMesh(opts Options) (hm *HierarchicalMesh, err error) {
	d := len(opts.Subdivisions)
	if d < 1 || d > 3 {
		return nil, fmt.Errorf("unsupported dimension %d", d)
	}
	for k, n := range opts.Subdivisions {
		if n < 1 {
			return nil, fmt.Errorf("direction %d: subdivisions must be >= 1, got %d", k, n)
		}
	}
	if opts.MaxLevel < 0 {
		return nil, fmt.Errorf("max level must be >= 0, got %d", opts.MaxLevel)
	}
	geo := opts.Geometry
	if len(geo.Lo) == 0 {
		geo = UnitBox(d)
	}
	if len(geo.Lo) != d || len(geo.Hi) != d {
		return nil, fmt.Errorf("geometry has dimension %d, expected %d", len(geo.Lo), d)
	}
	for k := 0; k < d; k++ {
		if geo.Scale(k) <= 0 {
			return nil, fmt.Errorf("geometry direction %d is degenerate", k)
		}
	}
	qp := opts.QuadPoints
	if len(qp) == 0 {
		qp = make([]int, d)
		for k := range qp {
			qp[k] = 3
		}
	}
	quad, err := quadrature.NewTensor(qp)
	if err != nil {
		return nil, err
	}
	hm = &HierarchicalMesh{
		Dim:      d,
		Geometry: geo,
		MaxLevel: opts.MaxLevel,
		base:     append([]int(nil), opts.Subdivisions...),
		quad:     quad,
	}
	hm.addLevel()
	hm.active[0].AddRange(0, uint64(hm.Levels[0].NumElements()))
	return
}

func (hm *HierarchicalMesh) addLevel() {
	l := len(hm.Levels)
	hm.Levels = append(hm.Levels, newLevelMesh(l, hm.base, hm.quad))
	hm.active = append(hm.active, roaring.New())
	hm.refined = append(hm.refined, roaring.New())
}

// NumLevels returns the number of levels created so far
func (hm *HierarchicalMesh) NumLevels() int { return len(hm.Levels) }

// NumChildren returns the number of children of every element (2^dim)
func (hm *HierarchicalMesh) NumChildren() int { return 1 << uint(hm.Dim) }

// Base returns the number of level-0 elements per direction
func (hm *HierarchicalMesh) Base() []int { return append([]int(nil), hm.base...) }

// QuadPoints returns the number of Gauss points per direction
func (hm *HierarchicalMesh) QuadPoints() []int { return hm.quad.Sizes() }

func (hm *HierarchicalMesh) valid(id ElementID) bool {
	return id.Level >= 0 && id.Level < len(hm.Levels) &&
		id.Index >= 0 && id.Index < hm.Levels[id.Level].NumElements()
}

// Status returns the state of a cell; cells on levels not yet created are Outside
func (hm *HierarchicalMesh) Status(id ElementID) Status {
	if !hm.valid(id) {
		return Outside
	}
	switch {
	case hm.active[id.Level].Contains(uint32(id.Index)):
		return Active
	case hm.refined[id.Level].Contains(uint32(id.Index)):
		return Refined
	}
	return Outside
}

// IsActive reports whether id is an active element
func (hm *HierarchicalMesh) IsActive(id ElementID) bool { return hm.Status(id) == Active }

// IsRefined reports whether id has been superseded by its children
func (hm *HierarchicalMesh) IsRefined(id ElementID) bool { return hm.Status(id) == Refined }

// Parent returns the level ℓ-1 element containing id
func (hm *HierarchicalMesh) Parent(id ElementID) (p ElementID, ok bool) {
	if id.Level == 0 || !hm.valid(id) {
		return
	}
	m := hm.Levels[id.Level].MultiIndex(id.Index)
	for k := range m {
		m[k] /= 2
	}
	return ElementID{Level: id.Level - 1, Index: hm.coarseIndex(id.Level-1, m)}, true
}

func (hm *HierarchicalMesh) coarseIndex(level int, m []int) int {
	flat, stride := 0, 1
	for k, n := range hm.base {
		s := n << uint(level)
		flat += m[k] * stride
		stride *= s
	}
	return flat
}

// Children returns the 2^dim children of id on level ℓ+1, whether or not
// that level has been created yet
func (hm *HierarchicalMesh) Children(id ElementID) []ElementID {
	var (
		m  = hm.Levels[id.Level].MultiIndex(id.Index)
		nc = hm.NumChildren()
		cm = make([]int, hm.Dim)
	)
	out := make([]ElementID, nc)
	for c := 0; c < nc; c++ {
		for k := 0; k < hm.Dim; k++ {
			cm[k] = 2*m[k] + (c>>uint(k))&1
		}
		out[c] = ElementID{Level: id.Level + 1, Index: hm.coarseIndex(id.Level+1, cm)}
	}
	return out
}

// Refine deactivates every element of set and activates its children. The
// whole call fails with ErrInvalidRefinement, without mutating the mesh, if
// any element is unknown, inactive or already on MaxLevel.
func (hm *HierarchicalMesh) Refine(set []ElementID) (err error) {
	todo := make([]ElementID, 0, len(set))
	seen := make(map[ElementID]struct{}, len(set))
	for _, id := range set {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		switch {
		case !hm.valid(id):
			return fmt.Errorf("%w: element %v does not exist", ErrInvalidRefinement, id)
		case !hm.IsActive(id):
			return fmt.Errorf("%w: element %v is not active", ErrInvalidRefinement, id)
		case id.Level+1 > hm.MaxLevel:
			return fmt.Errorf("%w: element %v is on the maximum level %d",
				ErrInvalidRefinement, id, hm.MaxLevel)
		}
		todo = append(todo, id)
	}
	for _, id := range todo {
		if id.Level+1 >= len(hm.Levels) {
			hm.addLevel()
		}
		hm.active[id.Level].Remove(uint32(id.Index))
		hm.refined[id.Level].Add(uint32(id.Index))
		for _, c := range hm.Children(id) {
			hm.active[c.Level].Add(uint32(c.Index))
		}
	}
	return
}

// Coarsen reactivates every parent whose complete family of children is
// active and contained in set. Families that are only partly in set are left
// untouched; complete is false when any such family, or any level-0 element,
// was proposed.
func (hm *HierarchicalMesh) Coarsen(set []ElementID) (reactivated []ElementID, complete bool) {
	complete = true
	marked := make(map[ElementID]struct{}, len(set))
	parents := make([]ElementID, 0)
	seenParent := make(map[ElementID]struct{})
	for _, id := range set {
		marked[id] = struct{}{}
	}
	for _, id := range set {
		p, ok := hm.Parent(id)
		if !ok {
			complete = false
			continue
		}
		if _, dup := seenParent[p]; dup {
			continue
		}
		seenParent[p] = struct{}{}
		parents = append(parents, p)
	}
	SortIDs(parents)
	for _, p := range parents {
		kids := hm.Children(p)
		family := true
		for _, c := range kids {
			if _, in := marked[c]; !in || !hm.IsActive(c) {
				family = false
				break
			}
		}
		if !family {
			complete = false
			continue
		}
		for _, c := range kids {
			hm.active[c.Level].Remove(uint32(c.Index))
		}
		hm.refined[p.Level].Remove(uint32(p.Index))
		hm.active[p.Level].Add(uint32(p.Index))
		reactivated = append(reactivated, p)
	}
	return
}

// ActiveElements returns the active elements ordered by level, then index
func (hm *HierarchicalMesh) ActiveElements() []ElementID {
	out := make([]ElementID, 0, hm.NumActive())
	for l, bm := range hm.active {
		for _, i := range bm.ToArray() {
			out = append(out, ElementID{Level: l, Index: int(i)})
		}
	}
	return out
}

// ActiveOnLevel returns the active element indices of one level
func (hm *HierarchicalMesh) ActiveOnLevel(level int) []uint32 {
	if level < 0 || level >= len(hm.active) {
		return nil
	}
	return hm.active[level].ToArray()
}

// RefinedOnLevel returns the deactivated element indices of one level
func (hm *HierarchicalMesh) RefinedOnLevel(level int) []uint32 {
	if level < 0 || level >= len(hm.refined) {
		return nil
	}
	return hm.refined[level].ToArray()
}

// NumActive returns the number of active elements
func (hm *HierarchicalMesh) NumActive() int {
	var n uint64
	for _, bm := range hm.active {
		n += bm.GetCardinality()
	}
	return int(n)
}

// CountsPerLevel returns the number of active elements on every level
func (hm *HierarchicalMesh) CountsPerLevel() []int {
	out := make([]int, len(hm.active))
	for l, bm := range hm.active {
		out[l] = int(bm.GetCardinality())
	}
	return out
}

// FinestActiveLevel returns the highest level holding an active element
func (hm *HierarchicalMesh) FinestActiveLevel() int {
	for l := len(hm.active) - 1; l >= 0; l-- {
		if !hm.active[l].IsEmpty() {
			return l
		}
	}
	return 0
}

// ElementSize returns the largest physical side of element id
func (hm *HierarchicalMesh) ElementSize(id ElementID) float64 {
	size := 0.
	for k := 0; k < hm.Dim; k++ {
		side := hm.Geometry.Scale(k) / float64(hm.base[k]<<uint(id.Level))
		size = math.Max(size, side)
	}
	return size
}

// Diameter returns ElementSize scaled by sqrt(dim)
func (hm *HierarchicalMesh) Diameter(id ElementID) float64 {
	return math.Sqrt(float64(hm.Dim)) * hm.ElementSize(id)
}

// ElementMeasure returns the physical volume of element id
func (hm *HierarchicalMesh) ElementMeasure(id ElementID) float64 {
	m := hm.Geometry.Measure()
	for k := 0; k < hm.Dim; k++ {
		m /= float64(hm.base[k] << uint(id.Level))
	}
	return m
}

// QuadratureData returns the quadrature of an existing element
func (hm *HierarchicalMesh) QuadratureData(id ElementID) (qd QuadratureData, err error) {
	if !hm.valid(id) {
		err = fmt.Errorf("element %v does not exist", id)
		return
	}
	return hm.Levels[id.Level].quadratureData(id.Index, hm.Geometry), nil
}

// ActiveCovering returns the active element covering the level-ℓ cell m.
// ok is false when m is outside the domain or the region is refined beyond ℓ.
func (hm *HierarchicalMesh) ActiveCovering(level int, m []int) (id ElementID, ok bool) {
	if level >= len(hm.Levels) {
		return
	}
	idx := hm.Levels[level].Index(m)
	if idx < 0 {
		return
	}
	id = ElementID{Level: level, Index: idx}
	for {
		switch hm.Status(id) {
		case Active:
			return id, true
		case Refined:
			return id, false
		}
		if id, ok = hm.Parent(id); !ok {
			return
		}
	}
}

// FaceNeighbours returns the active elements sharing a face with id, at any
// level, sorted by level then index
func (hm *HierarchicalMesh) FaceNeighbours(id ElementID) []ElementID {
	var (
		m    = hm.Levels[id.Level].MultiIndex(id.Index)
		nm   = make([]int, hm.Dim)
		out  []ElementID
		seen = make(map[ElementID]struct{})
	)
	add := func(e ElementID) {
		if _, dup := seen[e]; !dup {
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	for k := 0; k < hm.Dim; k++ {
		for _, side := range []int{-1, 1} {
			copy(nm, m)
			nm[k] += side
			if hm.Levels[id.Level].Index(nm) < 0 {
				continue
			}
			nb, ok := hm.ActiveCovering(id.Level, nm)
			if ok {
				add(nb)
				continue
			}
			if nb.Level == id.Level && hm.IsRefined(nb) {
				// neighbour is finer: collect descendants touching the face
				for _, e := range hm.faceDescendants(nb, k, -side) {
					add(e)
				}
			}
		}
	}
	SortIDs(out)
	return out
}

// faceDescendants returns the active descendants of id adjacent to its face
// normal to direction k on side (−1 low, +1 high)
func (hm *HierarchicalMesh) faceDescendants(id ElementID, k, side int) (out []ElementID) {
	want := 0
	if side > 0 {
		want = 1
	}
	for c, child := range hm.Children(id) {
		if (c>>uint(k))&1 != want {
			continue
		}
		switch hm.Status(child) {
		case Active:
			out = append(out, child)
		case Refined:
			out = append(out, hm.faceDescendants(child, k, side)...)
		}
	}
	return
}

// Measure returns the summed physical volume of all active elements
func (hm *HierarchicalMesh) Measure() float64 {
	var m float64
	for l, bm := range hm.active {
		m += float64(bm.GetCardinality()) * hm.ElementMeasure(ElementID{Level: l})
	}
	return m
}

// CheckTiling verifies that the active elements cover the domain exactly once
func (hm *HierarchicalMesh) CheckTiling() error {
	for l := range hm.Levels {
		if hm.active[l].AndCardinality(hm.refined[l]) != 0 {
			return fmt.Errorf("level %d: elements both active and refined", l)
		}
		for _, i := range hm.active[l].ToArray() {
			id := ElementID{Level: l, Index: int(i)}
			for p, ok := hm.Parent(id); ok; p, ok = hm.Parent(p) {
				if !hm.IsRefined(p) {
					return fmt.Errorf("active element %v has ancestor %v that is not refined", id, p)
				}
			}
		}
	}
	total := hm.Geometry.Measure()
	if got := hm.Measure(); math.Abs(got-total) > 1.e-12*total {
		return fmt.Errorf("active elements measure %.15g, domain measure %.15g", got, total)
	}
	return nil
}

// String returns a summary of the mesh state
func (hm *HierarchicalMesh) String() string {
	var sb strings.Builder
	sb.WriteString("=== HierarchicalMesh Summary ===\n")
	sb.WriteString(fmt.Sprintf("  Dimensions: %d\n", hm.Dim))
	sb.WriteString(fmt.Sprintf("  Level-0 subdivisions: %v\n", hm.base))
	sb.WriteString(fmt.Sprintf("  Levels: %d (max %d)\n", len(hm.Levels), hm.MaxLevel))
	for l := range hm.Levels {
		sb.WriteString(fmt.Sprintf("  Level %d: %d active, %d refined of %d\n", l,
			hm.active[l].GetCardinality(), hm.refined[l].GetCardinality(),
			hm.Levels[l].NumElements()))
	}
	sb.WriteString(fmt.Sprintf("  Active elements: %d\n", hm.NumActive()))
	return sb.String()
}

// SortIDs orders ids by level, then index
func SortIDs(ids []ElementID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Level != ids[j].Level {
			return ids[i].Level < ids[j].Level
		}
		return ids[i].Index < ids[j].Index
	})
}
