package hspace

import (
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
)

// Strategy selects how coarse functions are represented on finer levels.
// It is fixed at construction and used consistently by the subdivision
// matrices, evaluation and the partition-of-unity weights.
type Strategy interface {
	Name() string
	// Truncated reports whether coarse functions are truncated
	Truncated() bool
	// drops reports whether the lifted coarse contribution to a level-ℓ
	// row is reproduced by finer functions; inside holds the level-ℓ
	// functions whose support lies in Ω_ℓ
	drops(row int, inside *roaring.Bitmap) bool
	// partitionOfUnity returns coeff_pou for the current active basis
	partitionOfUnity(s *Space) []float64
}

var (
	// Standard is the classical hierarchical B-spline basis
	Standard Strategy = standard{}
	// Truncated is the truncated hierarchical B-spline basis (THB)
	Truncated Strategy = truncated{}
)

// ParseStrategy maps a configuration name to a Strategy
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "standard", "hb", "":
		return Standard, nil
	case "truncated", "thb":
		return Truncated, nil
	}
	return nil, fmt.Errorf("unknown basis strategy %q", name)
}

type standard struct{}

func (standard) Name() string    { return "standard" }
func (standard) Truncated() bool { return false }

func (standard) drops(int, *roaring.Bitmap) bool { return false }

// partitionOfUnity peels the constant function level by level: active
// functions keep their coefficient, the remainder is refined to the next level
func (standard) partitionOfUnity(s *Space) []float64 {
	var (
		pou = make([]float64, s.NDOF())
		d   = make([]float64, s.bases[0].NumFunctions())
	)
	for i := range d {
		d[i] = 1
	}
	for l := 0; l < s.NumLevels(); l++ {
		for _, i := range s.active[l].ToArray() {
			pou[s.offsets[l]+int(s.active[l].Rank(i))-1] = d[i]
			d[i] = 0
		}
		if l == s.NumLevels()-1 {
			break
		}
		next := make([]float64, s.bases[l+1].NumFunctions())
		s.ref[l].MulVecTo(next, false, d)
		d = next
	}
	return pou
}

type truncated struct{}

func (truncated) Name() string    { return "truncated" }
func (truncated) Truncated() bool { return true }

func (truncated) drops(row int, inside *roaring.Bitmap) bool { return inside.Contains(uint32(row)) }

// truncated functions form a partition of unity with unit weights
func (truncated) partitionOfUnity(s *Space) []float64 {
	pou := make([]float64, s.NDOF())
	for i := range pou {
		pou[i] = 1
	}
	return pou
}
