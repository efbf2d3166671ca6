package partitions

import (
	"fmt"
)

// Partition is a group of active elements processed together by one worker
type Partition struct {
	// Unique identifier for this partition
	ID int

	// Element membership, as positions in the active element list
	Elements    []int
	NumElements int
	Cost        float64 // Sum of element weights
}

// PartitionLayout manages the decomposition of the active elements
type PartitionLayout struct {
	Partitions []Partition

	// Global sizing information
	KpartMax      int // max(NumElements) across all partitions
	TotalElements int
	NumPartitions int

	// Element to partition mapping
	EToP []int // Length TotalElements: element k belongs to partition EToP[k]
}

// GetPartition returns the partition containing element k
func (pl *PartitionLayout) GetPartition(elementID int) int {
	if elementID < 0 || elementID >= len(pl.EToP) {
		return -1
	}
	return pl.EToP[elementID]
}

// ValidateLayout checks partition consistency
func (pl *PartitionLayout) ValidateLayout() error {
	actualMax, total := 0, 0
	for _, p := range pl.Partitions {
		if p.NumElements != len(p.Elements) {
			return fmt.Errorf("partition %d: NumElements %d != %d members",
				p.ID, p.NumElements, len(p.Elements))
		}
		for _, e := range p.Elements {
			if pl.GetPartition(e) != p.ID {
				return fmt.Errorf("partition %d: element %d mapped to partition %d",
					p.ID, e, pl.GetPartition(e))
			}
		}
		if p.NumElements > actualMax {
			actualMax = p.NumElements
		}
		total += p.NumElements
	}
	if actualMax != pl.KpartMax {
		return fmt.Errorf("computed KpartMax %d != stored KpartMax %d",
			actualMax, pl.KpartMax)
	}
	if total != pl.TotalElements {
		return fmt.Errorf("partitions hold %d elements, expected %d", total, pl.TotalElements)
	}
	return nil
}

// PartitionStats holds load balance metrics
type PartitionStats struct {
	NumPartitions int
	MinElements   int
	MaxElements   int
	AvgElements   float64
	Imbalance     float64 // Max cost / mean cost
}

// PartitionStatistics computes load balance metrics
func (pl *PartitionLayout) PartitionStatistics() (stats PartitionStats) {
	stats = PartitionStats{NumPartitions: pl.NumPartitions}
	if pl.NumPartitions == 0 {
		return
	}
	stats.AvgElements = float64(pl.TotalElements) / float64(pl.NumPartitions)
	var maxCost, sumCost float64
	for i, p := range pl.Partitions {
		if i == 0 || p.NumElements < stats.MinElements {
			stats.MinElements = p.NumElements
		}
		if p.NumElements > stats.MaxElements {
			stats.MaxElements = p.NumElements
		}
		if p.Cost > maxCost {
			maxCost = p.Cost
		}
		sumCost += p.Cost
	}
	if sumCost > 0 {
		stats.Imbalance = maxCost / (sumCost / float64(pl.NumPartitions))
	}
	return
}
