package partitions

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// PartitionStrategy defines how elements are grouped
type PartitionStrategy int

const (
	BlockPartition    PartitionStrategy = iota // Consecutive elements
	RoundRobin                                 // Distribute cyclically
	WeightedPartition                          // Greedy balance on element weights
)

func (ps PartitionStrategy) String() string {
	switch ps {
	case RoundRobin:
		return "round_robin"
	case WeightedPartition:
		return "weighted"
	}
	return "block"
}

// ParsePartitionStrategy maps block, round_robin or weighted to a strategy
func ParsePartitionStrategy(s string) (PartitionStrategy, error) {
	switch strings.ToLower(s) {
	case "block", "":
		return BlockPartition, nil
	case "round_robin", "roundrobin":
		return RoundRobin, nil
	case "weighted":
		return WeightedPartition, nil
	}
	return BlockPartition, fmt.Errorf("unknown partition strategy %q", s)
}

// PartitionBuilder splits a list of elements into worker partitions
type PartitionBuilder struct {
	NumElements int
	Weights     []float64 // Optional per-element cost, unit when nil

	// Partitioning parameters
	NumPartitions       int // Fixed count, takes precedence when > 0
	TargetPartitionSize int // Desired elements per partition
	Strategy            PartitionStrategy
}

// BuildPartitions creates a partition layout
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	if pb.NumElements < 0 {
		return nil, fmt.Errorf("negative element count %d", pb.NumElements)
	}
	if pb.Weights != nil && len(pb.Weights) != pb.NumElements {
		return nil, fmt.Errorf("have %d weights for %d elements", len(pb.Weights), pb.NumElements)
	}
	numPartitions := pb.calculateNumPartitions()
	eToP := pb.partitionElements(numPartitions)
	partitions := pb.createPartitions(eToP, numPartitions)

	layout := &PartitionLayout{
		Partitions:    partitions,
		KpartMax:      calculateKpartMax(partitions),
		TotalElements: pb.NumElements,
		NumPartitions: numPartitions,
		EToP:          eToP,
	}
	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}
	return layout, nil
}

// calculateNumPartitions determines the partition count, never more than
// the number of elements
func (pb *PartitionBuilder) calculateNumPartitions() (numPartitions int) {
	switch {
	case pb.NumPartitions > 0:
		numPartitions = pb.NumPartitions
	case pb.TargetPartitionSize > 0:
		numPartitions = int(math.Ceil(float64(pb.NumElements) / float64(pb.TargetPartitionSize)))
	default:
		numPartitions = 1
	}
	if numPartitions > pb.NumElements {
		numPartitions = pb.NumElements
	}
	if numPartitions < 1 {
		numPartitions = 1
	}
	return
}

func (pb *PartitionBuilder) weight(i int) float64 {
	if pb.Weights == nil {
		return 1
	}
	return pb.Weights[i]
}

// partitionElements assigns elements to partitions
func (pb *PartitionBuilder) partitionElements(numPartitions int) []int {
	eToP := make([]int, pb.NumElements)
	switch pb.Strategy {
	case RoundRobin:
		for i := range eToP {
			eToP[i] = i % numPartitions
		}
	case WeightedPartition:
		// Heaviest first onto the lightest partition
		order := make([]int, pb.NumElements)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return pb.weight(order[a]) > pb.weight(order[b]) })
		load := make([]float64, numPartitions)
		for _, i := range order {
			best := 0
			for p := 1; p < numPartitions; p++ {
				if load[p] < load[best] {
					best = p
				}
			}
			eToP[i] = best
			load[best] += pb.weight(i)
		}
	default:
		elementsPerPartition := int(math.Ceil(float64(pb.NumElements) / float64(numPartitions)))
		for i := range eToP {
			eToP[i] = i / elementsPerPartition
			if eToP[i] >= numPartitions {
				eToP[i] = numPartitions - 1
			}
		}
	}
	return eToP
}

// createPartitions builds partition structures from element assignments
func (pb *PartitionBuilder) createPartitions(eToP []int, numPartitions int) []Partition {
	partitions := make([]Partition, numPartitions)
	for i := range partitions {
		partitions[i] = Partition{ID: i, Elements: make([]int, 0)}
	}
	for elem, part := range eToP {
		partitions[part].Elements = append(partitions[part].Elements, elem)
		partitions[part].NumElements++
		partitions[part].Cost += pb.weight(elem)
	}
	return partitions
}

// calculateKpartMax finds maximum elements across all partitions
func calculateKpartMax(partitions []Partition) int {
	kpartMax := 0
	for _, p := range partitions {
		if p.NumElements > kpartMax {
			kpartMax = p.NumElements
		}
	}
	return kpartMax
}
