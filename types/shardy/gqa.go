package shardy

import (
	"github.com/pkg/errors"
)

// QueryHeadsForRank returns the indices of the query heads held by a tensor parallel rank when key/value heads are
// replicated kvSizeMultiplier times to be split across tpSize ranks (grouped query attention with fewer key/value
// heads than ranks).
//
// Each rank holds the key/value head(s) (kvHeads*kvSizeMultiplier/tpSize of them) of the slice
// [K_0...K_{kv-1}, K_0...K_{kv-1}, ...] it owns, and for each of them numHeads/tpSize/kvHeadsPerRank of the query
// heads of that key/value group. Query heads of the same group are distributed round-robin over the ranks holding
// copies of its key/value head.
//
// Example: with 8 query heads, 2 key/value heads, 8 ranks and a multiplier of 4, rank r holds the query head
// 4*(r%2) + r/2.
func QueryHeadsForRank(tpSize, tpRank, numHeads, numKVHeads, kvSizeMultiplier int) ([]int, error) {
	if err := CheckGQADivisibility(tpSize, numHeads, numKVHeads, kvSizeMultiplier); err != nil {
		return nil, err
	}
	if tpRank < 0 || tpRank >= tpSize {
		return nil, errors.Errorf("tensor parallel rank %d out of range for size %d", tpRank, tpSize)
	}
	headsPerRank := numHeads / tpSize
	kvHeadsPerRank := numKVHeads * kvSizeMultiplier / tpSize
	groupSize := numHeads / numKVHeads
	groupSizePerRank := headsPerRank / kvHeadsPerRank

	// The key/value head of each query head position of each rank: arange(kv) repeated kvSizeMultiplier times, each
	// element repeated groupSizePerRank times, split evenly over the ranks.
	keyOf := func(rank, pos int) int {
		flat := rank*headsPerRank + pos
		return (flat / groupSizePerRank) % numKVHeads
	}

	// Offset within the query group: the groupSize/groupSizePerRank blocks of the group are assigned to successive
	// "rounds" of ranks, each round covering all key/value heads.
	ranksPerRound := numKVHeads / kvHeadsPerRank
	headsPerRound := ranksPerRound * headsPerRank
	shiftOf := func(rank, pos int) int {
		flat := rank*headsPerRank + pos
		return (flat / headsPerRound) * groupSizePerRank
	}

	indices := make([]int, 0, headsPerRank)
	for kvIdx := 0; kvIdx < kvHeadsPerRank; kvIdx++ {
		for q := 0; q < groupSizePerRank; q++ {
			pos := kvIdx*groupSizePerRank + q
			indices = append(indices, keyOf(tpRank, pos)*groupSize+shiftOf(tpRank, pos)+q)
		}
	}
	return indices, nil
}

// CheckGQADivisibility checks that numHeads query heads and numKVHeads key/value heads replicated kvSizeMultiplier
// times can be evenly split over tpSize ranks, with whole query groups per key/value head on each rank.
func CheckGQADivisibility(tpSize, numHeads, numKVHeads, kvSizeMultiplier int) error {
	switch {
	case tpSize <= 0 || numHeads <= 0 || numKVHeads <= 0 || kvSizeMultiplier <= 0:
		return errors.Errorf("invalid grouped query attention configuration: tp=%d, heads=%d, kv heads=%d, kv size multiplier=%d",
			tpSize, numHeads, numKVHeads, kvSizeMultiplier)
	case numHeads%numKVHeads != 0:
		return errors.Errorf("number of attention heads %d is not divisible by the number of key/value heads %d",
			numHeads, numKVHeads)
	case numHeads%tpSize != 0:
		return errors.Errorf("number of attention heads %d is not divisible by the tensor parallel size %d", numHeads, tpSize)
	case (numKVHeads*kvSizeMultiplier)%tpSize != 0:
		return errors.Errorf("number of key/value heads %d times the kv size multiplier %d is not divisible by the tensor "+
			"parallel size %d", numKVHeads, kvSizeMultiplier, tpSize)
	}
	headsPerRank := numHeads / tpSize
	kvHeadsPerRank := numKVHeads * kvSizeMultiplier / tpSize
	if headsPerRank%kvHeadsPerRank != 0 {
		return errors.Errorf("%d query heads per rank cannot be evenly grouped over %d key/value heads per rank",
			headsPerRank, kvHeadsPerRank)
	}
	if numKVHeads%kvHeadsPerRank != 0 {
		return errors.Errorf("%d key/value heads cannot be evenly split in groups of %d per rank", numKVHeads, kvHeadsPerRank)
	}
	groupSize := numHeads / numKVHeads
	groupSizePerRank := headsPerRank / kvHeadsPerRank
	if groupSize%groupSizePerRank != 0 {
		return errors.Errorf("query group size %d is not divisible by the %d query heads per group on each rank",
			groupSize, groupSizePerRank)
	}
	return nil
}
