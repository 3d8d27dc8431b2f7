package data

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Sampler decides the order in which the examples of a dataset are visited.
type Sampler interface {
	// Indices returns the indices of the examples to visit during the given epoch, for a dataset of size n.
	Indices(n, epoch int) []int
}

// SequentialSampler visits the examples in order.
type SequentialSampler struct{}

// Indices implements Sampler.
func (SequentialSampler) Indices(n, _ int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// RandomSampler visits the examples in a random order, different at every epoch and reproducible given the Seed.
type RandomSampler struct {
	Seed uint64
}

// Indices implements Sampler.
func (s RandomSampler) Indices(n, epoch int) []int {
	return permutation(n, s.Seed, epoch)
}

// permutation returns a random permutation of [0, n) that depends only on seed and epoch, so that all ranks agree on
// it.
func permutation(n int, seed uint64, epoch int) []int {
	rng := rand.New(rand.NewPCG(seed, uint64(epoch)))
	return rng.Perm(n)
}

// DistributedSampler restricts the visit of a dataset to the share of one of NumReplicas data parallel replicas.
//
// All replicas order the examples the same way (shuffled with Seed and the epoch if Shuffle is set), then replica r
// takes the examples at positions r, r+NumReplicas, r+2*NumReplicas, ...
//
// If the size of the dataset is not divisible by NumReplicas, DropLast drops the trailing examples so that every
// replica gets the same number of them. Otherwise the order is padded by repeating its first examples.
type DistributedSampler struct {
	NumReplicas, Rank int
	Shuffle           bool
	Seed              uint64
	DropLast          bool
}

// NewDistributedSampler creates a DistributedSampler for the replica rank of numReplicas.
func NewDistributedSampler(numReplicas, rank int, shuffle bool, seed uint64) (*DistributedSampler, error) {
	if numReplicas <= 0 {
		return nil, errors.Errorf("invalid number of replicas %d", numReplicas)
	}
	if rank < 0 || rank >= numReplicas {
		return nil, errors.Errorf("invalid rank %d, it should be in the interval [0, %d)", rank, numReplicas)
	}
	return &DistributedSampler{NumReplicas: numReplicas, Rank: rank, Shuffle: shuffle, Seed: seed}, nil
}

// NumSamples returns the number of examples visited by each replica for a dataset of size n.
func (s *DistributedSampler) NumSamples(n int) int {
	if s.DropLast {
		return n / s.NumReplicas
	}
	return (n + s.NumReplicas - 1) / s.NumReplicas
}

// Indices implements Sampler.
func (s *DistributedSampler) Indices(n, epoch int) []int {
	var order []int
	if s.Shuffle {
		order = permutation(n, s.Seed, epoch)
	} else {
		order = SequentialSampler{}.Indices(n, epoch)
	}
	numSamples := s.NumSamples(n)
	totalSize := numSamples * s.NumReplicas
	if totalSize <= len(order) {
		order = order[:totalSize]
	} else {
		for len(order) > 0 && len(order) < totalSize {
			order = append(order, order[:min(len(order), totalSize-len(order))]...)
		}
	}
	indices := make([]int, 0, numSamples)
	for i := s.Rank; i < len(order); i += s.NumReplicas {
		indices = append(indices, order[i])
	}
	return indices
}
