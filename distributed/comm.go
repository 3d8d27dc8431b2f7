// Package distributed holds the process topology used during training, the collective operations ranks use to
// exchange tensors, and the tensor and sequence parallel regions built on top of them.
//
// Collectives are blocking: every rank of the group must reach the same call (in the same order) for any of them to
// return. A rank that never arrives blocks the others until their context is cancelled.
package distributed

import (
	"context"
	"fmt"

	"github.com/gomlx/shardtrain/tensor"
)

// ReduceOp is the reduction applied by AllReduce.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMax
	ReduceMean
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceMax:
		return "max"
	case ReduceMean:
		return "mean"
	}
	return fmt.Sprintf("ReduceOp(%d)", int(op))
}

// Communicator executes collectives for one rank.
//
// Groups are given as the sorted list of global ranks taking part in the collective; the calling rank must be one
// of them. Results are new tensors, the inputs are never modified.
type Communicator interface {
	// Rank is the global rank of this process.
	Rank() int

	// WorldSize is the total number of ranks.
	WorldSize() int

	// AllReduce reduces t across the group, every member gets the result.
	AllReduce(ctx context.Context, group []int, t *tensor.Tensor, op ReduceOp) (*tensor.Tensor, error)

	// AllGather concatenates the tensors of all members, in group order, along axis.
	AllGather(ctx context.Context, group []int, t *tensor.Tensor, axis int) (*tensor.Tensor, error)

	// Broadcast returns the tensor of the root rank (a global rank, member of the group) to every member.
	Broadcast(ctx context.Context, group []int, t *tensor.Tensor, root int) (*tensor.Tensor, error)

	// Barrier returns once all members of the group have reached it.
	Barrier(ctx context.Context, group []int) error

	// GatherObjects returns the values given by each member, in group order. Values are shared, not copied.
	GatherObjects(ctx context.Context, group []int, value any) ([]any, error)
}
