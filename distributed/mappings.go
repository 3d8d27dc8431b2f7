package distributed

import (
	"context"

	"github.com/gomlx/shardtrain/shapeinference"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
)

// The functions below move activations in and out of the tensor parallel region (where the last axis is split across
// the tensor parallel group) and the sequence parallel region (where the first axis, the sequence, is split).
//
// With a tensor parallel size of 1 they all return their input unchanged.

// ScatterToTensorParallelRegion keeps this rank's part of the last axis.
func ScatterToTensorParallelRegion(ps *ParallelState, t *tensor.Tensor) (*tensor.Tensor, error) {
	return splitForRank(ps, t, -1)
}

// GatherFromTensorParallelRegion concatenates the parts of the last axis of all the tensor parallel ranks.
func GatherFromTensorParallelRegion(ctx context.Context, ps *ParallelState, t *tensor.Tensor) (*tensor.Tensor, error) {
	if ps.TensorParallelSize() == 1 {
		return t, nil
	}
	return ps.comm.AllGather(ctx, ps.tpGroup, t, -1)
}

// ReduceFromTensorParallelRegion sums the partial results of all the tensor parallel ranks.
func ReduceFromTensorParallelRegion(ctx context.Context, ps *ParallelState, t *tensor.Tensor) (*tensor.Tensor, error) {
	if ps.TensorParallelSize() == 1 {
		return t, nil
	}
	return ps.comm.AllReduce(ctx, ps.tpGroup, t, ReduceSum)
}

// ScatterToSequenceParallelRegion keeps this rank's part of the first (sequence) axis.
func ScatterToSequenceParallelRegion(ps *ParallelState, t *tensor.Tensor) (*tensor.Tensor, error) {
	return splitForRank(ps, t, 0)
}

// GatherFromSequenceParallelRegion concatenates the sequence parts of all the tensor parallel ranks.
func GatherFromSequenceParallelRegion(ctx context.Context, ps *ParallelState, t *tensor.Tensor) (*tensor.Tensor, error) {
	if ps.TensorParallelSize() == 1 {
		return t, nil
	}
	return ps.comm.AllGather(ctx, ps.tpGroup, t, 0)
}

// ReduceScatterToSequenceParallelRegion sums the partial results of all the tensor parallel ranks, and keeps this
// rank's part of the sequence axis.
func ReduceScatterToSequenceParallelRegion(ctx context.Context, ps *ParallelState, t *tensor.Tensor) (*tensor.Tensor, error) {
	if ps.TensorParallelSize() == 1 {
		return t, nil
	}
	if _, err := shapeinference.ReduceScatter(t.Shape(), [][]int{ps.tpGroup}, 0); err != nil {
		return nil, err
	}
	reduced, err := ps.comm.AllReduce(ctx, ps.tpGroup, t, ReduceSum)
	if err != nil {
		return nil, err
	}
	return splitForRank(ps, reduced, 0)
}

func splitForRank(ps *ParallelState, t *tensor.Tensor, axis int) (*tensor.Tensor, error) {
	tp := ps.TensorParallelSize()
	if tp == 1 {
		return t, nil
	}
	partShape, err := shapeinference.Split(t.Shape(), axis, tp)
	if err != nil {
		return nil, errors.WithMessagef(err, "splitting across %d tensor parallel ranks", tp)
	}
	length := partShape.Dim(axis)
	return t.Narrow(axis, ps.tpRank*length, length)
}
