// Package shapeinference calculates the shape resulting from the host tensor operations and collectives used to
// shard models, and validates their inputs.
//
// Each function returns the output shape, or an error describing which input was invalid. Sharding code calls these
// before touching any data, so that a bad split is reported with the shapes involved.
package shapeinference

import (
	"slices"

	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/pkg/errors"
)

// AdjustAxisToRank returns a positive axis, adjusting negative numbers to the correct rank.
func AdjustAxisToRank(axis, rank int) (int, error) {
	if axis < -rank || axis >= rank {
		return -1, errors.Errorf("axis %d is out of range for the rank %d", axis, rank)
	}
	if axis < 0 {
		axis += rank
	}
	return axis, nil
}

// Transpose returns the shape of the operand with its axes permuted: output axis i is operand axis permutation[i].
// Every axis must appear exactly once in permutation.
func Transpose(operand shapes.Shape, permutation []int) (output shapes.Shape, err error) {
	rank := operand.Rank()
	if len(permutation) != rank {
		return shapes.Invalid(), errors.Errorf("Transpose(%s): permutation %v must list the %d axes", operand, permutation, rank)
	}
	seen := make([]bool, rank)
	output = operand.Clone()
	for i, axis := range permutation {
		if axis < 0 || axis >= rank {
			return shapes.Invalid(), errors.Errorf("Transpose(%s): axis %d of permutation %v is out of range", operand, axis, permutation)
		}
		if seen[axis] {
			return shapes.Invalid(), errors.Errorf("Transpose(%s): axis %d appears twice in permutation %v", operand, axis, permutation)
		}
		seen[axis] = true
		output.Dimensions[i] = operand.Dimensions[axis]
	}
	return output, nil
}

// Concatenate returns the shape of the inputs joined along axis. The inputs must have the same dtype, and the same
// dimensions except for axis.
func Concatenate(inputs []shapes.Shape, axis int) (output shapes.Shape, err error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.New("Concatenate: no inputs")
	}
	first := inputs[0]
	if !first.Ok() {
		return shapes.Invalid(), errors.Errorf("Concatenate: invalid input #0 %s", first)
	}
	if axis < 0 || axis >= first.Rank() {
		return shapes.Invalid(), errors.Errorf("Concatenate: axis %d is out of range for inputs of rank %d", axis, first.Rank())
	}
	output = first.Clone()
	for i, input := range inputs[1:] {
		if input.DType != first.DType || input.Rank() != first.Rank() {
			return shapes.Invalid(), errors.Errorf("Concatenate: input #%d %s doesn't match input #0 %s", i+1, input, first)
		}
		for d, dim := range input.Dimensions {
			if d == axis {
				output.Dimensions[d] += dim
			} else if dim != first.Dimensions[d] {
				return shapes.Invalid(), errors.Errorf("Concatenate: input #%d %s differs from input #0 %s on axis %d",
					i+1, input, first, d)
			}
		}
	}
	return output, nil
}

// Narrow returns the shape of the contiguous range [start, start+length) of the operand along axis.
func Narrow(operand shapes.Shape, axis, start, length int) (output shapes.Shape, err error) {
	if !operand.Ok() {
		return shapes.Invalid(), errors.Errorf("Narrow: invalid operand shape %s", operand)
	}
	axis, err = AdjustAxisToRank(axis, operand.Rank())
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "Narrow(%s)", operand)
	}
	if length <= 0 {
		return shapes.Invalid(), errors.Errorf("Narrow(%s): length must be positive, got %d", operand, length)
	}
	if start < 0 || start+length > operand.Dimensions[axis] {
		return shapes.Invalid(), errors.Errorf("Narrow(%s): range [%d, %d) is out of bounds for axis %d",
			operand, start, start+length, axis)
	}
	output = operand.Clone()
	output.Dimensions[axis] = length
	return output, nil
}

// Split returns the shape of each of the numChunks equal parts of operand along axis.
//
// The axis dimension must be divisible by numChunks.
func Split(operand shapes.Shape, axis, numChunks int) (output shapes.Shape, err error) {
	if !operand.Ok() {
		return shapes.Invalid(), errors.Errorf("Split: invalid operand shape %s", operand)
	}
	axis, err = AdjustAxisToRank(axis, operand.Rank())
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "Split(%s)", operand)
	}
	if numChunks <= 0 {
		return shapes.Invalid(), errors.Errorf("Split(%s): number of chunks must be positive, got %d", operand, numChunks)
	}
	if operand.Dimensions[axis]%numChunks != 0 {
		return shapes.Invalid(), errors.Errorf("Split(%s): dimension %d of axis %d is not divisible by %d",
			operand, operand.Dimensions[axis], axis, numChunks)
	}
	output = operand.Clone()
	output.Dimensions[axis] /= numChunks
	return output, nil
}

// Reshape validates that the new dimensions hold the same number of elements. One dimension can be -1, in which
// case it is inferred.
func Reshape(operand shapes.Shape, dimensions []int) (output shapes.Shape, err error) {
	if !operand.Ok() {
		return shapes.Invalid(), errors.Errorf("Reshape: invalid operand shape %s", operand)
	}
	output = shapes.Shape{DType: operand.DType, Dimensions: slices.Clone(dimensions)}
	inferredAxis := -1
	size := 1
	for axis, dim := range dimensions {
		switch {
		case dim == -1 && inferredAxis == -1:
			inferredAxis = axis
		case dim == -1:
			return shapes.Invalid(), errors.Errorf("Reshape(%s, %v): only one dimension can be -1", operand, dimensions)
		case dim < 0:
			return shapes.Invalid(), errors.Errorf("Reshape(%s, %v): negative dimension %d", operand, dimensions, dim)
		default:
			size *= dim
		}
	}
	if inferredAxis >= 0 {
		if size == 0 || operand.Size()%size != 0 {
			return shapes.Invalid(), errors.Errorf("Reshape(%s, %v): cannot infer dimension", operand, dimensions)
		}
		output.Dimensions[inferredAxis] = operand.Size() / size
		size *= output.Dimensions[inferredAxis]
	}
	if size != operand.Size() {
		return shapes.Invalid(), errors.Errorf("Reshape(%s, %v): size mismatch, %d elements cannot be reshaped to %d",
			operand, dimensions, operand.Size(), size)
	}
	return output, nil
}

// Linear returns the output shape of input x weight^T, where input is [..., in] and weight is [out, in].
func Linear(input, weight shapes.Shape) (output shapes.Shape, err error) {
	if !input.Ok() || input.Rank() < 1 {
		return shapes.Invalid(), errors.Errorf("Linear: invalid input shape %s", input)
	}
	if weight.Rank() != 2 {
		return shapes.Invalid(), errors.Errorf("Linear: weight must have rank 2, got %s", weight)
	}
	if input.Dim(-1) != weight.Dim(1) {
		return shapes.Invalid(), errors.Errorf("Linear: input features %d (input %s) don't match weight %s",
			input.Dim(-1), input, weight)
	}
	output = input.Clone()
	output.Dimensions[input.Rank()-1] = weight.Dim(0)
	return output, nil
}

// IndexSelect returns the shape of selecting numIndices entries of operand along axis.
func IndexSelect(operand shapes.Shape, axis, numIndices int) (output shapes.Shape, err error) {
	axis, err = AdjustAxisToRank(axis, operand.Rank())
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "IndexSelect(%s)", operand)
	}
	output = operand.Clone()
	output.Dimensions[axis] = numIndices
	return output, nil
}

// checkGroups validates the replica groups of a collective: at least one, none empty, all of the same size.
func checkGroups(op string, groups [][]int) error {
	if len(groups) == 0 {
		return errors.Errorf("%s: no replica groups", op)
	}
	for i, group := range groups {
		if len(group) == 0 || len(group) != len(groups[0]) {
			return errors.Errorf("%s: replica group #%d has %d ranks, group #0 has %d", op, i, len(group), len(groups[0]))
		}
	}
	return nil
}

// CollectiveBroadcast returns the shape received by every member of the group: the operand's.
func CollectiveBroadcast(operand shapes.Shape, replicaGroups [][]int) (output shapes.Shape, err error) {
	if !operand.Ok() {
		return shapes.Invalid(), errors.Errorf("CollectiveBroadcast: invalid operand shape %s", operand)
	}
	if err = checkGroups("CollectiveBroadcast", replicaGroups); err != nil {
		return shapes.Invalid(), err
	}
	return operand.Clone(), nil
}

// AllGather returns the shape of the operands of a group concatenated along axis.
func AllGather(operand shapes.Shape, replicaGroups [][]int, axis int) (output shapes.Shape, err error) {
	if !operand.Ok() {
		return shapes.Invalid(), errors.Errorf("AllGather: invalid operand shape %s", operand)
	}
	if err = checkGroups("AllGather", replicaGroups); err != nil {
		return shapes.Invalid(), err
	}
	if axis < 0 || axis >= operand.Rank() {
		return shapes.Invalid(), errors.Errorf("AllGather(%s): axis %d is out of range", operand, axis)
	}
	output = operand.Clone()
	output.Dimensions[axis] *= len(replicaGroups[0])
	return output, nil
}

// AllReduce returns the shapes of reduced operands, which are unchanged. All operands must share the same dtype.
func AllReduce(operands []shapes.Shape, replicaGroups [][]int) (outputs []shapes.Shape, err error) {
	if len(operands) == 0 {
		return nil, errors.New("AllReduce: no operands")
	}
	outputs = make([]shapes.Shape, len(operands))
	for i, operand := range operands {
		if !operand.Ok() || operand.DType != operands[0].DType {
			return nil, errors.Errorf("AllReduce: operand #%d %s doesn't match operand #0 %s", i, operand, operands[0])
		}
		outputs[i] = operand.Clone()
	}
	if err = checkGroups("AllReduce", replicaGroups); err != nil {
		return nil, err
	}
	return outputs, nil
}

// ReduceScatter returns the output shape of a reduce_scatter: the reduced tensor split along scatterDim, one part per
// member of the replica group.
func ReduceScatter(operand shapes.Shape, replicaGroups [][]int, scatterDim int) (output shapes.Shape, err error) {
	if _, err = AllReduce([]shapes.Shape{operand}, replicaGroups); err != nil {
		return shapes.Invalid(), errors.WithMessage(err, "ReduceScatter")
	}
	return Split(operand, scatterDim, len(replicaGroups[0]))
}
