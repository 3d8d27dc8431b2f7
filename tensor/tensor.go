// Package tensor implements the host Tensor used to hold parameters, gradients and activations while a model is
// being sharded, checkpointed or run on the host.
//
// Values are kept in a flat float32 slice in row-major order, tagged with the logical dtype of the tensor. Casting to
// a lower precision dtype (BFloat16 or Float16) rounds the values, so a tensor holds exactly what a device tensor of
// that dtype would hold.
//
// All the layout operations (Narrow, Concatenate, Chunk, Transpose, IndexSelect, Reshape) return new tensors and
// validate their arguments with the shapeinference package first.
package tensor

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardtrain/shapeinference"
	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/pkg/errors"
)

// Tensor is a dense multi-dimensional array stored on the host.
type Tensor struct {
	shape shapes.Shape
	flat  []float32
}

// Zeros creates a tensor with the given dtype and dimensions, filled with zeros.
func Zeros(dtype dtypes.DType, dimensions ...int) *Tensor {
	shape := shapes.Make(dtype, dimensions...)
	return &Tensor{shape: shape, flat: make([]float32, shape.Size())}
}

// FromShape creates a zero tensor with the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape.Clone(), flat: make([]float32, shape.Size())}
}

// FromFlat creates a tensor from values in row-major order. The data is not copied.
//
// Values are rounded to the precision of the shape's dtype.
func FromFlat(shape shapes.Shape, flat []float32) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("tensor.FromFlat: invalid shape %s", shape)
	}
	if len(flat) != shape.Size() {
		return nil, errors.Errorf("tensor.FromFlat: shape %s requires %d values, got %d", shape, shape.Size(), len(flat))
	}
	t := &Tensor{shape: shape.Clone(), flat: flat}
	t.round()
	return t, nil
}

// FromValue creates a tensor from a Go scalar or (multi-dimensional) slice of ints or floats.
//
// Example:
//
//	t, _ := tensor.FromValue([][]float32{{1, 2}, {3, 4}})  // (Float32)[2 2]
func FromValue(value any) (*Tensor, error) {
	shape, values, err := shapes.FlattenAnyValue(value)
	if err != nil {
		return nil, errors.WithMessage(err, "tensor.FromValue")
	}
	flat := make([]float32, len(values))
	for i, v := range values {
		flat[i] = float32(v)
	}
	return FromFlat(shape, flat)
}

// Arange returns a Float32 tensor with the values 0, 1, ..., size-1, reshaped to the given dimensions.
// It is used to build recognizable weights in tests and tools.
func Arange(dimensions ...int) *Tensor {
	t := Zeros(dtypes.Float32, dimensions...)
	for i := range t.flat {
		t.flat[i] = float32(i)
	}
	return t
}

// Shape returns the shape of the tensor. It shouldn't be modified.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Dim returns the dimension of the axis, which can be negative.
func (t *Tensor) Dim(axis int) int { return t.shape.Dim(axis) }

// Size is the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Flat returns the values in row-major order. The returned slice is shared with the tensor.
func (t *Tensor) Flat() []float32 { return t.flat }

// Value returns the element at the given indices.
func (t *Tensor) Value(indices ...int) float32 {
	if len(indices) != t.Rank() {
		panic(errors.Errorf("Tensor.Value requires %d indices for shape %s, got %d", t.Rank(), t.shape, len(indices)))
	}
	idx := 0
	for axis, i := range indices {
		idx = idx*t.shape.Dimensions[axis] + i
	}
	return t.flat[idx]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// Equal returns whether both tensors have the same shape and exactly the same values.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	for i, v := range t.flat {
		if v != other.flat[i] && !(math.IsNaN(float64(v)) && math.IsNaN(float64(other.flat[i]))) {
			return false
		}
	}
	return true
}

// InDelta returns whether both tensors have the same dimensions and values within delta of each other.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.EqualDimensions(other.shape) {
		return false
	}
	for i, v := range t.flat {
		if math.Abs(float64(v)-float64(other.flat[i])) > delta {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer. Large tensors only print their shape.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	if t.Size() > 32 {
		return fmt.Sprintf("Tensor%s", t.shape)
	}
	return fmt.Sprintf("Tensor%s%v", t.shape, t.flat)
}

// strides returns the row-major strides of the tensor's axes.
func strides(dimensions []int) []int {
	s := make([]int, len(dimensions))
	stride := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		s[axis] = stride
		stride *= dimensions[axis]
	}
	return s
}

// outerInner returns the number of elements before and after the axis.
func outerInner(dimensions []int, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for i, d := range dimensions {
		if i < axis {
			outer *= d
		} else if i > axis {
			inner *= d
		}
	}
	return
}

// Narrow returns the range [start, start+length) of the tensor along the axis.
func (t *Tensor) Narrow(axis, start, length int) (*Tensor, error) {
	outputShape, err := shapeinference.Narrow(t.shape, axis, start, length)
	if err != nil {
		return nil, err
	}
	axis, _ = shapeinference.AdjustAxisToRank(axis, t.Rank())
	outer, inner := outerInner(t.shape.Dimensions, axis)
	dim := t.shape.Dimensions[axis]
	output := FromShape(outputShape)
	block := length * inner
	for o := 0; o < outer; o++ {
		copy(output.flat[o*block:(o+1)*block], t.flat[(o*dim+start)*inner:(o*dim+start+length)*inner])
	}
	return output, nil
}

// Chunk splits the tensor in numChunks equal parts along the axis.
func (t *Tensor) Chunk(numChunks, axis int) ([]*Tensor, error) {
	chunkShape, err := shapeinference.Split(t.shape, axis, numChunks)
	if err != nil {
		return nil, err
	}
	axis, _ = shapeinference.AdjustAxisToRank(axis, t.Rank())
	length := chunkShape.Dimensions[axis]
	chunks := make([]*Tensor, numChunks)
	for i := range chunks {
		chunks[i], err = t.Narrow(axis, i*length, length)
		if err != nil {
			return nil, err
		}
	}
	return chunks, nil
}

// Concatenate the tensors along the axis. All other dimensions and the dtypes must match.
func Concatenate(tensors []*Tensor, axis int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor.Concatenate requires at least one tensor")
	}
	inputShapes := make([]shapes.Shape, len(tensors))
	for i, t := range tensors {
		inputShapes[i] = t.shape
	}
	axis, err := shapeinference.AdjustAxisToRank(axis, tensors[0].Rank())
	if err != nil {
		return nil, errors.WithMessage(err, "tensor.Concatenate")
	}
	outputShape, err := shapeinference.Concatenate(inputShapes, axis)
	if err != nil {
		return nil, err
	}
	output := FromShape(outputShape)
	outer, inner := outerInner(outputShape.Dimensions, axis)
	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range tensors {
			block := t.shape.Dimensions[axis] * inner
			copy(output.flat[pos:pos+block], t.flat[o*block:(o+1)*block])
			pos += block
		}
	}
	return output, nil
}

// Transpose permutes the axes of the tensor: output.Dim(i) == t.Dim(permutation[i]).
func (t *Tensor) Transpose(permutation ...int) (*Tensor, error) {
	outputShape, err := shapeinference.Transpose(t.shape, permutation)
	if err != nil {
		return nil, err
	}
	output := FromShape(outputShape)
	if t.Rank() == 0 {
		copy(output.flat, t.flat)
		return output, nil
	}
	srcStrides := strides(t.shape.Dimensions)
	rank := t.Rank()
	indices := make([]int, rank)
	for outIdx := range output.flat {
		srcIdx := 0
		for axis := 0; axis < rank; axis++ {
			srcIdx += indices[axis] * srcStrides[permutation[axis]]
		}
		output.flat[outIdx] = t.flat[srcIdx]
		for axis := rank - 1; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < outputShape.Dimensions[axis] {
				break
			}
			indices[axis] = 0
		}
	}
	return output, nil
}

// SwapAxes is a Transpose that exchanges two axes.
func (t *Tensor) SwapAxes(axis0, axis1 int) (*Tensor, error) {
	var err error
	if axis0, err = shapeinference.AdjustAxisToRank(axis0, t.Rank()); err != nil {
		return nil, err
	}
	if axis1, err = shapeinference.AdjustAxisToRank(axis1, t.Rank()); err != nil {
		return nil, err
	}
	permutation := make([]int, t.Rank())
	for i := range permutation {
		permutation[i] = i
	}
	permutation[axis0], permutation[axis1] = axis1, axis0
	return t.Transpose(permutation...)
}

// Reshape returns a tensor with the same values and new dimensions. One dimension can be -1.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	outputShape, err := shapeinference.Reshape(t.shape, dimensions)
	if err != nil {
		return nil, err
	}
	return &Tensor{shape: outputShape, flat: slices.Clone(t.flat)}, nil
}

// IndexSelect gathers the entries of the axis given by indices, in order.
func (t *Tensor) IndexSelect(axis int, indices []int) (*Tensor, error) {
	outputShape, err := shapeinference.IndexSelect(t.shape, axis, len(indices))
	if err != nil {
		return nil, err
	}
	axis, _ = shapeinference.AdjustAxisToRank(axis, t.Rank())
	dim := t.shape.Dimensions[axis]
	for _, idx := range indices {
		if idx < 0 || idx >= dim {
			return nil, errors.Errorf("IndexSelect: index %d out of range for axis %d of %s", idx, axis, t.shape)
		}
	}
	outer, inner := outerInner(t.shape.Dimensions, axis)
	output := FromShape(outputShape)
	pos := 0
	for o := 0; o < outer; o++ {
		for _, idx := range indices {
			src := (o*dim + idx) * inner
			copy(output.flat[pos:pos+inner], t.flat[src:src+inner])
			pos += inner
		}
	}
	return output, nil
}
