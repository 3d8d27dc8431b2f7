package tensor

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/shardtrain/shapeinference"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// round the values to the precision of the tensor's dtype.
func (t *Tensor) round() {
	dtype := t.shape.DType
	switch {
	case dtype == dtypes.BFloat16:
		for i, v := range t.flat {
			t.flat[i] = bfloat16.FromFloat32(v).Float32()
		}
	case dtype == dtypes.Float16:
		for i, v := range t.flat {
			t.flat[i] = float16.Fromfloat32(v).Float32()
		}
	case dtype == dtypes.Bool:
		for i, v := range t.flat {
			if v != 0 {
				t.flat[i] = 1
			}
		}
	case dtype.IsInt():
		for i, v := range t.flat {
			t.flat[i] = float32(math.Round(float64(v)))
		}
	}
}

// Cast returns a copy of the tensor converted to the dtype, rounding values as needed.
func (t *Tensor) Cast(dtype dtypes.DType) *Tensor {
	output := t.Clone()
	output.shape.DType = dtype
	output.round()
	return output
}

// vector returns the blas32 view of the tensor values.
func (t *Tensor) vector() blas32.Vector {
	return blas32.Vector{N: len(t.flat), Data: t.flat, Inc: 1}
}

// Linear computes input x weight^T + bias, where input is [..., in], weight is [out, in] and bias (optional) is [out].
func Linear(input, weight, bias *Tensor) (*Tensor, error) {
	outputShape, err := shapeinference.Linear(input.shape, weight.shape)
	if err != nil {
		return nil, err
	}
	outFeatures, inFeatures := weight.Dim(0), weight.Dim(1)
	if bias != nil && (bias.Rank() != 1 || bias.Dim(0) != outFeatures) {
		return nil, errors.Errorf("Linear: bias shape %s doesn't match weight %s", bias.shape, weight.shape)
	}
	output := FromShape(outputShape)
	rows := input.Size() / inFeatures
	if rows == 0 || outFeatures == 0 {
		return output, nil
	}
	a := blas32.General{Rows: rows, Cols: inFeatures, Stride: inFeatures, Data: input.flat}
	b := blas32.General{Rows: outFeatures, Cols: inFeatures, Stride: inFeatures, Data: weight.flat}
	c := blas32.General{Rows: rows, Cols: outFeatures, Stride: outFeatures, Data: output.flat}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, b, 0, c)
	if bias != nil {
		for r := 0; r < rows; r++ {
			row := blas32.Vector{N: outFeatures, Data: output.flat[r*outFeatures : (r+1)*outFeatures], Inc: 1}
			blas32.Axpy(1, bias.vector(), row)
		}
	}
	output.round()
	return output, nil
}

// Add returns a + b. Both must have the same dimensions; the output takes the dtype of a.
func Add(a, b *Tensor) (*Tensor, error) {
	output := a.Clone()
	if err := output.AddInPlace(b); err != nil {
		return nil, err
	}
	return output, nil
}

// AddInPlace adds other to t.
func (t *Tensor) AddInPlace(other *Tensor) error {
	return t.AxpyInPlace(1, other)
}

// AxpyInPlace computes t += alpha * other.
func (t *Tensor) AxpyInPlace(alpha float32, other *Tensor) error {
	if !t.shape.EqualDimensions(other.shape) {
		return errors.Errorf("cannot add tensors of shapes %s and %s", t.shape, other.shape)
	}
	blas32.Axpy(alpha, other.vector(), t.vector())
	t.round()
	return nil
}

// ScaleInPlace multiplies all values by alpha.
func (t *Tensor) ScaleInPlace(alpha float32) {
	if len(t.flat) == 0 {
		return
	}
	blas32.Scal(alpha, t.vector())
	t.round()
}

// Scale returns alpha * t.
func (t *Tensor) Scale(alpha float32) *Tensor {
	output := t.Clone()
	output.ScaleInPlace(alpha)
	return output
}

// Fill sets all values to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.flat {
		t.flat[i] = v
	}
	t.round()
}

// Sum of all values, accumulated in float64.
func (t *Tensor) Sum() float64 {
	var sum float64
	for _, v := range t.flat {
		sum += float64(v)
	}
	return sum
}

// SquaredNorm returns the sum of the squares of the values, accumulated in float64.
func (t *Tensor) SquaredNorm() float64 {
	var sum float64
	for _, v := range t.flat {
		sum += float64(v) * float64(v)
	}
	return sum
}

// Norm returns the L2 norm of the values.
func (t *Tensor) Norm() float64 {
	if len(t.flat) == 0 {
		return 0
	}
	return float64(blas32.Nrm2(t.vector()))
}

// MapInPlace applies fn to every value.
func (t *Tensor) MapInPlace(fn func(float32) float32) {
	for i, v := range t.flat {
		t.flat[i] = fn(v)
	}
	t.round()
}

// AddBiasInPlace adds bias, shaped [n], to every row of the last axis of t, which must have size n.
func (t *Tensor) AddBiasInPlace(bias *Tensor) error {
	n := bias.Size()
	if bias.Rank() != 1 || t.Rank() == 0 || t.Dim(-1) != n {
		return errors.Errorf("cannot add bias of shape %s to tensor of shape %s", bias.shape, t.shape)
	}
	for start := 0; start < len(t.flat); start += n {
		row := blas32.Vector{N: n, Data: t.flat[start : start+n], Inc: 1}
		blas32.Axpy(1, bias.vector(), row)
	}
	t.round()
	return nil
}

// MulInPlace multiplies t element-wise by other, of the same dimensions.
func (t *Tensor) MulInPlace(other *Tensor) error {
	if !t.shape.EqualDimensions(other.shape) {
		return errors.Errorf("cannot multiply tensors of shapes %s and %s", t.shape, other.shape)
	}
	for i, v := range other.flat {
		t.flat[i] *= v
	}
	t.round()
	return nil
}
