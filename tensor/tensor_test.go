package tensor

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromValue(t *testing.T) {
	x := must.M1(FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}))
	assert.True(t, x.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
	assert.Equal(t, float32(6), x.Value(1, 2))

	ids := must.M1(FromValue([]int64{3, 1}))
	assert.Equal(t, dtypes.Int64, ids.DType())
	assert.Equal(t, []float32{3, 1}, ids.Flat())

	_, err := FromValue([][]float32{{1}, {2, 3}})
	require.Error(t, err)
}

func TestNarrowAndChunk(t *testing.T) {
	x := Arange(4, 3)
	rows := must.M1(x.Narrow(0, 1, 2))
	assert.Equal(t, []float32{3, 4, 5, 6, 7, 8}, rows.Flat())

	cols := must.M1(x.Narrow(1, 2, 1))
	assert.Equal(t, []int{4, 1}, cols.Shape().Dimensions)
	assert.Equal(t, []float32{2, 5, 8, 11}, cols.Flat())

	chunks := must.M1(x.Chunk(2, 0))
	require.Len(t, chunks, 2)
	assert.Equal(t, []float32{6, 7, 8, 9, 10, 11}, chunks[1].Flat())

	_, err := x.Chunk(3, 1)
	require.NoError(t, err)
	_, err = x.Chunk(3, 0)
	require.Error(t, err)
	_, err = x.Narrow(0, 3, 2)
	require.Error(t, err)
}

func TestConcatenate(t *testing.T) {
	x := Arange(4, 3)
	for _, axis := range []int{0, 1, -1} {
		numChunks := x.Dim(axis)
		chunks := must.M1(x.Chunk(numChunks, axis))
		back := must.M1(Concatenate(chunks, axis))
		assert.True(t, x.Equal(back), "axis %d", axis)
	}

	_, err := Concatenate([]*Tensor{Arange(2, 3), Arange(2, 4)}, 0)
	require.Error(t, err)
}

func TestTransposeAndReshape(t *testing.T) {
	x := Arange(2, 3)
	xt := must.M1(x.Transpose(1, 0))
	assert.Equal(t, []int{3, 2}, xt.Shape().Dimensions)
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, xt.Flat())

	y := Arange(2, 3, 4)
	swapped := must.M1(y.SwapAxes(0, 1))
	assert.Equal(t, []int{3, 2, 4}, swapped.Shape().Dimensions)
	assert.Equal(t, y.Value(1, 2, 3), swapped.Value(2, 1, 3))
	back := must.M1(swapped.SwapAxes(0, 1))
	assert.True(t, y.Equal(back))

	r := must.M1(y.Reshape(6, -1))
	assert.Equal(t, []int{6, 4}, r.Shape().Dimensions)
	_, err := y.Reshape(5, -1)
	require.Error(t, err)
}

func TestIndexSelect(t *testing.T) {
	x := Arange(4, 2)
	sel := must.M1(x.IndexSelect(0, []int{3, 0}))
	assert.Equal(t, []float32{6, 7, 0, 1}, sel.Flat())
	_, err := x.IndexSelect(0, []int{4})
	require.Error(t, err)
}

func TestLinear(t *testing.T) {
	input := must.M1(FromValue([][]float32{{1, 2}, {3, 4}}))
	weight := must.M1(FromValue([][]float32{{1, 0}, {0, 1}, {1, 1}}))
	bias := must.M1(FromValue([]float32{10, 20, 30}))
	output := must.M1(Linear(input, weight, bias))
	assert.Equal(t, []int{2, 3}, output.Shape().Dimensions)
	assert.Equal(t, []float32{11, 22, 33, 13, 24, 37}, output.Flat())

	output = must.M1(Linear(input, weight, nil))
	assert.Equal(t, []float32{1, 2, 3, 3, 4, 7}, output.Flat())

	_, err := Linear(Arange(2, 3), weight, nil)
	require.Error(t, err)
}

func TestCastAndBytes(t *testing.T) {
	x := must.M1(FromValue([]float32{1.5, -2.25, 3.1415926}))
	bf := x.Cast(dtypes.BFloat16)
	assert.Equal(t, dtypes.BFloat16, bf.DType())
	assert.Equal(t, bfloat16.FromFloat32(3.1415926).Float32(), bf.Flat()[2])
	assert.Equal(t, float32(1.5), bf.Flat()[0])

	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.BFloat16, dtypes.Float16, dtypes.Float64, dtypes.Int32} {
		t.Run(dtype.String(), func(t *testing.T) {
			original := x.Cast(dtype)
			data := must.M1(original.Bytes())
			assert.Len(t, data, 3*int(dtype.Size()))
			decoded := must.M1(FromBytes(original.Shape(), data))
			assert.True(t, original.Equal(decoded), "got %s, wanted %s", decoded, original)
		})
	}
}

func TestArithmetic(t *testing.T) {
	a := must.M1(FromValue([]float32{3, 4}))
	b := must.M1(FromValue([]float32{1, 1}))
	sum := must.M1(Add(a, b))
	assert.Equal(t, []float32{4, 5}, sum.Flat())
	assert.InDelta(t, 5.0, a.Norm(), 1e-6)
	assert.Equal(t, 25.0, a.SquaredNorm())
	assert.Equal(t, []float32{1.5, 2}, a.Scale(0.5).Flat())
	require.Error(t, a.AddInPlace(Arange(3)))
}
