package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	assert.False(t, Invalid().Ok())

	testCases := []struct {
		name       string
		shape      Shape
		wantRank   int
		wantSize   int
		wantMemory uintptr
		wantString string
	}{
		{"scalar", Make(dtypes.Float64), 0, 1, 8, "(Float64)"},
		{"rank 3", Make(dtypes.Float32, 4, 3, 2), 3, 24, 96, "(Float32)[4 3 2]"},
		{"bf16 weight", Make(dtypes.BFloat16, 8, 2), 2, 16, 32, "(BFloat16)[8 2]"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.True(t, tc.shape.Ok())
			assert.Equal(t, tc.wantRank == 0, tc.shape.IsScalar())
			assert.Equal(t, tc.wantRank, tc.shape.Rank())
			assert.Equal(t, tc.wantSize, tc.shape.Size())
			assert.Equal(t, tc.wantMemory, tc.shape.Memory())
			assert.Equal(t, tc.wantString, tc.shape.String())
		})
	}
	assert.Equal(t, "(INVALID)", Invalid().String())
	assert.Panics(t, func() { _ = Make(dtypes.Float32, 2, -1) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	for axis, want := range map[int]int{0: 4, 1: 3, 2: 2, -1: 2, -2: 3, -3: 4} {
		assert.Equal(t, want, shape.Dim(axis), "axis %d", axis)
	}
	assert.Panics(t, func() { _ = shape.Dim(3) })
	assert.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestCompare(t *testing.T) {
	shape := Make(dtypes.BFloat16, 8, 2)
	clone := shape.Clone()
	clone.Dimensions[0] = 4
	assert.Equal(t, 8, shape.Dimensions[0], "clones don't share dimensions")
	assert.False(t, shape.Equal(clone))
	assert.True(t, shape.Equal(Make(dtypes.BFloat16, 8, 2)))
	assert.True(t, shape.EqualDimensions(Make(dtypes.Float32, 8, 2)))
	require.NoError(t, shape.Check(dtypes.BFloat16, 8, 2))
	require.Error(t, shape.Check(dtypes.Float32, 8, 2))
	require.Error(t, shape.Check(dtypes.BFloat16, 2, 8))
}

func TestFromAnyValue(t *testing.T) {
	shape, err := FromAnyValue([]int32{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, shape.Check(dtypes.Int32, 3))

	shape, flat, err := FlattenAnyValue([][][]float64{{{1, 2, -3}, {3, 4, -7}}})
	require.NoError(t, err)
	require.NoError(t, shape.Check(dtypes.Float64, 1, 2, 3))
	assert.Equal(t, []float64{1, 2, -3, 3, 4, -7}, flat)

	for name, value := range map[string]any{
		"complex":   []complex64{1},
		"irregular": [][]float32{{1, 2, 3}, {4, 5}},
		"empty":     [][]int{},
		"nil":       nil,
	} {
		_, err = FromAnyValue(value)
		assert.Error(t, err, name)
	}
}
