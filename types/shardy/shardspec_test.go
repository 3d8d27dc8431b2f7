package shardy

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardSpec_String(t *testing.T) {
	mesh, err := NewTrainingMesh(1, 2, 4)
	require.NoError(t, err)
	testCases := []struct {
		name     string
		spec     *ShardSpec
		expected string
	}{
		{name: "Replicated", spec: NewShardSpec(mesh).AddReplicated(), expected: "[{}]"},
		{name: "Column", spec: NewShardSpec(mesh).AddShardedAxis(TensorAxis), expected: "[{tensor}]"},
		{name: "Row", spec: NewShardSpec(mesh).AddReplicated().AddShardedAxis(TensorAxis), expected: "[{}, {tensor}]"},
		{name: "Strided", spec: NewShardSpec(mesh).AddStridedAxis(3, TensorAxis), expected: "[{tensor}/3]"},
		{name: "Multiple mesh axes", spec: NewShardSpec(mesh).AddShardedAxis(DataAxis, TensorAxis),
			expected: "[{data, tensor}]"},
		{name: "Nil", spec: nil, expected: "replicated"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.spec.String())
		})
	}
}

func TestShardSpec_ShardedAxis(t *testing.T) {
	mesh, err := NewTrainingMesh(1, 1, 2)
	require.NoError(t, err)

	axis, stride, found := NewShardSpec(mesh).AddReplicated().AddShardedAxis(TensorAxis).ShardedAxis(TensorAxis)
	assert.True(t, found)
	assert.Equal(t, 1, axis)
	assert.Equal(t, 1, stride)

	axis, stride, found = NewShardSpec(mesh).AddStridedAxis(3, TensorAxis).ShardedAxis(TensorAxis)
	assert.True(t, found)
	assert.Equal(t, 0, axis)
	assert.Equal(t, 3, stride)

	_, _, found = NewShardSpec(mesh).AddReplicated().ShardedAxis(TensorAxis)
	assert.False(t, found)
	var nilSpec *ShardSpec
	assert.True(t, nilSpec.IsReplicated())
}

func TestShardSpec_Validate(t *testing.T) {
	mesh, err := NewTrainingMesh(1, 2, 8)
	require.NoError(t, err)
	testCases := []struct {
		name        string
		spec        *ShardSpec
		expectError bool
	}{
		{name: "Valid replicated", spec: NewShardSpec(mesh).AddReplicated()},
		{name: "Valid sharded", spec: NewShardSpec(mesh).AddShardedAxis(TensorAxis)},
		{name: "Valid strided", spec: NewShardSpec(mesh).AddReplicated().AddStridedAxis(3, TensorAxis)},
		{name: "Unknown mesh axis", spec: NewShardSpec(mesh).AddShardedAxis("model"), expectError: true},
		{name: "Empty mesh axis name", spec: &ShardSpec{Mesh: mesh,
			Axes: []TensorAxisSpec{{MeshAxes: []MeshAxisSpec{{AxisName: ""}}}}}, expectError: true},
		{name: "Mesh axis used twice", spec: NewShardSpec(mesh).AddShardedAxis(TensorAxis).AddShardedAxis(TensorAxis),
			expectError: true},
		{name: "Negative stride", spec: &ShardSpec{Mesh: mesh,
			Axes: []TensorAxisSpec{{MeshAxes: []MeshAxisSpec{{AxisName: TensorAxis}}, Stride: -1}}}, expectError: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.expectError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestShardSpec_LocalShape(t *testing.T) {
	mesh, err := NewTrainingMesh(1, 1, 4)
	require.NoError(t, err)

	local, err := NewShardSpec(mesh).AddReplicated().AddShardedAxis(TensorAxis).LocalShape(shapes.Make(dtypes.Float32, 6, 8))
	require.NoError(t, err)
	assert.Equal(t, []int{6, 2}, local.Dimensions)

	local, err = NewShardSpec(mesh).AddStridedAxis(3, TensorAxis).LocalShape(shapes.Make(dtypes.Float32, 24, 5))
	require.NoError(t, err)
	assert.Equal(t, []int{6, 5}, local.Dimensions)

	_, err = NewShardSpec(mesh).AddStridedAxis(3, TensorAxis).LocalShape(shapes.Make(dtypes.Float32, 18, 5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not divisible")
}
