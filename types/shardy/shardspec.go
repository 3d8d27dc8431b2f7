package shardy

import (
	"strconv"
	"strings"

	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/pkg/errors"
)

// ShardSpec (also known as PartitionSpec in JAX) defines how a parameter is sharded (partitioned) across
// a DeviceMesh.
//
// The definition is per axis of the logical tensor -- and not per axis of the Mesh, common confusion.
// If not all axes of the tensor are defined, the tail axes are considered to be replicated across the whole
// mesh.
//
// Example:
//
//	mesh, _ := NewTrainingMesh(1, 2, 4)
//
//	// Column-parallel weight (out, in): the output axis is sharded across the "tensor" axis.
//	column := NewShardSpec(mesh).AddShardedAxis(TensorAxis)
//
//	// Row-parallel weight (out, in): the input axis is sharded.
//	row := NewShardSpec(mesh).AddReplicated().AddShardedAxis(TensorAxis)
//
//	// Fused QKV weight: the output axis is sharded in 3 interleaved blocks.
//	qkv := NewShardSpec(mesh).AddStridedAxis(3, TensorAxis)
type ShardSpec struct {
	Mesh *DeviceMesh
	Axes []TensorAxisSpec
}

// TensorAxisSpec specifies how a tensor axis is to be sharded (or replicated).
// See details in ShardSpec.
type TensorAxisSpec struct {
	MeshAxes []MeshAxisSpec

	// Stride is the number of equal contiguous blocks the axis is split into before sharding each block.
	// 0 or 1 means a single block.
	Stride int
}

type MeshAxisSpec struct {
	AxisName string
}

// NewShardSpec creates a new ShardSpec.
func NewShardSpec(mesh *DeviceMesh) *ShardSpec {
	return &ShardSpec{mesh, make([]TensorAxisSpec, 0)}
}

// AddShardedAxis adds a new sharded axis to the ShardSpec using one or more mesh axes.
//
// It returns itself, so calls can be chained.
func (s *ShardSpec) AddShardedAxis(meshAxisName string, moreMeshAxesNames ...string) *ShardSpec {
	return s.AddStridedAxis(1, meshAxisName, moreMeshAxesNames...)
}

// AddStridedAxis is like AddShardedAxis, but the axis is first split in stride blocks, each block being sharded.
func (s *ShardSpec) AddStridedAxis(stride int, meshAxisName string, moreMeshAxesNames ...string) *ShardSpec {
	axisSpec := TensorAxisSpec{MeshAxes: []MeshAxisSpec{{AxisName: meshAxisName}}, Stride: stride}
	for _, meshAxisName := range moreMeshAxesNames {
		axisSpec.MeshAxes = append(axisSpec.MeshAxes, MeshAxisSpec{AxisName: meshAxisName})
	}
	s.Axes = append(s.Axes, axisSpec)
	return s
}

// AddReplicated adds a new replicated axis to the ShardSpec.
//
// It returns itself, so calls can be chained.
func (s *ShardSpec) AddReplicated() *ShardSpec {
	s.Axes = append(s.Axes, TensorAxisSpec{})
	return s
}

// Rank returns the number of axes this ShardSpec describes.
//
// Notice this may be smaller than the rank of the tensor using it: if a tensor axis is not defined in ShardSpec,
// it is assumed to be replicated.
func (s *ShardSpec) Rank() int {
	return len(s.Axes)
}

// IsReplicated returns true if the tensor is fully replicated.
func (s *ShardSpec) IsReplicated() bool {
	if s == nil {
		return true
	}
	for _, axisSpec := range s.Axes {
		if axisSpec.MeshAxes != nil {
			return false
		}
	}
	return true
}

// ShardedAxis returns the tensor axis sharded over the given mesh axis, and its stride.
// found is false if no tensor axis uses the mesh axis.
func (s *ShardSpec) ShardedAxis(meshAxisName string) (axis, stride int, found bool) {
	if s == nil {
		return -1, 0, false
	}
	for i, axisSpec := range s.Axes {
		for _, meshAxis := range axisSpec.MeshAxes {
			if meshAxis.AxisName == meshAxisName {
				stride = axisSpec.Stride
				if stride <= 0 {
					stride = 1
				}
				return i, stride, true
			}
		}
	}
	return -1, 0, false
}

// Validate checks that the ShardSpec is valid for its mesh.
func (s *ShardSpec) Validate() error {
	seen := make(map[string]int)
	for i, axisSpec := range s.Axes {
		if axisSpec.Stride < 0 {
			return errors.Errorf("ShardSpec axis #%d has a negative stride %d", i, axisSpec.Stride)
		}
		for _, meshAxisSpec := range axisSpec.MeshAxes {
			axisName := meshAxisSpec.AxisName
			if axisName == "" {
				return errors.Errorf("ShardSpec axis %d refers to empty mesh axis name", i)
			}
			if _, ok := s.Mesh.nameToAxis[axisName]; !ok {
				return errors.Errorf("ShardSpec axis #%d refers to unknown mesh axis %q", i, axisName)
			}
			if prev, found := seen[axisName]; found {
				return errors.Errorf("ShardSpec mesh axis %q used by tensor axes #%d and #%d", axisName, prev, i)
			}
			seen[axisName] = i
		}
	}
	return nil
}

// LocalShape returns the shape of the shard held by each rank, given the global (unsharded) shape.
//
// It returns an error if a sharded axis is not divisible by the number of shards (times the stride).
func (s *ShardSpec) LocalShape(global shapes.Shape) (shapes.Shape, error) {
	if s.Rank() > global.Rank() {
		return shapes.Invalid(), errors.Errorf("ShardSpec of rank %d cannot be applied to shape %s", s.Rank(), global)
	}
	local := global.Clone()
	for i, axisSpec := range s.Axes {
		numShards := 1
		for _, meshAxis := range axisSpec.MeshAxes {
			size, err := s.Mesh.AxisSize(meshAxis.AxisName)
			if err != nil {
				return shapes.Invalid(), err
			}
			numShards *= size
		}
		stride := max(axisSpec.Stride, 1)
		if local.Dimensions[i]%(numShards*stride) != 0 {
			return shapes.Invalid(), errors.Errorf("axis #%d of shape %s (dimension %d) is not divisible by %d shards "+
				"times stride %d", i, global, local.Dimensions[i], numShards, stride)
		}
		local.Dimensions[i] /= numShards
	}
	return local, nil
}

// String returns a compact representation, e.g. "[{tensor}, {}]" or "[{tensor}/3]" for a strided axis.
func (s *ShardSpec) String() string {
	if s == nil {
		return "replicated"
	}
	var sb strings.Builder
	sb.WriteString("[")
	for i, axisSpec := range s.Axes {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("{")
		for j, meshAxis := range axisSpec.MeshAxes {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(meshAxis.AxisName)
		}
		sb.WriteString("}")
		if axisSpec.Stride > 1 {
			sb.WriteString("/")
			sb.WriteString(strconv.Itoa(axisSpec.Stride))
		}
	}
	sb.WriteString("]")
	return sb.String()
}
