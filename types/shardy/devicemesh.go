// Package shardy provides the types needed to define a distributed training topology: the mesh of ranks
// (pipeline, data and tensor parallel axes) and how each parameter is sharded across it.
package shardy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/gomlx/shardtrain/internal/utils"
	"github.com/pkg/errors"
)

var identifierRE = regexp2.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`, regexp2.None)

// isIdentifier returns whether name is made of letters, digits and underscores, and doesn't start with a digit.
func isIdentifier(name string) bool {
	matched, err := identifierRE.MatchString(name)
	return err == nil && matched
}

// Names of the axes of a training mesh, as created by NewTrainingMesh.
const (
	PipelineAxis = "pipeline"
	DataAxis     = "data"
	TensorAxis   = "tensor"
)

// DeviceMesh defines the logical topology of a set of ranks.
//
// Ranks are laid out in row-major order over the axes: the last axis varies fastest.
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of ranks along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of ranks in the mesh.
	numDevices int
}

// NewDeviceMesh creates a new logical topology of a set of ranks.
//
//   - name: the name of the mesh, it must be a valid identifier: letters, digits and underscores.
//   - axesSizes: defines the number of ranks along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes. One value per axis. They must also be valid identifiers.
func NewDeviceMesh(name string, axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}
	if !isIdentifier(name) {
		return nil, errors.Errorf("DeviceMesh name %q is not a valid identifier", name)
	}

	axesNames = slices.Clone(axesNames)
	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, axisName := range axesNames {
		if axisName == "" {
			return nil, errors.Errorf("DeviceMesh axis name at index %d cannot be empty", i)
		}
		if !isIdentifier(axisName) {
			return nil, errors.Errorf("DeviceMesh axis name %q at index %d is not a valid identifier", axisName, i)
		}
		if _, found := nameToAxis[axisName]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", axisName)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have a positive size, got %d", axisName, axesSizes[i])
		}
		nameToAxis[axisName] = i
		numDevices *= axesSizes[i]
	}

	return &DeviceMesh{
		name:       name,
		axesNames:  axesNames,
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}, nil
}

// NewTrainingMesh creates the mesh used for training with the given pipeline, data and tensor parallel sizes.
//
// The global rank of a process is pp_rank*(dp*tp) + dp_rank*tp + tp_rank, so ranks in the same tensor-parallel
// group are contiguous.
func NewTrainingMesh(pipelineSize, dataSize, tensorSize int) (*DeviceMesh, error) {
	return NewDeviceMesh("training", []int{pipelineSize, dataSize, tensorSize},
		[]string{PipelineAxis, DataAxis, TensorAxis})
}

func (m *DeviceMesh) Name() string {
	return m.name
}

// NumDevices returns the total number of ranks in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of ranks along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// Coordinates returns the per-axis position of the given rank.
func (m *DeviceMesh) Coordinates(device int) ([]int, error) {
	if device < 0 || device >= m.numDevices {
		return nil, errors.Errorf("rank %d is not part of the mesh %s", device, m)
	}
	coords := make([]int, len(m.axesSizes))
	remaining := device
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		coords[i] = remaining % m.axesSizes[i]
		remaining /= m.axesSizes[i]
	}
	return coords, nil
}

// AxisCoordinate returns the position of the rank along the given axis.
func (m *DeviceMesh) AxisCoordinate(device int, axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	coords, err := m.Coordinates(device)
	if err != nil {
		return 0, err
	}
	return coords[idx], nil
}

// DeviceAt is the inverse of Coordinates.
func (m *DeviceMesh) DeviceAt(coords ...int) (int, error) {
	if len(coords) != len(m.axesSizes) {
		return 0, errors.Errorf("DeviceAt requires %d coordinates, got %d", len(m.axesSizes), len(coords))
	}
	device := 0
	for i, c := range coords {
		if c < 0 || c >= m.axesSizes[i] {
			return 0, errors.Errorf("coordinate %d out of range for axis %q of size %d", c, m.axesNames[i], m.axesSizes[i])
		}
		device = device*m.axesSizes[i] + c
	}
	return device, nil
}

// ComputeReplicaGroups returns the replica groups participating in some collective (distributed) operation given the
// axes along which the operation is performed.
//
// Each replica group (a []int) includes the ranks for the axes specified.
// The other axes will be split into different replica groups.
//
// Example:
//
//	m := NewDeviceMesh("mesh", []int{2, 2}, []string{"data", "tensor"})
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})  // -> [][]int{{0, 2}, {1, 3}}
//	tensorGroups, _ := m.ComputeReplicaGroups([]string{"tensor"})    // -> [][]int{{0, 1}, {2, 3}}
//	globalGroups, _ := m.ComputeReplicaGroups([]string{"data", "tensor"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	// Find indices of the specified axes
	axisIndices := make([]int, 0, len(axes))
	axisSet := utils.MakeSet[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numDevices / groupSize
	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for flatIdx := 0; flatIdx < m.numDevices; flatIdx++ {
		indices, _ := m.Coordinates(flatIdx)

		// Group index from the non-axis indices.
		groupIdx := 0
		multiplier := 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		// Position within the group from the axis indices.
		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}
		groups[groupIdx][posInGroup] = flatIdx
	}
	return groups, nil
}

// GroupOf returns the replica group, along the given axes, that contains the rank.
func (m *DeviceMesh) GroupOf(device int, axes ...string) ([]int, error) {
	groups, err := m.ComputeReplicaGroups(axes)
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		if slices.Contains(group, device) {
			return group, nil
		}
	}
	return nil, errors.Errorf("rank %d is not part of the mesh %s", device, m)
}
