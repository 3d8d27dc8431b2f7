package nn

import (
	"fmt"

	"github.com/gomlx/shardtrain/tensor"
	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/gomlx/shardtrain/types/shardy"
)

// MetaDevice is the device of parameters whose values were not materialized yet (lazy loading).
const MetaDevice = "meta"

// Parameter is a learnable tensor of a module.
//
// Parameters are shared by pointer: two modules holding the same *Parameter have tied weights.
type Parameter struct {
	// Value is nil for parameters on the MetaDevice.
	Value *tensor.Tensor

	// Shape is the shape of Value, known even before it is materialized.
	Shape shapes.Shape

	// Grad accumulates the gradient of the parameter. ZeroGrad sets it to nil.
	Grad *tensor.Tensor

	RequiresGrad bool
	Device       string

	// SequenceParallel parameters (of norms running inside the sequence parallel region) have their gradients
	// reduced across the tensor parallel group.
	SequenceParallel bool

	// Sharding describes how the parameter is split across the mesh, nil for replicated parameters.
	Sharding *shardy.ShardSpec

	// Initialized is false when the value was allocated but must still be loaded or re-derived.
	Initialized bool
}

// NewParameter creates a trainable parameter holding value, on the "cpu" device.
func NewParameter(value *tensor.Tensor) *Parameter {
	return &Parameter{
		Value:        value,
		Shape:        value.Shape().Clone(),
		RequiresGrad: true,
		Device:       "cpu",
		Initialized:  true,
	}
}

// NewMetaParameter creates a trainable parameter with only a shape, to be loaded later.
func NewMetaParameter(shape shapes.Shape) *Parameter {
	return &Parameter{Shape: shape.Clone(), RequiresGrad: true, Device: MetaDevice}
}

// IsMeta returns whether the value of the parameter is not materialized.
func (p *Parameter) IsMeta() bool { return p.Value == nil }

// SetValue replaces the value of the parameter, updating its shape.
func (p *Parameter) SetValue(value *tensor.Tensor) {
	p.Value = value
	p.Shape = value.Shape().Clone()
	p.Initialized = true
	if p.Device == MetaDevice {
		p.Device = "cpu"
	}
}

// TensorParallel returns whether the parameter is split across the tensor parallel group.
func (p *Parameter) TensorParallel() bool {
	_, _, found := p.Sharding.ShardedAxis(shardy.TensorAxis)
	return found
}

// PartitionDim is the axis split across the tensor parallel group, or -1.
func (p *Parameter) PartitionDim() int {
	axis, _, _ := p.Sharding.ShardedAxis(shardy.TensorAxis)
	return axis
}

// PartitionStride is the number of interleaved blocks of the split axis, 1 for a contiguous split.
func (p *Parameter) PartitionStride() int {
	_, stride, found := p.Sharding.ShardedAxis(shardy.TensorAxis)
	if !found {
		return 1
	}
	return stride
}

// Clone returns a new Parameter object with a copy of the value. The gradient is not copied.
func (p *Parameter) Clone() *Parameter {
	clone := *p
	clone.Shape = p.Shape.Clone()
	clone.Grad = nil
	if p.Value != nil {
		clone.Value = p.Value.Clone()
	}
	return &clone
}

// String implements fmt.Stringer.
func (p *Parameter) String() string {
	return fmt.Sprintf("Parameter(%s, device=%s, sharding=%s)", p.Shape, p.Device, p.Sharding)
}
