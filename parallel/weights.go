// Package parallel rewrites a dense model tree into its tensor parallel counterpart.
//
// It provides the sharding primitives (LinearToParallelLinear, EmbeddingToParallelEmbedding), the parallel layers
// they produce, the grouped query attention fusion, the transformation rules driven by per-family Plans, sequence
// parallelism and the vocabulary parallel cross-entropy. Parallelize applies a Plan to a model.
package parallel

import (
	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
)

var (
	// ErrNotDivisible is returned (wrapped) when a dimension can't be evenly split across the tensor parallel ranks.
	ErrNotDivisible = errors.New("dimension not divisible by the tensor parallel size")

	// ErrConfiguration is returned (wrapped) for inconsistent layer declarations or options.
	ErrConfiguration = errors.New("invalid parallelization configuration")
)

// WeightInformation binds a parameter, by its qualified name, to the checkpoint file holding it, so that only the
// needed slice of it is read when sharding.
type WeightInformation struct {
	Filename      string
	QualifiedName string
	WeightMap     *checkpoint.WeightMap
	Device        string
}

// NewWeightInformation returns the WeightInformation of the named weight, or nil if wm is nil or doesn't hold it.
func NewWeightInformation(wm *checkpoint.WeightMap, qualifiedName, device string) *WeightInformation {
	if !wm.Has(qualifiedName) {
		return nil
	}
	filename, _ := wm.Filename(qualifiedName)
	return &WeightInformation{Filename: filename, QualifiedName: qualifiedName, WeightMap: wm, Device: device}
}

// LinearWeightInfo returns the WeightInformation of the weight and bias of the linear layer with the given qualified
// name. The bias information is nil if the checkpoint has no bias for it.
//
// If failIfNotFound is set, a checkpoint without the weight is an error.
func LinearWeightInfo(wm *checkpoint.WeightMap, linearName, device string, failIfNotFound bool) (weight, bias *WeightInformation, err error) {
	if wm == nil {
		return nil, nil, nil
	}
	weight = NewWeightInformation(wm, linearName+".weight", device)
	if weight == nil {
		if failIfNotFound {
			return nil, nil, errors.Errorf("could not find the weight of %q in the checkpoint at %q", linearName, wm.Dir())
		}
		return nil, nil, nil
	}
	bias = NewWeightInformation(wm, linearName+".bias", device)
	return weight, bias, nil
}

// span is a range [start, start+length) of an axis.
type span struct{ start, length int }

// shardSpans returns the ranges of an axis of size dim kept by rank, when the axis is split in stride equal blocks,
// each block split in tpSize contiguous parts.
func shardSpans(dim, stride, rank, tpSize int) ([]span, error) {
	if stride <= 0 {
		stride = 1
	}
	if dim%(stride*tpSize) != 0 {
		return nil, errors.Wrapf(ErrNotDivisible, "dimension %d can't be split in %d blocks across %d ranks",
			dim, stride, tpSize)
	}
	blockSize := dim / stride
	partSize := blockSize / tpSize
	spans := make([]span, stride)
	for block := range spans {
		spans[block] = span{start: block*blockSize + rank*partSize, length: partSize}
	}
	return spans, nil
}

// shardTensor returns rank's part of t along axis.
func shardTensor(t *tensor.Tensor, axis, stride, rank, tpSize int) (*tensor.Tensor, error) {
	spans, err := shardSpans(t.Dim(axis), stride, rank, tpSize)
	if err != nil {
		return nil, err
	}
	return concatSpans(spans, axis, func(s span) (*tensor.Tensor, error) { return t.Narrow(axis, s.start, s.length) })
}

// LoadShard reads from the checkpoint only rank's part of the weight along axis.
func (wi *WeightInformation) LoadShard(axis, stride, rank, tpSize int) (*tensor.Tensor, error) {
	shape, err := wi.WeightMap.Shape(wi.QualifiedName)
	if err != nil {
		return nil, err
	}
	spans, err := shardSpans(shape.Dim(axis), stride, rank, tpSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "weight %q", wi.QualifiedName)
	}
	return concatSpans(spans, axis, func(s span) (*tensor.Tensor, error) {
		return wi.WeightMap.LoadSlice(wi.QualifiedName, axis, s.start, s.length)
	})
}

// Load reads the whole weight.
func (wi *WeightInformation) Load() (*tensor.Tensor, error) {
	return wi.WeightMap.Load(wi.QualifiedName)
}

func concatSpans(spans []span, axis int, read func(s span) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	parts := make([]*tensor.Tensor, len(spans))
	for i, s := range spans {
		var err error
		if parts[i], err = read(s); err != nil {
			return nil, err
		}
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	if axis < 0 {
		axis += parts[0].Rank()
	}
	return tensor.Concatenate(parts, axis)
}
