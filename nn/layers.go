package nn

import (
	"context"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/pkg/errors"
)

// Module kinds of the layers defined in this package.
const (
	KindLinear    = "Linear"
	KindEmbedding = "Embedding"
	KindLayerNorm = "LayerNorm"
	KindRMSNorm   = "RMSNorm"
)

// Linear computes x * weight^T + bias, with weight shaped [outFeatures, inFeatures].
type Linear struct {
	Base
	InFeatures, OutFeatures int
}

// NewLinear creates a Linear layer from its weight ([out, in]) and optional bias ([out]).
func NewLinear(weight, bias *tensor.Tensor) *Linear {
	l := &Linear{Base: NewBase(KindLinear), OutFeatures: weight.Dim(0), InFeatures: weight.Dim(1)}
	l.params.Set("weight", NewParameter(weight))
	if bias != nil {
		l.params.Set("bias", NewParameter(bias))
	}
	return l
}

// NewMetaLinear creates a Linear layer whose parameters are not materialized.
func NewMetaLinear(dtype dtypes.DType, inFeatures, outFeatures int, withBias bool) *Linear {
	l := &Linear{Base: NewBase(KindLinear), OutFeatures: outFeatures, InFeatures: inFeatures}
	l.params.Set("weight", NewMetaParameter(shapes.Make(dtype, outFeatures, inFeatures)))
	if withBias {
		l.params.Set("bias", NewMetaParameter(shapes.Make(dtype, outFeatures)))
	}
	return l
}

// Weight parameter.
func (l *Linear) Weight() *Parameter { return l.Param("weight") }

// Bias parameter, nil if the layer has no bias.
func (l *Linear) Bias() *Parameter { return l.Param("bias") }

// Forward implements Module.
func (l *Linear) Forward(_ context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("Linear requires an input")
	}
	weight, bias, err := linearValues(l.Weight(), l.Bias())
	if err != nil {
		return nil, err
	}
	output, err := tensor.Linear(inputs[0], weight, bias)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{output}, nil
}

func linearValues(weight, bias *Parameter) (*tensor.Tensor, *tensor.Tensor, error) {
	if weight.IsMeta() {
		return nil, nil, errors.New("weight was not materialized, it is still on the meta device")
	}
	if bias == nil {
		return weight.Value, nil, nil
	}
	if bias.IsMeta() {
		return nil, nil, errors.New("bias was not materialized, it is still on the meta device")
	}
	return weight.Value, bias.Value, nil
}

// Embedding maps token ids to rows of its weight, shaped [numEmbeddings, embeddingDim].
type Embedding struct {
	Base
	NumEmbeddings, EmbeddingDim int

	// PaddingIdx is the id whose row is not trained, -1 if none.
	PaddingIdx int
}

// NewEmbedding creates an Embedding from its weight.
func NewEmbedding(weight *tensor.Tensor) *Embedding {
	e := &Embedding{Base: NewBase(KindEmbedding), NumEmbeddings: weight.Dim(0), EmbeddingDim: weight.Dim(1), PaddingIdx: -1}
	e.params.Set("weight", NewParameter(weight))
	return e
}

// NewMetaEmbedding creates an Embedding whose weight is not materialized.
func NewMetaEmbedding(dtype dtypes.DType, numEmbeddings, embeddingDim int) *Embedding {
	e := &Embedding{Base: NewBase(KindEmbedding), NumEmbeddings: numEmbeddings, EmbeddingDim: embeddingDim, PaddingIdx: -1}
	e.params.Set("weight", NewMetaParameter(shapes.Make(dtype, numEmbeddings, embeddingDim)))
	return e
}

// Weight parameter.
func (e *Embedding) Weight() *Parameter { return e.Param("weight") }

// Forward implements Module: inputs[0] holds token ids, the output has one more axis of size EmbeddingDim.
func (e *Embedding) Forward(_ context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("Embedding requires an input")
	}
	weight := e.Weight()
	if weight.IsMeta() {
		return nil, errors.New("Embedding weight was not materialized")
	}
	output, err := Lookup(weight.Value, inputs[0], 0)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{output}, nil
}

// Lookup returns the rows of weight for ids-offset, with zeros for ids outside [offset, offset+rows).
func Lookup(weight, ids *tensor.Tensor, offset int) (*tensor.Tensor, error) {
	rows, dim := weight.Dim(0), weight.Dim(1)
	outputDims := append(append([]int{}, ids.Shape().Dimensions...), dim)
	output := tensor.Zeros(weight.DType(), outputDims...)
	out, w := output.Flat(), weight.Flat()
	for i, id := range ids.Flat() {
		row := int(id) - offset
		if row < 0 || row >= rows {
			continue
		}
		copy(out[i*dim:(i+1)*dim], w[row*dim:(row+1)*dim])
	}
	return output, nil
}

// NormType selects the normalization computed by Norm.
type NormType int

const (
	// NormStandard re-centers and re-scales: (x - mean) / sqrt(var + eps) * weight + bias.
	NormStandard NormType = iota

	// NormRMS only re-scales: x / sqrt(mean(x^2) + eps) * weight.
	NormRMS
)

// Norm normalizes the last axis of its input.
//
// When SequenceParallel is set the layer runs inside the sequence parallel region: its input is split along the
// sequence and its parameters are marked so their gradients are reduced across the tensor parallel group.
type Norm struct {
	Base
	Type             NormType
	Eps              float64
	SequenceParallel bool
}

// NewNorm creates a normalization over the last axis of size hiddenSize, with weight 1 and bias 0.
func NewNorm(normType NormType, hiddenSize int, eps float64) *Norm {
	kind := KindLayerNorm
	if normType == NormRMS {
		kind = KindRMSNorm
	}
	n := &Norm{Base: NewBase(kind), Type: normType, Eps: eps}
	weight := tensor.Zeros(dtypes.Float32, hiddenSize)
	weight.Fill(1)
	n.params.Set("weight", NewParameter(weight))
	if normType == NormStandard {
		n.params.Set("bias", NewParameter(tensor.Zeros(dtypes.Float32, hiddenSize)))
	}
	return n
}

// NewSequenceParallelNorm rebuilds norm with the given type, sharing norm's parameters, all tagged SequenceParallel.
func NewSequenceParallelNorm(norm *Norm, normType NormType, sequenceParallel bool) *Norm {
	kind := KindLayerNorm
	if normType == NormRMS {
		kind = KindRMSNorm
	}
	n := &Norm{Base: NewBase(kind), Type: normType, Eps: norm.Eps, SequenceParallel: sequenceParallel}
	for pair := norm.params.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.SequenceParallel = sequenceParallel
		n.params.Set(pair.Key, pair.Value)
	}
	for k, v := range norm.attrs {
		n.attrs[k] = v
	}
	for k, v := range norm.flags {
		n.flags[k] = v
	}
	return n
}

// Forward implements Module.
func (n *Norm) Forward(_ context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("Norm requires an input")
	}
	x := inputs[0]
	weight := n.Param("weight")
	hidden := x.Dim(-1)
	if weight.IsMeta() || weight.Value.Size() != hidden {
		return nil, errors.Errorf("Norm weight %s doesn't match input %s", weight.Shape, x.Shape())
	}
	var bias []float32
	if b := n.Param("bias"); b != nil && n.Type == NormStandard {
		bias = b.Value.Flat()
	}
	output := x.Clone()
	out, w := output.Flat(), weight.Value.Flat()
	for start := 0; start < len(out); start += hidden {
		row := out[start : start+hidden]
		var mean float64
		if n.Type == NormStandard {
			for _, v := range row {
				mean += float64(v)
			}
			mean /= float64(hidden)
		}
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(hidden)
		scale := 1 / math.Sqrt(variance+n.Eps)
		for i, v := range row {
			y := (float64(v) - mean) * scale * float64(w[i])
			if bias != nil {
				y += float64(bias[i])
			}
			row[i] = float32(y)
		}
	}
	return []*tensor.Tensor{output}, nil
}
