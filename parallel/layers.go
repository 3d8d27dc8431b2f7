package parallel

import (
	"context"

	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
)

// Module kinds of the parallel layers.
const (
	KindColumnParallelLinear       = "ColumnParallelLinear"
	KindRowParallelLinear          = "RowParallelLinear"
	KindParallelEmbedding          = "ParallelEmbedding"
	KindGQAQKVColumnParallelLinear = "GQAQKVColumnParallelLinear"
	KindFusedProjectionSlice       = "FusedProjectionSlice"
)

// ColumnParallelLinear is a linear layer whose output features are split across the tensor parallel group: each rank
// holds OutputSizePerPartition rows of the weight (and of the bias).
//
// Its input is the full activation (gathered along the sequence axis first under sequence parallelism). Its output is
// this rank's part of the last axis, unless GatherOutput is set.
type ColumnParallelLinear struct {
	nn.Base
	InFeatures, OutFeatures int
	OutputSizePerPartition  int

	// Stride is the number of interleaved blocks of the output features, e.g. 3 for a fused query/key/value
	// projection.
	Stride int

	GatherOutput     bool
	SequenceParallel bool

	state *distributed.ParallelState
}

// Weight parameter, shaped [OutputSizePerPartition, InFeatures].
func (l *ColumnParallelLinear) Weight() *nn.Parameter { return l.Param("weight") }

// Bias parameter, or nil.
func (l *ColumnParallelLinear) Bias() *nn.Parameter { return l.Param("bias") }

// Forward implements nn.Module.
func (l *ColumnParallelLinear) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("ColumnParallelLinear requires an input")
	}
	x := inputs[0]
	var err error
	if l.SequenceParallel {
		if x, err = distributed.GatherFromSequenceParallelRegion(ctx, l.state, x); err != nil {
			return nil, err
		}
	}
	output, err := linearForward(x, l.Weight(), l.Bias())
	if err != nil {
		return nil, errors.WithMessage(err, "ColumnParallelLinear")
	}
	if l.GatherOutput {
		if output, err = distributed.GatherFromTensorParallelRegion(ctx, l.state, output); err != nil {
			return nil, err
		}
	}
	return []*tensor.Tensor{output}, nil
}

// RowParallelLinear is a linear layer whose input features are split across the tensor parallel group: each rank
// holds InputSizePerPartition columns of the weight, and the full bias.
//
// The partial outputs of the ranks are summed with an all-reduce, or with a reduce-scatter along the sequence axis
// under sequence parallelism. The bias is added after the reduction.
type RowParallelLinear struct {
	nn.Base
	InFeatures, OutFeatures int
	InputSizePerPartition   int

	InputIsParallel  bool
	SequenceParallel bool

	state *distributed.ParallelState
}

// Weight parameter, shaped [OutFeatures, InputSizePerPartition].
func (l *RowParallelLinear) Weight() *nn.Parameter { return l.Param("weight") }

// Bias parameter, or nil.
func (l *RowParallelLinear) Bias() *nn.Parameter { return l.Param("bias") }

// Forward implements nn.Module.
func (l *RowParallelLinear) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("RowParallelLinear requires an input")
	}
	x := inputs[0]
	var err error
	if !l.InputIsParallel {
		if x, err = distributed.ScatterToTensorParallelRegion(l.state, x); err != nil {
			return nil, err
		}
	}
	partial, err := linearForward(x, l.Weight(), nil)
	if err != nil {
		return nil, errors.WithMessage(err, "RowParallelLinear")
	}
	var output *tensor.Tensor
	if l.SequenceParallel {
		output, err = distributed.ReduceScatterToSequenceParallelRegion(ctx, l.state, partial)
	} else {
		output, err = distributed.ReduceFromTensorParallelRegion(ctx, l.state, partial)
	}
	if err != nil {
		return nil, err
	}
	if bias := l.Bias(); bias != nil {
		if bias.IsMeta() {
			return nil, errors.New("RowParallelLinear bias was not materialized")
		}
		output = output.Clone()
		if err = output.AddBiasInPlace(bias.Value); err != nil {
			return nil, err
		}
	}
	return []*tensor.Tensor{output}, nil
}

// ParallelEmbedding is an embedding whose vocabulary is split across the tensor parallel group: rank r holds the
// rows [VocabStartIndex, VocabStartIndex+NumEmbeddingsPerPartition).
//
// Ids outside of the rank's range produce zeros, and the embeddings of all ranks are summed.
type ParallelEmbedding struct {
	nn.Base
	NumEmbeddings, EmbeddingDim int
	NumEmbeddingsPerPartition   int
	VocabStartIndex             int
	PaddingIdx                  int

	state *distributed.ParallelState
}

// Weight parameter, shaped [NumEmbeddingsPerPartition, EmbeddingDim].
func (e *ParallelEmbedding) Weight() *nn.Parameter { return e.Param("weight") }

// Forward implements nn.Module.
func (e *ParallelEmbedding) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("ParallelEmbedding requires an input")
	}
	weight := e.Weight()
	if weight.IsMeta() {
		return nil, errors.New("ParallelEmbedding weight was not materialized")
	}
	partial, err := nn.Lookup(weight.Value, inputs[0], e.VocabStartIndex)
	if err != nil {
		return nil, err
	}
	output, err := distributed.ReduceFromTensorParallelRegion(ctx, e.state, partial)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{output}, nil
}

func linearForward(x *tensor.Tensor, weight, bias *nn.Parameter) (*tensor.Tensor, error) {
	if weight.IsMeta() {
		return nil, errors.New("weight was not materialized, it is still on the meta device")
	}
	var b *tensor.Tensor
	if bias != nil {
		if bias.IsMeta() {
			return nil, errors.New("bias was not materialized, it is still on the meta device")
		}
		b = bias.Value
	}
	return tensor.Linear(x, weight.Value, b)
}
