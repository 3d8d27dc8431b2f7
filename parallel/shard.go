package parallel

import (
	"slices"

	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/gomlx/shardtrain/types/shardy"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Axis of a linear layer split across the tensor parallel group.
type Axis string

const (
	// AxisColumn splits the output features (the rows of the weight).
	AxisColumn Axis = "column"

	// AxisRow splits the input features (the columns of the weight).
	AxisRow Axis = "row"
)

// LinearOptions configures LinearToParallelLinear.
type LinearOptions struct {
	// GatherOutput makes a column parallel layer all-gather its output.
	GatherOutput bool

	// InputIsParallel tells a row parallel layer its input is already split along the last axis.
	InputIsParallel bool

	// Stride is the number of interleaved blocks of a column parallel weight, see ColumnParallelLinear.
	Stride int

	SequenceParallel bool

	// SkipWeightLoad leaves the new parameters on the meta device, marked not initialized, to be loaded later.
	SkipWeightLoad bool

	// WeightInfo and BiasInfo, when set, point to the checkpoint the parameters are read from. Otherwise the values
	// of the dense layer are sliced.
	WeightInfo, BiasInfo *WeightInformation

	// Device of the new parameters, "cpu" if empty.
	Device string
}

// LinearToParallelLinear converts a dense linear layer into its column or row parallel counterpart, holding only this
// rank's part of the weight. It returns a *ColumnParallelLinear or a *RowParallelLinear.
//
// It fails with an error wrapping ErrNotDivisible if the split dimension isn't divisible by the tensor parallel size
// (times the stride).
func LinearToParallelLinear(ps *distributed.ParallelState, linear *nn.Linear, axis Axis, opts LinearOptions) (nn.Module, error) {
	switch axis {
	case AxisColumn:
		return LinearToColumnParallel(ps, linear, opts)
	case AxisRow:
		return LinearToRowParallel(ps, linear, opts)
	}
	return nil, errors.Wrapf(ErrConfiguration, "unknown shard axis %q, valid values are %q and %q", axis, AxisColumn, AxisRow)
}

// LinearToColumnParallel converts linear to a ColumnParallelLinear.
func LinearToColumnParallel(ps *distributed.ParallelState, linear *nn.Linear, opts LinearOptions) (*ColumnParallelLinear, error) {
	stride := max(opts.Stride, 1)
	tp := ps.TensorParallelSize()
	if _, err := shardSpans(linear.OutFeatures, stride, 0, tp); err != nil {
		return nil, errors.WithMessagef(err, "column parallel linear with %d output features", linear.OutFeatures)
	}
	l := &ColumnParallelLinear{
		Base:                   nn.NewBase(KindColumnParallelLinear),
		InFeatures:             linear.InFeatures,
		OutFeatures:            linear.OutFeatures,
		OutputSizePerPartition: linear.OutFeatures / tp,
		Stride:                 stride,
		GatherOutput:           opts.GatherOutput,
		SequenceParallel:       opts.SequenceParallel,
		state:                  ps,
	}
	copyAnnotations(l, linear)
	weight, err := shardParameter(ps, linear.Weight(), opts.WeightInfo, 0, stride, opts.SkipWeightLoad, opts.Device)
	if err != nil {
		return nil, err
	}
	l.Params().Set("weight", weight)
	if linear.Bias() != nil {
		bias, err := shardParameter(ps, linear.Bias(), opts.BiasInfo, 0, stride, opts.SkipWeightLoad, opts.Device)
		if err != nil {
			return nil, err
		}
		l.Params().Set("bias", bias)
	}
	return l, nil
}

// LinearToRowParallel converts linear to a RowParallelLinear. The bias is kept whole.
func LinearToRowParallel(ps *distributed.ParallelState, linear *nn.Linear, opts LinearOptions) (*RowParallelLinear, error) {
	tp := ps.TensorParallelSize()
	if _, err := shardSpans(linear.InFeatures, 1, 0, tp); err != nil {
		return nil, errors.WithMessagef(err, "row parallel linear with %d input features", linear.InFeatures)
	}
	l := &RowParallelLinear{
		Base:                  nn.NewBase(KindRowParallelLinear),
		InFeatures:            linear.InFeatures,
		OutFeatures:           linear.OutFeatures,
		InputSizePerPartition: linear.InFeatures / tp,
		InputIsParallel:       opts.InputIsParallel,
		SequenceParallel:      opts.SequenceParallel,
		state:                 ps,
	}
	copyAnnotations(l, linear)
	weight, err := shardParameter(ps, linear.Weight(), opts.WeightInfo, 1, 1, opts.SkipWeightLoad, opts.Device)
	if err != nil {
		return nil, err
	}
	l.Params().Set("weight", weight)
	if linear.Bias() != nil {
		bias, err := replicateParameter(linear.Bias(), opts.BiasInfo, opts.SkipWeightLoad, opts.Device)
		if err != nil {
			return nil, err
		}
		l.Params().Set("bias", bias)
	}
	return l, nil
}

// EmbeddingOptions configures EmbeddingToParallelEmbedding.
type EmbeddingOptions struct {
	SkipWeightLoad bool

	// WeightInfo of the embedding weight, nil to slice the in-memory value.
	WeightInfo *WeightInformation

	// LMHeadBiasInfo of the bias of the tied LM head, if it has one.
	LMHeadBiasInfo *WeightInformation

	Device string
}

// EmbeddingToParallelEmbedding converts an embedding to a ParallelEmbedding, splitting its vocabulary.
//
// If lmHead is given and shares its weight with the embedding, it is converted to a ColumnParallelLinear sharing the
// same new parameter, keeping its output split along the vocabulary. Otherwise the returned head is nil.
func EmbeddingToParallelEmbedding(ps *distributed.ParallelState, embedding *nn.Embedding, lmHead *nn.Linear, opts EmbeddingOptions) (*ParallelEmbedding, *ColumnParallelLinear, error) {
	tp, rank := ps.TensorParallelSize(), ps.TensorParallelRank()
	if _, err := shardSpans(embedding.NumEmbeddings, 1, rank, tp); err != nil {
		return nil, nil, errors.WithMessagef(err, "embedding with a vocabulary of %d", embedding.NumEmbeddings)
	}
	perPartition := embedding.NumEmbeddings / tp
	e := &ParallelEmbedding{
		Base:                      nn.NewBase(KindParallelEmbedding),
		NumEmbeddings:             embedding.NumEmbeddings,
		EmbeddingDim:              embedding.EmbeddingDim,
		NumEmbeddingsPerPartition: perPartition,
		VocabStartIndex:           rank * perPartition,
		PaddingIdx:                embedding.PaddingIdx,
		state:                     ps,
	}
	copyAnnotations(e, embedding)
	weight, err := shardParameter(ps, embedding.Weight(), opts.WeightInfo, 0, 1, opts.SkipWeightLoad, opts.Device)
	if err != nil {
		return nil, nil, err
	}
	e.Params().Set("weight", weight)

	if lmHead == nil {
		return e, nil, nil
	}
	if lmHead.Weight() != embedding.Weight() {
		klog.V(1).Infof("LM head doesn't share the embedding weight, leaving it to the cross-entropy rule")
		return e, nil, nil
	}
	head := &ColumnParallelLinear{
		Base:                   nn.NewBase(KindColumnParallelLinear),
		InFeatures:             lmHead.InFeatures,
		OutFeatures:            lmHead.OutFeatures,
		OutputSizePerPartition: perPartition,
		Stride:                 1,
		state:                  ps,
	}
	copyAnnotations(head, lmHead)
	head.Params().Set("weight", weight)
	if lmHead.Bias() != nil {
		bias, err := shardParameter(ps, lmHead.Bias(), opts.LMHeadBiasInfo, 0, 1, opts.SkipWeightLoad, opts.Device)
		if err != nil {
			return nil, nil, err
		}
		head.Params().Set("bias", bias)
	}
	return e, head, nil
}

// tensorSharding returns the ShardSpec of a parameter split along axis (with the given stride) over the tensor axis
// of the mesh.
func tensorSharding(ps *distributed.ParallelState, axis, stride int) *shardy.ShardSpec {
	spec := shardy.NewShardSpec(ps.Mesh())
	for range axis {
		spec.AddReplicated()
	}
	return spec.AddStridedAxis(stride, shardy.TensorAxis)
}

// localShape returns the shape of rank's part of a parameter of the given global shape.
func localShape(global shapes.Shape, axis, tpSize int) shapes.Shape {
	local := global.Clone()
	local.Dimensions = slices.Clone(global.Dimensions)
	local.Dimensions[axis] /= tpSize
	return local
}

// shardParameter creates the parameter holding this rank's part of orig along axis. Its value comes, in order of
// preference, from the checkpoint pointed by info, from orig's value, or is left on the meta device.
func shardParameter(ps *distributed.ParallelState, orig *nn.Parameter, info *WeightInformation, axis, stride int,
	skipLoad bool, device string) (*nn.Parameter, error) {
	tp, rank := ps.TensorParallelSize(), ps.TensorParallelRank()
	if _, err := shardSpans(orig.Shape.Dim(axis), stride, rank, tp); err != nil {
		return nil, errors.WithMessagef(err, "parameter of shape %s", orig.Shape)
	}
	p := nn.NewMetaParameter(localShape(orig.Shape, axis, tp))
	p.RequiresGrad = orig.RequiresGrad
	p.Sharding = tensorSharding(ps, axis, stride)
	if skipLoad {
		return p, nil
	}
	switch {
	case info != nil:
		value, err := info.LoadShard(axis, stride, rank, tp)
		if err != nil {
			return nil, err
		}
		p.SetValue(value.Cast(orig.Shape.DType))
	case !orig.IsMeta():
		value, err := shardTensor(orig.Value, axis, stride, rank, tp)
		if err != nil {
			return nil, err
		}
		p.SetValue(value)
	default:
		return p, nil
	}
	p.Device = deviceOrCPU(device)
	return p, nil
}

// replicateParameter creates a new parameter with the full value of orig, read from info if set.
func replicateParameter(orig *nn.Parameter, info *WeightInformation, skipLoad bool, device string) (*nn.Parameter, error) {
	p := nn.NewMetaParameter(orig.Shape)
	p.RequiresGrad = orig.RequiresGrad
	p.SequenceParallel = orig.SequenceParallel
	if skipLoad {
		return p, nil
	}
	switch {
	case info != nil:
		value, err := info.Load()
		if err != nil {
			return nil, err
		}
		p.SetValue(value.Cast(orig.Shape.DType))
	case !orig.IsMeta():
		p.SetValue(orig.Value)
	default:
		return p, nil
	}
	p.Device = deviceOrCPU(device)
	return p, nil
}

func deviceOrCPU(device string) string {
	if device == "" || device == nn.MetaDevice {
		return "cpu"
	}
	return device
}

// copyAnnotations copies the attributes and flags of a replaced module.
func copyAnnotations(dst, src nn.Module) {
	for k, v := range src.Attrs() {
		dst.Attrs()[k] = v
	}
	for k, v := range src.Flags() {
		dst.Flags()[k] = v
	}
}
