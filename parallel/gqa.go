package parallel

import (
	"context"
	"slices"

	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/gomlx/shardtrain/types/shardy"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Indices of the outputs of a GQAQKVColumnParallelLinear.
const (
	QueryIndex = iota
	KeyIndex
	ValueIndex
)

var gqaRoleSuffixes = [3]string{"q", "k", "v"}

// GQAOptions configures NewGQAQKVColumnParallelLinear.
type GQAOptions struct {
	NumAttentionHeads, NumKeyValueHeads int

	// KVSizeMultiplier is the number of times the key and value heads are replicated before being split across the
	// tensor parallel ranks. 0 defaults to tp/NumKeyValueHeads.
	KVSizeMultiplier int

	// FuseQKV stores the query, key and value weights of a rank in one parameter, "weight_qkv".
	FuseQKV bool

	SequenceParallel bool
	SkipWeightLoad   bool

	// WeightInfos and BiasInfos of the query, key and value projections, in this order. Nil entries are sliced from
	// the in-memory values.
	WeightInfos, BiasInfos [3]*WeightInformation

	Device string
}

// GQAQKVColumnParallelLinear holds the query, key and value projections of a grouped query attention layer whose
// number of key/value heads is smaller than the tensor parallel size.
//
// The key and value heads are replicated KVSizeMultiplier times and split contiguously, so every rank gets
// KVOutputSizePerPartition/HeadDim complete key/value heads. Each rank then gets the query heads attending to them,
// QueryHeads, which are not contiguous in the original query projection.
//
// Forward returns the query, key and value activations of the rank.
type GQAQKVColumnParallelLinear struct {
	nn.Base
	InFeatures int

	NumAttentionHeads, NumKeyValueHeads, HeadDim int
	KVSizeMultiplier                             int

	QOutputSizePerPartition  int
	KVOutputSizePerPartition int

	// QueryHeads are the original indices of the query heads of this rank, in the order they are stored.
	QueryHeads []int

	Fused            bool
	SequenceParallel bool

	state *distributed.ParallelState
}

// ParameterName returns the name of the weight (or bias) parameter of the given output index.
func (g *GQAQKVColumnParallelLinear) ParameterName(bias bool, index int) string {
	prefix := "weight"
	if bias {
		prefix = "bias"
	}
	if g.Fused {
		return prefix + "_qkv"
	}
	return prefix + "_" + gqaRoleSuffixes[index]
}

// NewGQAQKVColumnParallelLinear creates this rank's GQAQKVColumnParallelLinear from the dense query, key and value
// projections.
func NewGQAQKVColumnParallelLinear(ps *distributed.ParallelState, q, k, v *nn.Linear, opts GQAOptions) (*GQAQKVColumnParallelLinear, error) {
	tp, rank := ps.TensorParallelSize(), ps.TensorParallelRank()
	numHeads, numKV := opts.NumAttentionHeads, opts.NumKeyValueHeads
	multiplier := opts.KVSizeMultiplier
	if multiplier <= 0 {
		if numKV <= 0 || tp%numKV != 0 {
			return nil, errors.Wrapf(ErrConfiguration, "can't derive the kv size multiplier for %d key/value heads and tensor parallel size %d",
				numKV, tp)
		}
		multiplier = tp / numKV
	}
	if err := shardy.CheckGQADivisibility(tp, numHeads, numKV, multiplier); err != nil {
		return nil, errors.Wrap(ErrNotDivisible, err.Error())
	}
	if q.OutFeatures%numHeads != 0 {
		return nil, errors.Wrapf(ErrNotDivisible, "query projection with %d output features for %d heads", q.OutFeatures, numHeads)
	}
	headDim := q.OutFeatures / numHeads
	if k.OutFeatures != numKV*headDim || v.OutFeatures != numKV*headDim {
		return nil, errors.Wrapf(ErrConfiguration, "key (%d) and value (%d) projections don't have %d heads of size %d",
			k.OutFeatures, v.OutFeatures, numKV, headDim)
	}
	heads, err := shardy.QueryHeadsForRank(tp, rank, numHeads, numKV, multiplier)
	if err != nil {
		return nil, err
	}
	kvHeadsPerRank := numKV * multiplier / tp
	g := &GQAQKVColumnParallelLinear{
		Base:                     nn.NewBase(KindGQAQKVColumnParallelLinear),
		InFeatures:               q.InFeatures,
		NumAttentionHeads:        numHeads,
		NumKeyValueHeads:         numKV,
		HeadDim:                  headDim,
		KVSizeMultiplier:         multiplier,
		QOutputSizePerPartition:  len(heads) * headDim,
		KVOutputSizePerPartition: kvHeadsPerRank * headDim,
		QueryHeads:               heads,
		Fused:                    opts.FuseQKV,
		SequenceParallel:         opts.SequenceParallel,
		state:                    ps,
	}

	qSpans := headSpans(heads, headDim)
	kvStart := (rank * g.KVOutputSizePerPartition) % (numKV * headDim)
	kvSpans := []span{{start: kvStart, length: g.KVOutputSizePerPartition}}
	spans := [3][]span{qSpans, kvSpans, kvSpans}
	linears := [3]*nn.Linear{q, k, v}

	hasBias := q.Bias() != nil
	if (k.Bias() != nil) != hasBias || (v.Bias() != nil) != hasBias {
		return nil, errors.Wrapf(ErrConfiguration, "query, key and value projections must all have a bias or none")
	}
	var weights, biases [3]*nn.Parameter
	for i, linear := range linears {
		if weights[i], err = spansParameter(linear.Weight(), opts.WeightInfos[i], 0, spans[i], opts.SkipWeightLoad, opts.Device); err != nil {
			return nil, errors.WithMessagef(err, "%s projection", gqaRoleSuffixes[i])
		}
		if hasBias {
			if biases[i], err = spansParameter(linear.Bias(), opts.BiasInfos[i], 0, spans[i], opts.SkipWeightLoad, opts.Device); err != nil {
				return nil, errors.WithMessagef(err, "%s projection bias", gqaRoleSuffixes[i])
			}
		}
	}

	if !g.Fused {
		for i := range linears {
			weights[i].Sharding = tensorSharding(ps, 0, 1)
			g.Params().Set(g.ParameterName(false, i), weights[i])
			if hasBias {
				biases[i].Sharding = tensorSharding(ps, 0, 1)
				g.Params().Set(g.ParameterName(true, i), biases[i])
			}
		}
		return g, nil
	}
	fused, err := fuseParameters(weights, opts.Device)
	if err != nil {
		return nil, err
	}
	fused.Sharding = tensorSharding(ps, 0, 1)
	g.Params().Set(g.ParameterName(false, 0), fused)
	if hasBias {
		if fused, err = fuseParameters(biases, opts.Device); err != nil {
			return nil, err
		}
		fused.Sharding = tensorSharding(ps, 0, 1)
		g.Params().Set(g.ParameterName(true, 0), fused)
	}
	return g, nil
}

// headSpans returns the rows of the given heads of size headDim.
func headSpans(heads []int, headDim int) []span {
	spans := make([]span, len(heads))
	for i, head := range heads {
		spans[i] = span{start: head * headDim, length: headDim}
	}
	return spans
}

// spansParameter creates a parameter made of the spans of orig along axis. The value is read from info, sliced from
// orig, or left on the meta device.
func spansParameter(orig *nn.Parameter, info *WeightInformation, axis int, spans []span, skipLoad bool, device string) (*nn.Parameter, error) {
	local := orig.Shape.Clone()
	local.Dimensions = slices.Clone(orig.Shape.Dimensions)
	local.Dimensions[axis] = 0
	for _, s := range spans {
		if s.start < 0 || s.start+s.length > orig.Shape.Dim(axis) {
			return nil, errors.Errorf("rows [%d, %d) out of range for parameter of shape %s",
				s.start, s.start+s.length, orig.Shape)
		}
		local.Dimensions[axis] += s.length
	}
	p := nn.NewMetaParameter(local)
	p.RequiresGrad = orig.RequiresGrad
	if skipLoad {
		return p, nil
	}
	var value *tensor.Tensor
	var err error
	switch {
	case info != nil:
		value, err = concatSpans(spans, axis, func(s span) (*tensor.Tensor, error) {
			return info.WeightMap.LoadSlice(info.QualifiedName, axis, s.start, s.length)
		})
		if err == nil {
			value = value.Cast(orig.Shape.DType)
		}
	case !orig.IsMeta():
		value, err = concatSpans(spans, axis, func(s span) (*tensor.Tensor, error) {
			return orig.Value.Narrow(axis, s.start, s.length)
		})
	default:
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	p.SetValue(value)
	p.Device = deviceOrCPU(device)
	return p, nil
}

// fuseParameters concatenates the query, key and value parameters along the first axis. The result is left on the
// meta device if any of them is.
func fuseParameters(parts [3]*nn.Parameter, device string) (*nn.Parameter, error) {
	shape := parts[0].Shape.Clone()
	shape.Dimensions = slices.Clone(parts[0].Shape.Dimensions)
	shape.Dimensions[0] = parts[0].Shape.Dim(0) + parts[1].Shape.Dim(0) + parts[2].Shape.Dim(0)
	p := nn.NewMetaParameter(shape)
	p.RequiresGrad = parts[0].RequiresGrad
	values := make([]*tensor.Tensor, len(parts))
	for i, part := range parts {
		if part.IsMeta() {
			return p, nil
		}
		values[i] = part.Value
	}
	value, err := tensor.Concatenate(values, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "fusing query, key and value")
	}
	p.SetValue(value)
	p.Device = deviceOrCPU(device)
	return p, nil
}

// Forward implements nn.Module. It returns the query, key and value activations.
func (g *GQAQKVColumnParallelLinear) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("GQAQKVColumnParallelLinear requires an input")
	}
	x := inputs[0]
	var err error
	if g.SequenceParallel {
		if x, err = distributed.GatherFromSequenceParallelRegion(ctx, g.state, x); err != nil {
			return nil, err
		}
	}
	outputs := make([]*tensor.Tensor, 3)
	if g.Fused {
		fused, err := linearForward(x, g.Param("weight_qkv"), g.Param("bias_qkv"))
		if err != nil {
			return nil, errors.WithMessage(err, "GQAQKVColumnParallelLinear")
		}
		sizes := [3]int{g.QOutputSizePerPartition, g.KVOutputSizePerPartition, g.KVOutputSizePerPartition}
		start := 0
		for i, size := range sizes {
			if outputs[i], err = fused.Narrow(-1, start, size); err != nil {
				return nil, err
			}
			start += size
		}
		return outputs, nil
	}
	for i := range outputs {
		if outputs[i], err = linearForward(x, g.Param(g.ParameterName(false, i)), g.Param(g.ParameterName(true, i))); err != nil {
			return nil, errors.WithMessagef(err, "GQAQKVColumnParallelLinear %s", gqaRoleSuffixes[i])
		}
	}
	return outputs, nil
}

// GQAOutputToRowParallel converts the output projection of a grouped query attention layer into a RowParallelLinear
// whose input features are the ones of the query heads of this rank, in the same order as the GQAQKVColumnParallelLinear
// outputs them.
//
// The weight is read from opts.WeightInfo if set, or re-sliced from the dense weight.
func GQAOutputToRowParallel(ps *distributed.ParallelState, out *nn.Linear, gqa *GQAQKVColumnParallelLinear, opts LinearOptions) (*RowParallelLinear, error) {
	if out.InFeatures != gqa.NumAttentionHeads*gqa.HeadDim {
		return nil, errors.Wrapf(ErrConfiguration, "output projection with %d input features for %d heads of size %d",
			out.InFeatures, gqa.NumAttentionHeads, gqa.HeadDim)
	}
	l := &RowParallelLinear{
		Base:                  nn.NewBase(KindRowParallelLinear),
		InFeatures:            out.InFeatures,
		OutFeatures:           out.OutFeatures,
		InputSizePerPartition: gqa.QOutputSizePerPartition,
		InputIsParallel:       true,
		SequenceParallel:      opts.SequenceParallel,
		state:                 ps,
	}
	copyAnnotations(l, out)
	weight, err := spansParameter(out.Weight(), opts.WeightInfo, 1, headSpans(gqa.QueryHeads, gqa.HeadDim), opts.SkipWeightLoad, opts.Device)
	if err != nil {
		return nil, errors.WithMessage(err, "output projection")
	}
	weight.Sharding = tensorSharding(ps, 1, 1)
	l.Params().Set("weight", weight)
	if out.Bias() != nil {
		bias, err := replicateParameter(out.Bias(), opts.BiasInfo, opts.SkipWeightLoad, opts.Device)
		if err != nil {
			return nil, err
		}
		l.Params().Set("bias", bias)
	}
	klog.V(2).Infof("output projection re-derived for query heads %v", gqa.QueryHeads)
	return l, nil
}

// FusedProjectionSlice stands in for a query, key or value projection after it was fused into a
// GQAQKVColumnParallelLinear sibling: calling it runs the fused projection and returns the output at Index.
//
// It holds no parameters.
type FusedProjectionSlice struct {
	nn.Base

	// FusedName is the name of the GQAQKVColumnParallelLinear among the children of the attention layer.
	FusedName string
	Index     int

	parent nn.Module
}

// NewFusedProjectionSlice creates the stand-in for output index of the fused projection named fusedName in parent.
func NewFusedProjectionSlice(parent nn.Module, fusedName string, index int) *FusedProjectionSlice {
	return &FusedProjectionSlice{Base: nn.NewBase(KindFusedProjectionSlice), FusedName: fusedName, Index: index, parent: parent}
}

// Fused returns the fused projection this slice refers to.
func (s *FusedProjectionSlice) Fused() (*GQAQKVColumnParallelLinear, error) {
	child, found := s.parent.Children().Get(s.FusedName)
	if !found {
		return nil, errors.Errorf("fused projection %q not found", s.FusedName)
	}
	fused, ok := child.(*GQAQKVColumnParallelLinear)
	if !ok {
		return nil, errors.Errorf("%q is a %s, not a %s", s.FusedName, child.Kind(), KindGQAQKVColumnParallelLinear)
	}
	return fused, nil
}

// Forward implements nn.Module.
func (s *FusedProjectionSlice) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	fused, err := s.Fused()
	if err != nil {
		return nil, err
	}
	outputs, err := fused.Forward(ctx, inputs...)
	if err != nil {
		return nil, err
	}
	return outputs[s.Index : s.Index+1], nil
}

// AttentionProjection is a query, key or value projection of an attention layer, either its own module
// (DirectProjection) or a slice of a fused projection (FusedSliceProjection).
type AttentionProjection interface {
	isAttentionProjection()
}

// DirectProjection is a projection computed by its own module.
type DirectProjection struct {
	Module nn.Module
}

// FusedSliceProjection is the output Index of a fused projection.
type FusedSliceProjection struct {
	Fused *GQAQKVColumnParallelLinear
	Index int
}

func (DirectProjection) isAttentionProjection()     {}
func (FusedSliceProjection) isAttentionProjection() {}

// Projection returns the projection that the child name of layer refers to.
func Projection(layer nn.Module, name string) (AttentionProjection, error) {
	child, found := layer.Children().Get(name)
	if !found {
		return nil, errors.Errorf("%s has no projection %q", layer.Kind(), name)
	}
	if slice, ok := child.(*FusedProjectionSlice); ok {
		fused, err := slice.Fused()
		if err != nil {
			return nil, err
		}
		return FusedSliceProjection{Fused: fused, Index: slice.Index}, nil
	}
	return DirectProjection{Module: child}, nil
}

// Project computes the given projections of x. Projections sharing a fused module run it only once.
func Project(ctx context.Context, x *tensor.Tensor, projections ...AttentionProjection) ([]*tensor.Tensor, error) {
	results := make([]*tensor.Tensor, len(projections))
	fusedOutputs := make(map[*GQAQKVColumnParallelLinear][]*tensor.Tensor)
	for i, projection := range projections {
		switch p := projection.(type) {
		case DirectProjection:
			outputs, err := p.Module.Forward(ctx, x)
			if err != nil {
				return nil, err
			}
			results[i] = outputs[0]
		case FusedSliceProjection:
			outputs, found := fusedOutputs[p.Fused]
			if !found {
				var err error
				if outputs, err = p.Fused.Forward(ctx, x); err != nil {
					return nil, err
				}
				fusedOutputs[p.Fused] = outputs
			}
			results[i] = outputs[p.Index]
		default:
			return nil, errors.Errorf("unknown attention projection %T", projection)
		}
	}
	return results, nil
}
