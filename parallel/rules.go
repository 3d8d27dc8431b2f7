package parallel

import (
	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Rule transforms one kind of layer into its tensor parallel counterpart.
type Rule interface {
	// Name of the rule, used in messages.
	Name() string

	// DefaultOptions are the options the rule recognizes, with their defaults.
	DefaultOptions() Options

	// Transform returns the parallel version of layer, found at the qualified name in model. It may modify layer in
	// place and return it. Options were merged with the defaults by PrepareOptions.
	Transform(ps *distributed.ParallelState, model *nn.Model, name string, layer nn.Module, sequenceParallel bool,
		device string, opts Options) (nn.Module, error)
}

// ApplyRule applies rule to layer, unless predicate (if not nil) rejects it, in which case layer is returned
// unchanged.
func ApplyRule(ps *distributed.ParallelState, model *nn.Model, name string, layer nn.Module, rule Rule,
	sequenceParallel bool, device string, opts Options, predicate func(name string, layer nn.Module) bool) (nn.Module, error) {
	if predicate != nil && !predicate(name, layer) {
		klog.V(2).Infof("%s rule: %q skipped by the predicate", rule.Name(), name)
		return layer, nil
	}
	transformed, err := rule.Transform(ps, model, name, layer, sequenceParallel, device, PrepareOptions(rule, opts))
	if err != nil {
		return nil, errors.WithMessagef(err, "%s rule on %q", rule.Name(), name)
	}
	klog.V(1).Infof("%s rule applied to %q", rule.Name(), name)
	return transformed, nil
}

// linearChild returns the dense linear layer at the dotted path under layer.
func linearChild(layer nn.Module, path string) (*nn.Linear, error) {
	m, err := nn.GetSubmodule(layer, path)
	if err != nil {
		return nil, err
	}
	linear, ok := m.(*nn.Linear)
	if !ok {
		return nil, errors.Errorf("%q is a %s, expected a %s", path, m.Kind(), nn.KindLinear)
	}
	return linear, nil
}

// linearOptions returns the LinearOptions to shard the linear at the qualified name, with the weight information
// from the model's checkpoint.
func linearOptions(model *nn.Model, qualifiedName, device string, opts Options, sequenceParallel bool) (LinearOptions, error) {
	weight, bias, err := LinearWeightInfo(model.WeightMap, qualifiedName, device, false)
	if err != nil {
		return LinearOptions{}, err
	}
	return LinearOptions{
		SequenceParallel: sequenceParallel,
		SkipWeightLoad:   opts.Bool(OptSkipLinearWeightLoad),
		WeightInfo:       weight,
		BiasInfo:         bias,
		Device:           device,
	}, nil
}

// shardLinearChild replaces the linear at path under layer by its parallel version.
func shardLinearChild(ps *distributed.ParallelState, model *nn.Model, name string, layer nn.Module, path string,
	axis Axis, lo LinearOptions, opts Options) error {
	linear, err := linearChild(layer, path)
	if err != nil {
		return err
	}
	base, err := linearOptions(model, nn.JoinName(name, path), lo.Device, opts, lo.SequenceParallel)
	if err != nil {
		return err
	}
	lo.WeightInfo, lo.BiasInfo, lo.SkipWeightLoad = base.WeightInfo, base.BiasInfo, base.SkipWeightLoad
	sharded, err := LinearToParallelLinear(ps, linear, axis, lo)
	if err != nil {
		return errors.WithMessagef(err, "sharding %q", nn.JoinName(name, path))
	}
	return nn.SetSubmodule(layer, path, sharded)
}

func attr(layer nn.Module, name string) (int, error) {
	value, found := layer.Attrs()[name]
	if !found {
		return 0, errors.Wrapf(ErrConfiguration, "%s has no attribute %q", layer.Kind(), name)
	}
	return value, nil
}

// EmbeddingRule splits the vocabulary of the embedding, and of the LM head sharing its weight.
//
// If the vocabulary size isn't divisible by the tensor parallel size the layer is left unchanged.
type EmbeddingRule struct {
	Spec EmbeddingSpec
}

func (r EmbeddingRule) Name() string            { return "embedding" }
func (r EmbeddingRule) DefaultOptions() Options { return Options{OptSkipLinearWeightLoad: false} }

// Transform implements Rule.
func (r EmbeddingRule) Transform(ps *distributed.ParallelState, model *nn.Model, name string, layer nn.Module,
	_ bool, device string, opts Options) (nn.Module, error) {
	m, err := nn.GetSubmodule(layer, r.Spec.EmbeddingName)
	if err != nil {
		return nil, err
	}
	embedding, ok := m.(*nn.Embedding)
	if !ok {
		return nil, errors.Wrapf(ErrConfiguration, "%q is a %s, expected a %s", r.Spec.EmbeddingName, m.Kind(), nn.KindEmbedding)
	}
	tp := ps.TensorParallelSize()
	if embedding.NumEmbeddings%tp != 0 {
		if ps.IsMainProcess() {
			klog.Warningf("vocabulary size %d of %q is not divisible by the tensor parallel size %d, the embedding won't be parallelized",
				embedding.NumEmbeddings, nn.JoinName(name, r.Spec.EmbeddingName), tp)
		}
		return layer, nil
	}

	var lmHead *nn.Linear
	if r.Spec.LMHeadName != "" {
		if m, err := nn.GetSubmodule(layer, r.Spec.LMHeadName); err == nil {
			lmHead, _ = m.(*nn.Linear)
		}
	}
	embOpts := EmbeddingOptions{
		SkipWeightLoad: opts.Bool(OptSkipLinearWeightLoad),
		WeightInfo:     NewWeightInformation(model.WeightMap, nn.JoinName(name, r.Spec.EmbeddingName)+".weight", device),
		Device:         device,
	}
	if lmHead != nil {
		embOpts.LMHeadBiasInfo = NewWeightInformation(model.WeightMap, nn.JoinName(name, r.Spec.LMHeadName)+".bias", device)
	}
	parallelEmbedding, parallelHead, err := EmbeddingToParallelEmbedding(ps, embedding, lmHead, embOpts)
	if err != nil {
		return nil, err
	}
	if err = nn.SetSubmodule(layer, r.Spec.EmbeddingName, parallelEmbedding); err != nil {
		return nil, err
	}
	if parallelHead != nil {
		if err = nn.SetSubmodule(layer, r.Spec.LMHeadName, parallelHead); err != nil {
			return nil, err
		}
	}
	return layer, nil
}

// SelfAttentionRule shards an attention layer with separate query, key and value projections.
//
// When the number of key/value heads is smaller than the tensor parallel size, the projections are fused in a
// GQAQKVColumnParallelLinear and replaced by FusedProjectionSlice children. Otherwise each projection is column
// parallel. The output projection is always row parallel.
type SelfAttentionRule struct {
	Spec SelfAttentionSpec
}

func (r SelfAttentionRule) Name() string { return "self-attention" }

func (r SelfAttentionRule) DefaultOptions() Options {
	return Options{OptSkipLinearWeightLoad: false, OptKVSizeMultiplier: 0, OptFuseQKV: false}
}

// Transform implements Rule.
func (r SelfAttentionRule) Transform(ps *distributed.ParallelState, model *nn.Model, name string, layer nn.Module,
	sequenceParallel bool, device string, opts Options) (nn.Module, error) {
	spec := r.Spec
	if (spec.NumKeyValueHeadsName == "") != (spec.NumKeyValueGroupsName == "") {
		return nil, errors.Wrapf(ErrConfiguration,
			"the number of key/value heads and the number of key/value groups attributes must be declared together, got %q and %q",
			spec.NumKeyValueHeadsName, spec.NumKeyValueGroupsName)
	}
	numHeads, err := attr(layer, spec.NumAttentionHeadsName)
	if err != nil {
		return nil, err
	}
	numKV := numHeads
	if spec.NumKeyValueHeadsName != "" {
		if numKV, err = attr(layer, spec.NumKeyValueHeadsName); err != nil {
			return nil, err
		}
	}
	tp := ps.TensorParallelSize()
	if numHeads <= 0 || numKV <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "invalid number of heads %d and key/value heads %d", numHeads, numKV)
	}
	if numKV%tp != 0 && tp%numKV != 0 {
		return nil, errors.Wrapf(ErrConfiguration,
			"the number of key/value heads %d and the tensor parallel size %d must divide one another", numKV, tp)
	}

	useGQA := numKV < tp
	newKV := numKV / tp
	if useGQA {
		if newKV, err = r.transformGQA(ps, model, name, layer, numHeads, numKV, sequenceParallel, device, opts); err != nil {
			return nil, err
		}
	} else {
		if numHeads%tp != 0 {
			return nil, errors.Wrapf(ErrNotDivisible, "%d attention heads across %d ranks", numHeads, tp)
		}
		lo := LinearOptions{SequenceParallel: sequenceParallel, Device: device}
		for _, path := range []string{spec.QueriesName, spec.KeysName, spec.ValuesName} {
			if err = shardLinearChild(ps, model, name, layer, path, AxisColumn, lo, opts); err != nil {
				return nil, err
			}
		}
		if spec.OutputProjectionName != "" {
			lo.InputIsParallel = true
			if err = shardLinearChild(ps, model, name, layer, spec.OutputProjectionName, AxisRow, lo, opts); err != nil {
				return nil, err
			}
		}
	}

	attrs := layer.Attrs()
	attrs[spec.NumAttentionHeadsName] = numHeads / tp
	if spec.NumKeyValueHeadsName != "" {
		attrs[spec.NumKeyValueHeadsName] = newKV
		attrs[spec.NumKeyValueGroupsName] = (numHeads / tp) / newKV
	}
	if spec.AllHeadSizeName != "" {
		if size, found := attrs[spec.AllHeadSizeName]; found {
			attrs[spec.AllHeadSizeName] = size / tp
		}
	}
	layer.Flags()[FlagSequenceParallel] = sequenceParallel
	return layer, nil
}

// transformGQA fuses the projections, re-derives the output projection and records the GQA metadata on the model.
// It returns the number of key/value heads per rank.
func (r SelfAttentionRule) transformGQA(ps *distributed.ParallelState, model *nn.Model, name string, layer nn.Module,
	numHeads, numKV int, sequenceParallel bool, device string, opts Options) (int, error) {
	spec := r.Spec
	tp := ps.TensorParallelSize()
	paths := [3]string{spec.QueriesName, spec.KeysName, spec.ValuesName}
	var linears [3]*nn.Linear
	gqaOpts := GQAOptions{
		NumAttentionHeads: numHeads,
		NumKeyValueHeads:  numKV,
		KVSizeMultiplier:  opts.Int(OptKVSizeMultiplier),
		FuseQKV:           opts.Bool(OptFuseQKV),
		SequenceParallel:  sequenceParallel,
		SkipWeightLoad:    opts.Bool(OptSkipLinearWeightLoad),
		Device:            device,
	}
	for i, path := range paths {
		var err error
		if linears[i], err = linearChild(layer, path); err != nil {
			return 0, err
		}
		if gqaOpts.WeightInfos[i], gqaOpts.BiasInfos[i], err = LinearWeightInfo(model.WeightMap, nn.JoinName(name, path), device, false); err != nil {
			return 0, err
		}
	}
	fused, err := NewGQAQKVColumnParallelLinear(ps, linears[0], linears[1], linears[2], gqaOpts)
	if err != nil {
		return 0, errors.WithMessagef(err, "fusing the projections of %q", name)
	}
	fusedName := spec.gqaProjName()
	layer.Children().Set(fusedName, fused)
	for i, path := range paths {
		if err = nn.SetSubmodule(layer, path, NewFusedProjectionSlice(layer, fusedName, i)); err != nil {
			return 0, err
		}
	}

	md := model.ParallelMetadata
	if md == nil {
		return 0, errors.Errorf("model has no parallel metadata to record the grouped query attention fusion of %q", name)
	}
	if md.GQA == nil {
		md.GQA = &checkpoint.GQAMetadata{
			OriginalNamesToGQANames:  make(map[string]string),
			NumAttentionHeads:        numHeads,
			NumKeyValueHeads:         numKV,
			KVSizeMultiplier:         fused.KVSizeMultiplier,
			QOutputSizePerPartition:  fused.QOutputSizePerPartition,
			KVOutputSizePerPartition: fused.KVOutputSizePerPartition,
			FuseQKV:                  fused.Fused,
		}
		if fused.Fused {
			md.GQA.FusedNamesToOriginalNames = make(map[string][3]string)
		}
	} else if md.GQA.NumAttentionHeads != numHeads || md.GQA.NumKeyValueHeads != numKV ||
		md.GQA.KVSizeMultiplier != fused.KVSizeMultiplier || md.GQA.QOutputSizePerPartition != fused.QOutputSizePerPartition {
		return 0, errors.Wrapf(ErrConfiguration, "attention %q doesn't have the same heads configuration as the previous ones", name)
	}
	fusedPrefix := nn.JoinName(name, fusedName)
	hasBias := linears[0].Bias() != nil
	for _, param := range []string{"weight", "bias"} {
		if param == "bias" && !hasBias {
			continue
		}
		var originals [3]string
		for i, path := range paths {
			originals[i] = nn.JoinName(name, path) + "." + param
			md.GQA.OriginalNamesToGQANames[originals[i]] = fusedPrefix + "." + fused.ParameterName(param == "bias", i)
		}
		if fused.Fused {
			md.GQA.FusedNamesToOriginalNames[fusedPrefix+"."+fused.ParameterName(param == "bias", 0)] = originals
		}
	}

	if spec.OutputProjectionName != "" {
		out, err := linearChild(layer, spec.OutputProjectionName)
		if err != nil {
			return 0, err
		}
		outName := nn.JoinName(name, spec.OutputProjectionName)
		lo, err := linearOptions(model, outName, device, opts, sequenceParallel)
		if err != nil {
			return 0, err
		}
		row, err := GQAOutputToRowParallel(ps, out, fused, lo)
		if err != nil {
			return 0, errors.WithMessagef(err, "output projection %q", outName)
		}
		if err = nn.SetSubmodule(layer, spec.OutputProjectionName, row); err != nil {
			return 0, err
		}
		md.GQA.OutputProjectionsNames = append(md.GQA.OutputProjectionsNames, outName+".weight")
	}
	return numKV * fused.KVSizeMultiplier / tp, nil
}

// FusedQKVAttentionRule shards an attention layer whose query, key and value projections are one linear layer: it
// is column parallel with a stride of 3, so each rank gets its part of the queries, keys and values.
type FusedQKVAttentionRule struct {
	Spec FusedQKVSpec
}

func (r FusedQKVAttentionRule) Name() string            { return "fused-qkv-attention" }
func (r FusedQKVAttentionRule) DefaultOptions() Options { return Options{OptSkipLinearWeightLoad: false} }

// Transform implements Rule.
func (r FusedQKVAttentionRule) Transform(ps *distributed.ParallelState, model *nn.Model, name string, layer nn.Module,
	sequenceParallel bool, device string, opts Options) (nn.Module, error) {
	spec := r.Spec
	tp := ps.TensorParallelSize()
	numHeads, err := attr(layer, spec.NumAttentionHeadsName)
	if err != nil {
		return nil, err
	}
	if numHeads%tp != 0 {
		return nil, errors.Wrapf(ErrNotDivisible, "%d attention heads across %d ranks", numHeads, tp)
	}
	lo := LinearOptions{Stride: 3, SequenceParallel: sequenceParallel, Device: device}
	if err = shardLinearChild(ps, model, name, layer, spec.QueryKeyValueName, AxisColumn, lo, opts); err != nil {
		return nil, err
	}
	if spec.OutputProjectionName != "" {
		lo = LinearOptions{InputIsParallel: true, SequenceParallel: sequenceParallel, Device: device}
		if err = shardLinearChild(ps, model, name, layer, spec.OutputProjectionName, AxisRow, lo, opts); err != nil {
			return nil, err
		}
	}
	attrs := layer.Attrs()
	attrs[spec.NumAttentionHeadsName] = numHeads / tp
	if spec.AllHeadSizeName != "" {
		if size, found := attrs[spec.AllHeadSizeName]; found {
			attrs[spec.AllHeadSizeName] = size / tp
		}
	}
	layer.Flags()[FlagSequenceParallel] = sequenceParallel
	return layer, nil
}

// SelfOutputRule makes the output projection of an attention block row parallel.
type SelfOutputRule struct {
	Spec SelfOutputSpec
}

func (r SelfOutputRule) Name() string            { return "self-output" }
func (r SelfOutputRule) DefaultOptions() Options { return Options{OptSkipLinearWeightLoad: false} }

// Transform implements Rule.
func (r SelfOutputRule) Transform(ps *distributed.ParallelState, model *nn.Model, name string, layer nn.Module,
	sequenceParallel bool, device string, opts Options) (nn.Module, error) {
	path := r.Spec.OutputProjectionName
	if path == "" {
		path = "dense"
	}
	lo := LinearOptions{InputIsParallel: true, SequenceParallel: sequenceParallel, Device: device}
	if err := shardLinearChild(ps, model, name, layer, path, AxisRow, lo, opts); err != nil {
		return nil, err
	}
	return layer, nil
}

// MLPRule makes the first linear layers of a feed-forward block column parallel and the last one row parallel.
type MLPRule struct {
	Spec MLPSpec
}

func (r MLPRule) Name() string            { return "mlp" }
func (r MLPRule) DefaultOptions() Options { return Options{OptSkipLinearWeightLoad: false} }

// Transform implements Rule.
func (r MLPRule) Transform(ps *distributed.ParallelState, model *nn.Model, name string, layer nn.Module,
	sequenceParallel bool, device string, opts Options) (nn.Module, error) {
	lo := LinearOptions{SequenceParallel: sequenceParallel, Device: device}
	for _, path := range r.Spec.ColumnLinearNames {
		if err := shardLinearChild(ps, model, name, layer, path, AxisColumn, lo, opts); err != nil {
			return nil, err
		}
	}
	if r.Spec.RowLinearName != "" {
		lo.InputIsParallel = true
		if err := shardLinearChild(ps, model, name, layer, r.Spec.RowLinearName, AxisRow, lo, opts); err != nil {
			return nil, err
		}
	}
	return layer, nil
}

// CrossEntropyRule keeps the logits split along the vocabulary and replaces the model loss by ParallelCrossEntropy.
//
// The last projection is made column parallel unless it already is, e.g. because it is tied to a parallel
// embedding. Models trained for regression or multi-label classification are left unchanged.
type CrossEntropyRule struct {
	Spec CrossEntropySpec
}

func (r CrossEntropyRule) Name() string            { return "cross-entropy" }
func (r CrossEntropyRule) DefaultOptions() Options { return Options{OptSkipLinearWeightLoad: false} }

// Transform implements Rule.
func (r CrossEntropyRule) Transform(ps *distributed.ParallelState, model *nn.Model, name string, layer nn.Module,
	_ bool, device string, opts Options) (nn.Module, error) {
	if model.Config != nil {
		switch model.Config.ProblemType {
		case nn.ProblemRegression, nn.ProblemMultiLabel:
			klog.V(1).Infof("cross-entropy rule skipped for problem type %q", model.Config.ProblemType)
			return layer, nil
		}
	}
	path := r.Spec.LastLinearProjectionName
	m, err := nn.GetSubmodule(layer, path)
	if err != nil {
		return nil, err
	}
	switch head := m.(type) {
	case *ColumnParallelLinear:
		if head.GatherOutput {
			return nil, errors.Wrapf(ErrConfiguration, "last projection %q gathers its output, the logits must stay split", path)
		}
	case *RowParallelLinear:
		return nil, errors.Wrapf(ErrConfiguration, "last projection %q is row parallel, it must be column parallel", path)
	case *nn.Linear:
		tp := ps.TensorParallelSize()
		if head.OutFeatures%tp != 0 {
			if ps.IsMainProcess() {
				klog.Warningf("%d output features of %q not divisible by the tensor parallel size %d, keeping the dense loss",
					head.OutFeatures, nn.JoinName(name, path), tp)
			}
			return layer, nil
		}
		if err = shardLinearChild(ps, model, name, layer, path, AxisColumn, LinearOptions{Device: device}, opts); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(ErrConfiguration, "last projection %q is a %s", path, m.Kind())
	}
	model.Loss = ParallelCrossEntropy(ps, model.LossOptions)
	return layer, nil
}
