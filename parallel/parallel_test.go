package parallel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runTP runs fn on every rank of a world of tp ranks, all in the same tensor parallel group.
func runTP(t *testing.T, tp int, fn func(ctx context.Context, ps *distributed.ParallelState) error) {
	t.Helper()
	err := distributed.Run(context.Background(), tp, func(ctx context.Context, comm distributed.Communicator) error {
		ps, err := distributed.NewParallelState(comm, tp, 1)
		if err != nil {
			return err
		}
		return fn(ctx, ps)
	})
	require.NoError(t, err)
}

// stateOf returns the ParallelState of one rank, for tests that don't run collectives.
func stateOf(tp, rank int) *distributed.ParallelState {
	world := must.M1(distributed.NewLocalWorld(tp))
	return must.M1(distributed.NewParallelState(world.Communicator(rank), tp, 1))
}

func forward(t *testing.T, ctx context.Context, m nn.Module, x *tensor.Tensor) *tensor.Tensor {
	outputs, err := m.Forward(ctx, x)
	require.NoError(t, err)
	return outputs[0]
}

func TestShardSpans(t *testing.T) {
	testCases := []struct {
		name                  string
		dim, stride, rank, tp int
		want                  []span
	}{
		{"contiguous", 8, 1, 1, 2, []span{{4, 4}}},
		{"stride", 12, 3, 1, 2, []span{{2, 2}, {6, 2}, {10, 2}}},
		{"single rank", 6, 1, 0, 1, []span{{0, 6}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := shardSpans(tc.dim, tc.stride, tc.rank, tc.tp)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
	_, err := shardSpans(10, 3, 0, 2)
	require.ErrorIs(t, err, ErrNotDivisible)
}

func TestLinearToParallelLinear(t *testing.T) {
	const tp = 2
	weight := tensor.Arange(8, 4).Scale(0.1)
	bias := tensor.Arange(8).Scale(0.01)
	x := tensor.Arange(2, 3, 4).Scale(0.1)
	dense := forward(t, context.Background(), nn.NewLinear(weight, bias), x)

	runTP(t, tp, func(ctx context.Context, ps *distributed.ParallelState) error {
		rank := ps.TensorParallelRank()
		column, err := LinearToColumnParallel(ps, nn.NewLinear(weight, bias), LinearOptions{GatherOutput: true})
		if err != nil {
			return err
		}
		assert.Equal(t, 4, column.OutputSizePerPartition)
		assert.True(t, column.Weight().Value.Equal(must.M1(weight.Narrow(0, rank*4, 4))))
		assert.True(t, column.Bias().Value.Equal(must.M1(bias.Narrow(0, rank*4, 4))))
		assert.Equal(t, 0, column.Weight().PartitionDim())
		outputs, err := column.Forward(ctx, x)
		if err != nil {
			return err
		}
		assert.Truef(t, dense.InDelta(outputs[0], 1e-5), "column parallel output %s, dense %s", outputs[0], dense)

		sharded, err := LinearToParallelLinear(ps, nn.NewLinear(weight, bias), AxisRow, LinearOptions{})
		if err != nil {
			return err
		}
		row := sharded.(*RowParallelLinear)
		assert.Equal(t, []int{8, 2}, row.Weight().Shape.Dimensions)
		assert.True(t, row.Bias().Value.Equal(bias))
		assert.False(t, row.Bias().TensorParallel())
		assert.Equal(t, 1, row.Weight().PartitionDim())
		if outputs, err = row.Forward(ctx, x); err != nil {
			return err
		}
		assert.Truef(t, dense.InDelta(outputs[0], 1e-5), "row parallel output %s, dense %s", outputs[0], dense)

		strided, err := LinearToColumnParallel(ps, nn.NewLinear(weight, nil), LinearOptions{Stride: 2})
		if err != nil {
			return err
		}
		want := must.M1(tensor.Concatenate([]*tensor.Tensor{
			must.M1(weight.Narrow(0, rank*2, 2)),
			must.M1(weight.Narrow(0, 4+rank*2, 2)),
		}, 0))
		assert.True(t, strided.Weight().Value.Equal(want))
		assert.Equal(t, 2, strided.Weight().PartitionStride())
		return nil
	})
}

func TestLinearToParallelLinearErrors(t *testing.T) {
	ps := stateOf(3, 0)
	linear := nn.NewLinear(tensor.Arange(8, 4), nil)
	_, err := LinearToParallelLinear(ps, linear, AxisColumn, LinearOptions{})
	require.ErrorIs(t, err, ErrNotDivisible)
	_, err = LinearToParallelLinear(ps, linear, AxisRow, LinearOptions{})
	require.ErrorIs(t, err, ErrNotDivisible)
	_, err = LinearToParallelLinear(stateOf(2, 0), linear, Axis("diagonal"), LinearOptions{})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestLazyLoadFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	weight, bias := tensor.Arange(8, 4), tensor.Arange(8)
	sd := checkpoint.NewStateDict()
	sd.Set("proj.weight", weight)
	sd.Set("proj.bias", bias)
	require.NoError(t, checkpoint.SaveSafetensors(filepath.Join(dir, checkpoint.SafetensorsFileName), sd, nil))
	wm := must.M1(checkpoint.LoadWeightMap(dir))

	weightInfo, biasInfo, err := LinearWeightInfo(wm, "proj", "cpu", true)
	require.NoError(t, err)
	require.NotNil(t, biasInfo)
	_, _, err = LinearWeightInfo(wm, "missing", "cpu", true)
	require.Error(t, err)
	missing, _, err := LinearWeightInfo(wm, "missing", "cpu", false)
	require.NoError(t, err)
	assert.Nil(t, missing)

	ps := stateOf(2, 1)
	opts := LinearOptions{Stride: 2, WeightInfo: weightInfo, BiasInfo: biasInfo, Device: "accel:1"}
	column := must.M1(LinearToColumnParallel(ps, nn.NewMetaLinear(dtypes.Float32, 4, 8, true), opts))
	inMemory := must.M1(LinearToColumnParallel(ps, nn.NewLinear(weight, bias), LinearOptions{Stride: 2}))
	assert.True(t, column.Weight().Value.Equal(inMemory.Weight().Value))
	assert.True(t, column.Bias().Value.Equal(inMemory.Bias().Value))
	assert.Equal(t, "accel:1", column.Weight().Device)

	row := must.M1(LinearToRowParallel(ps, nn.NewMetaLinear(dtypes.Float32, 4, 8, true),
		LinearOptions{WeightInfo: weightInfo, BiasInfo: biasInfo}))
	assert.True(t, row.Weight().Value.Equal(must.M1(weight.Narrow(1, 2, 2))))
	assert.True(t, row.Bias().Value.Equal(bias))

	skipped := must.M1(LinearToColumnParallel(ps, nn.NewMetaLinear(dtypes.Float32, 4, 8, true),
		LinearOptions{SkipWeightLoad: true, WeightInfo: weightInfo}))
	assert.True(t, skipped.Weight().IsMeta())
	assert.False(t, skipped.Weight().Initialized)
	assert.Equal(t, []int{4, 4}, skipped.Weight().Shape.Dimensions)
}

func TestEmbeddingToParallelEmbedding(t *testing.T) {
	const tp = 2
	weight := tensor.Arange(6, 4).Scale(0.1)
	ids := must.M1(tensor.FromValue([][]int{{0, 5, 3}, {2, 2, 4}}))
	newTied := func() (*nn.Embedding, *nn.Linear) {
		embedding := nn.NewEmbedding(weight)
		head := nn.NewLinear(weight, nil)
		head.Params().Set("weight", embedding.Weight())
		return embedding, head
	}
	ctx := context.Background()
	denseEmbedding, denseHead := newTied()
	hidden := forward(t, ctx, denseEmbedding, ids)
	logits := forward(t, ctx, denseHead, hidden)

	runTP(t, tp, func(ctx context.Context, ps *distributed.ParallelState) error {
		embedding, head := newTied()
		parallelEmbedding, parallelHead, err := EmbeddingToParallelEmbedding(ps, embedding, head, EmbeddingOptions{})
		if err != nil {
			return err
		}
		assert.Equal(t, 3*ps.TensorParallelRank(), parallelEmbedding.VocabStartIndex)
		if parallelHead == nil {
			return errors.New("tied LM head was not converted")
		}
		assert.Same(t, parallelEmbedding.Weight(), parallelHead.Weight())

		outputs, err := parallelEmbedding.Forward(ctx, ids)
		if err != nil {
			return err
		}
		assert.True(t, hidden.InDelta(outputs[0], 1e-6))
		if outputs, err = parallelHead.Forward(ctx, outputs[0]); err != nil {
			return err
		}
		assert.Equal(t, 3, outputs[0].Dim(-1))
		gathered, err := distributed.GatherFromTensorParallelRegion(ctx, ps, outputs[0])
		if err != nil {
			return err
		}
		assert.True(t, logits.InDelta(gathered, 1e-5))

		untied := nn.NewLinear(weight, nil)
		_, untiedHead, err := EmbeddingToParallelEmbedding(ps, nn.NewEmbedding(weight), untied, EmbeddingOptions{})
		if err != nil {
			return err
		}
		assert.Nil(t, untiedHead)
		return nil
	})

	_, _, err := EmbeddingToParallelEmbedding(stateOf(4, 0), nn.NewEmbedding(weight), nil, EmbeddingOptions{})
	require.ErrorIs(t, err, ErrNotDivisible)
}

func TestParallelCrossEntropy(t *testing.T) {
	const tp = 2
	logits := tensor.Arange(2, 3, 6).Scale(0.1)
	logits.MapInPlace(func(v float32) float32 { return v * v / 3 })
	labels := must.M1(tensor.FromValue([][]int{{0, 5, nn.IgnoreIndex}, {2, 3, 1}}))
	ctx := context.Background()

	for name, opts := range map[string]nn.CrossEntropyOptions{
		"mean":            {IgnoreIndex: nn.IgnoreIndex},
		"label smoothing": {IgnoreIndex: nn.IgnoreIndex, LabelSmoothing: 0.1},
		"sum":             {IgnoreIndex: nn.IgnoreIndex, Reduction: nn.ReductionSum},
	} {
		t.Run(name, func(t *testing.T) {
			dense := must.M1(nn.CrossEntropy(opts)(ctx, logits, labels))
			runTP(t, tp, func(ctx context.Context, ps *distributed.ParallelState) error {
				local, err := logits.Narrow(-1, 3*ps.TensorParallelRank(), 3)
				if err != nil {
					return err
				}
				loss, err := ParallelCrossEntropy(ps, opts)(ctx, local, labels)
				if err != nil {
					return err
				}
				assert.InDelta(t, dense.Flat()[0], loss.Flat()[0], 1e-5)
				return nil
			})
		})
	}
}

// attentionRoot builds a model with one attention layer "attn" of 8 query heads of size 2 and 2 key/value heads.
func attentionRoot(withBias bool) *nn.Model {
	linear := func(out, in int, scale float32) *nn.Linear {
		var bias *tensor.Tensor
		if withBias {
			bias = tensor.Arange(out).Scale(scale)
		}
		return nn.NewLinear(tensor.Arange(out, in).Scale(scale), bias)
	}
	attn := nn.NewContainer("Attention",
		nn.NamedModule{Name: "q_proj", Module: linear(16, 4, 1)},
		nn.NamedModule{Name: "k_proj", Module: linear(4, 4, 2)},
		nn.NamedModule{Name: "v_proj", Module: linear(4, 4, 3)},
		nn.NamedModule{Name: "o_proj", Module: linear(4, 16, 4)})
	attn.Attrs()["num_heads"] = 8
	attn.Attrs()["num_key_value_heads"] = 2
	attn.Attrs()["num_key_value_groups"] = 4
	return nn.NewModel(nn.NewContainer("Model", nn.NamedModule{Name: "attn", Module: attn}), &nn.Config{})
}

func attentionPlan(options Options) *Plan {
	return &Plan{Family: "test", Steps: []Step{{Layers: "attn", Options: options, Rule: SelfAttentionRule{Spec: SelfAttentionSpec{
		QueriesName:           "q_proj",
		KeysName:              "k_proj",
		ValuesName:            "v_proj",
		OutputProjectionName:  "o_proj",
		NumAttentionHeadsName: "num_heads",
		NumKeyValueHeadsName:  "num_key_value_heads",
		NumKeyValueGroupsName: "num_key_value_groups",
	}}}}}
}

func TestGQAConsolidation(t *testing.T) {
	const tp = 4
	for _, fuse := range []bool{false, true} {
		t.Run(map[bool]string{false: "separate", true: "fused"}[fuse], func(t *testing.T) {
			original := attentionRoot(true).StateDict()
			stateDicts := make([]*checkpoint.StateDict, tp)
			var md *checkpoint.Metadata
			runTP(t, tp, func(ctx context.Context, ps *distributed.ParallelState) error {
				model := attentionRoot(true)
				if err := Parallelize(ps, model, attentionPlan(Options{OptFuseQKV: fuse}), ParallelizeOptions{}); err != nil {
					return err
				}
				attn := must.M1(nn.GetSubmodule(model.Module, "attn"))
				assert.Equal(t, 2, attn.Attrs()["num_heads"])
				assert.Equal(t, 1, attn.Attrs()["num_key_value_heads"])
				assert.Equal(t, 2, attn.Attrs()["num_key_value_groups"])
				projection, err := Projection(attn, "k_proj")
				if err != nil {
					return err
				}
				assert.Equal(t, KeyIndex, projection.(FusedSliceProjection).Index)
				stateDicts[ps.TensorParallelRank()] = model.StateDict()
				if ps.TensorParallelRank() == 0 {
					md = model.ParallelMetadata
				}
				return nil
			})

			require.NotNil(t, md.GQA)
			assert.Equal(t, 2, md.GQA.KVSizeMultiplier)
			assert.Equal(t, "attn.qkv_proj.weight_q", md.GQA.OriginalNamesToGQANames["attn.q_proj.weight"])
			assert.Equal(t, []string{"attn.o_proj.weight"}, md.GQA.OutputProjectionsNames)
			consolidated := must.M1(checkpoint.ConsolidateTensorParallel(stateDicts, md))
			if diff := cmp.Diff(checkpoint.SortedNames(original), checkpoint.SortedNames(consolidated)); diff != "" {
				t.Fatalf("consolidated names differ (-want +got):\n%s", diff)
			}
			for pair := original.Oldest(); pair != nil; pair = pair.Next() {
				got, _ := consolidated.Get(pair.Key)
				assert.Truef(t, pair.Value.Equal(got), "%s: want %s, got %s", pair.Key, pair.Value, got)
			}
		})
	}
}

func TestSelfAttentionRuleErrors(t *testing.T) {
	newModel := func(heads, kv int) (*nn.Model, nn.Module) {
		model := attentionRoot(false)
		attn := must.M1(nn.GetSubmodule(model.Module, "attn"))
		attn.Attrs()["num_heads"] = heads
		attn.Attrs()["num_key_value_heads"] = kv
		return model, attn
	}
	rule := attentionPlan(nil).Steps[0].Rule.(SelfAttentionRule)
	opts := PrepareOptions(rule, nil)

	unpaired := rule
	unpaired.Spec.NumKeyValueGroupsName = ""
	model, attn := newModel(8, 2)
	_, err := unpaired.Transform(stateOf(2, 0), model, "attn", attn, false, "", opts)
	require.ErrorIs(t, err, ErrConfiguration)

	model, attn = newModel(6, 3)
	_, err = rule.Transform(stateOf(2, 0), model, "attn", attn, false, "", opts)
	require.ErrorIs(t, err, ErrConfiguration)

	model, attn = newModel(6, 2)
	model.ParallelMetadata = checkpoint.NewMetadata(4, 1, 1, 0)
	_, err = rule.Transform(stateOf(4, 0), model, "attn", attn, false, "", opts)
	require.ErrorIs(t, err, ErrNotDivisible)
}

func TestEmbeddingAndCrossEntropyRules(t *testing.T) {
	newModel := func(vocab int, problem string) *nn.Model {
		embedding := nn.NewEmbedding(tensor.Arange(vocab, 4))
		head := nn.NewLinear(tensor.Arange(vocab, 4), nil)
		root := nn.NewContainer("Model",
			nn.NamedModule{Name: "embed", Module: embedding},
			nn.NamedModule{Name: "lm_head", Module: head})
		return nn.NewModel(root, &nn.Config{ProblemType: problem})
	}
	embeddingRule := EmbeddingRule{Spec: EmbeddingSpec{EmbeddingName: "embed", LMHeadName: "lm_head"}}
	ceRule := CrossEntropyRule{Spec: CrossEntropySpec{LastLinearProjectionName: "lm_head"}}
	ps := stateOf(2, 0)

	t.Run("vocabulary not divisible", func(t *testing.T) {
		model := newModel(5, "")
		_, err := embeddingRule.Transform(ps, model, "", model.Module, false, "", PrepareOptions(embeddingRule, nil))
		require.NoError(t, err)
		assert.Equal(t, nn.KindEmbedding, must.M1(nn.GetSubmodule(model.Module, "embed")).Kind())
		_, err = ceRule.Transform(ps, model, "", model.Module, false, "", PrepareOptions(ceRule, nil))
		require.NoError(t, err)
		assert.Equal(t, nn.KindLinear, must.M1(nn.GetSubmodule(model.Module, "lm_head")).Kind())
	})

	t.Run("regression", func(t *testing.T) {
		model := newModel(6, nn.ProblemRegression)
		_, err := ceRule.Transform(ps, model, "", model.Module, false, "", PrepareOptions(ceRule, nil))
		require.NoError(t, err)
		assert.Equal(t, nn.KindLinear, must.M1(nn.GetSubmodule(model.Module, "lm_head")).Kind())
	})

	t.Run("untied head", func(t *testing.T) {
		model := newModel(6, "")
		_, err := embeddingRule.Transform(ps, model, "", model.Module, false, "", PrepareOptions(embeddingRule, nil))
		require.NoError(t, err)
		assert.Equal(t, KindParallelEmbedding, must.M1(nn.GetSubmodule(model.Module, "embed")).Kind())
		_, err = ceRule.Transform(ps, model, "", model.Module, false, "", PrepareOptions(ceRule, nil))
		require.NoError(t, err)
		head := must.M1(nn.GetSubmodule(model.Module, "lm_head")).(*ColumnParallelLinear)
		assert.False(t, head.GatherOutput)
		assert.Equal(t, 3, head.OutputSizePerPartition)
	})

	t.Run("row parallel head", func(t *testing.T) {
		model := newModel(6, "")
		head := must.M1(LinearToRowParallel(ps, nn.NewLinear(tensor.Arange(6, 4), nil), LinearOptions{}))
		require.NoError(t, nn.SetSubmodule(model.Module, "lm_head", head))
		_, err := ceRule.Transform(ps, model, "", model.Module, false, "", PrepareOptions(ceRule, nil))
		require.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("gathered head", func(t *testing.T) {
		model := newModel(6, "")
		head := must.M1(LinearToColumnParallel(ps, nn.NewLinear(tensor.Arange(6, 4), nil), LinearOptions{GatherOutput: true}))
		require.NoError(t, nn.SetSubmodule(model.Module, "lm_head", head))
		_, err := ceRule.Transform(ps, model, "", model.Module, false, "", PrepareOptions(ceRule, nil))
		require.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestPrepareOptions(t *testing.T) {
	opts := PrepareOptions(SelfAttentionRule{}, Options{OptKVSizeMultiplier: 4, "unknown": true})
	assert.Equal(t, 4, opts.Int(OptKVSizeMultiplier))
	assert.False(t, opts.Bool(OptSkipLinearWeightLoad))
	assert.NotContains(t, opts, "unknown")
}

func TestLayerPatterns(t *testing.T) {
	root := must.M1(compileLayerPattern(""))
	assert.True(t, matchLayer(root, "", ""))
	assert.False(t, matchLayer(root, "", "model"))

	mlp := must.M1(compileLayerPattern(`model\.layers\.\d+\.mlp`))
	assert.True(t, matchString(mlp, "model.layers.12.mlp"))
	assert.False(t, matchString(mlp, "model.layers.12.mlp.up_proj"))

	prefix := must.M1(compilePrefixPattern(`model\.norm`))
	assert.True(t, matchString(prefix, "model.norm"))
	assert.False(t, matchString(prefix, "x.model.norm"))
}

func identity(size int) *nn.Linear {
	weight := tensor.Zeros(dtypes.Float32, size, size)
	for i := range size {
		weight.Flat()[i*size+i] = 1
	}
	return nn.NewLinear(weight, nil)
}

func TestIOSequenceParallelizer(t *testing.T) {
	const tp = 2
	x := tensor.Arange(2, 4, 3)
	infos := []SequenceCollectiveOpInfo{
		{Op: OpScatter, Pattern: `first`, IO: IOOutput, FirstOrLast: MatchFirst},
		{Op: OpGather, Kind: nn.KindLinear, IO: IOOutput, FirstOrLast: MatchLast},
	}
	runTP(t, tp, func(ctx context.Context, ps *distributed.ParallelState) error {
		inner := identity(3)
		root := nn.NewContainer("Model",
			nn.NamedModule{Name: "first", Module: identity(3)},
			nn.NamedModule{Name: "inner", Module: inner},
			nn.NamedModule{Name: "last", Module: identity(3)})
		names := nn.ParameterNames(root)
		if err := IOSequenceParallelizer(ps, root, infos); err != nil {
			return err
		}
		assert.Equal(t, names, nn.ParameterNames(root))
		assert.IsType(t, &SequenceBoundary{}, root.Child("first"))
		assert.IsType(t, &SequenceBoundary{}, root.Child("last"))
		assert.Same(t, inner, root.Child("inner"))
		assert.Equal(t, nn.KindLinear, root.Child("last").Kind())

		first, err := root.Child("first").Forward(ctx, x)
		if err != nil {
			return err
		}
		assert.Equal(t, []int{2, 2, 3}, first[0].Shape().Dimensions)
		outputs, err := root.Forward(ctx, x)
		if err != nil {
			return err
		}
		assert.True(t, x.Equal(outputs[0]))
		return nil
	})

	root := nn.NewContainer("Model", nn.NamedModule{Name: "first", Module: identity(3)})
	err := IOSequenceParallelizer(stateOf(2, 0), root, []SequenceCollectiveOpInfo{
		{Op: OpGather, Kind: nn.KindLayerNorm, IO: IOOutput, FirstOrLast: MatchLast}})
	require.ErrorIs(t, err, ErrConfiguration)
	invalid := SequenceCollectiveOpInfo{Op: OpGather, Kind: nn.KindLinear, Pattern: "first", IO: IOOutput, FirstOrLast: MatchLast}
	require.ErrorIs(t, invalid.Validate(), ErrConfiguration)
}

func TestNormSequenceParallelizer(t *testing.T) {
	layer := nn.NewContainer("Layer",
		nn.NamedModule{Name: "input_layernorm", Module: nn.NewNorm(nn.NormStandard, 4, 1e-5)},
		nn.NamedModule{Name: "proj", Module: identity(4)})
	root := nn.NewContainer("Model",
		nn.NamedModule{Name: "layers", Module: nn.NewContainer("ModuleList", nn.NamedModule{Name: "0", Module: layer})},
		nn.NamedModule{Name: "norm", Module: nn.NewNorm(nn.NormStandard, 4, 1e-5)})
	names, err := NormSequenceParallelizer(root, []string{`layers\.\d+\.input_layernorm`, `norm`, `layers\.\d+\.proj`}, nn.NormRMS)
	require.NoError(t, err)
	assert.Equal(t, []string{"layers.0.input_layernorm", "norm"}, names)
	norm := root.Child("norm").(*nn.Norm)
	assert.True(t, norm.SequenceParallel)
	assert.Equal(t, nn.KindRMSNorm, norm.Kind())
	assert.True(t, norm.Param("weight").SequenceParallel)
}

func TestStageParameterNames(t *testing.T) {
	names := []string{"embed.weight", "layers.0.w", "layers.1.w", "layers.2.w", "norm.weight", "head.weight"}
	stage0 := must.M1(StageParameterNames(names, "layers", 2, 0))
	stage1 := must.M1(StageParameterNames(names, "layers", 2, 1))
	assert.Equal(t, map[string]bool{"embed.weight": true, "layers.0.w": true}, stage0)
	assert.Equal(t, map[string]bool{"layers.1.w": true, "layers.2.w": true, "norm.weight": true, "head.weight": true}, stage1)
	_, err := StageParameterNames(names, "layers", 4, 0)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestParallelizeWithoutSequenceParallelSupport(t *testing.T) {
	model := attentionRoot(false)
	err := Parallelize(stateOf(2, 0), model, attentionPlan(nil), ParallelizeOptions{SequenceParallel: true})
	require.ErrorIs(t, err, ErrConfiguration)
}
