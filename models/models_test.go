package models

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/internal/utils"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/parallel"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(modelType string, numKV int, tied bool) *nn.Config {
	return &nn.Config{
		ModelType:         modelType,
		VocabSize:         16,
		HiddenSize:        16,
		IntermediateSize:  32,
		NumHiddenLayers:   2,
		NumAttentionHeads: 4,
		NumKeyValueHeads:  numKV,
		TieWordEmbeddings: tied,
	}
}

var (
	testIDs    = must.M1(tensor.FromValue([][]int{{1, 5, 9, 3}, {0, 15, 7, 2}}))
	testLabels = must.M1(tensor.FromValue([][]int{{5, 9, 3, nn.IgnoreIndex}, {15, 7, 2, 11}}))
)

// denseOutputs returns the loss and logits of the model before parallelization.
func denseOutputs(t *testing.T, config *nn.Config) (loss, logits *tensor.Tensor) {
	model := must.M1(New(config, BuildOptions{Seed: 1}))
	loss, logits, err := model.ComputeLoss(context.Background(), testIDs, testLabels)
	require.NoError(t, err)
	return loss, logits
}

// checkParallelOutputs checks, on one rank, that the parallelized model computes the dense loss and logits.
func checkParallelOutputs(t *testing.T, ctx context.Context, ps *distributed.ParallelState, model *nn.Model, wantLoss, wantLogits *tensor.Tensor) error {
	loss, logits, err := model.ComputeLoss(ctx, testIDs, testLabels)
	if err != nil {
		return err
	}
	assert.InDelta(t, wantLoss.Flat()[0], loss.Flat()[0], 1e-4)
	if logits, err = distributed.GatherFromTensorParallelRegion(ctx, ps, logits); err != nil {
		return err
	}
	assert.Truef(t, wantLogits.InDelta(logits, 1e-4), "rank %d: parallel logits differ from the dense ones", ps.Rank())
	return nil
}

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

func TestParallelMatchesDense(t *testing.T) {
	testCases := []struct {
		name             string
		config           *nn.Config
		tp               int
		sequenceParallel bool
	}{
		{"llama", testConfig(LlamaModelType, 4, false), 2, false},
		{"llama sequence parallel", testConfig(LlamaModelType, 4, false), 2, true},
		{"llama tied", testConfig(LlamaModelType, 2, true), 2, false},
		{"llama grouped query attention", testConfig(LlamaModelType, 2, false), 4, false},
		{"llama grouped query attention sequence parallel", testConfig(LlamaModelType, 2, false), 4, true},
		{"gpt-neox", testConfig(GPTNeoXModelType, 0, false), 2, false},
		{"gpt-neox sequence parallel", testConfig(GPTNeoXModelType, 0, false), 2, true},
		{"bert", testConfig(BertModelType, 0, true), 2, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wantLoss, wantLogits := denseOutputs(t, tc.config)
			plan := must.M1(Plan(tc.config.ModelType))
			runTP(t, tc.tp, func(ctx context.Context, ps *distributed.ParallelState) error {
				model, err := New(tc.config, BuildOptions{Seed: 1})
				if err != nil {
					return err
				}
				if err = parallel.Parallelize(ps, model, plan, parallel.ParallelizeOptions{SequenceParallel: tc.sequenceParallel}); err != nil {
					return err
				}
				return checkParallelOutputs(t, ctx, ps, model, wantLoss, wantLogits)
			})
		})
	}
}

func TestGroupedQueryAttentionNames(t *testing.T) {
	config := testConfig(LlamaModelType, 2, false)
	dense := utils.SetWith(nn.ParameterNames(must.M1(New(config, BuildOptions{Seed: 1})).Module)...)
	runTP(t, 4, func(ctx context.Context, ps *distributed.ParallelState) error {
		model, err := New(config, BuildOptions{Seed: 1})
		if err != nil {
			return err
		}
		if err = parallel.Parallelize(ps, model, LlamaPlan(), parallel.ParallelizeOptions{SequenceParallel: true}); err != nil {
			return err
		}
		attention, err := nn.GetSubmodule(model.Module, "model.layers.1.self_attn")
		if err != nil {
			return err
		}
		assert.True(t, attention.Flags()[parallel.FlagSequenceParallel])
		assert.Equal(t, 1, attention.Attrs()[AttrNumHeads])
		fused, _ := attention.Children().Get("qkv_proj")
		assert.IsType(t, &parallel.GQAQKVColumnParallelLinear{}, fused)

		gqaToOriginal := model.ParallelMetadata.GQA.GQANamesToOriginalNames()
		remapped := utils.MakeSet[string]()
		for _, name := range model.LocalParameterNames() {
			if original, found := gqaToOriginal[name]; found {
				name = original
			}
			remapped.Insert(name)
		}
		if diff := remapped.SymmetricDifference(dense); len(diff) > 0 {
			return errors.Errorf("parameter names differ after remapping: %v", utils.SortedKeys(diff))
		}
		return nil
	})
}

func TestLazyLoadedModel(t *testing.T) {
	config := testConfig(LlamaModelType, 4, false)
	wantLoss, wantLogits := denseOutputs(t, config)
	dir := t.TempDir()
	dense := must.M1(New(config, BuildOptions{Seed: 1}))
	require.NoError(t, checkpoint.SaveSafetensors(filepath.Join(dir, checkpoint.SafetensorsFileName), dense.StateDict(), nil))

	runTP(t, 2, func(ctx context.Context, ps *distributed.ParallelState) error {
		model, err := New(config, BuildOptions{Meta: true})
		if err != nil {
			return err
		}
		if model.WeightMap, err = checkpoint.LoadWeightMap(dir); err != nil {
			return err
		}
		if err = parallel.Parallelize(ps, model, LlamaPlan(), parallel.ParallelizeOptions{}); err != nil {
			return err
		}
		for _, np := range model.LocalParameters() {
			assert.Falsef(t, np.Parameter.IsMeta(), "%s was not loaded", np.Name)
		}
		return checkParallelOutputs(t, ctx, ps, model, wantLoss, wantLogits)
	})
}

func TestPipelineStages(t *testing.T) {
	config := testConfig(LlamaModelType, 4, false)
	world := must.M1(distributed.NewLocalWorld(2))
	for ppRank, want := range [][]string{
		{"model.embed_tokens.weight", "model.layers.0."},
		{"model.layers.1.", "model.norm.weight", "lm_head.weight"},
	} {
		ps := must.M1(distributed.NewParallelState(world.Communicator(ppRank), 1, 2))
		require.Equal(t, ppRank, ps.PipelineParallelRank())
		model := must.M1(New(config, BuildOptions{Seed: 1}))
		require.NoError(t, parallel.Parallelize(ps, model, LlamaPlan(), parallel.ParallelizeOptions{}))
		names := model.LocalParameterNames()
		require.NotEmpty(t, names)
		for _, name := range names {
			found := false
			for _, prefix := range want {
				if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
					found = true
				}
			}
			assert.Truef(t, found, "pipeline rank %d holds unexpected parameter %q", ppRank, name)
		}
		assert.Equal(t, ppRank, model.ParallelMetadata.PipelineParallelRank)
	}
}

func TestRegressionKeepsDenseLoss(t *testing.T) {
	config := testConfig(BertModelType, 0, false)
	config.ProblemType = nn.ProblemRegression
	ps := must.M1(distributed.NewParallelState(must.M1(distributed.NewLocalWorld(2)).Communicator(0), 2, 1))
	model := must.M1(New(config, BuildOptions{Seed: 1}))
	require.NoError(t, parallel.Parallelize(ps, model, BertPlan(), parallel.ParallelizeOptions{}))
	assert.Equal(t, nn.KindLinear, must.M1(nn.GetSubmodule(model.Module, "cls.predictions.decoder")).Kind())
	assert.Equal(t, parallel.KindColumnParallelLinear,
		must.M1(nn.GetSubmodule(model.Module, "bert.encoder.layer.0.intermediate.dense")).Kind())

	_, err := New(&nn.Config{ModelType: "t5"}, BuildOptions{})
	require.Error(t, err)
	_, err = Plan("t5")
	require.Error(t, err)
	err = parallel.Parallelize(ps, model, BertPlan(), parallel.ParallelizeOptions{SequenceParallel: true})
	require.ErrorIs(t, err, parallel.ErrConfiguration)
}
