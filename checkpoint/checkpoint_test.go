package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/gomlx/shardtrain/types/shardy"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireSameStateDict(t *testing.T, want, got *StateDict) {
	t.Helper()
	if diff := cmp.Diff(SortedNames(want), SortedNames(got)); diff != "" {
		t.Fatalf("state dict names differ (-want +got):\n%s", diff)
	}
	for pair := want.Oldest(); pair != nil; pair = pair.Next() {
		value, _ := got.Get(pair.Key)
		assert.Truef(t, pair.Value.Equal(value), "tensor %q: want %s, got %s", pair.Key, pair.Value, value)
	}
}

func mustGet(sd *StateDict, name string) *tensor.Tensor {
	t, found := sd.Get(name)
	if !found {
		panic("missing tensor " + name)
	}
	return t
}

func TestSafetensors(t *testing.T) {
	sd := NewStateDict()
	sd.Set("w", tensor.Arange(4, 3))
	sd.Set("b", tensor.Arange(3).Cast(dtypes.BFloat16))
	sd.Set("ids", tensor.Arange(5).Cast(dtypes.Int64))
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, SaveSafetensors(path, sd, map[string]string{"step": "7"}))

	st := must.M1(OpenSafetensors(path))
	assert.Equal(t, []string{"w", "b", "ids"}, st.Names())
	assert.Equal(t, "7", st.Metadata["step"])
	assert.Equal(t, "pt", st.Metadata["format"])

	rows := must.M1(st.LoadSlice("w", 0, 1, 2))
	assert.Equal(t, []float32{3, 4, 5, 6, 7, 8}, rows.Flat())
	cols := must.M1(st.LoadSlice("w", 1, 1, 1))
	assert.Equal(t, []float32{1, 4, 7, 10}, cols.Flat())
	_, err := st.LoadSlice("w", 1, 2, 2)
	require.Error(t, err)

	requireSameStateDict(t, sd, must.M1(LoadSafetensors(path)))
}

func TestWeightMap(t *testing.T) {
	sd := NewStateDict()
	sd.Set("a.weight", tensor.Arange(4, 2))
	sd.Set("b.weight", tensor.Arange(2, 6))
	sd.Set("c.bias", tensor.Arange(6))

	t.Run("sharded safetensors", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, SaveUnified(dir, sd, FormatSafetensors, 50))
		_, err := os.Stat(filepath.Join(dir, SafetensorsIndexFileName))
		require.NoError(t, err)

		wm := must.M1(LoadWeightMap(dir))
		assert.Equal(t, []string{"a.weight", "b.weight", "c.bias"}, wm.Names())
		file, found := wm.Filename("b.weight")
		require.True(t, found)
		assert.Equal(t, "model-00002-of-00003.safetensors", filepath.Base(file))
		slice := must.M1(wm.LoadSlice("b.weight", 1, 3, 3))
		assert.Equal(t, []float32{3, 4, 5, 9, 10, 11}, slice.Flat())
		assert.True(t, mustGet(sd, "c.bias").Equal(must.M1(wm.Load("c.bias"))))
		assert.False(t, wm.Has("missing"))
		_, err = wm.Load("missing")
		require.Error(t, err)
	})

	t.Run("legacy", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, SaveUnified(dir, sd, FormatLegacy, 0))
		wm := must.M1(LoadWeightMap(dir))
		shape := must.M1(wm.Shape("a.weight"))
		assert.Equal(t, []int{4, 2}, shape.Dimensions)
		assert.True(t, mustGet(sd, "a.weight").Equal(must.M1(wm.Load("a.weight"))))
		requireSameStateDict(t, sd, must.M1(LoadLegacy(filepath.Join(dir, LegacyFileName))))
	})

	t.Run("torch", func(t *testing.T) {
		torchSD := must.M1(LoadTorchStateDict(filepath.Join("testdata", TorchFileName)))
		assert.Equal(t, []string{"embed.weight", "bias", "proj.weight"}, Names(torchSD))
		embed := mustGet(torchSD, "embed.weight")
		assert.Equal(t, dtypes.Float32, embed.DType())
		assert.Equal(t, []int{4, 3}, embed.Shape().Dimensions)

		wm := must.M1(LoadWeightMap("testdata"))
		assert.Equal(t, []string{"bias", "embed.weight", "proj.weight"}, wm.Names())
		file, found := wm.Filename("bias")
		require.True(t, found)
		assert.Equal(t, TorchFileName, filepath.Base(file))
		assert.Equal(t, []float32{12, 13, 14}, must.M1(wm.Load("bias")).Flat(), "storage offset")
		assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, must.M1(wm.Load("proj.weight")).Flat(), "transposed strides")
		assert.Equal(t, []float32{1, 2, 4, 5, 7, 8, 10, 11}, must.M1(wm.LoadSlice("embed.weight", 1, 1, 2)).Flat())
		assert.Equal(t, []float32{1, 4, 2, 5}, must.M1(wm.LoadSlice("proj.weight", 0, 1, 2)).Flat())
	})

	t.Run("single file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, SaveUnified(dir, sd, FormatSafetensors, 0))
		wm := must.M1(LoadWeightMap(filepath.Join(dir, SafetensorsFileName)))
		assert.Len(t, wm.Names(), 3)
	})
}

// shardFor returns the slice of full kept by rank, for a split along axis in stride blocks.
func shardFor(t *testing.T, full *tensor.Tensor, axis, stride, rank, tpSize int) *tensor.Tensor {
	blocks := must.M1(full.Chunk(stride, axis))
	var parts []*tensor.Tensor
	for _, block := range blocks {
		parts = append(parts, must.M1(block.Chunk(tpSize, axis))[rank])
	}
	return must.M1(tensor.Concatenate(parts, axis))
}

func TestSaveShardAndConsolidate(t *testing.T) {
	full := NewStateDict()
	full.Set("embed.weight", tensor.Arange(6, 2))
	full.Set("qkv.weight", tensor.Arange(12, 2))
	full.Set("fc.weight", tensor.Arange(3, 4))
	full.Set("norm.weight", tensor.Arange(2))
	params := map[string]ParameterMetadata{
		"embed.weight": {Kind: ParameterSharded, PartitionDim: 0},
		"qkv.weight":   {Kind: ParameterSharded, PartitionDim: 0, PartitionStride: 3},
		"fc.weight":    {Kind: ParameterSharded, PartitionDim: 1},
	}

	testCases := []struct {
		name      string
		worldSize int
		opts      SaveOptions
	}{
		{"tp only", 2, SaveOptions{}},
		{"with data parallel", 4, SaveOptions{NumLocalRanksPerStep: 1}},
		{"xser", 2, SaveOptions{UseXser: true, MaxConcurrentWrites: 2}},
		{"async", 4, SaveOptions{AsyncSave: true}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			const tpSize = 2
			err := distributed.Run(context.Background(), tc.worldSize, func(ctx context.Context, comm distributed.Communicator) error {
				ps, err := distributed.NewParallelState(comm, tpSize, 1)
				if err != nil {
					return err
				}
				local := NewStateDict()
				for pair := full.Oldest(); pair != nil; pair = pair.Next() {
					pm, sharded := params[pair.Key]
					if !sharded {
						local.Set(pair.Key, pair.Value)
						continue
					}
					local.Set(pair.Key, shardFor(t, pair.Value, pm.PartitionDim, pm.Stride(), ps.TensorParallelRank(), tpSize))
				}
				md := NewMetadata(tpSize, 1, ps.DataParallelSize(), 0)
				md.Parameters = params
				if err = SaveShardMetadata(ps, dir, md); err != nil {
					return err
				}
				pending, err := SaveShard(ctx, ps, dir, ModelShardsDirName, local, tc.opts)
				if err != nil {
					return err
				}
				optimState := NewStateDict()
				optimState.Set("step", tensor.Arange(1))
				optimPending, err := SaveShard(ctx, ps, dir, OptimizerShardsDirName, optimState, tc.opts)
				if err != nil {
					return err
				}
				if err = pending.Wait(); err != nil {
					return err
				}
				if err = optimPending.Wait(); err != nil {
					return err
				}
				return ps.Barrier(ctx)
			})
			require.NoError(t, err)

			modelShards := must.M1(ListShards(dir, ModelShardsDirName))
			assert.Len(t, modelShards, tpSize)
			optimShards := must.M1(ListShards(dir, OptimizerShardsDirName))
			assert.Len(t, optimShards, tc.worldSize)

			var calls int
			consolidated := must.M1(ConsolidateModelParallelCheckpointsWithProgress(dir, func(done, total int) {
				calls++
				assert.Equal(t, tpSize, total)
			}))
			assert.Equal(t, tpSize, calls)
			requireSameStateDict(t, full, consolidated)

			// The "shards" directory can be given directly.
			requireSameStateDict(t, full, must.M1(ConsolidateModelParallelCheckpoints(filepath.Join(dir, ShardsDirName))))

			outDir := filepath.Join(t.TempDir(), "unified")
			require.NoError(t, ConsolidateToUnifiedCheckpoint(dir, outDir, FormatSafetensors, 0))
			requireSameStateDict(t, full, must.M1(LoadSafetensors(filepath.Join(outDir, SafetensorsFileName))))
		})
	}
}

func TestShardStem(t *testing.T) {
	stem := ShardStem(1, 3, 0)
	assert.Equal(t, "dp_rank_01_tp_rank_03_pp_rank_00", stem)
	dp, tp, pp, err := ParseShardStem(stem + ".safetensors")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 0}, []int{dp, tp, pp})
	_, _, _, err = ParseShardStem("optimizer.bin")
	require.Error(t, err)
}

func TestReadLegacyMetadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, MetadataFileName(1))
	content := `{"sharded_metadata": {"fc.weight": {"partition_dim": 1}}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	md := must.M1(ReadMetadata(path))
	assert.Equal(t, 1, md.PipelineParallelRank)
	assert.Equal(t, ParameterMetadata{Kind: ParameterSharded, PartitionDim: 1}, md.Parameter("fc.weight"))
	assert.Equal(t, ParameterTied, md.Parameter("norm.weight").Kind)
}

// gqaShards shards a query/key/value/output attention with one-dimensional heads the way the grouped query
// attention fusion does.
func gqaShards(t *testing.T, full *StateDict, gqa *GQAMetadata, tpSize int) []*StateDict {
	q, k, v, o := mustGet(full, "attn.q_proj.weight"), mustGet(full, "attn.k_proj.weight"),
		mustGet(full, "attn.v_proj.weight"), mustGet(full, "attn.o_proj.weight")
	replicate := func(x *tensor.Tensor) *tensor.Tensor {
		copies := make([]*tensor.Tensor, gqa.KVSizeMultiplier)
		for i := range copies {
			copies[i] = x
		}
		return must.M1(tensor.Concatenate(copies, 0))
	}
	kRep, vRep := replicate(k), replicate(v)
	shards := make([]*StateDict, tpSize)
	for rank := range shards {
		heads := must.M1(shardy.QueryHeadsForRank(tpSize, rank, gqa.NumAttentionHeads, gqa.NumKeyValueHeads, gqa.KVSizeMultiplier))
		qr := must.M1(q.IndexSelect(0, heads))
		kr := must.M1(kRep.Chunk(tpSize, 0))[rank]
		vr := must.M1(vRep.Chunk(tpSize, 0))[rank]
		or := must.M1(o.IndexSelect(1, heads))
		sd := NewStateDict()
		if gqa.FuseQKV {
			sd.Set("attn.qkv_proj.weight_qkv", must.M1(tensor.Concatenate([]*tensor.Tensor{qr, kr, vr}, 0)))
		} else {
			sd.Set("attn.qkv_proj.weight_q", qr)
			sd.Set("attn.qkv_proj.weight_k", kr)
			sd.Set("attn.qkv_proj.weight_v", vr)
		}
		sd.Set("attn.o_proj.weight", or)
		shards[rank] = sd
	}
	return shards
}

func TestConsolidateGQA(t *testing.T) {
	const tpSize, numHeads, numKVHeads, multiplier = 4, 8, 2, 2
	full := NewStateDict()
	full.Set("attn.q_proj.weight", tensor.Arange(numHeads, 3))
	kWeight := tensor.Arange(numKVHeads, 3)
	kWeight.ScaleInPlace(-1)
	full.Set("attn.k_proj.weight", kWeight)
	vWeight := tensor.Arange(numKVHeads, 3)
	vWeight.ScaleInPlace(10)
	full.Set("attn.v_proj.weight", vWeight)
	full.Set("attn.o_proj.weight", tensor.Arange(3, numHeads))

	for _, fused := range []bool{false, true} {
		t.Run(map[bool]string{false: "separate", true: "fused"}[fused], func(t *testing.T) {
			gqa := &GQAMetadata{
				OutputProjectionsNames:   []string{"attn.o_proj.weight"},
				NumAttentionHeads:        numHeads,
				NumKeyValueHeads:         numKVHeads,
				KVSizeMultiplier:         multiplier,
				QOutputSizePerPartition:  numHeads / tpSize,
				KVOutputSizePerPartition: numKVHeads * multiplier / tpSize,
				FuseQKV:                  fused,
			}
			md := NewMetadata(tpSize, 1, 1, 0)
			md.GQA = gqa
			md.Parameters["attn.o_proj.weight"] = ParameterMetadata{Kind: ParameterSharded, PartitionDim: 1}
			if fused {
				fusedName := "attn.qkv_proj.weight_qkv"
				originals := [3]string{"attn.q_proj.weight", "attn.k_proj.weight", "attn.v_proj.weight"}
				gqa.FusedNamesToOriginalNames = map[string][3]string{fusedName: originals}
				gqa.OriginalNamesToGQANames = map[string]string{}
				for _, original := range originals {
					gqa.OriginalNamesToGQANames[original] = fusedName
				}
				md.Parameters[fusedName] = ParameterMetadata{Kind: ParameterSharded}
			} else {
				gqa.OriginalNamesToGQANames = map[string]string{
					"attn.q_proj.weight": "attn.qkv_proj.weight_q",
					"attn.k_proj.weight": "attn.qkv_proj.weight_k",
					"attn.v_proj.weight": "attn.qkv_proj.weight_v",
				}
				for _, gqaName := range gqa.OriginalNamesToGQANames {
					md.Parameters[gqaName] = ParameterMetadata{Kind: ParameterSharded}
				}
			}

			shards := gqaShards(t, full, gqa, tpSize)
			consolidated := must.M1(ConsolidateTensorParallel(shards, md))
			requireSameStateDict(t, full, consolidated)
		})
	}
}
