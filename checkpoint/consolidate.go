package checkpoint

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/shardtrain/tensor"
	"github.com/gomlx/shardtrain/types/shardy"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// legacyMetadataFileName was used before manifests were written per pipeline stage.
const legacyMetadataFileName = "mp_metadata.json"

// ConsolidateModelParallelCheckpoints reads the model shards of a model parallel checkpoint and returns the
// unsharded state dict, with the parameter names of the original (not parallelized) model.
//
// dir is either the checkpoint directory or its "shards" sub-directory.
func ConsolidateModelParallelCheckpoints(dir string) (*StateDict, error) {
	return ConsolidateModelParallelCheckpointsWithProgress(dir, nil)
}

// ConsolidateModelParallelCheckpointsWithProgress is like ConsolidateModelParallelCheckpoints, and calls progress
// (if not nil) after each shard is read, with the number of shards read so far and the total.
func ConsolidateModelParallelCheckpointsWithProgress(dir string, progress func(done, total int)) (*StateDict, error) {
	shards, err := ListShards(dir, ModelShardsDirName)
	if err != nil {
		return nil, err
	}
	shardsDir := ResolveShardsDir(dir)

	// Only the first data parallel replica is needed, stages in order.
	byStage := make(map[int][]ShardFile)
	var stages []int
	for _, shard := range shards {
		if shard.DPRank != 0 {
			continue
		}
		if _, found := byStage[shard.PPRank]; !found {
			stages = append(stages, shard.PPRank)
		}
		byStage[shard.PPRank] = append(byStage[shard.PPRank], shard)
	}
	slices.Sort(stages)
	total := 0
	for _, stage := range stages {
		total += len(byStage[stage])
	}

	consolidated := NewStateDict()
	done := 0
	for _, stage := range stages {
		md, err := readStageMetadata(shardsDir, stage)
		if err != nil {
			return nil, err
		}
		stageShards := byStage[stage]
		for i, shard := range stageShards {
			if shard.TPRank != i {
				return nil, errors.Errorf("missing model shard of tensor parallel rank %d of pipeline stage %d in %q",
					i, stage, dir)
			}
		}
		if md.TensorParallelSize != 0 && md.TensorParallelSize != len(stageShards) {
			return nil, errors.Errorf("pipeline stage %d has %d model shards, but its manifest says tp_size=%d",
				stage, len(stageShards), md.TensorParallelSize)
		}
		stateDicts := make([]*StateDict, len(stageShards))
		for i, shard := range stageShards {
			stateDicts[i], err = LoadShard(shard.Path)
			if err != nil {
				return nil, err
			}
			done++
			if progress != nil {
				progress(done, total)
			}
		}
		klog.V(1).Infof("consolidating pipeline stage %d from %d tensor parallel shards", stage, len(stateDicts))
		stageDict, err := ConsolidateTensorParallel(stateDicts, md)
		if err != nil {
			return nil, errors.WithMessagef(err, "pipeline stage %d", stage)
		}
		for pair := stageDict.Oldest(); pair != nil; pair = pair.Next() {
			consolidated.Set(pair.Key, pair.Value)
		}
	}
	return consolidated, nil
}

func readStageMetadata(shardsDir string, stage int) (*Metadata, error) {
	path := filepath.Join(shardsDir, MetadataFileName(stage))
	if _, err := os.Stat(path); err != nil {
		legacy := filepath.Join(shardsDir, legacyMetadataFileName)
		if _, legacyErr := os.Stat(legacy); legacyErr != nil {
			return nil, errors.Wrapf(err, "no manifest for pipeline stage %d", stage)
		}
		path = legacy
	}
	return ReadMetadata(path)
}

// ConsolidateTensorParallel merges the state dicts of all tensor parallel ranks (in rank order) of one pipeline
// stage, following the manifest.
func ConsolidateTensorParallel(stateDicts []*StateDict, md *Metadata) (*StateDict, error) {
	if len(stateDicts) == 0 {
		return nil, errors.New("no shards to consolidate")
	}
	tpSize := len(stateDicts)
	gqa := md.GQA
	var gqaToOriginal map[string]string
	outputProjections := make(map[string]bool)
	if gqa != nil {
		gqaToOriginal = gqa.GQANamesToOriginalNames()
		for _, name := range gqa.OutputProjectionsNames {
			outputProjections[name] = true
		}
	}

	output := NewStateDict()
	for pair := stateDicts[0].Oldest(); pair != nil; pair = pair.Next() {
		name := pair.Key
		pm := md.Parameter(name)
		if pm.Kind != ParameterSharded {
			output.Set(name, pair.Value)
			continue
		}
		parts := make([]*tensor.Tensor, tpSize)
		for rank, sd := range stateDicts {
			t, found := sd.Get(name)
			if !found {
				return nil, errors.Errorf("parameter %q missing from the shard of tensor parallel rank %d", name, rank)
			}
			parts[rank] = t
		}

		switch {
		case gqa != nil && gqa.FusedNamesToOriginalNames[name] != [3]string{}:
			originals := gqa.FusedNamesToOriginalNames[name]
			for role, original := range originals {
				roleParts, err := sliceFusedRole(parts, gqa, role)
				if err != nil {
					return nil, errors.WithMessagef(err, "parameter %q", name)
				}
				full, err := consolidateGQARole(roleParts, pm, gqa, role, tpSize)
				if err != nil {
					return nil, errors.WithMessagef(err, "parameter %q", name)
				}
				output.Set(original, full)
			}

		case gqaToOriginal[name] != "":
			full, err := consolidateGQARole(parts, pm, gqa, gqaRoleOf(name), tpSize)
			if err != nil {
				return nil, errors.WithMessagef(err, "parameter %q", name)
			}
			output.Set(gqaToOriginal[name], full)

		case outputProjections[name]:
			full, err := tensor.Concatenate(parts, pm.PartitionDim)
			if err != nil {
				return nil, errors.WithMessagef(err, "parameter %q", name)
			}
			full, err = ReorderGQAHeads(full, gqa, tpSize, true)
			if err != nil {
				return nil, errors.WithMessagef(err, "parameter %q", name)
			}
			output.Set(name, full)

		default:
			full, err := ConcatenateShards(parts, pm.PartitionDim, pm.Stride())
			if err != nil {
				return nil, errors.WithMessagef(err, "parameter %q", name)
			}
			output.Set(name, full)
		}
	}
	return output, nil
}

// ConcatenateShards reassembles a tensor split along axis, in stride interleaved blocks, from the parts of each rank.
func ConcatenateShards(parts []*tensor.Tensor, axis, stride int) (*tensor.Tensor, error) {
	if stride <= 1 {
		return tensor.Concatenate(parts, axis)
	}
	blocks := make([][]*tensor.Tensor, len(parts))
	for rank, part := range parts {
		var err error
		blocks[rank], err = part.Chunk(stride, axis)
		if err != nil {
			return nil, err
		}
	}
	ordered := make([]*tensor.Tensor, 0, stride*len(parts))
	for block := 0; block < stride; block++ {
		for rank := range parts {
			ordered = append(ordered, blocks[rank][block])
		}
	}
	return tensor.Concatenate(ordered, axis)
}

// GQA projection roles, also the order of the parts of a fused projection.
const (
	roleQuery = iota
	roleKey
	roleValue
)

// gqaRoleOf returns the role of a GQA parameter from its name suffix ("weight_q", "bias_k", ...).
func gqaRoleOf(name string) int {
	switch {
	case strings.HasSuffix(name, "_k"):
		return roleKey
	case strings.HasSuffix(name, "_v"):
		return roleValue
	}
	return roleQuery
}

// sliceFusedRole extracts, from each rank's fused [q; k; v] part, the rows of the given role.
func sliceFusedRole(parts []*tensor.Tensor, gqa *GQAMetadata, role int) ([]*tensor.Tensor, error) {
	qSize, kvSize := gqa.QOutputSizePerPartition, gqa.KVOutputSizePerPartition
	start, length := 0, qSize
	switch role {
	case roleKey:
		start, length = qSize, kvSize
	case roleValue:
		start, length = qSize+kvSize, kvSize
	}
	sliced := make([]*tensor.Tensor, len(parts))
	for rank, part := range parts {
		var err error
		if sliced[rank], err = part.Narrow(0, start, length); err != nil {
			return nil, err
		}
	}
	return sliced, nil
}

func consolidateGQARole(parts []*tensor.Tensor, pm ParameterMetadata, gqa *GQAMetadata, role, tpSize int) (*tensor.Tensor, error) {
	full, err := tensor.Concatenate(parts, pm.PartitionDim)
	if err != nil {
		return nil, err
	}
	if role == roleQuery {
		return ReorderGQAHeads(full, gqa, tpSize, false)
	}
	// Keys and values were replicated KVSizeMultiplier times: keep the first copy.
	copies, err := full.Chunk(max(gqa.KVSizeMultiplier, 1), 0)
	if err != nil {
		return nil, err
	}
	return copies[0], nil
}

// ReorderGQAHeads restores the original order of the query heads of a tensor concatenated from all ranks: the rows
// of a query projection weight (or bias), or the columns of an output projection weight if isOutput.
func ReorderGQAHeads(full *tensor.Tensor, gqa *GQAMetadata, tpSize int, isOutput bool) (*tensor.Tensor, error) {
	numHeads := gqa.NumAttentionHeads
	var order []int
	for rank := 0; rank < tpSize; rank++ {
		indices, err := shardy.QueryHeadsForRank(tpSize, rank, numHeads, gqa.NumKeyValueHeads, gqa.KVSizeMultiplier)
		if err != nil {
			return nil, err
		}
		order = append(order, indices...)
	}
	// The stored head at position i is the original head order[i]: invert the permutation.
	inverse := make([]int, numHeads)
	for position, head := range order {
		inverse[head] = position
	}

	t := full
	var err error
	if isOutput {
		if t, err = t.SwapAxes(0, 1); err != nil {
			return nil, err
		}
	}
	dims := t.Shape().Dimensions
	if dims[0]%numHeads != 0 {
		return nil, errors.Errorf("dimension %d of shape %s is not divisible by the %d attention heads",
			dims[0], t.Shape(), numHeads)
	}
	headed := append([]int{numHeads, dims[0] / numHeads}, dims[1:]...)
	if t, err = t.Reshape(headed...); err != nil {
		return nil, err
	}
	if t, err = t.IndexSelect(0, inverse); err != nil {
		return nil, err
	}
	if t, err = t.Reshape(dims...); err != nil {
		return nil, err
	}
	if isOutput {
		return t.SwapAxes(0, 1)
	}
	return t, nil
}
