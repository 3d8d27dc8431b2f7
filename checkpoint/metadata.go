package checkpoint

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ParameterKind tells how a parameter is stored in the shards of the tensor parallel ranks.
type ParameterKind string

const (
	// ParameterSharded parameters are split along PartitionDim: each rank stores its slice.
	ParameterSharded ParameterKind = "sharded"

	// ParameterTied parameters are replicated: every rank stores the same full value.
	ParameterTied ParameterKind = "tied"
)

// ParameterMetadata describes how one parameter was split across the tensor parallel group.
type ParameterMetadata struct {
	Kind            ParameterKind `json:"kind"`
	PartitionDim    int           `json:"partition_dim"`
	PartitionStride int           `json:"partition_stride,omitempty"`
}

// Stride returns the number of interleaved blocks of the split axis, at least 1.
func (pm ParameterMetadata) Stride() int {
	if pm.PartitionStride <= 0 {
		return 1
	}
	return pm.PartitionStride
}

// GQAMetadata describes the grouped query attention fusion, needed to rebuild the original query, key, value and
// output projection weights.
type GQAMetadata struct {
	// OriginalNamesToGQANames maps e.g. "model.layers.0.self_attn.q_proj.weight" to
	// "model.layers.0.self_attn.qkv_proj.weight_q" (or ".weight_qkv" when fused).
	OriginalNamesToGQANames map[string]string `json:"original_names_to_gqa_qkv_names"`

	// FusedNamesToOriginalNames maps each fused parameter name (".weight_qkv", ".bias_qkv") to the query, key and
	// value original names, in this order. Empty unless FuseQKV.
	FusedNamesToOriginalNames map[string][3]string `json:"fused_names_to_original_names,omitempty"`

	// OutputProjectionsNames are the weights of the output projections, whose input features follow the query heads
	// order.
	OutputProjectionsNames []string `json:"output_projections_names"`

	NumAttentionHeads        int  `json:"num_attention_heads"`
	NumKeyValueHeads         int  `json:"num_key_value_heads"`
	KVSizeMultiplier         int  `json:"kv_size_multiplier"`
	QOutputSizePerPartition  int  `json:"q_output_size_per_partition"`
	KVOutputSizePerPartition int  `json:"kv_output_size_per_partition"`
	FuseQKV                  bool `json:"fuse_qkv"`
}

// GQANamesToOriginalNames returns the inverse of OriginalNamesToGQANames for non-fused parameters.
func (g *GQAMetadata) GQANamesToOriginalNames() map[string]string {
	inverse := make(map[string]string, len(g.OriginalNamesToGQANames))
	for original, gqaName := range g.OriginalNamesToGQANames {
		if _, fused := g.FusedNamesToOriginalNames[gqaName]; fused {
			continue
		}
		inverse[gqaName] = original
	}
	return inverse
}

// Metadata is the manifest of the shards of one pipeline stage. It is saved as "mp_metadata_pp_rank_<p>.json" next to
// the "model" and "optim" shard directories.
type Metadata struct {
	// CheckpointID is shared by all the files of one save.
	CheckpointID string `json:"checkpoint_id"`

	TensorParallelSize   int `json:"tp_size"`
	PipelineParallelSize int `json:"pp_size"`
	DataParallelSize     int `json:"dp_size"`
	PipelineParallelRank int `json:"pp_rank"`

	// Parameters describes each sharded parameter, keyed by the name used in the shards. Parameters not listed are
	// replicated ("tied").
	Parameters map[string]ParameterMetadata `json:"parameters"`

	// LegacyParameters is read from older manifests, where it listed only the sharded parameters.
	LegacyParameters map[string]ParameterMetadata `json:"sharded_metadata,omitempty"`

	GQA *GQAMetadata `json:"gqa_qkv_metadata,omitempty"`
}

// NewMetadata creates an empty manifest with a fresh checkpoint id.
func NewMetadata(tpSize, ppSize, dpSize, ppRank int) *Metadata {
	return &Metadata{
		CheckpointID:         uuid.NewString(),
		TensorParallelSize:   tpSize,
		PipelineParallelSize: ppSize,
		DataParallelSize:     dpSize,
		PipelineParallelRank: ppRank,
		Parameters:           make(map[string]ParameterMetadata),
	}
}

// Parameter returns the metadata of the named parameter, defaulting to ParameterTied.
func (md *Metadata) Parameter(name string) ParameterMetadata {
	if md == nil {
		return ParameterMetadata{Kind: ParameterTied}
	}
	if pm, found := md.Parameters[name]; found {
		return pm
	}
	if pm, found := md.LegacyParameters[name]; found {
		if pm.Kind == "" {
			pm.Kind = ParameterSharded
		}
		return pm
	}
	return ParameterMetadata{Kind: ParameterTied}
}

// Clone returns a deep copy of the metadata.
func (md *Metadata) Clone() *Metadata {
	clone := *md
	clone.Parameters = maps.Clone(md.Parameters)
	clone.LegacyParameters = maps.Clone(md.LegacyParameters)
	if md.GQA != nil {
		gqa := *md.GQA
		gqa.OriginalNamesToGQANames = maps.Clone(gqa.OriginalNamesToGQANames)
		gqa.FusedNamesToOriginalNames = maps.Clone(gqa.FusedNamesToOriginalNames)
		gqa.OutputProjectionsNames = slices.Clone(gqa.OutputProjectionsNames)
		clone.GQA = &gqa
	}
	return &clone
}

// MetadataFileName returns the manifest file name of a pipeline stage.
func MetadataFileName(ppRank int) string {
	return fmt.Sprintf("mp_metadata_pp_rank_%d.json", ppRank)
}

// WriteMetadata writes the manifest as indented JSON.
func WriteMetadata(path string, md *Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding checkpoint metadata")
	}
	if err = os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "writing checkpoint metadata to %q", path)
	}
	return nil
}

// ReadMetadata reads a manifest written by WriteMetadata, or by older versions that used "sharded_metadata".
func ReadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading checkpoint metadata")
	}
	md := &Metadata{}
	if err = json.Unmarshal(data, md); err != nil {
		return nil, errors.Wrapf(err, "parsing checkpoint metadata %q", path)
	}
	if md.Parameters == nil {
		md.Parameters = make(map[string]ParameterMetadata)
	}
	if md.PipelineParallelRank == 0 {
		// Older manifests didn't store the stage: recover it from the file name.
		var ppRank int
		if _, scanErr := fmt.Sscanf(strings.TrimSuffix(filepath.Base(path), ".json"), "mp_metadata_pp_rank_%d", &ppRank); scanErr == nil {
			md.PipelineParallelRank = ppRank
		}
	}
	return md, nil
}
