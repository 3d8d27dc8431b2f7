package parallel

import (
	"maps"
	"slices"

	"github.com/gomlx/shardtrain/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options recognized by the rules.
const (
	// OptSkipLinearWeightLoad leaves the sharded parameters on the meta device, to be loaded later.
	OptSkipLinearWeightLoad = "skip_linear_weight_load"

	// OptKVSizeMultiplier is the replication of the key/value heads of grouped query attention. 0 derives it as
	// tp/num_key_value_heads.
	OptKVSizeMultiplier = "kv_size_multiplier"

	// OptFuseQKV fuses the query, key and value parameters of grouped query attention in one parameter.
	OptFuseQKV = "fuse_qkv"
)

// FlagSequenceParallel is set on the attention layers running in the sequence parallel region, whose activations are
// laid out as [sequence, batch, hidden].
const FlagSequenceParallel = "sequence_parallel_enabled"

// Options are the keyword options of a rule.
type Options map[string]any

// Bool returns the boolean option, false if not set or not a bool.
func (o Options) Bool(key string) bool {
	v, _ := o[key].(bool)
	return v
}

// Int returns the integer option, 0 if not set or not an int.
func (o Options) Int(key string) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// PrepareOptions returns the rule's default options overridden by opts. Options the rule doesn't recognize are
// dropped with a warning.
func PrepareOptions(rule Rule, opts Options) Options {
	result := maps.Clone(rule.DefaultOptions())
	if result == nil {
		result = make(Options)
	}
	for _, key := range slices.Sorted(maps.Keys(opts)) {
		if _, known := result[key]; !known {
			klog.Warningf("option %q is not used by the %s rule, ignoring it", key, rule.Name())
			continue
		}
		result[key] = opts[key]
	}
	return result
}

// EmbeddingSpec names, relative to the layer the rule is applied to, the embedding and the (optional) LM head
// sharing its weight.
type EmbeddingSpec struct {
	EmbeddingName string
	LMHeadName    string
}

// SelfAttentionSpec declares an attention layer with separate query, key and value projections.
//
// The *Name fields ending in "Name" and holding counts are the attributes (nn.Module.Attrs) of the attention layer.
// NumKeyValueHeadsName and NumKeyValueGroupsName must be declared together.
type SelfAttentionSpec struct {
	QueriesName, KeysName, ValuesName string
	OutputProjectionName              string

	NumAttentionHeadsName string
	NumKeyValueHeadsName  string
	NumKeyValueGroupsName string
	AllHeadSizeName       string

	// GQAQKVProjName is the child name of the fused projection under grouped query attention, "qkv_proj" if empty.
	GQAQKVProjName string
}

func (s SelfAttentionSpec) gqaProjName() string {
	if s.GQAQKVProjName == "" {
		return "qkv_proj"
	}
	return s.GQAQKVProjName
}

// FusedQKVSpec declares an attention layer whose query, key and value projections are one linear layer, with the
// query, key and value blocks one after the other.
type FusedQKVSpec struct {
	QueryKeyValueName     string
	OutputProjectionName  string
	NumAttentionHeadsName string
	AllHeadSizeName       string
}

// SelfOutputSpec declares the output projection of an attention block kept in its own module.
type SelfOutputSpec struct {
	// OutputProjectionName defaults to "dense".
	OutputProjectionName string
}

// MLPSpec declares the linear layers of a feed-forward block: ColumnLinearNames run first on the full input, and
// RowLinearName consumes their split output.
type MLPSpec struct {
	ColumnLinearNames []string
	RowLinearName     string
}

// CrossEntropySpec declares the last linear projection, producing the logits.
type CrossEntropySpec struct {
	LastLinearProjectionName string
}

// Step applies a Rule to the layers whose qualified name fully matches Layers, a regular expression. An empty Layers
// selects the root of the model.
type Step struct {
	Layers  string
	Rule    Rule
	Options Options
}

// Plan is the parallelization of one model family.
type Plan struct {
	Family string
	Steps  []Step

	// SequenceCollectives are the boundaries of the sequence parallel region.
	SequenceCollectives []SequenceCollectiveOpInfo

	// NormPatterns select, by qualified name, the normalization layers running in the sequence parallel region.
	NormPatterns []string
	NormType     nn.NormType

	// DecoderLayersName is the qualified name of the container of the decoder layers, split into contiguous pipeline
	// stages.
	DecoderLayersName string
}

// Validate checks the plan is well formed.
func (p *Plan) Validate() error {
	for i, step := range p.Steps {
		if step.Rule == nil {
			return errors.Wrapf(ErrConfiguration, "%s plan: step #%d has no rule", p.Family, i)
		}
		if _, err := compileLayerPattern(step.Layers); err != nil {
			return errors.WithMessagef(err, "%s plan: step #%d", p.Family, i)
		}
	}
	for _, info := range p.SequenceCollectives {
		if err := info.Validate(); err != nil {
			return errors.WithMessagef(err, "%s plan", p.Family)
		}
	}
	for _, pattern := range p.NormPatterns {
		if _, err := compilePrefixPattern(pattern); err != nil {
			return errors.WithMessagef(err, "%s plan", p.Family)
		}
	}
	return nil
}
