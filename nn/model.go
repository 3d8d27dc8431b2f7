package nn

import (
	"context"

	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
)

// Problem types of a model head: they decide whether a per-class cross-entropy loss applies.
const (
	ProblemSingleLabel = "single_label_classification"
	ProblemMultiLabel  = "multi_label_classification"
	ProblemRegression  = "regression"
)

// Config is the architecture configuration of a model.
type Config struct {
	ModelType string `json:"model_type"`

	VocabSize         int `json:"vocab_size"`
	HiddenSize        int `json:"hidden_size"`
	IntermediateSize  int `json:"intermediate_size"`
	NumHiddenLayers   int `json:"num_hidden_layers"`
	NumAttentionHeads int `json:"num_attention_heads"`
	NumKeyValueHeads  int `json:"num_key_value_heads,omitempty"`

	TieWordEmbeddings bool   `json:"tie_word_embeddings"`
	ProblemType       string `json:"problem_type,omitempty"`

	// Generation and introspection switches, turned off by hardware patches.
	UseCache          bool    `json:"use_cache"`
	OutputAttentions  bool    `json:"output_attentions"`
	OutputHiddenState bool    `json:"output_hidden_states"`
	LayerDrop         float64 `json:"layerdrop,omitempty"`
}

// HeadDim returns the size of each attention head.
func (c *Config) HeadDim() int {
	return c.HiddenSize / c.NumAttentionHeads
}

// KeyValueHeads returns NumKeyValueHeads, or NumAttentionHeads when it is not set.
func (c *Config) KeyValueHeads() int {
	if c.NumKeyValueHeads == 0 {
		return c.NumAttentionHeads
	}
	return c.NumKeyValueHeads
}

// LossFunc computes the loss from the model's logits and the labels.
type LossFunc func(ctx context.Context, logits, labels *tensor.Tensor) (*tensor.Tensor, error)

// Model is a module tree with its configuration, the source of its weights and the loss used to train it.
type Model struct {
	Module
	Config *Config

	// WeightMap locates the checkpoint holding each parameter, nil when the weights are all in memory.
	WeightMap *checkpoint.WeightMap

	// ParallelMetadata is set once the model is parallelized, and describes how each parameter was sharded.
	ParallelMetadata *checkpoint.Metadata

	// Loss defaults to CrossEntropy.
	Loss LossFunc

	// LossOptions configure the cross-entropy, and are kept when the loss is replaced by its parallel version.
	LossOptions CrossEntropyOptions

	// StageParameters are the names of the parameters of this rank's pipeline stage. Nil means all of them.
	StageParameters map[string]bool
}

// NewModel creates a Model, using dense CrossEntropy as its loss.
func NewModel(root Module, config *Config) *Model {
	opts := CrossEntropyOptions{IgnoreIndex: IgnoreIndex}
	return &Model{Module: root, Config: config, Loss: CrossEntropy(opts), LossOptions: opts}
}

// LocalParameters returns the distinct parameters of this rank's pipeline stage, see NamedParameters.
//
// A tied parameter is named by the first of its slots that belongs to the stage, so the last stage of a model with
// tied embeddings owns its head under the head's own name.
func (m *Model) LocalParameters() []NamedParameter {
	if m.StageParameters == nil {
		return NamedParameters(m.Module)
	}
	var local []NamedParameter
	seen := make(map[*Parameter]bool)
	slots := ParameterSlots(m.Module)
	for pair := slots.Oldest(); pair != nil; pair = pair.Next() {
		if !m.StageParameters[pair.Key] || seen[pair.Value] {
			continue
		}
		seen[pair.Value] = true
		local = append(local, NamedParameter{pair.Key, pair.Value})
	}
	return local
}

// LocalParameterNames returns the names of the parameter slots of this rank's pipeline stage.
func (m *Model) LocalParameterNames() []string {
	names := ParameterNames(m.Module)
	if m.StageParameters == nil {
		return names
	}
	local := names[:0]
	for _, name := range names {
		if m.StageParameters[name] {
			local = append(local, name)
		}
	}
	return local
}

// ComputeLoss runs the model on the inputs and returns the loss and the logits.
func (m *Model) ComputeLoss(ctx context.Context, inputIDs, labels *tensor.Tensor) (loss, logits *tensor.Tensor, err error) {
	outputs, err := m.Forward(ctx, inputIDs)
	if err != nil {
		return nil, nil, err
	}
	if len(outputs) == 0 {
		return nil, nil, errors.New("model returned no outputs")
	}
	logits = outputs[0]
	if m.Loss == nil {
		return nil, logits, errors.New("model has no loss function")
	}
	loss, err = m.Loss(ctx, logits, labels)
	return loss, logits, err
}

// StateDict returns the values of the distinct parameters of this rank's pipeline stage, by name. Parameters still on
// the meta device are left out.
func (m *Model) StateDict() *checkpoint.StateDict {
	sd := checkpoint.NewStateDict()
	for _, np := range m.LocalParameters() {
		if !np.Parameter.IsMeta() {
			sd.Set(np.Name, np.Parameter.Value)
		}
	}
	return sd
}

// LoadStateDict sets the values of the named parameters. Names not in the model are an error, parameters absent from
// sd are left unchanged.
func (m *Model) LoadStateDict(sd *checkpoint.StateDict) error {
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		p, err := GetParameter(m.Module, pair.Key)
		if err != nil {
			return errors.WithMessage(err, "loading state dict")
		}
		if !p.Shape.EqualDimensions(pair.Value.Shape()) {
			return errors.Errorf("loading state dict: %q has shape %s, the value has shape %s", pair.Key, p.Shape, pair.Value.Shape())
		}
		p.SetValue(pair.Value.Cast(p.Shape.DType))
	}
	return nil
}
