package models

import (
	"context"

	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/parallel"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
)

// LlamaModelType is the model type of Llama configurations.
const LlamaModelType = "llama"

const llamaNormEps = 1e-6

// Llama attention attributes.
const (
	AttrNumHeads          = "num_heads"
	AttrNumKeyValueHeads  = "num_key_value_heads"
	AttrNumKeyValueGroups = "num_key_value_groups"
)

// LlamaPlan is the parallelization plan of Llama models: parallel embedding (tied or not to the LM head), attention
// with grouped query attention support, gated MLP and vocabulary parallel cross-entropy.
func LlamaPlan() *parallel.Plan {
	return &parallel.Plan{
		Family: LlamaModelType,
		Steps: []parallel.Step{
			{Layers: "", Rule: parallel.EmbeddingRule{Spec: parallel.EmbeddingSpec{
				EmbeddingName: "model.embed_tokens",
				LMHeadName:    "lm_head",
			}}},
			{Layers: `model\.layers\.\d+\.self_attn`, Rule: parallel.SelfAttentionRule{Spec: parallel.SelfAttentionSpec{
				QueriesName:           "q_proj",
				KeysName:              "k_proj",
				ValuesName:            "v_proj",
				OutputProjectionName:  "o_proj",
				NumAttentionHeadsName: AttrNumHeads,
				NumKeyValueHeadsName:  AttrNumKeyValueHeads,
				NumKeyValueGroupsName: AttrNumKeyValueGroups,
			}}},
			{Layers: `model\.layers\.\d+\.mlp`, Rule: parallel.MLPRule{Spec: parallel.MLPSpec{
				ColumnLinearNames: []string{"gate_proj", "up_proj"},
				RowLinearName:     "down_proj",
			}}},
			{Layers: "", Rule: parallel.CrossEntropyRule{Spec: parallel.CrossEntropySpec{LastLinearProjectionName: "lm_head"}}},
		},
		SequenceCollectives: []parallel.SequenceCollectiveOpInfo{
			{Op: parallel.OpScatter, Pattern: `model\.embed_tokens`, IO: parallel.IOOutput, FirstOrLast: parallel.MatchFirst},
			{Op: parallel.OpGather, Pattern: `model\.norm`, IO: parallel.IOOutput, FirstOrLast: parallel.MatchLast},
		},
		NormPatterns:      []string{`model\.layers\.\d+\.(input_layernorm|post_attention_layernorm)`, `model\.norm`},
		NormType:          nn.NormRMS,
		DecoderLayersName: "model.layers",
	}
}

// NewLlama creates a Llama causal language model:
//
//	model.embed_tokens
//	model.layers.<i>.{input_layernorm, self_attn.{q,k,v,o}_proj, post_attention_layernorm, mlp.{gate,up,down}_proj}
//	model.norm
//	lm_head
func NewLlama(config *nn.Config, opts BuildOptions) *nn.Model {
	b := newBuilder(opts)
	hidden := config.HiddenSize
	numKV := config.KeyValueHeads()
	headDim := config.HeadDim()

	embedding := b.embedding(config.VocabSize, hidden)
	layers := make([]nn.Module, config.NumHiddenLayers)
	for i := range layers {
		attention := &Attention{
			Base:           nn.NewBase("LlamaAttention"),
			QueriesName:    "q_proj",
			KeysName:       "k_proj",
			ValuesName:     "v_proj",
			OutputName:     "o_proj",
			NumHeadsAttr:   AttrNumHeads,
			NumKVHeadsAttr: AttrNumKeyValueHeads,
			Causal:         true,
		}
		attention.Children().Set("q_proj", b.linear(hidden, config.NumAttentionHeads*headDim, false))
		attention.Children().Set("k_proj", b.linear(hidden, numKV*headDim, false))
		attention.Children().Set("v_proj", b.linear(hidden, numKV*headDim, false))
		attention.Children().Set("o_proj", b.linear(config.NumAttentionHeads*headDim, hidden, false))
		attention.Attrs()[AttrNumHeads] = config.NumAttentionHeads
		attention.Attrs()[AttrNumKeyValueHeads] = numKV
		attention.Attrs()[AttrNumKeyValueGroups] = config.NumAttentionHeads / numKV
		attention.Flags()[FlagSDPA] = true

		mlp := &GatedMLP{Base: nn.NewBase("LlamaMLP")}
		mlp.Children().Set("gate_proj", b.linear(hidden, config.IntermediateSize, false))
		mlp.Children().Set("up_proj", b.linear(hidden, config.IntermediateSize, false))
		mlp.Children().Set("down_proj", b.linear(config.IntermediateSize, hidden, false))

		layer := &PreNormDecoderLayer{Base: nn.NewBase("LlamaDecoderLayer"), AttentionName: "self_attn", MLPName: "mlp",
			InputNormName: "input_layernorm", PostAttentionNormName: "post_attention_layernorm"}
		layer.Children().Set("input_layernorm", nn.NewNorm(nn.NormRMS, hidden, llamaNormEps))
		layer.Children().Set("self_attn", attention)
		layer.Children().Set("post_attention_layernorm", nn.NewNorm(nn.NormRMS, hidden, llamaNormEps))
		layer.Children().Set("mlp", mlp)
		layers[i] = layer
	}

	body := &DecoderBody{Base: nn.NewBase("LlamaModel"), EmbeddingName: "embed_tokens", LayersName: "layers", NormName: "norm"}
	body.Children().Set("embed_tokens", embedding)
	body.Children().Set("layers", layerList(layers))
	body.Children().Set("norm", nn.NewNorm(nn.NormRMS, hidden, llamaNormEps))

	lmHead := b.linear(hidden, config.VocabSize, false)
	if config.TieWordEmbeddings {
		tie(lmHead, embedding)
	}
	root := &causalLM{Base: nn.NewBase("LlamaForCausalLM"), bodyName: "model", headName: "lm_head"}
	root.Children().Set("model", body)
	root.Children().Set("lm_head", lmHead)
	return nn.NewModel(root, config)
}

// GatedMLP computes down(silu(gate(x)) * up(x)).
type GatedMLP struct {
	nn.Base
}

// Forward implements nn.Module.
func (m *GatedMLP) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("GatedMLP requires an input")
	}
	gate, err := forward1(ctx, m.Child("gate_proj"), inputs[0])
	if err != nil {
		return nil, err
	}
	up, err := forward1(ctx, m.Child("up_proj"), inputs[0])
	if err != nil {
		return nil, err
	}
	gate = gate.Clone()
	gate.MapInPlace(silu)
	if err = gate.MulInPlace(up); err != nil {
		return nil, err
	}
	output, err := forward1(ctx, m.Child("down_proj"), gate)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{output}, nil
}

// PreNormDecoderLayer computes h = x + attention(norm1(x)), then h + mlp(norm2(h)).
type PreNormDecoderLayer struct {
	nn.Base
	AttentionName, MLPName               string
	InputNormName, PostAttentionNormName string
}

// Forward implements nn.Module.
func (l *PreNormDecoderLayer) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("decoder layer requires an input")
	}
	x := inputs[0]
	h, err := forward1(ctx, l.Child(l.InputNormName), x)
	if err != nil {
		return nil, err
	}
	if h, err = forward1(ctx, l.Child(l.AttentionName), h); err != nil {
		return nil, errors.WithMessage(err, l.AttentionName)
	}
	if x, err = residual(x, h); err != nil {
		return nil, err
	}
	if h, err = forward1(ctx, l.Child(l.PostAttentionNormName), x); err != nil {
		return nil, err
	}
	if h, err = forward1(ctx, l.Child(l.MLPName), h); err != nil {
		return nil, errors.WithMessage(err, l.MLPName)
	}
	if x, err = residual(x, h); err != nil {
		return nil, err
	}
	return []*tensor.Tensor{x}, nil
}

// DecoderBody embeds the input ids, runs the decoder layers and the final norm.
type DecoderBody struct {
	nn.Base
	EmbeddingName, LayersName, NormName string
}

// Forward implements nn.Module.
func (d *DecoderBody) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("decoder requires the input ids")
	}
	x, err := forward1(ctx, d.Child(d.EmbeddingName), inputs[0])
	if err != nil {
		return nil, err
	}
	if x, err = forward1(ctx, d.Child(d.LayersName), x); err != nil {
		return nil, err
	}
	if x, err = forward1(ctx, d.Child(d.NormName), x); err != nil {
		return nil, err
	}
	return []*tensor.Tensor{x}, nil
}
