package models

import (
	"context"

	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/parallel"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
)

// GPTNeoXModelType is the model type of GPT-NeoX configurations.
const GPTNeoXModelType = "gpt_neox"

const neoxNormEps = 1e-5

// GPT-NeoX attention attributes.
const (
	AttrNumAttentionHeads = "num_attention_heads"
	AttrHiddenSize        = "hidden_size"
)

// GPTNeoXPlan is the parallelization plan of GPT-NeoX models, whose attention has a fused query/key/value projection.
func GPTNeoXPlan() *parallel.Plan {
	return &parallel.Plan{
		Family: GPTNeoXModelType,
		Steps: []parallel.Step{
			{Layers: "", Rule: parallel.EmbeddingRule{Spec: parallel.EmbeddingSpec{
				EmbeddingName: "gpt_neox.embed_in",
				LMHeadName:    "embed_out",
			}}},
			{Layers: `gpt_neox\.layers\.\d+\.attention`, Rule: parallel.FusedQKVAttentionRule{Spec: parallel.FusedQKVSpec{
				QueryKeyValueName:     "query_key_value",
				OutputProjectionName:  "dense",
				NumAttentionHeadsName: AttrNumAttentionHeads,
				AllHeadSizeName:       AttrHiddenSize,
			}}},
			{Layers: `gpt_neox\.layers\.\d+\.mlp`, Rule: parallel.MLPRule{Spec: parallel.MLPSpec{
				ColumnLinearNames: []string{"dense_h_to_4h"},
				RowLinearName:     "dense_4h_to_h",
			}}},
			{Layers: "", Rule: parallel.CrossEntropyRule{Spec: parallel.CrossEntropySpec{LastLinearProjectionName: "embed_out"}}},
		},
		SequenceCollectives: []parallel.SequenceCollectiveOpInfo{
			{Op: parallel.OpScatter, Pattern: `gpt_neox\.embed_in`, IO: parallel.IOOutput, FirstOrLast: parallel.MatchFirst},
			{Op: parallel.OpGather, Kind: nn.KindLayerNorm, IO: parallel.IOOutput, FirstOrLast: parallel.MatchLast},
		},
		NormPatterns:      []string{`gpt_neox\.layers\.\d+\.(input_layernorm|post_attention_layernorm)`, `gpt_neox\.final_layer_norm`},
		NormType:          nn.NormStandard,
		DecoderLayersName: "gpt_neox.layers",
	}
}

// NewGPTNeoX creates a GPT-NeoX causal language model:
//
//	gpt_neox.embed_in
//	gpt_neox.layers.<i>.{input_layernorm, attention.{query_key_value, dense}, post_attention_layernorm,
//	  mlp.{dense_h_to_4h, dense_4h_to_h}}
//	gpt_neox.final_layer_norm
//	embed_out
//
// The fused query_key_value projection holds the query, key and value blocks one after the other.
func NewGPTNeoX(config *nn.Config, opts BuildOptions) *nn.Model {
	b := newBuilder(opts)
	hidden := config.HiddenSize
	embedding := b.embedding(config.VocabSize, hidden)
	layers := make([]nn.Module, config.NumHiddenLayers)
	for i := range layers {
		attention := &FusedQKVAttention{Base: nn.NewBase("GPTNeoXAttention")}
		attention.Children().Set("query_key_value", b.linear(hidden, 3*hidden, true))
		attention.Children().Set("dense", b.linear(hidden, hidden, true))
		attention.Attrs()[AttrNumAttentionHeads] = config.NumAttentionHeads
		attention.Attrs()[AttrHiddenSize] = hidden
		attention.Flags()[FlagFlashAttention] = true

		mlp := &GELUMLP{Base: nn.NewBase("GPTNeoXMLP"), InName: "dense_h_to_4h", OutName: "dense_4h_to_h"}
		mlp.Children().Set("dense_h_to_4h", b.linear(hidden, config.IntermediateSize, true))
		mlp.Children().Set("dense_4h_to_h", b.linear(config.IntermediateSize, hidden, true))

		layer := &PreNormDecoderLayer{Base: nn.NewBase("GPTNeoXLayer"), AttentionName: "attention", MLPName: "mlp",
			InputNormName: "input_layernorm", PostAttentionNormName: "post_attention_layernorm"}
		layer.Children().Set("input_layernorm", nn.NewNorm(nn.NormStandard, hidden, neoxNormEps))
		layer.Children().Set("attention", attention)
		layer.Children().Set("post_attention_layernorm", nn.NewNorm(nn.NormStandard, hidden, neoxNormEps))
		layer.Children().Set("mlp", mlp)
		layers[i] = layer
	}
	body := &DecoderBody{Base: nn.NewBase("GPTNeoXModel"), EmbeddingName: "embed_in", LayersName: "layers",
		NormName: "final_layer_norm"}
	body.Children().Set("embed_in", embedding)
	body.Children().Set("layers", layerList(layers))
	body.Children().Set("final_layer_norm", nn.NewNorm(nn.NormStandard, hidden, neoxNormEps))

	lmHead := b.linear(hidden, config.VocabSize, false)
	if config.TieWordEmbeddings {
		tie(lmHead, embedding)
	}
	root := &causalLM{Base: nn.NewBase("GPTNeoXForCausalLM"), bodyName: "gpt_neox", headName: "embed_out"}
	root.Children().Set("gpt_neox", body)
	root.Children().Set("embed_out", lmHead)
	return nn.NewModel(root, config)
}

// FusedQKVAttention is a causal attention whose "query_key_value" projection outputs the queries, keys and values
// one after the other on the last axis, followed by the "dense" output projection.
type FusedQKVAttention struct {
	nn.Base
}

// Forward implements nn.Module.
func (a *FusedQKVAttention) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("FusedQKVAttention requires an input")
	}
	qkv, err := forward1(ctx, a.Child("query_key_value"), inputs[0])
	if err != nil {
		return nil, err
	}
	parts, err := qkv.Chunk(3, -1)
	if err != nil {
		return nil, err
	}
	numHeads := a.Attrs()[AttrNumAttentionHeads]
	output, err := attend(parts[0], parts[1], parts[2], numHeads, numHeads, a.Flags()[parallel.FlagSequenceParallel], true)
	if err != nil {
		return nil, err
	}
	if output, err = forward1(ctx, a.Child("dense"), output); err != nil {
		return nil, err
	}
	return []*tensor.Tensor{output}, nil
}

// GELUMLP computes out(gelu(in(x))).
type GELUMLP struct {
	nn.Base
	InName, OutName string
}

// Forward implements nn.Module.
func (m *GELUMLP) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("GELUMLP requires an input")
	}
	h, err := forward1(ctx, m.Child(m.InName), inputs[0])
	if err != nil {
		return nil, err
	}
	h = h.Clone()
	h.MapInPlace(gelu)
	if h, err = forward1(ctx, m.Child(m.OutName), h); err != nil {
		return nil, err
	}
	return []*tensor.Tensor{h}, nil
}
