package models

import (
	"context"

	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/parallel"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
)

// BertModelType is the model type of BERT configurations.
const BertModelType = "bert"

const bertNormEps = 1e-12

// AttrAllHeadSize is the attribute of BERT attention holding the total size of the heads.
const AttrAllHeadSize = "all_head_size"

// BertPlan is the parallelization plan of BERT masked language models. The attention output projection lives in its
// own module, parallelized by the SelfOutputRule. Sequence parallelism is not supported.
func BertPlan() *parallel.Plan {
	return &parallel.Plan{
		Family: BertModelType,
		Steps: []parallel.Step{
			{Layers: "", Rule: parallel.EmbeddingRule{Spec: parallel.EmbeddingSpec{
				EmbeddingName: "bert.embeddings.word_embeddings",
				LMHeadName:    "cls.predictions.decoder",
			}}},
			{Layers: `bert\.encoder\.layer\.\d+\.attention\.self`, Rule: parallel.SelfAttentionRule{Spec: parallel.SelfAttentionSpec{
				QueriesName:           "query",
				KeysName:              "key",
				ValuesName:            "value",
				NumAttentionHeadsName: AttrNumAttentionHeads,
				AllHeadSizeName:       AttrAllHeadSize,
			}}},
			{Layers: `bert\.encoder\.layer\.\d+\.attention\.output`, Rule: parallel.SelfOutputRule{}},
			{Layers: `bert\.encoder\.layer\.\d+`, Rule: parallel.MLPRule{Spec: parallel.MLPSpec{
				ColumnLinearNames: []string{"intermediate.dense"},
				RowLinearName:     "output.dense",
			}}},
			{Layers: "", Rule: parallel.CrossEntropyRule{Spec: parallel.CrossEntropySpec{
				LastLinearProjectionName: "cls.predictions.decoder",
			}}},
		},
		DecoderLayersName: "bert.encoder.layer",
	}
}

// NewBert creates a BERT masked language model, with post-norm encoder layers:
//
//	bert.embeddings.{word_embeddings, LayerNorm}
//	bert.encoder.layer.<i>.{attention.{self.{query,key,value}, output.{dense,LayerNorm}}, intermediate.dense,
//	  output.{dense, LayerNorm}}
//	cls.predictions.decoder
func NewBert(config *nn.Config, opts BuildOptions) *nn.Model {
	b := newBuilder(opts)
	hidden := config.HiddenSize

	wordEmbeddings := b.embedding(config.VocabSize, hidden)
	embeddings := &BertEmbeddings{Base: nn.NewBase("BertEmbeddings")}
	embeddings.Children().Set("word_embeddings", wordEmbeddings)
	embeddings.Children().Set("LayerNorm", nn.NewNorm(nn.NormStandard, hidden, bertNormEps))

	layers := make([]nn.Module, config.NumHiddenLayers)
	for i := range layers {
		self := &Attention{
			Base:         nn.NewBase("BertSelfAttention"),
			QueriesName:  "query",
			KeysName:     "key",
			ValuesName:   "value",
			NumHeadsAttr: AttrNumAttentionHeads,
		}
		for _, name := range []string{"query", "key", "value"} {
			self.Children().Set(name, b.linear(hidden, hidden, true))
		}
		self.Attrs()[AttrNumAttentionHeads] = config.NumAttentionHeads
		self.Attrs()[AttrAllHeadSize] = hidden
		self.Flags()[FlagSDPA] = true

		selfOutput := nn.NewContainer("BertSelfOutput",
			nn.NamedModule{Name: "dense", Module: b.linear(hidden, hidden, true)},
			nn.NamedModule{Name: "LayerNorm", Module: nn.NewNorm(nn.NormStandard, hidden, bertNormEps)})
		attention := &BertAttention{Base: nn.NewBase("BertAttention")}
		attention.Children().Set("self", self)
		attention.Children().Set("output", selfOutput)

		layer := &BertLayer{Base: nn.NewBase("BertLayer")}
		layer.Children().Set("attention", attention)
		layer.Children().Set("intermediate", nn.NewContainer("BertIntermediate",
			nn.NamedModule{Name: "dense", Module: b.linear(hidden, config.IntermediateSize, true)}))
		layer.Children().Set("output", nn.NewContainer("BertOutput",
			nn.NamedModule{Name: "dense", Module: b.linear(config.IntermediateSize, hidden, true)},
			nn.NamedModule{Name: "LayerNorm", Module: nn.NewNorm(nn.NormStandard, hidden, bertNormEps)}))
		layers[i] = layer
	}
	encoder := nn.NewContainer("BertEncoder", nn.NamedModule{Name: "layer", Module: layerList(layers)})
	bert := nn.NewContainer("BertModel",
		nn.NamedModule{Name: "embeddings", Module: embeddings},
		nn.NamedModule{Name: "encoder", Module: encoder})

	decoder := b.linear(hidden, config.VocabSize, true)
	if config.TieWordEmbeddings {
		tie(decoder, wordEmbeddings)
	}
	predictions := nn.NewContainer("BertLMPredictionHead", nn.NamedModule{Name: "decoder", Module: decoder})
	cls := nn.NewContainer("BertOnlyMLMHead", nn.NamedModule{Name: "predictions", Module: predictions})

	root := &causalLM{Base: nn.NewBase("BertForMaskedLM"), bodyName: "bert", headName: "cls"}
	root.Children().Set("bert", bert)
	root.Children().Set("cls", cls)
	return nn.NewModel(root, config)
}

// BertEmbeddings looks up the word embeddings and normalizes them.
type BertEmbeddings struct {
	nn.Base
}

// Forward implements nn.Module.
func (e *BertEmbeddings) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("BertEmbeddings requires the input ids")
	}
	x, err := forward1(ctx, e.Child("word_embeddings"), inputs[0])
	if err != nil {
		return nil, err
	}
	if x, err = forward1(ctx, e.Child("LayerNorm"), x); err != nil {
		return nil, err
	}
	return []*tensor.Tensor{x}, nil
}

// BertAttention computes LayerNorm(x + dense(self(x))).
type BertAttention struct {
	nn.Base
}

// Forward implements nn.Module.
func (a *BertAttention) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("BertAttention requires an input")
	}
	h, err := forward1(ctx, a.Child("self"), inputs[0])
	if err != nil {
		return nil, err
	}
	return addAndNorm(ctx, a.Child("output"), h, inputs[0])
}

// BertLayer computes a = attention(x), then LayerNorm(a + dense(gelu(intermediate(a)))).
type BertLayer struct {
	nn.Base
}

// Forward implements nn.Module.
func (l *BertLayer) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("BertLayer requires an input")
	}
	a, err := forward1(ctx, l.Child("attention"), inputs[0])
	if err != nil {
		return nil, err
	}
	h, err := forward1(ctx, child(l.Child("intermediate"), "dense"), a)
	if err != nil {
		return nil, err
	}
	h = h.Clone()
	h.MapInPlace(gelu)
	return addAndNorm(ctx, l.Child("output"), h, a)
}

// addAndNorm computes LayerNorm(dense(h) + residual) with the "dense" and "LayerNorm" children of block.
func addAndNorm(ctx context.Context, block nn.Module, h, res *tensor.Tensor) ([]*tensor.Tensor, error) {
	h, err := forward1(ctx, child(block, "dense"), h)
	if err != nil {
		return nil, err
	}
	if h, err = residual(res, h); err != nil {
		return nil, err
	}
	return child(block, "LayerNorm").Forward(ctx, h)
}
