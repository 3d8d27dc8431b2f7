// Package models defines small transformer families (Llama, GPT-NeoX and BERT) as nn module trees, and the
// parallel.Plan declaring how each of them is parallelized.
//
// The modules run on the host through their Forward methods, which is enough to check that a parallelized model
// computes the same outputs as the dense one.
package models

import (
	"context"
	"math"
	"math/rand"
	"strconv"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/parallel"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Flags of the attention modules selecting an attention backend, turned off by hardware patches.
const (
	FlagSDPA           = "use_sdpa"
	FlagFlashAttention = "use_flash_attention"
)

// InitStd is the standard deviation of the random weights.
const InitStd = 0.02

// BuildOptions configures the constructors of the models.
type BuildOptions struct {
	// Seed of the random weights.
	Seed int64

	// Meta creates the parameters on the meta device, to be loaded from a checkpoint after parallelization.
	Meta bool

	// DType of the weights, Float32 if not set.
	DType dtypes.DType
}

type builder struct {
	rng   *rand.Rand
	meta  bool
	dtype dtypes.DType
}

func newBuilder(opts BuildOptions) *builder {
	dtype := opts.DType
	if dtype == dtypes.InvalidDType {
		dtype = dtypes.Float32
	}
	return &builder{rng: rand.New(rand.NewSource(opts.Seed)), meta: opts.Meta, dtype: dtype}
}

func (b *builder) random(dimensions ...int) *tensor.Tensor {
	t := tensor.FromShape(shapes.Make(b.dtype, dimensions...))
	t.MapInPlace(func(float32) float32 { return float32(b.rng.NormFloat64() * InitStd) })
	return t
}

func (b *builder) linear(in, out int, withBias bool) *nn.Linear {
	if b.meta {
		return nn.NewMetaLinear(b.dtype, in, out, withBias)
	}
	var bias *tensor.Tensor
	if withBias {
		bias = b.random(out)
	}
	return nn.NewLinear(b.random(out, in), bias)
}

func (b *builder) embedding(num, dim int) *nn.Embedding {
	if b.meta {
		return nn.NewMetaEmbedding(b.dtype, num, dim)
	}
	return nn.NewEmbedding(b.random(num, dim))
}

// tie makes the LM head use the embedding weight.
func tie(lmHead *nn.Linear, embedding *nn.Embedding) {
	lmHead.Params().Set("weight", embedding.Weight())
}

func layerList(layers []nn.Module) *nn.Container {
	list := nn.NewContainer("ModuleList")
	for i, layer := range layers {
		list.Children().Set(strconv.Itoa(i), layer)
	}
	return list
}

func forward1(ctx context.Context, m nn.Module, x *tensor.Tensor) (*tensor.Tensor, error) {
	outputs, err := m.Forward(ctx, x)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, errors.Errorf("%s returned no outputs", m.Kind())
	}
	return outputs[0], nil
}

func child(m nn.Module, name string) nn.Module {
	c, _ := m.Children().Get(name)
	return c
}

// attend computes the multi-head attention of q ([..., numHeads*headDim]) over k and v ([..., numKV*headDim]).
// The leading axes are [batch, seq], or [seq, batch] if seqFirst. Query head h attends to key/value head
// h/(numHeads/numKV).
func attend(q, k, v *tensor.Tensor, numHeads, numKV int, seqFirst, causal bool) (*tensor.Tensor, error) {
	if q.Rank() != 3 || k.Rank() != 3 || v.Rank() != 3 {
		return nil, errors.Errorf("attention requires rank 3 activations, got %s, %s and %s", q.Shape(), k.Shape(), v.Shape())
	}
	if numHeads <= 0 || numKV <= 0 || numHeads%numKV != 0 || q.Dim(-1)%numHeads != 0 {
		return nil, errors.Errorf("invalid attention heads (%d, %d key/value) for queries %s", numHeads, numKV, q.Shape())
	}
	headDim := q.Dim(-1) / numHeads
	if k.Dim(-1) != numKV*headDim || v.Dim(-1) != numKV*headDim {
		return nil, errors.Errorf("keys %s and values %s don't have %d heads of size %d", k.Shape(), v.Shape(), numKV, headDim)
	}
	batch, seq := q.Dim(0), q.Dim(1)
	if seqFirst {
		batch, seq = seq, batch
	}
	row := func(b, s int) int {
		if seqFirst {
			return s*batch + b
		}
		return b*seq + s
	}
	qWidth, kvWidth := numHeads*headDim, numKV*headDim
	qf, kf, vf := q.Flat(), k.Flat(), v.Flat()
	output := tensor.Zeros(q.DType(), q.Shape().Dimensions...)
	out := output.Flat()
	groups := numHeads / numKV
	scale := 1 / math.Sqrt(float64(headDim))
	scores := make([]float64, seq)
	for b := range batch {
		for h := range numHeads {
			kvHead := h / groups
			for i := range seq {
				qRow := qf[row(b, i)*qWidth+h*headDim:][:headDim]
				limit := seq
				if causal {
					limit = i + 1
				}
				maxScore := math.Inf(-1)
				for j := range limit {
					kRow := kf[row(b, j)*kvWidth+kvHead*headDim:][:headDim]
					var dot float64
					for d, qv := range qRow {
						dot += float64(qv) * float64(kRow[d])
					}
					scores[j] = dot * scale
					maxScore = math.Max(maxScore, scores[j])
				}
				var sum float64
				for j := range limit {
					scores[j] = math.Exp(scores[j] - maxScore)
					sum += scores[j]
				}
				outRow := out[row(b, i)*qWidth+h*headDim:][:headDim]
				for j := range limit {
					weight := scores[j] / sum
					vRow := vf[row(b, j)*kvWidth+kvHead*headDim:][:headDim]
					for d, vv := range vRow {
						outRow[d] += float32(weight * float64(vv))
					}
				}
			}
		}
	}
	return output, nil
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(-float64(x))))
}

func gelu(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(v+0.044715*v*v*v))))
}

// Attention is a multi-head attention layer with query, key, value and output projections. After grouped query
// attention fusion its projections are resolved through parallel.Projection.
type Attention struct {
	nn.Base
	QueriesName, KeysName, ValuesName string

	// OutputName is empty when the output projection is a separate module.
	OutputName string

	NumHeadsAttr, NumKVHeadsAttr string
	Causal                       bool
}

// Forward implements nn.Module.
func (a *Attention) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("Attention requires an input")
	}
	names := []string{a.QueriesName, a.KeysName, a.ValuesName}
	projections := make([]parallel.AttentionProjection, len(names))
	for i, name := range names {
		var err error
		if projections[i], err = parallel.Projection(a, name); err != nil {
			return nil, err
		}
	}
	qkv, err := parallel.Project(ctx, inputs[0], projections...)
	if err != nil {
		return nil, err
	}
	numHeads := a.Attrs()[a.NumHeadsAttr]
	numKV := numHeads
	if a.NumKVHeadsAttr != "" {
		numKV = a.Attrs()[a.NumKVHeadsAttr]
	}
	output, err := attend(qkv[0], qkv[1], qkv[2], numHeads, numKV, a.Flags()[parallel.FlagSequenceParallel], a.Causal)
	if err != nil {
		return nil, err
	}
	if a.OutputName == "" {
		return []*tensor.Tensor{output}, nil
	}
	if output, err = forward1(ctx, a.Child(a.OutputName), output); err != nil {
		return nil, err
	}
	return []*tensor.Tensor{output}, nil
}

// residual returns x + f(x).
func residual(x, fx *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Add(x, fx)
}

// causalLM is the top module of a decoder-only model: the body produces the hidden states, projected to logits by
// the LM head.
type causalLM struct {
	nn.Base
	bodyName, headName string
}

func (m *causalLM) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.Errorf("%s requires the input ids", m.Kind())
	}
	hidden, err := forward1(ctx, m.Child(m.bodyName), inputs[0])
	if err != nil {
		return nil, err
	}
	logits, err := forward1(ctx, m.Child(m.headName), hidden)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{logits}, nil
}

// Plan returns the parallelization plan of the model family named by modelType.
func Plan(modelType string) (*parallel.Plan, error) {
	switch modelType {
	case LlamaModelType:
		return LlamaPlan(), nil
	case GPTNeoXModelType:
		return GPTNeoXPlan(), nil
	case BertModelType:
		return BertPlan(), nil
	}
	return nil, errors.Errorf("no parallelization plan for model type %q", modelType)
}

// New creates a model of the family named by config.ModelType.
func New(config *nn.Config, opts BuildOptions) (*nn.Model, error) {
	klog.V(1).Infof("building %s model with %d layers", config.ModelType, config.NumHiddenLayers)
	switch config.ModelType {
	case LlamaModelType:
		return NewLlama(config, opts), nil
	case GPTNeoXModelType:
		return NewGPTNeoX(config, opts), nil
	case BertModelType:
		return NewBert(config, opts), nil
	}
	return nil, errors.Errorf("unknown model type %q", config.ModelType)
}
