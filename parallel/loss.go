package parallel

import (
	"context"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
)

// ParallelCrossEntropy returns the cross-entropy loss of logits split along the vocabulary across the tensor parallel
// group: each rank gives its [..., vocab/tp] part of the logits, and every rank gets the same loss.
//
// It reduces, per token, the maximum logit, the sum of the exponentials, the target logit and the sum of the logits,
// so the full logits are never gathered.
func ParallelCrossEntropy(ps *distributed.ParallelState, opts nn.CrossEntropyOptions) nn.LossFunc {
	return func(ctx context.Context, logits, labels *tensor.Tensor) (*tensor.Tensor, error) {
		localVocab := logits.Dim(-1)
		if logits.Size() != labels.Size()*localVocab {
			return nil, errors.Errorf("ParallelCrossEntropy: logits %s don't match labels %s", logits.Shape(), labels.Shape())
		}
		tp := ps.TensorParallelSize()
		vocabSize := localVocab * tp
		vocabStart := ps.TensorParallelRank() * localVocab
		numTokens := labels.Size()
		flat, targets := logits.Flat(), labels.Flat()

		maxLogits := tensor.Zeros(dtypes.Float32, numTokens)
		for i := range numTokens {
			m := float32(math.Inf(-1))
			for _, v := range flat[i*localVocab : (i+1)*localVocab] {
				m = max(m, v)
			}
			maxLogits.Flat()[i] = m
		}
		var err error
		if tp > 1 {
			if maxLogits, err = ps.Comm().AllReduce(ctx, ps.TensorParallelGroup(), maxLogits, distributed.ReduceMax); err != nil {
				return nil, err
			}
		}

		// Per token: sum of exp(logit - max), target logit (0 on the ranks not holding it) and sum of logits.
		partials := tensor.Zeros(dtypes.Float32, numTokens, 3)
		p := partials.Flat()
		for i, label := range targets {
			target := int(label)
			if target == opts.IgnoreIndex {
				continue
			}
			if target < 0 || target >= vocabSize {
				return nil, errors.Errorf("ParallelCrossEntropy: label %d out of range for vocabulary of size %d", target, vocabSize)
			}
			row := flat[i*localVocab : (i+1)*localVocab]
			m := float64(maxLogits.Flat()[i])
			var sumExp, sumLogits float64
			for _, v := range row {
				sumExp += math.Exp(float64(v) - m)
				sumLogits += float64(v)
			}
			p[3*i] = float32(sumExp)
			if local := target - vocabStart; local >= 0 && local < localVocab {
				p[3*i+1] = row[local]
			}
			p[3*i+2] = float32(sumLogits)
		}
		if tp > 1 {
			if partials, err = ps.Comm().AllReduce(ctx, ps.TensorParallelGroup(), partials, distributed.ReduceSum); err != nil {
				return nil, err
			}
			p = partials.Flat()
		}

		tokens := make([]nn.TokenLoss, numTokens)
		for i, label := range targets {
			if int(label) == opts.IgnoreIndex {
				tokens[i].Ignored = true
				continue
			}
			tokens[i] = nn.TokenLoss{
				LogSumExp:   float64(maxLogits.Flat()[i]) + math.Log(float64(p[3*i])),
				TargetLogit: float64(p[3*i+1]),
				SumLogits:   float64(p[3*i+2]),
			}
		}
		return nn.ReduceTokenLosses(tokens, labels.Shape().Dimensions, opts, vocabSize), nil
	}
}
