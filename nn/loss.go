package nn

import (
	"context"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
)

// IgnoreIndex is the default label value excluded from the loss.
const IgnoreIndex = -100

// Reduction of per-token losses.
type Reduction string

const (
	ReductionMean Reduction = "mean"
	ReductionSum  Reduction = "sum"
	ReductionNone Reduction = "none"
)

// CrossEntropyOptions configures CrossEntropy.
type CrossEntropyOptions struct {
	IgnoreIndex    int
	LabelSmoothing float64

	// Reduction defaults to ReductionMean.
	Reduction Reduction
}

// TokenLoss holds, for one token, the values needed to compute its cross-entropy.
type TokenLoss struct {
	// LogSumExp of the logits.
	LogSumExp float64

	// TargetLogit is the logit of the label.
	TargetLogit float64

	// SumLogits is the sum of all logits, used for label smoothing.
	SumLogits float64

	Ignored bool
}

// Loss returns the (smoothed) cross-entropy of the token over a vocabulary of size vocabSize.
func (tl TokenLoss) Loss(labelSmoothing float64, vocabSize int) float64 {
	if tl.Ignored {
		return 0
	}
	nll := tl.LogSumExp - tl.TargetLogit
	if labelSmoothing == 0 {
		return nll
	}
	smooth := tl.LogSumExp - tl.SumLogits/float64(vocabSize)
	return (1-labelSmoothing)*nll + labelSmoothing*smooth
}

// ReduceTokenLosses applies the reduction to the per-token losses. labelsShape is the shape of the labels.
func ReduceTokenLosses(tokens []TokenLoss, labelsShape []int, opts CrossEntropyOptions, vocabSize int) *tensor.Tensor {
	reduction := opts.Reduction
	if reduction == "" {
		reduction = ReductionMean
	}
	if reduction == ReductionNone {
		output := tensor.Zeros(dtypes.Float32, labelsShape...)
		for i, tl := range tokens {
			output.Flat()[i] = float32(tl.Loss(opts.LabelSmoothing, vocabSize))
		}
		return output
	}
	var sum float64
	var count int
	for _, tl := range tokens {
		if tl.Ignored {
			continue
		}
		sum += tl.Loss(opts.LabelSmoothing, vocabSize)
		count++
	}
	if reduction == ReductionMean {
		if count == 0 {
			sum = math.NaN()
		} else {
			sum /= float64(count)
		}
	}
	output := tensor.Zeros(dtypes.Float32)
	output.Flat()[0] = float32(sum)
	return output
}

// CrossEntropy returns the loss of logits [..., vocab] against integer labels [...].
func CrossEntropy(opts CrossEntropyOptions) LossFunc {
	return func(_ context.Context, logits, labels *tensor.Tensor) (*tensor.Tensor, error) {
		vocabSize := logits.Dim(-1)
		if logits.Size() != labels.Size()*vocabSize {
			return nil, errors.Errorf("CrossEntropy: logits %s don't match labels %s", logits.Shape(), labels.Shape())
		}
		flat := logits.Flat()
		tokens := make([]TokenLoss, labels.Size())
		for i, label := range labels.Flat() {
			target := int(label)
			if target == opts.IgnoreIndex {
				tokens[i].Ignored = true
				continue
			}
			if target < 0 || target >= vocabSize {
				return nil, errors.Errorf("CrossEntropy: label %d out of range for vocabulary of size %d", target, vocabSize)
			}
			row := flat[i*vocabSize : (i+1)*vocabSize]
			maxLogit := math.Inf(-1)
			for _, v := range row {
				maxLogit = math.Max(maxLogit, float64(v))
			}
			var sumExp, sumLogits float64
			for _, v := range row {
				sumExp += math.Exp(float64(v) - maxLogit)
				sumLogits += float64(v)
			}
			tokens[i] = TokenLoss{
				LogSumExp:   maxLogit + math.Log(sumExp),
				TargetLogit: float64(row[target]),
				SumLogits:   sumLogits,
			}
		}
		return ReduceTokenLosses(tokens, labels.Shape().Dimensions, opts, vocabSize), nil
	}
}
