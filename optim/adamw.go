package optim

import (
	"context"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
)

// AdamW implements Adam with decoupled weight decay (Loshchilov & Hutter, https://arxiv.org/abs/1711.05101):
//
//	p = p * (1 - lr * weight_decay)
//	m = beta1 * m + (1 - beta1) * grad
//	v = beta2 * v + (1 - beta2) * grad^2
//	p = p - lr * (m / (1 - beta1^t)) / (sqrt(v / (1 - beta2^t)) + eps)
//
// Moments are kept in float32, whatever the dtype of the parameters.
type AdamW struct {
	base
	states map[*nn.Parameter]*adamState
}

type adamState struct {
	step     int
	expAvg   *tensor.Tensor
	expAvgSq *tensor.Tensor
}

// AdamWDefaults are the default options of AdamW.
func AdamWDefaults() Options {
	return Options{
		OptLearningRate: 1e-3,
		OptBeta1:        0.9,
		OptBeta2:        0.999,
		OptEpsilon:      1e-8,
		OptWeightDecay:  0.01,
	}
}

// NewAdamW creates an AdamW optimizer. It is a Constructor.
func NewAdamW(groups []*ParamGroup, opts Options) (Optimizer, error) {
	b, err := newBase("AdamW", groups, AdamWDefaults(), opts)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{OptBeta1, OptBeta2} {
		if beta := b.defaults[key]; beta < 0 || beta >= 1 {
			return nil, errors.Errorf("AdamW: invalid %s %g, it must be in [0, 1)", key, beta)
		}
	}
	return &AdamW{base: b, states: make(map[*nn.Parameter]*adamState)}, nil
}

// Step implements Optimizer.
func (o *AdamW) Step(_ context.Context) error {
	for _, group := range o.groups {
		lr := o.option(group, OptLearningRate)
		beta1, beta2 := o.option(group, OptBeta1), o.option(group, OptBeta2)
		eps := o.option(group, OptEpsilon)
		weightDecay := o.option(group, OptWeightDecay)
		for _, p := range group.Params {
			if p.Grad == nil || p.Value == nil {
				continue
			}
			grad, value := p.Grad.Flat(), p.Value.Flat()
			if len(grad) != len(value) {
				return errors.Errorf("AdamW: gradient of shape %s for parameter %s", p.Grad.Shape(), p)
			}
			state, found := o.states[p]
			if !found {
				state = &adamState{
					expAvg:   tensor.Zeros(dtypes.Float32, p.Value.Shape().Dimensions...),
					expAvgSq: tensor.Zeros(dtypes.Float32, p.Value.Shape().Dimensions...),
				}
				o.states[p] = state
			}
			state.step++
			biasCorrection1 := 1 - math.Pow(beta1, float64(state.step))
			biasCorrection2 := 1 - math.Pow(beta2, float64(state.step))
			m, v := state.expAvg.Flat(), state.expAvgSq.Flat()
			updated := make([]float32, len(value))
			for i, g64 := range grad {
				g := float64(g64)
				m[i] = float32(beta1*float64(m[i]) + (1-beta1)*g)
				v[i] = float32(beta2*float64(v[i]) + (1-beta2)*g*g)
				denominator := math.Sqrt(float64(v[i])/biasCorrection2) + eps
				x := float64(value[i]) * (1 - lr*weightDecay)
				updated[i] = float32(x - lr*(float64(m[i])/biasCorrection1)/denominator)
			}
			if err := update(p, updated); err != nil {
				return err
			}
		}
	}
	return nil
}

// StateDict implements Optimizer.
func (o *AdamW) StateDict() *checkpoint.StateDict {
	sd := checkpoint.NewStateDict()
	for groupIdx, group := range o.groups {
		for paramIdx, p := range group.Params {
			state, found := o.states[p]
			if !found {
				continue
			}
			step := tensor.Zeros(dtypes.Int64)
			step.Flat()[0] = float32(state.step)
			sd.Set(stateKey(groupIdx, paramIdx, "step"), step)
			sd.Set(stateKey(groupIdx, paramIdx, "exp_avg"), state.expAvg.Clone())
			sd.Set(stateKey(groupIdx, paramIdx, "exp_avg_sq"), state.expAvgSq.Clone())
		}
	}
	return sd
}

// LoadStateDict implements Optimizer.
func (o *AdamW) LoadStateDict(sd *checkpoint.StateDict) error {
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		p, name, err := o.lookupState(pair.Key)
		if err != nil {
			return err
		}
		state, found := o.states[p]
		if !found {
			state = &adamState{}
			o.states[p] = state
		}
		switch name {
		case "step":
			state.step = int(pair.Value.Flat()[0])
		case "exp_avg":
			state.expAvg = pair.Value.Cast(dtypes.Float32)
		case "exp_avg_sq":
			state.expAvgSq = pair.Value.Cast(dtypes.Float32)
		default:
			return errors.Errorf("AdamW: unknown state %q", pair.Key)
		}
	}
	for p, state := range o.states {
		if state.expAvg == nil || state.expAvgSq == nil {
			return errors.Errorf("AdamW: incomplete state for parameter %s", p)
		}
	}
	return nil
}
