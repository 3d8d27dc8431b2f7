package optim

import (
	"context"

	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
)

// SGD is the stochastic gradient descent optimizer, with optional momentum and (coupled) weight decay:
//
//	g = grad + weight_decay * p
//	buf = momentum * buf + g
//	p = p - lr * buf
type SGD struct {
	base
	momentum map[*nn.Parameter]*tensor.Tensor
}

// SGDDefaults are the default options of SGD.
func SGDDefaults() Options {
	return Options{OptLearningRate: 1e-3, OptMomentum: 0, OptWeightDecay: 0}
}

// NewSGD creates an SGD optimizer. It is a Constructor.
func NewSGD(groups []*ParamGroup, opts Options) (Optimizer, error) {
	b, err := newBase("SGD", groups, SGDDefaults(), opts)
	if err != nil {
		return nil, err
	}
	return &SGD{base: b, momentum: make(map[*nn.Parameter]*tensor.Tensor)}, nil
}

// Step implements Optimizer.
func (o *SGD) Step(_ context.Context) error {
	for _, group := range o.groups {
		lr := float32(o.option(group, OptLearningRate))
		momentum := float32(o.option(group, OptMomentum))
		weightDecay := float32(o.option(group, OptWeightDecay))
		for _, p := range group.Params {
			if p.Grad == nil || p.Value == nil {
				continue
			}
			grad, value := p.Grad.Flat(), p.Value.Flat()
			if len(grad) != len(value) {
				return errors.Errorf("SGD: gradient of shape %s for parameter %s", p.Grad.Shape(), p)
			}
			direction := make([]float32, len(value))
			for i, g := range grad {
				direction[i] = g + weightDecay*value[i]
			}
			if momentum != 0 {
				buf, found := o.momentum[p]
				if !found {
					buf = tensor.FromShape(p.Grad.Shape().Clone())
					copy(buf.Flat(), direction)
				} else {
					bufFlat := buf.Flat()
					for i, d := range direction {
						bufFlat[i] = momentum*bufFlat[i] + d
					}
				}
				o.momentum[p] = buf
				copy(direction, buf.Flat())
			}
			updated := make([]float32, len(value))
			for i, v := range value {
				updated[i] = v - lr*direction[i]
			}
			if err := update(p, updated); err != nil {
				return err
			}
		}
	}
	return nil
}

// StateDict implements Optimizer.
func (o *SGD) StateDict() *checkpoint.StateDict {
	sd := checkpoint.NewStateDict()
	for groupIdx, group := range o.groups {
		for paramIdx, p := range group.Params {
			if buf, found := o.momentum[p]; found {
				sd.Set(stateKey(groupIdx, paramIdx, "momentum_buffer"), buf.Clone())
			}
		}
	}
	return sd
}

// LoadStateDict implements Optimizer.
func (o *SGD) LoadStateDict(sd *checkpoint.StateDict) error {
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		p, name, err := o.lookupState(pair.Key)
		if err != nil {
			return err
		}
		if name != "momentum_buffer" {
			return errors.Errorf("SGD: unknown state %q", pair.Key)
		}
		o.momentum[p] = pair.Value.Clone()
	}
	return nil
}

// lookupState returns the parameter and the name of the state of a StateDict key.
func (b *base) lookupState(key string) (*nn.Parameter, string, error) {
	groupIdx, paramIdx, name, err := parseStateKey(key)
	if err != nil {
		return nil, "", err
	}
	if groupIdx >= len(b.groups) || paramIdx >= len(b.groups[groupIdx].Params) {
		return nil, "", errors.Errorf("optimizer state %q doesn't match any parameter", key)
	}
	return b.groups[groupIdx].Params[paramIdx], name, nil
}
