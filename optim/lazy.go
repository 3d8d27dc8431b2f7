package optim

import (
	"context"

	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/pkg/errors"
)

// Lazy is an optimizer whose construction is deferred: it records its Constructor and arguments, and only builds the
// actual optimizer on first use.
//
// This lets a training script create the optimizer against the parameters of the dense model, before the model is
// parallelized: the accelerator replaces the groups with SetParamGroups (see accelerate.Accelerator.PrepareOptimizer)
// and the optimizer is then built against the sharded parameters.
type Lazy struct {
	constructor Constructor
	groups      []*ParamGroup
	opts        Options

	built Optimizer
}

// NewLazy returns a Lazy optimizer that will call constructor(groups, opts).
func NewLazy(constructor Constructor, groups []*ParamGroup, opts Options) *Lazy {
	return &Lazy{constructor: constructor, groups: groups, opts: opts}
}

// Constructor returns the constructor and the options the optimizer will be built with.
func (l *Lazy) Constructor() (Constructor, Options) {
	return l.constructor, l.opts
}

// SetParamGroups replaces the parameter groups the optimizer will be built with. It can't be called once the optimizer
// is built.
func (l *Lazy) SetParamGroups(groups []*ParamGroup) error {
	if l.built != nil {
		return errors.New("can't replace the parameter groups of a lazy optimizer already built")
	}
	l.groups = groups
	return nil
}

// Built returns whether the optimizer was already built.
func (l *Lazy) Built() bool { return l.built != nil }

// Build constructs the optimizer, if not built yet, and returns it.
func (l *Lazy) Build() (Optimizer, error) {
	if l.built == nil {
		opt, err := l.constructor(l.groups, l.opts)
		if err != nil {
			return nil, err
		}
		l.built = opt
	}
	return l.built, nil
}

// ParamGroups implements Optimizer.
func (l *Lazy) ParamGroups() []*ParamGroup {
	if l.built != nil {
		return l.built.ParamGroups()
	}
	return l.groups
}

// Step implements Optimizer: it builds the optimizer on first use.
func (l *Lazy) Step(ctx context.Context) error {
	opt, err := l.Build()
	if err != nil {
		return err
	}
	return opt.Step(ctx)
}

// ZeroGrad implements Optimizer.
func (l *Lazy) ZeroGrad() { ZeroGrad(l.ParamGroups()) }

// StateDict implements Optimizer. It is empty until the optimizer is built.
func (l *Lazy) StateDict() *checkpoint.StateDict {
	if l.built == nil {
		return checkpoint.NewStateDict()
	}
	return l.built.StateDict()
}

// LoadStateDict implements Optimizer: it builds the optimizer.
func (l *Lazy) LoadStateDict(sd *checkpoint.StateDict) error {
	opt, err := l.Build()
	if err != nil {
		return err
	}
	return opt.LoadStateDict(sd)
}
