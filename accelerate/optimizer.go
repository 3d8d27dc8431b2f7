package accelerate

import (
	"context"

	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/optim"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AcceleratedOptimizer wraps an optimizer prepared by the Accelerator: it only steps at the end of a gradient
// accumulation cycle, and applies the gradient clipping postponed with ClipGradNorm.
type AcceleratedOptimizer struct {
	acc   *Accelerator
	inner optim.Optimizer

	maxNorm, normType float64
	gradNorm          float64
}

var _ optim.Optimizer = (*AcceleratedOptimizer)(nil)

// PrepareOptimizer retargets opt to the parameters of the prepared models and wraps it. Models must be prepared
// first.
//
// Parameters of the dense models are replaced by the ones that replaced them in PrepareModel; parameters that don't
// belong to this rank's pipeline stage are dropped. An optim.Lazy optimizer gets the new groups before being built,
// any other optimizer has its groups modified in place, so it shouldn't have stepped yet.
//
// With Config.Zero1 the optimizer is rebuilt inside an optim.Zero1, sharding its state across the data parallel
// group.
func (a *Accelerator) PrepareOptimizer(opt optim.Optimizer) (*AcceleratedOptimizer, error) {
	if accelerated, ok := opt.(*AcceleratedOptimizer); ok {
		return accelerated, nil
	}
	groups, err := a.retargetGroups(opt.ParamGroups())
	if err != nil {
		return nil, err
	}
	lazy, isLazy := opt.(*optim.Lazy)
	if isLazy {
		if err = lazy.SetParamGroups(groups); err != nil {
			return nil, errors.WithMessage(err, "preparing optimizer")
		}
	} else {
		for i, group := range opt.ParamGroups() {
			group.Params = groups[i].Params
		}
	}

	inner := opt
	if a.config.Zero1 {
		if inner, err = a.zero1(opt, groups); err != nil {
			return nil, err
		}
	} else if isLazy {
		if inner, err = lazy.Build(); err != nil {
			return nil, errors.WithMessage(err, "building optimizer")
		}
	}
	accelerated := &AcceleratedOptimizer{acc: a, inner: inner}
	a.optimizers = append(a.optimizers, accelerated)
	return accelerated, nil
}

// retargetGroups returns copies of the groups with the parameters replaced by their device counterparts.
func (a *Accelerator) retargetGroups(groups []*optim.ParamGroup) ([]*optim.ParamGroup, error) {
	retargeted := make([]*optim.ParamGroup, len(groups))
	seen := make(map[*nn.Parameter]bool)
	dropped := 0
	for i, group := range groups {
		newGroup := &optim.ParamGroup{Options: group.Options.Clone()}
		for _, p := range group.Params {
			device := p
			if !a.deviceParams[p] {
				var found bool
				if device, found = a.parameterMap[p]; !found {
					if a.ps.PipelineParallelSize() > 1 {
						dropped++
						continue
					}
					return nil, errors.Errorf("optimizer parameter %s doesn't belong to any prepared model", p)
				}
			}
			if seen[device] {
				continue
			}
			seen[device] = true
			newGroup.Params = append(newGroup.Params, device)
		}
		retargeted[i] = newGroup
	}
	if dropped > 0 {
		klog.V(1).Infof("rank %d: %d optimizer parameters belong to other pipeline stages", a.ps.Rank(), dropped)
	}
	return retargeted, nil
}

// zero1 wraps the optimizer in ZeRO stage 1.
func (a *Accelerator) zero1(opt optim.Optimizer, groups []*optim.ParamGroup) (*optim.Zero1, error) {
	dtype, err := a.config.OptimizerDType()
	if err != nil {
		return nil, err
	}
	var (
		constructor optim.Constructor
		opts        optim.Options
	)
	switch o := opt.(type) {
	case *optim.Lazy:
		constructor, opts = o.Constructor()
	case *optim.SGD:
		klog.Warningf("rebuilding the SGD optimizer for ZeRO-1, pass an optim.Lazy optimizer to avoid it")
		constructor, opts = optim.NewSGD, o.Options()
	case *optim.AdamW:
		klog.Warningf("rebuilding the AdamW optimizer for ZeRO-1, pass an optim.Lazy optimizer to avoid it")
		constructor, opts = optim.NewAdamW, o.Options()
	default:
		return nil, errors.Wrapf(ErrConfiguration, "ZeRO-1 can't wrap an optimizer of type %T, use optim.Lazy", opt)
	}
	z, err := optim.NewZero1(groups, constructor, opts, optim.Zero1Config{
		DType:         dtype,
		Comm:          a.ps.Comm(),
		ShardingGroup: a.ps.DataParallelGroup(),
		GradNormGroup: a.ps.TensorParallelGroup(),
	})
	if err != nil {
		return nil, errors.WithMessage(err, "wrapping optimizer in ZeRO-1")
	}
	return z, nil
}

// Optimizer returns the wrapped optimizer.
func (o *AcceleratedOptimizer) Optimizer() optim.Optimizer { return o.inner }

// ParamGroups implements optim.Optimizer.
func (o *AcceleratedOptimizer) ParamGroups() []*optim.ParamGroup { return o.inner.ParamGroups() }

// Step implements optim.Optimizer. It does nothing while gradients are being accumulated.
func (o *AcceleratedOptimizer) Step(ctx context.Context) error {
	if !o.acc.syncGradients {
		return nil
	}
	if o.maxNorm > 0 {
		if z, ok := o.inner.(*optim.Zero1); ok {
			z.SetMaxGradNorm(o.maxNorm, o.normType)
		} else {
			norm, err := o.acc.clipGradients(ctx, o.params(), o.maxNorm, o.normType)
			if err != nil {
				return err
			}
			o.gradNorm = norm
		}
	}
	if err := o.inner.Step(ctx); err != nil {
		return err
	}
	if z, ok := o.inner.(*optim.Zero1); ok && o.maxNorm > 0 {
		o.gradNorm = z.GradNorm()
		z.SetMaxGradNorm(0, 0)
	}
	o.maxNorm = 0
	return nil
}

// ZeroGrad implements optim.Optimizer. It does nothing while gradients are being accumulated.
func (o *AcceleratedOptimizer) ZeroGrad() {
	if o.acc.syncGradients {
		o.inner.ZeroGrad()
	}
}

// StateDict implements optim.Optimizer.
func (o *AcceleratedOptimizer) StateDict() *checkpoint.StateDict { return o.inner.StateDict() }

// LoadStateDict implements optim.Optimizer.
func (o *AcceleratedOptimizer) LoadStateDict(sd *checkpoint.StateDict) error {
	return o.inner.LoadStateDict(sd)
}

// GradNorm returns the gradient norm measured by the last Step that clipped gradients.
func (o *AcceleratedOptimizer) GradNorm() float64 { return o.gradNorm }

func (o *AcceleratedOptimizer) params() []*nn.Parameter {
	var params []*nn.Parameter
	for _, group := range o.inner.ParamGroups() {
		params = append(params, group.Params...)
	}
	return params
}
