package accelerate

import (
	"context"

	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/optim"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
)

// Accumulate starts a training step. It returns whether the gradients will be synchronized at the end of this step,
// that is, whether the optimizers will step: once every Config.GradientAccumulationSteps steps, and at the end of the
// data of a prepared loader.
//
//	for it.Next() {
//		acc.Accumulate()
//		grads := ... // gradients of the loss w.r.t. the local parameters
//		acc.Backward(ctx, model, grads)
//		opt.Step(ctx)
//		opt.ZeroGrad()
//	}
func (a *Accelerator) Accumulate() bool {
	a.step++
	a.syncGradients = a.step%a.config.GradientAccumulationSteps == 0
	for _, loader := range a.loaders {
		if loader.Progress().EndOfData {
			a.syncGradients = true
		}
	}
	return a.syncGradients
}

// SyncGradients returns whether the current step synchronizes the gradients, see Accumulate.
func (a *Accelerator) SyncGradients() bool { return a.syncGradients }

// Backward accumulates the gradients of the loss into the parameters of the model, scaled by
// 1/GradientAccumulationSteps. grads are keyed by the names of the local parameters of the model; a name may be
// given for any slot of a tied parameter.
//
// When the step synchronizes the gradients, the gradients of the sequence parallel parameters are summed across the
// tensor parallel group, and all gradients are averaged across the data parallel group (except with ZeRO-1, which
// averages them itself).
func (a *Accelerator) Backward(ctx context.Context, model *nn.Model, grads map[string]*tensor.Tensor) error {
	scale := 1 / float32(a.config.GradientAccumulationSteps)
	for name, grad := range grads {
		p, err := nn.GetParameter(model.Module, name)
		if err != nil {
			return errors.WithMessage(err, "backward")
		}
		if !p.RequiresGrad {
			continue
		}
		if !grad.Shape().EqualDimensions(p.Shape) {
			return errors.Errorf("backward: gradient of %q has shape %s, the parameter has shape %s", name, grad.Shape(), p.Shape)
		}
		scaled := grad.Cast(p.Shape.DType).Scale(scale)
		if p.Grad == nil {
			p.Grad = scaled
		} else if err = p.Grad.AddInPlace(scaled); err != nil {
			return err
		}
	}
	if !a.syncGradients {
		return nil
	}
	return a.reduceGradients(ctx, model)
}

func (a *Accelerator) reduceGradients(ctx context.Context, model *nn.Model) error {
	comm := a.ps.Comm()
	tpGroup, dpGroup := a.ps.TensorParallelGroup(), a.ps.DataParallelGroup()
	for _, np := range model.LocalParameters() {
		p := np.Parameter
		if p.Grad == nil {
			continue
		}
		var err error
		if p.SequenceParallel && len(tpGroup) > 1 {
			if p.Grad, err = comm.AllReduce(ctx, tpGroup, p.Grad, distributed.ReduceSum); err != nil {
				return errors.WithMessagef(err, "reducing the gradient of sequence parallel %q", np.Name)
			}
		}
		if len(dpGroup) > 1 && !a.config.Zero1 {
			if p.Grad, err = comm.AllReduce(ctx, dpGroup, p.Grad, distributed.ReduceMean); err != nil {
				return errors.WithMessagef(err, "averaging the gradient of %q", np.Name)
			}
		}
	}
	return nil
}

// ClipGradNorm clips the gradients of params to a global norm of maxNorm, and returns the norm before clipping.
// normType is 2 if 0, and can be math.Inf(1).
//
// The norm is computed over the whole model: across the tensor and pipeline parallel ranks of the data parallel
// replica. All of them must call it.
//
// With postpone, or with ZeRO-1 where the gradients are only reduced inside the optimizer step, clipping is
// deferred to the next step of the single prepared optimizer, and the returned norm is 0: the norm is available
// afterwards with AcceleratedOptimizer.GradNorm.
func (a *Accelerator) ClipGradNorm(ctx context.Context, params []*nn.Parameter, maxNorm, normType float64, postpone bool) (float64, error) {
	if maxNorm <= 0 {
		return 0, errors.Errorf("invalid max norm %g", maxNorm)
	}
	if postpone || a.config.Zero1 {
		if len(a.optimizers) != 1 {
			return 0, errors.Errorf("postponed gradient clipping requires exactly one prepared optimizer, got %d",
				len(a.optimizers))
		}
		opt := a.optimizers[0]
		opt.maxNorm, opt.normType = maxNorm, normType
		return 0, nil
	}
	resolved := make([]*nn.Parameter, len(params))
	for i, p := range params {
		if device, found := a.parameterMap[p]; found {
			p = device
		}
		resolved[i] = p
	}
	return a.clipGradients(ctx, resolved, maxNorm, normType)
}

func (a *Accelerator) clipGradients(ctx context.Context, params []*nn.Parameter, maxNorm, normType float64) (float64, error) {
	tpRank := a.ps.TensorParallelRank()
	norm, err := optim.GlobalGradNorm(ctx, params, optim.GradNormOptions{
		NormType: normType,
		Comm:     a.ps.Comm(),
		Group:    a.ps.ModelParallelGroup(),
		Owned:    func(p *nn.Parameter) bool { return tpRank == 0 || p.TensorParallel() },
	})
	if err != nil {
		return 0, errors.WithMessage(err, "computing the gradient norm")
	}
	optim.ClipGradients(params, maxNorm, norm)
	return norm, nil
}
