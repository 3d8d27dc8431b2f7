// Package optim implements the optimizers that update the parameters of a model from their accumulated gradients:
// SGD, AdamW and the ZeRO stage 1 wrapper that shards the optimizer state across data parallel replicas.
//
// Every optimizer is created by a Constructor that takes the parameter groups first, followed by the options. This is
// what allows an optimizer created against the parameters of a dense model to be rebuilt, see Lazy, once the model was
// parallelized and its parameters replaced.
package optim

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Names of the options (hyperparameters) of the optimizers.
const (
	OptLearningRate = "lr"
	OptWeightDecay  = "weight_decay"
	OptMomentum     = "momentum"
	OptBeta1        = "beta1"
	OptBeta2        = "beta2"
	OptEpsilon      = "eps"
)

// Options are hyperparameters by name. Options of a ParamGroup override the ones of the optimizer.
type Options map[string]float64

// Clone returns a copy of the options.
func (o Options) Clone() Options {
	return maps.Clone(o)
}

// ParamGroup is a set of parameters updated with the same options.
type ParamGroup struct {
	Params []*nn.Parameter

	// Options overriding the optimizer defaults for this group.
	Options Options
}

// Clone returns a copy of the group, with the same parameter objects.
func (g *ParamGroup) Clone() *ParamGroup {
	return &ParamGroup{Params: slices.Clone(g.Params), Options: g.Options.Clone()}
}

// Group creates a single ParamGroup with the given parameters.
func Group(params ...*nn.Parameter) []*ParamGroup {
	return []*ParamGroup{{Params: params}}
}

// GroupOf returns a single ParamGroup holding the trainable parameters of named, in order.
func GroupOf(named []nn.NamedParameter) []*ParamGroup {
	params := make([]*nn.Parameter, 0, len(named))
	for _, np := range named {
		if np.Parameter.RequiresGrad {
			params = append(params, np.Parameter)
		}
	}
	return Group(params...)
}

// Optimizer updates parameters from their gradients (nn.Parameter.Grad).
type Optimizer interface {
	// ParamGroups returns the groups of parameters updated by the optimizer.
	ParamGroups() []*ParamGroup

	// Step updates the parameters that have a gradient.
	Step(ctx context.Context) error

	// ZeroGrad drops the gradients of all parameters.
	ZeroGrad()

	// StateDict returns the internal state of the optimizer (moments, step counts), keyed
	// "<group>.<param>.<name>", e.g. "0.3.exp_avg".
	StateDict() *checkpoint.StateDict

	// LoadStateDict restores a state returned by StateDict, for the same parameter groups.
	LoadStateDict(sd *checkpoint.StateDict) error
}

// Constructor creates an optimizer for the parameter groups. Options are the defaults of every group.
type Constructor func(groups []*ParamGroup, opts Options) (Optimizer, error)

// KnownOptimizers maps the name of the optimizers to their constructors.
var KnownOptimizers = map[string]Constructor{
	"sgd":   NewSGD,
	"adamw": NewAdamW,
}

// ByName returns the constructor of the named optimizer.
func ByName(name string) (Constructor, error) {
	constructor, found := KnownOptimizers[name]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q, valid values are %v", name, slices.Sorted(maps.Keys(KnownOptimizers)))
	}
	return constructor, nil
}

// ZeroGrad sets the gradient of all parameters of the groups to nil.
func ZeroGrad(groups []*ParamGroup) {
	for _, group := range groups {
		for _, p := range group.Params {
			p.Grad = nil
		}
	}
}

// base holds the parameter groups and the resolution of the options common to all optimizers.
type base struct {
	groups   []*ParamGroup
	defaults Options
}

func newBase(name string, groups []*ParamGroup, defaults, opts Options) (base, error) {
	if len(groups) == 0 {
		return base{}, errors.Errorf("%s: no parameter groups given", name)
	}
	merged := defaults.Clone()
	for key, value := range opts {
		if _, known := defaults[key]; !known {
			return base{}, errors.Errorf("%s: unknown option %q, valid options are %v", name, key,
				slices.Sorted(maps.Keys(defaults)))
		}
		merged[key] = value
	}
	if merged[OptLearningRate] < 0 {
		return base{}, errors.Errorf("%s: invalid learning rate %g", name, merged[OptLearningRate])
	}
	return base{groups: groups, defaults: merged}, nil
}

func (b *base) ParamGroups() []*ParamGroup { return b.groups }

// Options returns the default options of the groups, as resolved at construction.
func (b *base) Options() Options { return b.defaults.Clone() }

func (b *base) ZeroGrad() { ZeroGrad(b.groups) }

// option returns the value of the option for the group.
func (b *base) option(group *ParamGroup, key string) float64 {
	if value, found := group.Options[key]; found {
		return value
	}
	return b.defaults[key]
}

// stateKey is the key of a state tensor in the optimizer's StateDict.
func stateKey(groupIdx, paramIdx int, name string) string {
	return fmt.Sprintf("%d.%d.%s", groupIdx, paramIdx, name)
}

func parseStateKey(key string) (groupIdx, paramIdx int, name string, err error) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 {
		return 0, 0, "", errors.Errorf("invalid optimizer state key %q", key)
	}
	if groupIdx, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, "", errors.Wrapf(err, "invalid optimizer state key %q", key)
	}
	if paramIdx, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, "", errors.Wrapf(err, "invalid optimizer state key %q", key)
	}
	return groupIdx, paramIdx, parts[2], nil
}

// update replaces the value of p by values, rounded to the parameter's dtype.
func update(p *nn.Parameter, values []float32) error {
	value, err := tensor.FromFlat(p.Value.Shape(), values)
	if err != nil {
		return err
	}
	p.Value = value
	return nil
}

// ParameterNorm returns the normType-norm of the values of t. normType can be math.Inf(1).
func ParameterNorm(t *tensor.Tensor, normType float64) float64 {
	values := make([]float64, t.Size())
	for i, v := range t.Flat() {
		values[i] = float64(v)
	}
	if len(values) == 0 {
		return 0
	}
	return floats.Norm(values, normType)
}

// GradNormOptions configures GlobalGradNorm.
type GradNormOptions struct {
	// NormType of the norm, 2 by default, math.Inf(1) for the max norm.
	NormType float64

	// Comm and Group over which the gradients are distributed. If Comm is nil the norm is local.
	Comm  distributed.Communicator
	Group []int

	// Owned reports whether this rank contributes the gradient of p to the norm. Parameters replicated across the group
	// must be counted by a single member. If nil, all parameters are counted.
	Owned func(p *nn.Parameter) bool
}

// GlobalGradNorm returns the norm of the gradients of params, as if all of them were concatenated in one vector.
// Parameters without gradient are ignored.
func GlobalGradNorm(ctx context.Context, params []*nn.Parameter, opts GradNormOptions) (float64, error) {
	normType := opts.NormType
	if normType == 0 {
		normType = 2
	}
	if normType < 0 || math.IsNaN(normType) {
		return 0, errors.Errorf("invalid norm type %g", normType)
	}
	var norms []float64
	for _, p := range params {
		if p.Grad == nil || (opts.Owned != nil && !opts.Owned(p)) {
			continue
		}
		norms = append(norms, ParameterNorm(p.Grad, normType))
	}
	var local float64
	if len(norms) > 0 {
		local = floats.Norm(norms, normType)
	}
	return reduceNorm(ctx, opts.Comm, opts.Group, local, normType)
}

// reduceNorm combines the normType-norms computed by each member of the group into the norm of the whole.
func reduceNorm(ctx context.Context, comm distributed.Communicator, group []int, local, normType float64) (float64, error) {
	if comm == nil || len(group) <= 1 {
		return local, nil
	}
	isMax := math.IsInf(normType, 1)
	contribution := local
	op := distributed.ReduceMax
	if !isMax {
		contribution = math.Pow(local, normType)
		op = distributed.ReduceSum
	}
	reduced, err := comm.AllReduce(ctx, group, vector(dtypes.Float32, []float32{float32(contribution)}), op)
	if err != nil {
		return 0, errors.WithMessage(err, "reducing gradient norms")
	}
	total := float64(reduced.Flat()[0])
	if isMax {
		return total, nil
	}
	return math.Pow(total, 1/normType), nil
}

// vector returns a 1D tensor holding the values.
func vector(dtype dtypes.DType, flat []float32) *tensor.Tensor {
	return must.M1(tensor.FromFlat(shapes.Make(dtype, len(flat)), flat))
}

// ClipGradients scales the gradients of params so that their global norm is at most maxNorm, given the current
// totalNorm (see GlobalGradNorm).
func ClipGradients(params []*nn.Parameter, maxNorm, totalNorm float64) {
	const eps = 1e-6
	coef := maxNorm / (totalNorm + eps)
	if coef >= 1 {
		return
	}
	for _, p := range params {
		if p.Grad != nil {
			p.Grad = p.Grad.Scale(float32(coef))
		}
	}
}
