package optim

import (
	"context"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Zero1Config configures the ZeRO stage 1 optimizer.
type Zero1Config struct {
	// DType of the master copy of the parameters the wrapped optimizer updates: Float32 or BFloat16.
	DType dtypes.DType

	Comm distributed.Communicator

	// ShardingGroup are the ranks across which the optimizer state is sharded, the data parallel group. If empty the
	// state is not sharded.
	ShardingGroup []int

	// GradNormGroup are the ranks holding different parts of the model, the tensor parallel group, across which the
	// gradient norm is computed when clipping.
	GradNormGroup []int
}

// Zero1 implements ZeRO stage 1 (https://arxiv.org/abs/1910.02054): each member of the sharding group keeps the
// optimizer state of only a slice of every parameter.
//
// At each Step the gradients are averaged across the sharding group, each rank updates its slice of the parameters
// (kept in Zero1Config.DType) with the wrapped optimizer, and the updated slices are all-gathered back into the
// parameters. Since it averages the gradients itself, they must not be reduced across the data parallel group
// beforehand.
type Zero1 struct {
	groups []*ParamGroup
	config Zero1Config
	shards []*zero1Shard
	inner  Optimizer

	shardRank, gradNormRank int

	maxNorm, normType float64
	lastNorm          float64
}

// zero1Shard is the slice of a parameter owned by this rank.
type zero1Shard struct {
	param  *nn.Parameter
	master *nn.Parameter
	chunk  int
}

// NewZero1 creates a ZeRO stage 1 optimizer for the parameter groups, using constructor(groups, opts) to create the
// optimizer that updates the slices owned by this rank.
func NewZero1(groups []*ParamGroup, constructor Constructor, opts Options, config Zero1Config) (*Zero1, error) {
	if config.DType != dtypes.Float32 && config.DType != dtypes.BFloat16 {
		return nil, errors.Errorf("ZeRO-1 optimizer dtype must be Float32 or BFloat16, got %s", config.DType)
	}
	if config.Comm == nil {
		config.Comm = distributed.SingleProcess()
	}
	rank := config.Comm.Rank()
	if len(config.ShardingGroup) == 0 {
		config.ShardingGroup = []int{rank}
	}
	if len(config.GradNormGroup) == 0 {
		config.GradNormGroup = []int{rank}
	}
	z := &Zero1{
		groups:       groups,
		config:       config,
		shardRank:    slices.Index(config.ShardingGroup, rank),
		gradNormRank: slices.Index(config.GradNormGroup, rank),
	}
	if z.shardRank < 0 || z.gradNormRank < 0 {
		return nil, errors.Errorf("rank %d must be part of the sharding group %v and the gradient norm group %v",
			rank, config.ShardingGroup, config.GradNormGroup)
	}

	numShards := len(config.ShardingGroup)
	innerGroups := make([]*ParamGroup, len(groups))
	for groupIdx, group := range groups {
		innerGroups[groupIdx] = &ParamGroup{Options: group.Options}
		for paramIdx, p := range group.Params {
			if p.IsMeta() {
				return nil, errors.Errorf("ZeRO-1: parameter #%d of group #%d is not loaded", paramIdx, groupIdx)
			}
			chunk := (p.Value.Size() + numShards - 1) / numShards
			slice, err := padded(p.Value, chunk*numShards).Narrow(0, z.shardRank*chunk, chunk)
			if err != nil {
				return nil, err
			}
			master := nn.NewParameter(slice.Cast(config.DType))
			master.Device = p.Device
			z.shards = append(z.shards, &zero1Shard{param: p, master: master, chunk: chunk})
			innerGroups[groupIdx].Params = append(innerGroups[groupIdx].Params, master)
		}
	}
	inner, err := constructor(innerGroups, opts)
	if err != nil {
		return nil, err
	}
	z.inner = inner
	klog.V(1).Infof("ZeRO-1: %d parameters sharded %d ways, master dtype %s", len(z.shards), numShards, config.DType)
	return z, nil
}

// padded returns the values of t flattened in a 1D tensor of the given size, padded with zeros.
func padded(t *tensor.Tensor, size int) *tensor.Tensor {
	flat := make([]float32, size)
	copy(flat, t.Flat())
	return vector(t.DType(), flat)
}

// SetMaxGradNorm makes Step clip the gradients to a global norm of maxNorm before updating the parameters. A maxNorm
// of 0 disables clipping.
func (z *Zero1) SetMaxGradNorm(maxNorm, normType float64) {
	z.maxNorm, z.normType = maxNorm, normType
}

// GradNorm returns the global gradient norm measured, before clipping, by the last Step that clipped gradients.
func (z *Zero1) GradNorm() float64 { return z.lastNorm }

// ParamGroups implements Optimizer. They hold the full parameters, not the slices owned by this rank.
func (z *Zero1) ParamGroups() []*ParamGroup { return z.groups }

// ZeroGrad implements Optimizer.
func (z *Zero1) ZeroGrad() {
	ZeroGrad(z.groups)
	z.inner.ZeroGrad()
}

// Step implements Optimizer. All the members of the sharding group must call it.
func (z *Zero1) Step(ctx context.Context) error {
	comm, group := z.config.Comm, z.config.ShardingGroup
	numShards := len(group)
	for _, s := range z.shards {
		size := s.chunk * numShards
		var grad *tensor.Tensor
		if s.param.Grad != nil {
			grad = padded(s.param.Grad, size).Cast(dtypes.Float32)
		} else {
			grad = tensor.Zeros(dtypes.Float32, size)
		}
		reduced, err := comm.AllReduce(ctx, group, grad, distributed.ReduceMean)
		if err != nil {
			return errors.WithMessage(err, "ZeRO-1: reducing gradients")
		}
		slice, err := reduced.Narrow(0, z.shardRank*s.chunk, s.chunk)
		if err != nil {
			return err
		}
		s.master.Grad = slice.Cast(z.config.DType)
	}

	if z.maxNorm > 0 {
		norm, err := z.gradNorm(ctx)
		if err != nil {
			return err
		}
		z.lastNorm = norm
		masters := make([]*nn.Parameter, len(z.shards))
		for i, s := range z.shards {
			masters[i] = s.master
		}
		ClipGradients(masters, z.maxNorm, norm)
	}

	if err := z.inner.Step(ctx); err != nil {
		return err
	}

	for _, s := range z.shards {
		gathered, err := comm.AllGather(ctx, group, s.master.Value, 0)
		if err != nil {
			return errors.WithMessage(err, "ZeRO-1: gathering updated parameters")
		}
		if gathered, err = gathered.Narrow(0, 0, s.param.Value.Size()); err != nil {
			return err
		}
		if gathered, err = gathered.Reshape(s.param.Value.Shape().Dimensions...); err != nil {
			return err
		}
		s.param.Value = gathered.Cast(s.param.Value.DType())
	}
	return nil
}

// gradNorm computes the global norm of the gradient slices: they are disjoint across the sharding group, and across
// the gradient norm group for tensor parallel parameters. Replicated parameters are counted by the first member of the
// gradient norm group.
func (z *Zero1) gradNorm(ctx context.Context) (float64, error) {
	normType := z.normType
	if normType == 0 {
		normType = 2
	}
	owned := make(map[*nn.Parameter]bool, len(z.shards))
	masters := make([]*nn.Parameter, 0, len(z.shards))
	for _, s := range z.shards {
		owned[s.master] = z.gradNormRank == 0 || s.param.TensorParallel()
		masters = append(masters, s.master)
	}
	norm, err := GlobalGradNorm(ctx, masters, GradNormOptions{
		NormType: normType,
		Comm:     z.config.Comm,
		Group:    z.config.ShardingGroup,
		Owned:    func(p *nn.Parameter) bool { return owned[p] },
	})
	if err != nil {
		return 0, err
	}
	return reduceNorm(ctx, z.config.Comm, z.config.GradNormGroup, norm, normType)
}

// StateDict implements Optimizer: it holds the state of the slices owned by this rank only.
func (z *Zero1) StateDict() *checkpoint.StateDict { return z.inner.StateDict() }

// LoadStateDict implements Optimizer.
func (z *Zero1) LoadStateDict(sd *checkpoint.StateDict) error { return z.inner.LoadStateDict(sd) }
