package optim

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func param(values ...float32) *nn.Parameter {
	return nn.NewParameter(must.M1(tensor.FromValue(values)))
}

func grad(values ...float32) *tensor.Tensor {
	return must.M1(tensor.FromValue(values))
}

func TestSGD(t *testing.T) {
	p := param(1, 2)
	opt := must.M1(NewSGD(Group(p), Options{OptLearningRate: 0.1}))
	p.Grad = grad(0.5, -1)
	require.NoError(t, opt.Step(context.Background()))
	assert.InDeltaSlice(t, []float32{0.95, 2.1}, p.Value.Flat(), 1e-6)

	opt.ZeroGrad()
	assert.Nil(t, p.Grad)
	require.NoError(t, opt.Step(context.Background()))
	assert.InDeltaSlice(t, []float32{0.95, 2.1}, p.Value.Flat(), 1e-6, "parameters without gradients are not updated")

	t.Run("momentum", func(t *testing.T) {
		p := param(0)
		opt := must.M1(NewSGD(Group(p), Options{OptLearningRate: 1, OptMomentum: 0.5}))
		for range 2 {
			p.Grad = grad(1)
			require.NoError(t, opt.Step(context.Background()))
		}
		// buf: 1, then 0.5*1+1 = 1.5.
		assert.InDelta(t, -2.5, p.Value.Flat()[0], 1e-6)
		assert.Equal(t, 1, opt.StateDict().Len())
	})
}

func TestAdamW(t *testing.T) {
	p := param(1, -1)
	opt := must.M1(NewAdamW(Group(p), Options{OptLearningRate: 0.1, OptWeightDecay: 0}))
	p.Grad = grad(0.5, -2)
	require.NoError(t, opt.Step(context.Background()))
	// The first bias corrected step is lr * sign(grad).
	assert.InDeltaSlice(t, []float32{0.9, -0.9}, p.Value.Flat(), 1e-6)

	t.Run("weight decay", func(t *testing.T) {
		p := param(2)
		opt := must.M1(NewAdamW(Group(p), Options{OptLearningRate: 0.1, OptWeightDecay: 0.5}))
		p.Grad = grad(0)
		require.NoError(t, opt.Step(context.Background()))
		assert.InDelta(t, 2*(1-0.05), p.Value.Flat()[0], 1e-6)
	})

	t.Run("group options", func(t *testing.T) {
		p0, p1 := param(1), param(1)
		groups := []*ParamGroup{{Params: []*nn.Parameter{p0}}, {Params: []*nn.Parameter{p1}, Options: Options{OptLearningRate: 0}}}
		opt := must.M1(NewAdamW(groups, Options{OptLearningRate: 0.1, OptWeightDecay: 0}))
		p0.Grad, p1.Grad = grad(1), grad(1)
		require.NoError(t, opt.Step(context.Background()))
		assert.InDelta(t, 0.9, p0.Value.Flat()[0], 1e-6)
		assert.Equal(t, float32(1), p1.Value.Flat()[0])
	})

	t.Run("state dict", func(t *testing.T) {
		p0, p1 := param(1, 2, 3), param(1, 2, 3)
		opt0 := must.M1(NewAdamW(Group(p0), nil))
		opt1 := must.M1(NewAdamW(Group(p1), nil))
		p0.Grad = grad(1, -1, 0.5)
		require.NoError(t, opt0.Step(context.Background()))
		p1.SetValue(p0.Value.Clone())
		require.NoError(t, opt1.LoadStateDict(opt0.StateDict()))
		p0.Grad, p1.Grad = grad(0.1, 0.2, 0.3), grad(0.1, 0.2, 0.3)
		require.NoError(t, opt0.Step(context.Background()))
		require.NoError(t, opt1.Step(context.Background()))
		assert.Equal(t, p0.Value.Flat(), p1.Value.Flat())
	})
}

func TestOptionsValidation(t *testing.T) {
	_, err := NewSGD(Group(param(1)), Options{OptBeta1: 0.9})
	require.Error(t, err)
	_, err = NewAdamW(Group(param(1)), Options{OptBeta2: 1})
	require.Error(t, err)
	_, err = NewAdamW(nil, nil)
	require.Error(t, err)
	_, err = ByName("lamb")
	require.Error(t, err)
	constructor := must.M1(ByName("adamw"))
	_, err = constructor(Group(param(1)), Options{OptLearningRate: -1})
	require.Error(t, err)
}

func TestLazy(t *testing.T) {
	dense, sharded := param(1, 2), param(1)
	numCalls := 0
	constructor := func(groups []*ParamGroup, opts Options) (Optimizer, error) {
		numCalls++
		return NewSGD(groups, opts)
	}
	lazy := NewLazy(constructor, Group(dense), Options{OptLearningRate: 1})
	assert.False(t, lazy.Built())
	assert.Equal(t, []*nn.Parameter{dense}, lazy.ParamGroups()[0].Params)
	assert.Equal(t, 0, lazy.StateDict().Len())

	require.NoError(t, lazy.SetParamGroups(Group(sharded)))
	sharded.Grad = grad(1)
	require.NoError(t, lazy.Step(context.Background()))
	require.NoError(t, lazy.Step(context.Background()))
	assert.Equal(t, 1, numCalls)
	assert.Equal(t, float32(-1), sharded.Value.Flat()[0])
	assert.Equal(t, []float32{1, 2}, dense.Value.Flat())
	require.Error(t, lazy.SetParamGroups(Group(dense)))

	lazy.ZeroGrad()
	assert.Nil(t, sharded.Grad)
}

func TestGlobalGradNorm(t *testing.T) {
	p0, p1, p2 := param(0), param(0, 0), param(0)
	p0.Grad, p1.Grad = grad(3), grad(0, -4)
	params := []*nn.Parameter{p0, p1, p2}
	ctx := context.Background()
	assert.InDelta(t, 5, must.M1(GlobalGradNorm(ctx, params, GradNormOptions{})), 1e-9)
	assert.InDelta(t, 4, must.M1(GlobalGradNorm(ctx, params, GradNormOptions{NormType: math.Inf(1)})), 1e-9)
	assert.InDelta(t, 7, must.M1(GlobalGradNorm(ctx, params, GradNormOptions{NormType: 1})), 1e-9)
	_, err := GlobalGradNorm(ctx, params, GradNormOptions{NormType: -1})
	require.Error(t, err)

	ClipGradients(params, 1, 5)
	assert.InDelta(t, 1, must.M1(GlobalGradNorm(ctx, params, GradNormOptions{})), 1e-5)
	ClipGradients(params, 10, 1)
	assert.InDelta(t, 1, must.M1(GlobalGradNorm(ctx, params, GradNormOptions{})), 1e-5)

	t.Run("distributed", func(t *testing.T) {
		replicated := param(0)
		err := distributed.Run(ctx, 2, func(ctx context.Context, comm distributed.Communicator) error {
			local := param(0)
			local.Grad = grad(float32(3 + comm.Rank()))
			replicated := replicated.Clone()
			replicated.Grad = grad(12)
			norm, err := GlobalGradNorm(ctx, []*nn.Parameter{local, replicated}, GradNormOptions{
				Comm:  comm,
				Group: []int{0, 1},
				Owned: func(p *nn.Parameter) bool { return p == local || comm.Rank() == 0 },
			})
			if err != nil {
				return err
			}
			if math.Abs(norm-13) > 1e-5 {
				return errors.Errorf("rank %d: got norm %g, wanted 13", comm.Rank(), norm)
			}
			return nil
		})
		require.NoError(t, err)
	})
}

func TestZero1(t *testing.T) {
	initial := []float32{1, 2, 3, 4, 5}
	rankGrads := [][]float32{{1, 0, -1, 2, 0.5}, {0, 1, 1, -2, 1.5}}
	opts := Options{OptLearningRate: 0.1}

	// Reference: AdamW on the mean gradient.
	want := param(initial...)
	reference := must.M1(NewAdamW(Group(want), opts))
	mean := make([]float32, len(initial))
	for i := range mean {
		mean[i] = (rankGrads[0][i] + rankGrads[1][i]) / 2
	}
	for range 2 {
		want.Grad = grad(mean...)
		require.NoError(t, reference.Step(context.Background()))
	}

	err := distributed.Run(context.Background(), 2, func(ctx context.Context, comm distributed.Communicator) error {
		p := param(initial...)
		z, err := NewZero1(Group(p), NewAdamW, opts, Zero1Config{
			DType:         dtypes.Float32,
			Comm:          comm,
			ShardingGroup: []int{0, 1},
		})
		if err != nil {
			return err
		}
		for range 2 {
			p.Grad = grad(rankGrads[comm.Rank()]...)
			if err = z.Step(ctx); err != nil {
				return err
			}
		}
		// Each rank holds the state of 3 of the 5 (padded to 6) values.
		state := z.StateDict()
		expAvg, found := state.Get("0.0.exp_avg")
		if !found || expAvg.Size() != 3 {
			return errors.Errorf("rank %d: unexpected ZeRO-1 state %v", comm.Rank(), checkpoint.Names(state))
		}
		assert.InDeltaSlicef(t, want.Value.Flat(), p.Value.Flat(), 1e-6, "rank %d", comm.Rank())
		z.ZeroGrad()
		assert.Nil(t, p.Grad)
		return nil
	})
	require.NoError(t, err)

	t.Run("clipping", func(t *testing.T) {
		err := distributed.Run(context.Background(), 2, func(ctx context.Context, comm distributed.Communicator) error {
			p := param(0, 0, 0)
			z, err := NewZero1(Group(p), NewSGD, Options{OptLearningRate: 1}, Zero1Config{
				DType:         dtypes.BFloat16,
				Comm:          comm,
				ShardingGroup: []int{0, 1},
			})
			if err != nil {
				return err
			}
			z.SetMaxGradNorm(1, 2)
			p.Grad = grad(3, 4, 0)
			if err = z.Step(ctx); err != nil {
				return err
			}
			assert.InDelta(t, 5, z.GradNorm(), 1e-5)
			assert.InDeltaSlice(t, []float32{-0.6, -0.8, 0}, p.Value.Flat(), 1e-2)
			return nil
		})
		require.NoError(t, err)
	})

	_, err = NewZero1(Group(param(1)), NewAdamW, nil, Zero1Config{DType: dtypes.Float16})
	require.Error(t, err)
}
