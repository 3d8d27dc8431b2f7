package distributed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/shardtrain/tensor"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalWorldCollectives(t *testing.T) {
	const size = 4
	group := []int{0, 1, 2, 3}
	results := make([]map[string]*tensor.Tensor, size)
	var objects [][]any
	var mu sync.Mutex
	err := Run(context.Background(), size, func(ctx context.Context, comm Communicator) error {
		rank := comm.Rank()
		x := must.M1(tensor.FromValue([]float32{float32(rank), float32(10 * rank)}))
		res := make(map[string]*tensor.Tensor)
		var err error
		if res["sum"], err = comm.AllReduce(ctx, group, x, ReduceSum); err != nil {
			return err
		}
		if res["max"], err = comm.AllReduce(ctx, group, x, ReduceMax); err != nil {
			return err
		}
		if res["mean"], err = comm.AllReduce(ctx, group, x, ReduceMean); err != nil {
			return err
		}
		if res["gather"], err = comm.AllGather(ctx, group, x, 0); err != nil {
			return err
		}
		if res["broadcast"], err = comm.Broadcast(ctx, group, x, 2); err != nil {
			return err
		}
		objs, err := comm.GatherObjects(ctx, group, rank*rank)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		results[rank] = res
		objects = append(objects, objs)
		return comm.Barrier(ctx, group)
	})
	require.NoError(t, err)

	for rank := 0; rank < size; rank++ {
		res := results[rank]
		assert.Equal(t, []float32{6, 60}, res["sum"].Flat())
		assert.Equal(t, []float32{3, 30}, res["max"].Flat())
		assert.Equal(t, []float32{1.5, 15}, res["mean"].Flat())
		assert.Equal(t, []float32{0, 0, 1, 10, 2, 20, 3, 30}, res["gather"].Flat())
		assert.Equal(t, []float32{2, 20}, res["broadcast"].Flat())
	}
	for _, objs := range objects {
		assert.Equal(t, []any{0, 1, 4, 9}, objs)
	}
}

func TestLocalWorldSubgroups(t *testing.T) {
	err := Run(context.Background(), 4, func(ctx context.Context, comm Communicator) error {
		group := []int{0, 1}
		if comm.Rank() >= 2 {
			group = []int{2, 3}
		}
		x := must.M1(tensor.FromValue([]float32{float32(comm.Rank())}))
		sum, err := comm.AllReduce(ctx, group, x, ReduceSum)
		if err != nil {
			return err
		}
		want := float32(group[0] + group[1])
		if sum.Flat()[0] != want {
			t.Errorf("rank %d: got sum %g, wanted %g", comm.Rank(), sum.Flat()[0], want)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLocalWorldErrors(t *testing.T) {
	t.Run("missing rank", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		err := Run(ctx, 2, func(ctx context.Context, comm Communicator) error {
			if comm.Rank() == 1 {
				return nil
			}
			return comm.Barrier(ctx, []int{0, 1})
		})
		require.Error(t, err)
	})

	t.Run("not a member", func(t *testing.T) {
		world := must.M1(NewLocalWorld(3))
		_, err := world.Communicator(2).AllReduce(context.Background(), []int{0, 1}, tensor.Arange(2), ReduceSum)
		require.Error(t, err)
	})

	t.Run("out of order", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := Run(ctx, 2, func(ctx context.Context, comm Communicator) error {
			if comm.Rank() == 0 {
				// Let rank 1 register its Barrier first.
				time.Sleep(10 * time.Millisecond)
				_, err := comm.AllReduce(ctx, []int{0, 1}, tensor.Arange(2), ReduceSum)
				return err
			}
			return comm.Barrier(ctx, []int{0, 1})
		})
		require.Error(t, err)
	})
}

func TestParallelState(t *testing.T) {
	world := must.M1(NewLocalWorld(8))
	// tp=2, pp=2 -> dp=2. Rank 5 = pp 1, dp 0, tp 1.
	ps := must.M1(NewParallelState(world.Communicator(5), 2, 2))
	assert.Equal(t, 2, ps.DataParallelSize())
	assert.Equal(t, 1, ps.PipelineParallelRank())
	assert.Equal(t, 0, ps.DataParallelRank())
	assert.Equal(t, 1, ps.TensorParallelRank())
	assert.Equal(t, []int{4, 5}, ps.TensorParallelGroup())
	assert.Equal(t, []int{5, 7}, ps.DataParallelGroup())
	assert.Equal(t, []int{1, 5}, ps.PipelineParallelGroup())
	assert.Equal(t, []int{0, 1, 4, 5}, ps.ModelParallelGroup())
	assert.True(t, ps.ModelParallel())
	assert.Equal(t, 5, must.M1(ps.RankOf(1, 0, 1)))

	_, err := NewParallelState(world.Communicator(0), 3, 1)
	require.Error(t, err)

	single := must.M1(NewParallelState(SingleProcess(), 1, 1))
	assert.False(t, single.ModelParallel())
	assert.True(t, single.IsMainProcess())
}

func TestRegions(t *testing.T) {
	const tp = 2
	full := tensor.Arange(4, 3, 2) // [seq, batch, hidden]
	err := Run(context.Background(), tp, func(ctx context.Context, comm Communicator) error {
		ps, err := NewParallelState(comm, tp, 1)
		if err != nil {
			return err
		}
		seqPart, err := ScatterToSequenceParallelRegion(ps, full)
		if err != nil {
			return err
		}
		assert.Equal(t, []int{2, 3, 2}, seqPart.Shape().Dimensions)
		gathered, err := GatherFromSequenceParallelRegion(ctx, ps, seqPart)
		if err != nil {
			return err
		}
		assert.True(t, full.Equal(gathered))

		lastPart, err := ScatterToTensorParallelRegion(ps, full)
		if err != nil {
			return err
		}
		assert.Equal(t, []int{4, 3, 1}, lastPart.Shape().Dimensions)
		gathered, err = GatherFromTensorParallelRegion(ctx, ps, lastPart)
		if err != nil {
			return err
		}
		assert.True(t, full.Equal(gathered))

		reduced, err := ReduceFromTensorParallelRegion(ctx, ps, full)
		if err != nil {
			return err
		}
		assert.True(t, full.Scale(tp).Equal(reduced))

		reduceScattered, err := ReduceScatterToSequenceParallelRegion(ctx, ps, full)
		if err != nil {
			return err
		}
		want, _ := full.Scale(tp).Narrow(0, 2*ps.TensorParallelRank(), 2)
		assert.True(t, want.Equal(reduceScattered))
		return nil
	})
	require.NoError(t, err)
}
