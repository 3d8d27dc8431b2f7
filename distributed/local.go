package distributed

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/shardtrain/shapeinference"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// LocalWorld runs all ranks in the same process, one goroutine per rank, and implements the collectives with
// in-memory rendezvous.
//
// Each group keeps a separate sequence of collectives: the n-th collective a rank issues on a group is matched with the
// n-th collective issued by the other members on the same group.
type LocalWorld struct {
	size int

	mu      sync.Mutex
	pending map[string]*rendezvous
	comms   []*localComm
}

type rendezvous struct {
	opName string
	values []any
	count  int
	done   chan struct{}
}

// NewLocalWorld creates a world with size ranks.
func NewLocalWorld(size int) (*LocalWorld, error) {
	if size <= 0 {
		return nil, errors.Errorf("world size must be positive, got %d", size)
	}
	w := &LocalWorld{size: size, pending: make(map[string]*rendezvous)}
	w.comms = make([]*localComm, size)
	for rank := range w.comms {
		w.comms[rank] = &localComm{world: w, rank: rank, sequence: make(map[string]int)}
	}
	return w, nil
}

// Size returns the number of ranks.
func (w *LocalWorld) Size() int { return w.size }

// Communicator returns the Communicator of the given rank.
func (w *LocalWorld) Communicator(rank int) Communicator {
	return w.comms[rank]
}

// SingleProcess returns the Communicator of a world with a single rank: all collectives are no-ops.
func SingleProcess() Communicator {
	w, _ := NewLocalWorld(1)
	return w.Communicator(0)
}

// Run executes fn for every rank of a new LocalWorld of the given size, each in its own goroutine.
//
// If any rank fails the context passed to the others is cancelled, so ranks blocked on a collective return, and the
// first error is returned.
func Run(ctx context.Context, size int, fn func(ctx context.Context, comm Communicator) error) error {
	world, err := NewLocalWorld(size)
	if err != nil {
		return err
	}
	g, gCtx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		comm := world.Communicator(rank)
		g.Go(func() error {
			if err := fn(gCtx, comm); err != nil {
				return errors.WithMessagef(err, "rank %d", comm.Rank())
			}
			return nil
		})
	}
	return g.Wait()
}

type localComm struct {
	world *LocalWorld
	rank  int

	mu       sync.Mutex
	sequence map[string]int
}

func (c *localComm) Rank() int      { return c.rank }
func (c *localComm) WorldSize() int { return c.world.size }

func groupKey(group []int) string {
	parts := make([]string, len(group))
	for i, r := range group {
		parts[i] = fmt.Sprint(r)
	}
	return strings.Join(parts, ",")
}

// exchange contributes value to the next collective of the group and waits for all the other members.
func (c *localComm) exchange(ctx context.Context, opName string, group []int, value any) ([]any, error) {
	pos := slices.Index(group, c.rank)
	if pos < 0 {
		return nil, errors.Errorf("%s: rank %d is not part of the group %v", opName, c.rank, group)
	}
	for _, r := range group {
		if r < 0 || r >= c.world.size {
			return nil, errors.Errorf("%s: group %v has rank %d out of the world of size %d", opName, group, r, c.world.size)
		}
	}
	if len(group) == 1 {
		return []any{value}, nil
	}
	gKey := groupKey(group)
	c.mu.Lock()
	seq := c.sequence[gKey]
	c.sequence[gKey] = seq + 1
	c.mu.Unlock()
	key := fmt.Sprintf("%s#%d", gKey, seq)

	w := c.world
	w.mu.Lock()
	rv, found := w.pending[key]
	if !found {
		rv = &rendezvous{opName: opName, values: make([]any, len(group)), done: make(chan struct{})}
		w.pending[key] = rv
	}
	if rv.opName != opName {
		w.mu.Unlock()
		return nil, errors.Errorf("rank %d called %s while other ranks of group %v called %s: collectives out of order",
			c.rank, opName, group, rv.opName)
	}
	rv.values[pos] = value
	rv.count++
	if rv.count == len(group) {
		delete(w.pending, key)
		close(rv.done)
	}
	w.mu.Unlock()

	select {
	case <-rv.done:
		return rv.values, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "%s: rank %d waiting for group %v", opName, c.rank, group)
	}
}

func (c *localComm) AllReduce(ctx context.Context, group []int, t *tensor.Tensor, op ReduceOp) (*tensor.Tensor, error) {
	values, err := c.exchange(ctx, "AllReduce", group, t.Clone())
	if err != nil {
		return nil, err
	}
	operandShapes := make([]shapes.Shape, len(values))
	for i, v := range values {
		operandShapes[i] = v.(*tensor.Tensor).Shape()
		if !operandShapes[i].EqualDimensions(t.Shape()) {
			return nil, errors.Errorf("AllReduce: rank %d has shape %s, but member #%d of group %v has shape %s",
				c.rank, t.Shape(), i, group, operandShapes[i])
		}
	}
	if _, err = shapeinference.AllReduce(operandShapes, [][]int{group}); err != nil {
		return nil, err
	}
	output := tensor.FromShape(t.Shape())
	out := output.Flat()
	for i, v := range values {
		flat := v.(*tensor.Tensor).Flat()
		for j, x := range flat {
			switch {
			case op == ReduceMax && i > 0:
				out[j] = max(out[j], x)
			case op == ReduceMax:
				out[j] = x
			default:
				out[j] += x
			}
		}
	}
	if op == ReduceMean {
		output.ScaleInPlace(1 / float32(len(group)))
	}
	return output.Cast(t.DType()), nil
}

func (c *localComm) AllGather(ctx context.Context, group []int, t *tensor.Tensor, axis int) (*tensor.Tensor, error) {
	axis, err := shapeinference.AdjustAxisToRank(axis, t.Rank())
	if err != nil {
		return nil, errors.WithMessage(err, "AllGather")
	}
	expected, err := shapeinference.AllGather(t.Shape(), [][]int{group}, axis)
	if err != nil {
		return nil, err
	}
	values, err := c.exchange(ctx, "AllGather", group, t.Clone())
	if err != nil {
		return nil, err
	}
	parts := make([]*tensor.Tensor, len(values))
	for i, v := range values {
		parts[i] = v.(*tensor.Tensor)
	}
	output, err := tensor.Concatenate(parts, axis)
	if err != nil {
		return nil, errors.WithMessagef(err, "AllGather on group %v", group)
	}
	if !output.Shape().Equal(expected) {
		return nil, errors.Errorf("AllGather on group %v: members contributed different shapes, got %s, expected %s",
			group, output.Shape(), expected)
	}
	return output, nil
}

func (c *localComm) Broadcast(ctx context.Context, group []int, t *tensor.Tensor, root int) (*tensor.Tensor, error) {
	rootPos := slices.Index(group, root)
	if rootPos < 0 {
		return nil, errors.Errorf("Broadcast: root %d is not part of the group %v", root, group)
	}
	var contribution any
	if c.rank == root && t != nil {
		contribution = t.Clone()
	}
	values, err := c.exchange(ctx, "Broadcast", group, contribution)
	if err != nil {
		return nil, err
	}
	rootTensor, _ := values[rootPos].(*tensor.Tensor)
	if rootTensor == nil {
		return nil, errors.Errorf("Broadcast: root %d of group %v provided no tensor", root, group)
	}
	if _, err = shapeinference.CollectiveBroadcast(rootTensor.Shape(), [][]int{group}); err != nil {
		return nil, err
	}
	return rootTensor.Clone(), nil
}

func (c *localComm) Barrier(ctx context.Context, group []int) error {
	_, err := c.exchange(ctx, "Barrier", group, nil)
	return err
}

func (c *localComm) GatherObjects(ctx context.Context, group []int, value any) ([]any, error) {
	values, err := c.exchange(ctx, "GatherObjects", group, value)
	if err != nil {
		return nil, err
	}
	return slices.Clone(values), nil
}
