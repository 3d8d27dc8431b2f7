package distributed

import (
	"context"
	"fmt"

	"github.com/gomlx/shardtrain/types/shardy"
	"github.com/pkg/errors"
)

// ParallelState is the position of one rank in the (pipeline, data, tensor) training mesh, and the groups it takes
// part in.
//
// The global rank is pp_rank*(dp*tp) + dp_rank*tp + tp_rank, so ranks of the same tensor parallel group are contiguous.
type ParallelState struct {
	comm Communicator
	mesh *shardy.DeviceMesh

	tpRank, dpRank, ppRank    int
	tpGroup, dpGroup, ppGroup []int
	mpGroup                   []int
	worldGroup                []int
}

// NewParallelState creates the ParallelState of comm's rank for the given tensor and pipeline parallel sizes.
// The data parallel size is derived from the world size.
func NewParallelState(comm Communicator, tensorParallelSize, pipelineParallelSize int) (*ParallelState, error) {
	if tensorParallelSize <= 0 || pipelineParallelSize <= 0 {
		return nil, errors.Errorf("tensor (%d) and pipeline (%d) parallel sizes must be positive",
			tensorParallelSize, pipelineParallelSize)
	}
	worldSize := comm.WorldSize()
	modelParallelSize := tensorParallelSize * pipelineParallelSize
	if worldSize%modelParallelSize != 0 {
		return nil, errors.Errorf("world size %d is not divisible by tensor parallel size %d x pipeline parallel size %d",
			worldSize, tensorParallelSize, pipelineParallelSize)
	}
	mesh, err := shardy.NewTrainingMesh(pipelineParallelSize, worldSize/modelParallelSize, tensorParallelSize)
	if err != nil {
		return nil, err
	}
	ps := &ParallelState{comm: comm, mesh: mesh}
	rank := comm.Rank()
	coords, err := mesh.Coordinates(rank)
	if err != nil {
		return nil, err
	}
	ps.ppRank, ps.dpRank, ps.tpRank = coords[0], coords[1], coords[2]
	if ps.tpGroup, err = mesh.GroupOf(rank, shardy.TensorAxis); err != nil {
		return nil, err
	}
	if ps.dpGroup, err = mesh.GroupOf(rank, shardy.DataAxis); err != nil {
		return nil, err
	}
	if ps.ppGroup, err = mesh.GroupOf(rank, shardy.PipelineAxis); err != nil {
		return nil, err
	}
	if ps.mpGroup, err = mesh.GroupOf(rank, shardy.PipelineAxis, shardy.TensorAxis); err != nil {
		return nil, err
	}
	ps.worldGroup = make([]int, worldSize)
	for i := range ps.worldGroup {
		ps.worldGroup[i] = i
	}
	return ps, nil
}

// Comm returns the Communicator used for the collectives.
func (ps *ParallelState) Comm() Communicator { return ps.comm }

// Mesh returns the training mesh.
func (ps *ParallelState) Mesh() *shardy.DeviceMesh { return ps.mesh }

// Rank is the global rank.
func (ps *ParallelState) Rank() int { return ps.comm.Rank() }

// WorldSize is the total number of ranks.
func (ps *ParallelState) WorldSize() int { return ps.comm.WorldSize() }

func (ps *ParallelState) TensorParallelSize() int   { return len(ps.tpGroup) }
func (ps *ParallelState) DataParallelSize() int     { return len(ps.dpGroup) }
func (ps *ParallelState) PipelineParallelSize() int { return len(ps.ppGroup) }

func (ps *ParallelState) TensorParallelRank() int   { return ps.tpRank }
func (ps *ParallelState) DataParallelRank() int     { return ps.dpRank }
func (ps *ParallelState) PipelineParallelRank() int { return ps.ppRank }

// TensorParallelGroup returns the ranks sharing this rank's shards of the model. It shouldn't be modified.
func (ps *ParallelState) TensorParallelGroup() []int { return ps.tpGroup }

// DataParallelGroup returns the ranks holding the same shards as this rank, processing other data.
func (ps *ParallelState) DataParallelGroup() []int { return ps.dpGroup }

// PipelineParallelGroup returns the ranks holding the other stages of the model.
func (ps *ParallelState) PipelineParallelGroup() []int { return ps.ppGroup }

// ModelParallelGroup returns the ranks holding, together, one full copy of the model: the pipeline and tensor parallel
// ranks of this rank's data parallel replica.
func (ps *ParallelState) ModelParallelGroup() []int { return ps.mpGroup }

// WorldGroup returns all ranks.
func (ps *ParallelState) WorldGroup() []int { return ps.worldGroup }

// ModelParallel returns whether tensor or pipeline parallelism is used.
func (ps *ParallelState) ModelParallel() bool {
	return ps.TensorParallelSize() > 1 || ps.PipelineParallelSize() > 1
}

// IsTensorParallelGroupRoot returns whether this rank is the first of its tensor parallel group.
func (ps *ParallelState) IsTensorParallelGroupRoot() bool { return ps.tpRank == 0 }

// IsMainProcess returns whether this is global rank 0.
func (ps *ParallelState) IsMainProcess() bool { return ps.Rank() == 0 }

// Barrier waits for all ranks.
func (ps *ParallelState) Barrier(ctx context.Context) error {
	return ps.comm.Barrier(ctx, ps.worldGroup)
}

// RankOf returns the global rank of the given (pipeline, data, tensor) coordinates.
func (ps *ParallelState) RankOf(ppRank, dpRank, tpRank int) (int, error) {
	return ps.mesh.DeviceAt(ppRank, dpRank, tpRank)
}

// String implements fmt.Stringer.
func (ps *ParallelState) String() string {
	return fmt.Sprintf("ParallelState(rank=%d, pp=%d, dp=%d, tp=%d, %s)",
		ps.Rank(), ps.ppRank, ps.dpRank, ps.tpRank, ps.mesh)
}
