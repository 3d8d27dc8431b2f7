package accelerate

import (
	"context"

	"github.com/gomlx/shardtrain/data"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PrepareDataLoader returns a loader visiting this rank's share of the dataset: its sampler is replaced by a
// data.DistributedSampler over the data parallel replicas (tensor and pipeline parallel ranks of a replica see the
// same examples). The shuffling of the original sampler is kept.
//
// Under pipeline parallelism incomplete batches are dropped, since all micro batches must have the same size.
func (a *Accelerator) PrepareDataLoader(loader *data.Loader) (*data.Loader, error) {
	prepared := loader.Clone()
	if a.ps.PipelineParallelSize() > 1 && !prepared.DropLast {
		klog.Warningf("pipeline parallelism requires batches of the same size, dropping the last incomplete batch")
		prepared.DropLast = true
	}
	replicas, rank := a.ps.DataParallelSize(), a.ps.DataParallelRank()
	switch sampler := loader.Sampler.(type) {
	case *data.DistributedSampler:
		if sampler.NumReplicas != replicas || sampler.Rank != rank {
			return nil, errors.Wrapf(ErrConfiguration, "loader sampler is for replica %d of %d, this rank is replica %d of %d",
				sampler.Rank, sampler.NumReplicas, rank, replicas)
		}
	default:
		var shuffle bool
		var seed uint64
		switch s := sampler.(type) {
		case nil, data.SequentialSampler, *data.SequentialSampler:
		case data.RandomSampler:
			shuffle, seed = true, s.Seed
		case *data.RandomSampler:
			shuffle, seed = true, s.Seed
		default:
			klog.Warningf("sampler of type %T replaced by a shuffling distributed sampler", sampler)
			shuffle = true
		}
		ds, err := data.NewDistributedSampler(replicas, rank, shuffle, seed)
		if err != nil {
			return nil, err
		}
		ds.DropLast = prepared.DropLast
		prepared.Sampler = ds
	}
	a.loaders = append(a.loaders, prepared)
	return prepared, nil
}

// Gather concatenates, along axis 0, the tensors of all data parallel replicas.
func (a *Accelerator) Gather(ctx context.Context, t *tensor.Tensor) (*tensor.Tensor, error) {
	return a.ps.Comm().AllGather(ctx, a.ps.DataParallelGroup(), t, 0)
}

// GatherForMetrics gathers values across the data parallel replicas to compute metrics over the whole dataset.
//
// Tensors, slices of tensors and data.Batch values are concatenated along axis 0. At the end of the data of the last
// prepared loader, the padding the DistributedSampler added to the last batch is dropped, so each example is counted
// once. Any other value is gathered as a list of the values of each replica.
func (a *Accelerator) GatherForMetrics(ctx context.Context, value any) (any, error) {
	switch v := value.(type) {
	case *tensor.Tensor:
		return a.gatherForMetrics(ctx, v)
	case []*tensor.Tensor:
		return a.gatherAll(ctx, v)
	case data.Batch:
		gathered, err := a.gatherAll(ctx, v)
		return data.Batch(gathered), err
	}
	return a.ps.Comm().GatherObjects(ctx, a.ps.DataParallelGroup(), value)
}

func (a *Accelerator) gatherAll(ctx context.Context, values []*tensor.Tensor) ([]*tensor.Tensor, error) {
	gathered := make([]*tensor.Tensor, len(values))
	for i, t := range values {
		var err error
		if gathered[i], err = a.gatherForMetrics(ctx, t); err != nil {
			return nil, err
		}
	}
	return gathered, nil
}

func (a *Accelerator) gatherForMetrics(ctx context.Context, t *tensor.Tensor) (*tensor.Tensor, error) {
	gathered, err := a.Gather(ctx, t)
	if err != nil {
		return nil, errors.WithMessage(err, "gathering for metrics")
	}
	if len(a.loaders) == 0 {
		return gathered, nil
	}
	progress := a.loaders[len(a.loaders)-1].Progress()
	if !progress.EndOfData || progress.Remainder <= 0 || progress.Remainder >= gathered.Dim(0) {
		return gathered, nil
	}
	return gathered.Narrow(0, 0, progress.Remainder)
}
