// Package data feeds training examples to the ranks: a Dataset holds the examples, a Sampler orders them (and, with
// DistributedSampler, splits them among the data parallel replicas) and a Loader groups them in batches.
package data

import (
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
)

// Example is one element of a dataset: a list of tensors, e.g. the input ids and the labels.
type Example []*tensor.Tensor

// Batch holds, for each tensor of the examples, the examples stacked along a new leading axis.
type Batch []*tensor.Tensor

// Size returns the number of examples in the batch.
func (b Batch) Size() int {
	if len(b) == 0 || b[0].Rank() == 0 {
		return 0
	}
	return b[0].Dim(0)
}

// Dataset is a random access collection of examples.
type Dataset interface {
	Len() int
	Get(index int) (Example, error)
}

// TensorDataset is a Dataset whose i-th example is made of the i-th rows (along axis 0) of each of its tensors.
type TensorDataset struct {
	tensors []*tensor.Tensor
}

// NewTensorDataset creates a TensorDataset. All tensors must have the same size on axis 0.
func NewTensorDataset(tensors ...*tensor.Tensor) (*TensorDataset, error) {
	if len(tensors) == 0 {
		return nil, errors.New("TensorDataset requires at least one tensor")
	}
	for i, t := range tensors {
		if t.Rank() == 0 || t.Dim(0) != tensors[0].Dim(0) {
			return nil, errors.Errorf("tensor #%d of shape %s doesn't have %d examples on axis 0",
				i, t.Shape(), tensors[0].Dim(0))
		}
	}
	return &TensorDataset{tensors: tensors}, nil
}

// Len implements Dataset.
func (d *TensorDataset) Len() int { return d.tensors[0].Dim(0) }

// Get implements Dataset.
func (d *TensorDataset) Get(index int) (Example, error) {
	if index < 0 || index >= d.Len() {
		return nil, errors.Errorf("index %d out of range for a dataset of %d examples", index, d.Len())
	}
	example := make(Example, len(d.tensors))
	for i, t := range d.tensors {
		row, err := t.Narrow(0, index, 1)
		if err != nil {
			return nil, err
		}
		if example[i], err = row.Reshape(t.Shape().Dimensions[1:]...); err != nil {
			return nil, err
		}
	}
	return example, nil
}

// Collate stacks examples into a batch. All examples must have the same number of tensors, of the same shapes.
func Collate(examples []Example) (Batch, error) {
	if len(examples) == 0 {
		return nil, errors.New("can't collate an empty list of examples")
	}
	batch := make(Batch, len(examples[0]))
	for i := range batch {
		rows := make([]*tensor.Tensor, len(examples))
		for j, example := range examples {
			if len(example) != len(batch) {
				return nil, errors.Errorf("example #%d has %d tensors, example #0 has %d", j, len(example), len(batch))
			}
			row, err := example[i].Reshape(append([]int{1}, example[i].Shape().Dimensions...)...)
			if err != nil {
				return nil, err
			}
			rows[j] = row
		}
		stacked, err := tensor.Concatenate(rows, 0)
		if err != nil {
			return nil, errors.WithMessagef(err, "collating tensor #%d of the examples", i)
		}
		batch[i] = stacked
	}
	return batch, nil
}

// Progress tracks the iteration over a Loader, it is shared by the iterators of the loader.
type Progress struct {
	// EndOfData is set once the last batch of an epoch was returned.
	EndOfData bool

	// Remainder is the number of examples of the last batch across all the replicas, or 0 if it is a full batch.
	Remainder int
}

// Loader iterates over a dataset in batches.
type Loader struct {
	Dataset   Dataset
	BatchSize int

	// Sampler defaults to SequentialSampler.
	Sampler Sampler

	// DropLast drops the last batch if it is incomplete.
	DropLast bool

	// Collate defaults to the Collate function.
	Collate func(examples []Example) (Batch, error)

	progress Progress
}

// NewLoader creates a loader of the dataset in batches of batchSize examples.
func NewLoader(dataset Dataset, batchSize int, sampler Sampler) *Loader {
	return &Loader{Dataset: dataset, BatchSize: batchSize, Sampler: sampler}
}

// Clone returns a copy of the loader's configuration, with a fresh Progress.
func (l *Loader) Clone() *Loader {
	return &Loader{
		Dataset:   l.Dataset,
		BatchSize: l.BatchSize,
		Sampler:   l.Sampler,
		DropLast:  l.DropLast,
		Collate:   l.Collate,
	}
}

// Progress returns the state of the current iteration.
func (l *Loader) Progress() Progress { return l.progress }

// sampler returns the loader's sampler or the default one.
func (l *Loader) sampler() Sampler {
	if l.Sampler == nil {
		return SequentialSampler{}
	}
	return l.Sampler
}

// NumBatches returns the number of batches of an epoch.
func (l *Loader) NumBatches() int {
	numExamples := len(l.sampler().Indices(l.Dataset.Len(), 0))
	if l.DropLast {
		return numExamples / l.BatchSize
	}
	return (numExamples + l.BatchSize - 1) / l.BatchSize
}

// Iter starts iterating over the batches of the given epoch.
func (l *Loader) Iter(epoch int) (*Iterator, error) {
	if l.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", l.BatchSize)
	}
	indices := l.sampler().Indices(l.Dataset.Len(), epoch)
	if l.DropLast {
		indices = indices[:len(indices)-len(indices)%l.BatchSize]
	}
	l.progress = Progress{EndOfData: len(indices) == 0}
	l.progress.Remainder = l.remainder()
	return &Iterator{loader: l, indices: indices}, nil
}

// remainder is the number of examples of the last batch across all replicas, see Progress.Remainder.
func (l *Loader) remainder() int {
	if l.DropLast {
		return 0
	}
	numReplicas := 1
	if ds, ok := l.Sampler.(*DistributedSampler); ok {
		numReplicas = ds.NumReplicas
	}
	return l.Dataset.Len() % (l.BatchSize * numReplicas)
}

// Iterator returns the batches of one epoch of a Loader:
//
//	it, err := loader.Iter(epoch)
//	for it.Next() {
//		batch := it.Batch()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	loader  *Loader
	indices []int
	pos     int
	batch   Batch
	err     error
}

// Next loads the next batch, it returns false at the end of the epoch or on error.
func (it *Iterator) Next() bool {
	if it.err != nil || it.pos >= len(it.indices) {
		return false
	}
	end := min(it.pos+it.loader.BatchSize, len(it.indices))
	examples := make([]Example, 0, end-it.pos)
	for _, index := range it.indices[it.pos:end] {
		example, err := it.loader.Dataset.Get(index)
		if err != nil {
			it.err = errors.WithMessagef(err, "loading example %d", index)
			return false
		}
		examples = append(examples, example)
	}
	collate := it.loader.Collate
	if collate == nil {
		collate = Collate
	}
	if it.batch, it.err = collate(examples); it.err != nil {
		return false
	}
	it.pos = end
	it.loader.progress.EndOfData = it.pos >= len(it.indices)
	return true
}

// Batch returns the batch loaded by Next.
func (it *Iterator) Batch() Batch { return it.batch }

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error { return it.err }
