package data

import (
	"slices"
	"testing"

	"github.com/gomlx/shardtrain/tensor"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributedSampler(t *testing.T) {
	testCases := []struct {
		name        string
		n, replicas int
		dropLast    bool
		want        [][]int
	}{
		{"divisible", 6, 2, false, [][]int{{0, 2, 4}, {1, 3, 5}}},
		{"padded", 5, 2, false, [][]int{{0, 2, 4}, {1, 3, 0}}},
		{"drop last", 5, 2, true, [][]int{{0, 2}, {1, 3}}},
		{"more replicas than examples", 2, 3, false, [][]int{{0}, {1}, {0}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for rank, want := range tc.want {
				sampler := must.M1(NewDistributedSampler(tc.replicas, rank, false, 0))
				sampler.DropLast = tc.dropLast
				if diff := cmp.Diff(want, sampler.Indices(tc.n, 0)); diff != "" {
					t.Errorf("rank %d indices mismatch (-want +got):\n%s", rank, diff)
				}
				assert.Equal(t, len(want), sampler.NumSamples(tc.n))
			}
		})
	}

	_, err := NewDistributedSampler(2, 2, false, 0)
	require.Error(t, err)
	_, err = NewDistributedSampler(0, 0, false, 0)
	require.Error(t, err)
}

func TestShuffledSamplersCoverTheDataset(t *testing.T) {
	const n = 10
	var all []int
	for rank := range 2 {
		sampler := must.M1(NewDistributedSampler(2, rank, true, 42))
		indices := sampler.Indices(n, 3)
		assert.Equal(t, indices, sampler.Indices(n, 3), "same epoch, same order")
		all = append(all, indices...)
	}
	slices.Sort(all)
	assert.Equal(t, SequentialSampler{}.Indices(n, 0), all)

	random := RandomSampler{Seed: 42}
	assert.NotEqual(t, random.Indices(n, 0), random.Indices(n, 1), "each epoch is shuffled differently")
}

func TestLoader(t *testing.T) {
	ids := tensor.Arange(5, 3)
	labels := must.M1(tensor.FromValue([]int{0, 1, 2, 3, 4}))
	dataset := must.M1(NewTensorDataset(ids, labels))
	require.Equal(t, 5, dataset.Len())
	example := must.M1(dataset.Get(2))
	assert.Equal(t, []float32{6, 7, 8}, example[0].Flat())
	assert.Equal(t, 0, example[1].Rank())
	_, err := dataset.Get(5)
	require.Error(t, err)

	loader := NewLoader(dataset, 2, nil)
	assert.Equal(t, 3, loader.NumBatches())
	it := must.M1(loader.Iter(0))
	var sizes []int
	for it.Next() {
		batch := it.Batch()
		sizes = append(sizes, batch.Size())
		assert.Equal(t, []int{batch.Size(), 3}, batch[0].Shape().Dimensions)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, Progress{EndOfData: true, Remainder: 1}, loader.Progress())

	loader.DropLast = true
	assert.Equal(t, 2, loader.NumBatches())
	it = must.M1(loader.Iter(0))
	require.True(t, it.Next())
	assert.False(t, loader.Progress().EndOfData)
	require.True(t, it.Next())
	assert.False(t, it.Next())
	assert.Equal(t, Progress{EndOfData: true}, loader.Progress())

	_, err = NewTensorDataset(ids, tensor.Arange(4))
	require.Error(t, err)
}

func TestLoaderWithDistributedSampler(t *testing.T) {
	dataset := must.M1(NewTensorDataset(tensor.Arange(7)))
	sampler := must.M1(NewDistributedSampler(2, 1, false, 0))
	loader := NewLoader(dataset, 2, sampler)
	it := must.M1(loader.Iter(0))
	var seen []float32
	for it.Next() {
		seen = append(seen, it.Batch()[0].Flat()...)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []float32{1, 3, 5, 0}, seen)
	// 7 examples in batches of 2 on 2 replicas: the last global batch holds 3 examples.
	assert.Equal(t, 3, loader.Progress().Remainder)
}
