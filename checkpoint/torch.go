package checkpoint

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
)

// LoadTorchStateDict reads a PyTorch pickled state dict (e.g. "pytorch_model.bin"). It can only be used as a weight
// source: checkpoints are never written in this format.
func LoadTorchStateDict(path string) (*StateDict, error) {
	result, err := pytorch.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading torch checkpoint %q", path)
	}
	sd := NewStateDict()
	add := func(key, value any) error {
		name, ok := key.(string)
		if !ok {
			return errors.Errorf("torch checkpoint %q has a non-string key %v", path, key)
		}
		pt, ok := value.(*pytorch.Tensor)
		if !ok {
			// Non-tensor entries (e.g. version counters) are skipped.
			return nil
		}
		t, err := fromTorchTensor(pt)
		if err != nil {
			return errors.WithMessagef(err, "tensor %q of %q", name, path)
		}
		sd.Set(name, t)
		return nil
	}

	switch dict := result.(type) {
	case *types.Dict:
		for _, key := range dict.Keys() {
			if err = add(key, dict.MustGet(key)); err != nil {
				return nil, err
			}
		}
	case *types.OrderedDict:
		for e := dict.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err = add(entry.Key, entry.Value); err != nil {
				return nil, err
			}
		}
	default:
		return nil, errors.Errorf("torch checkpoint %q holds a %T, expected a state dict", path, result)
	}
	return sd, nil
}

func fromTorchTensor(pt *pytorch.Tensor) (*tensor.Tensor, error) {
	var dtype dtypes.DType
	var get func(i int) float32
	switch storage := pt.Source.(type) {
	case *pytorch.FloatStorage:
		dtype, get = dtypes.Float32, func(i int) float32 { return storage.Data[i] }
	case *pytorch.HalfStorage:
		dtype, get = dtypes.Float16, func(i int) float32 { return storage.Data[i] }
	case *pytorch.DoubleStorage:
		dtype, get = dtypes.Float64, func(i int) float32 { return float32(storage.Data[i]) }
	case *pytorch.LongStorage:
		dtype, get = dtypes.Int64, func(i int) float32 { return float32(storage.Data[i]) }
	case *pytorch.IntStorage:
		dtype, get = dtypes.Int32, func(i int) float32 { return float32(storage.Data[i]) }
	default:
		return nil, errors.Errorf("unsupported torch storage %T", pt.Source)
	}
	shape := shapes.Make(dtype, pt.Size...)
	output := tensor.FromShape(shape)
	flat := output.Flat()
	rank := len(pt.Size)
	indices := make([]int, rank)
	for i := range flat {
		src := pt.StorageOffset
		for axis, idx := range indices {
			src += idx * pt.Stride[axis]
		}
		flat[i] = get(src)
		for axis := rank - 1; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < pt.Size[axis] {
				break
			}
			indices[axis] = 0
		}
	}
	return output, nil
}
