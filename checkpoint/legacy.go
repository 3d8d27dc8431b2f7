package checkpoint

import (
	"bufio"
	"encoding/gob"
	"os"

	"github.com/gomlx/shardtrain/internal/utils"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/pkg/errors"
)

// legacyEntry is one tensor of a legacy checkpoint.
type legacyEntry struct {
	Name       string
	DType      string
	Dimensions []int
	Data       []byte
}

// SaveLegacy writes the state dict in the legacy serialized format ("model.bin"), a gob stream of named tensors.
// Prefer SaveSafetensors, which allows reading individual tensors lazily.
func SaveLegacy(path string, sd *StateDict) error {
	entries := make([]legacyEntry, 0, sd.Len())
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		data, err := pair.Value.Bytes()
		if err != nil {
			return errors.WithMessagef(err, "encoding %q", pair.Key)
		}
		shape := pair.Value.Shape()
		entries = append(entries, legacyEntry{
			Name:       pair.Key,
			DType:      utils.DTypeToSafetensors(shape.DType),
			Dimensions: shape.Dimensions,
			Data:       data,
		})
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating legacy checkpoint")
	}
	w := bufio.NewWriter(f)
	err = gob.NewEncoder(w).Encode(entries)
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "writing legacy checkpoint %q", path)
}

// LoadLegacy reads a state dict written by SaveLegacy.
func LoadLegacy(path string) (*StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening legacy checkpoint")
	}
	defer func() { _ = f.Close() }()
	var entries []legacyEntry
	if err = gob.NewDecoder(bufio.NewReader(f)).Decode(&entries); err != nil {
		return nil, errors.Wrapf(err, "decoding legacy checkpoint %q", path)
	}
	sd := NewStateDict()
	for _, entry := range entries {
		dtype, err := utils.SafetensorsToDType(entry.DType)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q of %q", entry.Name, path)
		}
		t, err := tensor.FromBytes(shapes.Make(dtype, entry.Dimensions...), entry.Data)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q of %q", entry.Name, path)
		}
		sd.Set(entry.Name, t)
	}
	return sd, nil
}
