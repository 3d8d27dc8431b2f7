package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"slices"

	"github.com/gomlx/shardtrain/internal/utils"
	"github.com/gomlx/shardtrain/shapeinference"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const safetensorsMetadataKey = "__metadata__"

type tensorMetadata struct {
	DTypeName  string    `json:"dtype"`
	Dimensions []int     `json:"shape"`
	Offsets    [2]uint64 `json:"data_offsets"`
}

func (t *tensorMetadata) shape() (shapes.Shape, error) {
	dtype, err := utils.SafetensorsToDType(t.DTypeName)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(dtype, t.Dimensions...), nil
}

// SafetensorsFile gives random access to the tensors of a ".safetensors" file: only the header is read when opening,
// and tensors (or slices of them) are read on demand.
type SafetensorsFile struct {
	path      string
	dataStart int64
	tensors   map[string]*tensorMetadata
	names     []string

	// Metadata is the free-form string map stored in the header.
	Metadata map[string]string
}

// OpenSafetensors reads the header of the safetensors file at path.
func OpenSafetensors(path string) (*SafetensorsFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening safetensors file")
	}
	defer func() { _ = f.Close() }()

	var headerLen uint64
	if err = binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, errors.Wrapf(err, "failed to read header length of %q", path)
	}
	headerBuf := make([]byte, headerLen)
	if _, err = io.ReadFull(f, headerBuf); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", path)
	}
	var header map[string]json.RawMessage
	if err = json.Unmarshal(headerBuf, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to parse json header of %q", path)
	}

	st := &SafetensorsFile{
		path:      path,
		dataStart: int64(8 + headerLen),
		tensors:   make(map[string]*tensorMetadata, len(header)),
		Metadata:  make(map[string]string),
	}
	for name, raw := range header {
		if name == safetensorsMetadataKey {
			if err = json.Unmarshal(raw, &st.Metadata); err != nil {
				return nil, errors.Wrapf(err, "failed to parse %q of %q", safetensorsMetadataKey, path)
			}
			continue
		}
		var tData tensorMetadata
		if err = json.Unmarshal(raw, &tData); err != nil {
			return nil, errors.Wrapf(err, "failed to parse header entry %q of %q", name, path)
		}
		shape, err := tData.shape()
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q of %q", name, path)
		}
		if tData.Offsets[1] < tData.Offsets[0] || uintptr(tData.Offsets[1]-tData.Offsets[0]) != shape.Memory() {
			return nil, errors.Errorf("tensor %q of %q: shape %s requires %d bytes, but data_offsets are %v",
				name, path, shape, shape.Memory(), tData.Offsets)
		}
		st.tensors[name] = &tData
		st.names = append(st.names, name)
	}
	slices.SortFunc(st.names, func(a, b string) int {
		oa, ob := st.tensors[a].Offsets[0], st.tensors[b].Offsets[0]
		switch {
		case oa < ob:
			return -1
		case oa > ob:
			return 1
		}
		return 0
	})
	return st, nil
}

// Path of the file.
func (st *SafetensorsFile) Path() string { return st.path }

// Names returns the tensor names, in file order.
func (st *SafetensorsFile) Names() []string { return slices.Clone(st.names) }

// Has returns whether the file holds the tensor.
func (st *SafetensorsFile) Has(name string) bool {
	_, found := st.tensors[name]
	return found
}

// Shape of the named tensor.
func (st *SafetensorsFile) Shape(name string) (shapes.Shape, error) {
	tData, found := st.tensors[name]
	if !found {
		return shapes.Invalid(), errors.Errorf("tensor %q not found in %q", name, st.path)
	}
	return tData.shape()
}

// Load reads the whole tensor.
func (st *SafetensorsFile) Load(name string) (*tensor.Tensor, error) {
	shape, err := st.Shape(name)
	if err != nil {
		return nil, err
	}
	if shape.Size() == 0 {
		return tensor.FromShape(shape), nil
	}
	if shape.Rank() == 0 {
		return st.readBlocks(name, shape, shape, 1, 0, 1)
	}
	return st.LoadSlice(name, 0, 0, shape.Dim(0))
}

// LoadSlice reads only the range [start, start+length) of axis of the tensor.
func (st *SafetensorsFile) LoadSlice(name string, axis, start, length int) (*tensor.Tensor, error) {
	shape, err := st.Shape(name)
	if err != nil {
		return nil, err
	}
	outputShape, err := shapeinference.Narrow(shape, axis, start, length)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading tensor %q from %q", name, st.path)
	}
	axis, _ = shapeinference.AdjustAxisToRank(axis, shape.Rank())
	outer, inner := 1, 1
	for i, d := range shape.Dimensions {
		if i < axis {
			outer *= d
		} else if i > axis {
			inner *= d
		}
	}
	// Each of the outer blocks has shape.Dim(axis)*inner elements, of which we read length*inner starting at
	// start*inner.
	return st.readBlocks(name, shape, outputShape, outer, start*inner, length*inner)
}

func (st *SafetensorsFile) readBlocks(name string, shape, outputShape shapes.Shape, outer, offset, count int) (*tensor.Tensor, error) {
	f, err := os.Open(st.path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening safetensors file")
	}
	defer func() { _ = f.Close() }()

	elemSize := int64(shape.DType.Size())
	blockElems := 1
	if outer > 0 && shape.Size() > 0 {
		blockElems = shape.Size() / outer
	}
	base := st.dataStart + int64(st.tensors[name].Offsets[0])
	data := make([]byte, int64(outer*count)*elemSize)
	for o := 0; o < outer; o++ {
		pos := base + (int64(o*blockElems)+int64(offset))*elemSize
		chunk := data[int64(o*count)*elemSize : int64((o+1)*count)*elemSize]
		if _, err = f.ReadAt(chunk, pos); err != nil {
			return nil, errors.Wrapf(err, "reading tensor %q from %q", name, st.path)
		}
	}
	return tensor.FromBytes(outputShape, data)
}

// LoadSafetensors reads all the tensors of the file, in file order.
func LoadSafetensors(path string) (*StateDict, error) {
	st, err := OpenSafetensors(path)
	if err != nil {
		return nil, err
	}
	sd := NewStateDict()
	for _, name := range st.names {
		t, err := st.Load(name)
		if err != nil {
			return nil, err
		}
		sd.Set(name, t)
	}
	return sd, nil
}

// SaveSafetensors writes the state dict to path. The metadata always includes {"format": "pt"}.
func SaveSafetensors(path string, sd *StateDict, metadata map[string]string) error {
	header := orderedmap.New[string, any]()
	meta := map[string]string{"format": "pt"}
	for k, v := range metadata {
		meta[k] = v
	}
	header.Set(safetensorsMetadataKey, meta)
	var offset uint64
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		shape := pair.Value.Shape()
		size := uint64(shape.Memory())
		dims := shape.Dimensions
		if dims == nil {
			dims = []int{}
		}
		header.Set(pair.Key, &tensorMetadata{
			DTypeName:  utils.DTypeToSafetensors(shape.DType),
			Dimensions: dims,
			Offsets:    [2]uint64{offset, offset + size},
		})
		offset += size
	}
	headerBuf, err := json.Marshal(header)
	if err != nil {
		return errors.Wrapf(err, "encoding safetensors header")
	}
	for len(headerBuf)%8 != 0 {
		headerBuf = append(headerBuf, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating safetensors file")
	}
	w := bufio.NewWriter(f)
	err = binary.Write(w, binary.LittleEndian, uint64(len(headerBuf)))
	if err == nil {
		_, err = w.Write(headerBuf)
	}
	for pair := sd.Oldest(); pair != nil && err == nil; pair = pair.Next() {
		var data []byte
		data, err = pair.Value.Bytes()
		if err == nil {
			_, err = w.Write(data)
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "writing safetensors file %q", path)
	}
	return nil
}
