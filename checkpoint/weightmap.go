package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/shardtrain/tensor"
	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Well known checkpoint file names.
const (
	SafetensorsFileName      = "model.safetensors"
	SafetensorsIndexFileName = "model.safetensors.index.json"
	TorchFileName            = "pytorch_model.bin"
	TorchIndexFileName       = "pytorch_model.bin.index.json"
	LegacyFileName           = "model.bin"
)

// IndexFile is the content of a "*.index.json" file of a checkpoint split in several files.
type IndexFile struct {
	Metadata  map[string]any    `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"`
}

// WeightMap locates each parameter of a checkpoint, by its qualified name, in the file holding it.
//
// It is what makes lazy loading possible: a model can be built with parameters on the meta device and parallelized,
// reading from the checkpoint only the slice of each weight that the rank keeps.
type WeightMap struct {
	dir   string
	files map[string]string

	mu          sync.Mutex
	safetensors map[string]*SafetensorsFile
	loaded      map[string]*StateDict
}

// LoadWeightMap creates a WeightMap for a checkpoint directory, an index file, or a single checkpoint file.
//
// For a directory it looks for, in order: model.safetensors.index.json, pytorch_model.bin.index.json,
// model.safetensors, pytorch_model.bin and model.bin.
func LoadWeightMap(path string) (*WeightMap, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading weight map")
	}
	if info.IsDir() {
		for _, name := range []string{SafetensorsIndexFileName, TorchIndexFileName, SafetensorsFileName, TorchFileName, LegacyFileName} {
			candidate := filepath.Join(path, name)
			if _, err := os.Stat(candidate); err == nil {
				return LoadWeightMap(candidate)
			}
		}
		return nil, errors.Errorf("no checkpoint found in directory %q", path)
	}

	wm := &WeightMap{
		dir:         filepath.Dir(path),
		files:       make(map[string]string),
		safetensors: make(map[string]*SafetensorsFile),
		loaded:      make(map[string]*StateDict),
	}
	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(base, ".json"):
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading index file")
		}
		var index IndexFile
		if err = json.Unmarshal(data, &index); err != nil {
			return nil, errors.Wrapf(err, "parsing index file %q", path)
		}
		for name, file := range index.WeightMap {
			wm.files[name] = file
		}
	case strings.HasSuffix(base, ".safetensors"):
		st, err := OpenSafetensors(path)
		if err != nil {
			return nil, err
		}
		wm.safetensors[base] = st
		for _, name := range st.Names() {
			wm.files[name] = base
		}
	default:
		sd, err := wm.loadFile(base)
		if err != nil {
			return nil, err
		}
		for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
			wm.files[pair.Key] = base
		}
	}
	klog.V(1).Infof("weight map of %q: %d weights", path, len(wm.files))
	return wm, nil
}

// Dir is the directory of the checkpoint files.
func (wm *WeightMap) Dir() string { return wm.dir }

// Names returns the sorted names of all weights.
func (wm *WeightMap) Names() []string {
	names := make([]string, 0, len(wm.files))
	for name := range wm.files {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has returns whether the checkpoint holds the weight.
func (wm *WeightMap) Has(name string) bool {
	if wm == nil {
		return false
	}
	_, found := wm.files[name]
	return found
}

// Filename returns the path of the file holding the weight.
func (wm *WeightMap) Filename(name string) (string, bool) {
	file, found := wm.files[name]
	if !found {
		return "", false
	}
	return filepath.Join(wm.dir, file), true
}

// loadFile returns the full state dict of a non-safetensors file, loading it once.
func (wm *WeightMap) loadFile(file string) (*StateDict, error) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if sd, found := wm.loaded[file]; found {
		return sd, nil
	}
	path := filepath.Join(wm.dir, file)
	var sd *StateDict
	var err error
	if strings.HasPrefix(file, "pytorch_model") {
		sd, err = LoadTorchStateDict(path)
	} else {
		sd, err = LoadLegacy(path)
	}
	if err != nil {
		return nil, err
	}
	wm.loaded[file] = sd
	return sd, nil
}

func (wm *WeightMap) safetensorsFile(file string) (*SafetensorsFile, error) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if st, found := wm.safetensors[file]; found {
		return st, nil
	}
	st, err := OpenSafetensors(filepath.Join(wm.dir, file))
	if err != nil {
		return nil, err
	}
	wm.safetensors[file] = st
	return st, nil
}

func (wm *WeightMap) lookup(name string) (file string, err error) {
	file, found := wm.files[name]
	if !found {
		return "", errors.Errorf("weight %q not found in the checkpoint at %q", name, wm.dir)
	}
	return file, nil
}

// Shape returns the shape of the weight without reading its values.
func (wm *WeightMap) Shape(name string) (shapes.Shape, error) {
	file, err := wm.lookup(name)
	if err != nil {
		return shapes.Invalid(), err
	}
	if strings.HasSuffix(file, ".safetensors") {
		st, err := wm.safetensorsFile(file)
		if err != nil {
			return shapes.Invalid(), err
		}
		return st.Shape(name)
	}
	sd, err := wm.loadFile(file)
	if err != nil {
		return shapes.Invalid(), err
	}
	t, _ := sd.Get(name)
	return t.Shape(), nil
}

// Load reads the whole weight.
func (wm *WeightMap) Load(name string) (*tensor.Tensor, error) {
	shape, err := wm.Shape(name)
	if err != nil {
		return nil, err
	}
	if shape.Rank() == 0 || shape.Size() == 0 {
		file, _ := wm.lookup(name)
		if strings.HasSuffix(file, ".safetensors") {
			st, err := wm.safetensorsFile(file)
			if err != nil {
				return nil, err
			}
			return st.Load(name)
		}
		sd, err := wm.loadFile(file)
		if err != nil {
			return nil, err
		}
		t, _ := sd.Get(name)
		return t.Clone(), nil
	}
	return wm.LoadSlice(name, 0, 0, shape.Dim(0))
}

// LoadSlice reads the range [start, start+length) along axis of the weight. For safetensors files only the needed
// bytes are read.
func (wm *WeightMap) LoadSlice(name string, axis, start, length int) (*tensor.Tensor, error) {
	file, err := wm.lookup(name)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(file, ".safetensors") {
		st, err := wm.safetensorsFile(file)
		if err != nil {
			return nil, err
		}
		return st.LoadSlice(name, axis, start, length)
	}
	sd, err := wm.loadFile(file)
	if err != nil {
		return nil, err
	}
	t, _ := sd.Get(name)
	return t.Narrow(axis, start, length)
}
