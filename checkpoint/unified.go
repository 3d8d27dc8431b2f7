package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Format of a unified (not sharded) checkpoint.
type Format string

const (
	FormatSafetensors Format = "safetensors"
	FormatLegacy      Format = "legacy"
)

// ParseFormat parses the name of a checkpoint format.
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case FormatSafetensors, "safe", "":
		return FormatSafetensors, nil
	case FormatLegacy, "pt", "bin":
		return FormatLegacy, nil
	}
	return "", errors.Errorf("unknown checkpoint format %q, valid values are %q and %q", name, FormatSafetensors, FormatLegacy)
}

// ConsolidateToUnifiedCheckpoint consolidates the model parallel checkpoint in dir and saves it in outDir.
//
// With FormatSafetensors and maxShardSize > 0, the state dict is split in files of at most maxShardSize bytes
// (a single tensor larger than that gets a file of its own), named "model-00001-of-0000N.safetensors", with a
// "model.safetensors.index.json" mapping each weight to its file. Otherwise a single "model.safetensors" (or
// "model.bin" for FormatLegacy) is written.
func ConsolidateToUnifiedCheckpoint(dir, outDir string, format Format, maxShardSize uint64) error {
	sd, err := ConsolidateModelParallelCheckpoints(dir)
	if err != nil {
		return err
	}
	return SaveUnified(outDir, sd, format, maxShardSize)
}

// SaveUnified saves the state dict in outDir, as described in ConsolidateToUnifiedCheckpoint.
func SaveUnified(outDir string, sd *StateDict, format Format, maxShardSize uint64) error {
	if err := os.MkdirAll(outDir, DirPermMode); err != nil {
		return errors.Wrapf(err, "creating output directory")
	}
	if format == FormatLegacy {
		if maxShardSize > 0 {
			klog.Warningf("max shard size is ignored for the %q format", format)
		}
		return SaveLegacy(filepath.Join(outDir, LegacyFileName), sd)
	}

	var totalSize uint64
	var groups []*StateDict
	var groupSize uint64
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		size := uint64(pair.Value.Shape().Memory())
		totalSize += size
		if len(groups) == 0 || (maxShardSize > 0 && groupSize > 0 && groupSize+size > maxShardSize) {
			groups = append(groups, NewStateDict())
			groupSize = 0
		}
		groups[len(groups)-1].Set(pair.Key, pair.Value)
		groupSize += size
	}
	if len(groups) <= 1 {
		path := filepath.Join(outDir, SafetensorsFileName)
		klog.Infof("saving unified checkpoint (%s) to %q", humanize.Bytes(totalSize), path)
		return SaveSafetensors(path, sd, nil)
	}

	index := IndexFile{
		Metadata:  map[string]any{"total_size": totalSize},
		WeightMap: make(map[string]string, sd.Len()),
	}
	for i, group := range groups {
		fileName := fmt.Sprintf("model-%05d-of-%05d.safetensors", i+1, len(groups))
		if err := SaveSafetensors(filepath.Join(outDir, fileName), group, nil); err != nil {
			return err
		}
		for pair := group.Oldest(); pair != nil; pair = pair.Next() {
			index.WeightMap[pair.Key] = fileName
		}
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding checkpoint index")
	}
	indexPath := filepath.Join(outDir, SafetensorsIndexFileName)
	if err = os.WriteFile(indexPath, data, 0644); err != nil {
		return errors.Wrapf(err, "writing checkpoint index")
	}
	klog.Infof("saved unified checkpoint (%s) in %d files, index in %q", humanize.Bytes(totalSize), len(groups), indexPath)
	return nil
}
