// Package checkpoint reads and writes model weights: the weight map locating each parameter in a checkpoint, the
// safetensors, torch and legacy file formats, the per-rank shards of model parallel runs with their metadata, and
// the consolidation of those shards back into a single state dict.
package checkpoint

import (
	"slices"

	"github.com/gomlx/shardtrain/tensor"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// StateDict maps qualified parameter names to their values, in insertion order.
type StateDict = orderedmap.OrderedMap[string, *tensor.Tensor]

// NewStateDict creates an empty StateDict.
func NewStateDict() *StateDict {
	return orderedmap.New[string, *tensor.Tensor]()
}

// Names returns the keys of the state dict, in order.
func Names(sd *StateDict) []string {
	names := make([]string, 0, sd.Len())
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// SortedNames returns the keys of the state dict, sorted.
func SortedNames(sd *StateDict) []string {
	names := Names(sd)
	slices.Sort(names)
	return names
}
