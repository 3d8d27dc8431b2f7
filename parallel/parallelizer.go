package parallel

import (
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParallelizeOptions configures Parallelize.
type ParallelizeOptions struct {
	SequenceParallel bool

	// Device of the sharded parameters.
	Device string

	// Options given to every rule that recognizes them, e.g. OptKVSizeMultiplier. Options of a Step take precedence.
	Options Options

	// Predicate, if set, selects the layers to transform.
	Predicate func(name string, layer nn.Module) bool
}

// Parallelize transforms model in place following plan: it applies the rules of each step to the matching layers,
// in order, then sets up the sequence parallel region if enabled.
//
// It records on model.ParallelMetadata how each parameter was sharded and, under pipeline parallelism, the parameters
// of this rank's stage in model.StageParameters.
func Parallelize(ps *distributed.ParallelState, model *nn.Model, plan *Plan, opts ParallelizeOptions) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if opts.SequenceParallel && len(plan.SequenceCollectives) == 0 {
		return errors.Wrapf(ErrConfiguration, "%s plan doesn't support sequence parallelism", plan.Family)
	}
	md := checkpoint.NewMetadata(ps.TensorParallelSize(), ps.PipelineParallelSize(), ps.DataParallelSize(),
		ps.PipelineParallelRank())
	model.ParallelMetadata = md

	for i, step := range plan.Steps {
		re, err := compileLayerPattern(step.Layers)
		if err != nil {
			return err
		}
		ruleOpts := make(Options)
		defaults := step.Rule.DefaultOptions()
		for key, value := range opts.Options {
			if _, known := defaults[key]; known {
				ruleOpts[key] = value
			}
		}
		for key, value := range step.Options {
			ruleOpts[key] = value
		}
		matched := 0
		for _, nm := range nn.NamedModules(model.Module) {
			if !matchLayer(re, step.Layers, nm.Name) {
				continue
			}
			matched++
			transformed, err := ApplyRule(ps, model, nm.Name, nm.Module, step.Rule, opts.SequenceParallel, opts.Device,
				ruleOpts, opts.Predicate)
			if err != nil {
				return errors.WithMessagef(err, "%s plan, step #%d", plan.Family, i)
			}
			if transformed == nm.Module {
				continue
			}
			if nm.Name == "" {
				model.Module = transformed
			} else if err = nn.SetSubmodule(model.Module, nm.Name, transformed); err != nil {
				return err
			}
		}
		if matched == 0 {
			klog.Warningf("%s plan: no layer matches %q for the %s rule", plan.Family, step.Layers, step.Rule.Name())
		}
	}

	if opts.SequenceParallel && ps.TensorParallelSize() > 1 {
		if _, err := NormSequenceParallelizer(model.Module, plan.NormPatterns, plan.NormType); err != nil {
			return err
		}
		if err := IOSequenceParallelizer(ps, model.Module, plan.SequenceCollectives); err != nil {
			return err
		}
	}

	if ps.PipelineParallelSize() > 1 {
		if plan.DecoderLayersName == "" {
			return errors.Wrapf(ErrConfiguration, "%s plan doesn't declare its decoder layers, required for pipeline parallelism",
				plan.Family)
		}
		stage, err := StageParameterNames(nn.ParameterNames(model.Module), plan.DecoderLayersName,
			ps.PipelineParallelSize(), ps.PipelineParallelRank())
		if err != nil {
			return err
		}
		model.StageParameters = stage
	}

	slots := nn.ParameterSlots(model.Module)
	for pair := slots.Oldest(); pair != nil; pair = pair.Next() {
		p := pair.Value
		if !p.TensorParallel() || (model.StageParameters != nil && !model.StageParameters[pair.Key]) {
			continue
		}
		md.Parameters[pair.Key] = checkpoint.ParameterMetadata{
			Kind:            checkpoint.ParameterSharded,
			PartitionDim:    p.PartitionDim(),
			PartitionStride: p.PartitionStride(),
		}
	}
	klog.V(1).Infof("%s model parallelized: %d sharded parameters on %s", plan.Family, len(md.Parameters), ps)
	return nil
}

func matchLayer(re *regexp2.Regexp, pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	return matchString(re, name)
}

// StageParameterNames returns the parameter names of one pipeline stage.
//
// The decoder layers, named "<layersName>.<index>....", are split in ppSize contiguous stages of (almost) the same
// size. Parameters listed before the decoder layers belong to the first stage, the ones after to the last.
func StageParameterNames(names []string, layersName string, ppSize, ppRank int) (map[string]bool, error) {
	prefix := layersName + "."
	layerOf := make([]int, len(names))
	numLayers := 0
	firstLayer := -1
	for i, name := range names {
		layerOf[i] = -1
		rest, found := strings.CutPrefix(name, prefix)
		if !found {
			continue
		}
		indexStr, _, _ := strings.Cut(rest, ".")
		index, err := strconv.Atoi(indexStr)
		if err != nil {
			return nil, errors.Errorf("can't parse the layer index of %q", name)
		}
		layerOf[i] = index
		numLayers = max(numLayers, index+1)
		if firstLayer < 0 {
			firstLayer = i
		}
	}
	if numLayers < ppSize {
		return nil, errors.Wrapf(ErrConfiguration, "%d layers under %q can't be split in %d pipeline stages",
			numLayers, layersName, ppSize)
	}
	stageOf := func(layer int) int {
		stage := 0
		for s := 1; s < ppSize; s++ {
			if layer >= s*numLayers/ppSize {
				stage = s
			}
		}
		return stage
	}
	result := make(map[string]bool)
	for i, name := range names {
		var stage int
		switch {
		case layerOf[i] >= 0:
			stage = stageOf(layerOf[i])
		case i < firstLayer:
			stage = 0
		default:
			stage = ppSize - 1
		}
		if stage == ppRank {
			result[name] = true
		}
	}
	return result, nil
}
