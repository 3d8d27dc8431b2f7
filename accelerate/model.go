package accelerate

import (
	"context"
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardtrain/internal/utils"
	"github.com/gomlx/shardtrain/models"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/parallel"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FlagGradientCheckpointing marks the modules recomputing their activations during the backward pass. It is turned
// off while the model is prepared, and restored afterwards.
const FlagGradientCheckpointing = "gradient_checkpointing"

// ModelState is the stage a model reached in PrepareModel.
type ModelState int

const (
	Unprepared ModelState = iota
	PatchedForHardware
	ModelParallelized
	Unsharded
	DevicePlaced
	FrameworkWrapped
)

// String implements fmt.Stringer.
func (s ModelState) String() string {
	switch s {
	case Unprepared:
		return "Unprepared"
	case PatchedForHardware:
		return "PatchedForHardware"
	case ModelParallelized:
		return "ModelParallelized"
	case Unsharded:
		return "Unsharded"
	case DevicePlaced:
		return "DevicePlaced"
	case FrameworkWrapped:
		return "FrameworkWrapped"
	}
	return fmt.Sprintf("ModelState(%d)", int(s))
}

// ModelState returns the current state of the model.
func (a *Accelerator) ModelState(model *nn.Model) ModelState {
	history := a.modelStates[model]
	if len(history) == 0 {
		return Unprepared
	}
	return history[len(history)-1]
}

// ModelStateHistory returns the states the model went through, starting with Unprepared.
func (a *Accelerator) ModelStateHistory(model *nn.Model) []ModelState {
	return append([]ModelState{Unprepared}, a.modelStates[model]...)
}

func (a *Accelerator) transition(model *nn.Model, state ModelState) {
	klog.V(2).Infof("rank %d: model %s -> %s", a.ps.Rank(), a.ModelState(model), state)
	a.modelStates[model] = append(a.modelStates[model], state)
}

// cpuSnapshot records the parameters of the dense model before it is transformed.
type cpuSnapshot struct {
	slots map[string]*nn.Parameter
	names []string
	tied  [][]string
}

func snapshot(model *nn.Model) *cpuSnapshot {
	s := &cpuSnapshot{slots: make(map[string]*nn.Parameter), tied: nn.TiedParameterGroups(model.Module)}
	slots := nn.ParameterSlots(model.Module)
	for pair := slots.Oldest(); pair != nil; pair = pair.Next() {
		s.slots[pair.Key] = pair.Value
		s.names = append(s.names, pair.Key)
	}
	return s
}

// PrepareModel makes the model ready for training on this rank's device. It moves through the states:
//
//   - PatchedForHardware: generation and introspection switches (cache, attention and hidden state outputs, layer
//     drop) and alternative attention backends are turned off, and under bf16 mixed precision the parameters are
//     cast to BFloat16.
//   - ModelParallelized, under tensor or pipeline parallelism: the model is transformed with the plan of its family,
//     and the parameters of this rank's pipeline stage are checked to be the ones of the dense model (up to the
//     renaming of grouped query attention).
//   - Unsharded otherwise.
//   - DevicePlaced: the parameters are moved to the device, and tied parameters are tied again.
//   - FrameworkWrapped: the parameters are synchronized across the data parallel replicas.
//
// The model is transformed in place and returned. Each dense parameter is mapped to the parameter replacing it, see
// DeviceParameter and PrepareOptimizer. Preparing a model twice is a no-op.
func (a *Accelerator) PrepareModel(ctx context.Context, model *nn.Model) (*nn.Model, error) {
	if a.ModelState(model) != Unprepared {
		klog.Warningf("model already prepared (%s), skipping", a.ModelState(model))
		return model, nil
	}
	defer a.patchForHardware(model)()
	a.transition(model, PatchedForHardware)

	cpu := snapshot(model)
	renames := make(map[string]string)
	device := a.Device()
	if a.ps.ModelParallel() {
		if err := a.parallelize(model, device); err != nil {
			return nil, err
		}
		if gqa := model.ParallelMetadata.GQA; gqa != nil {
			renames = gqa.OriginalNamesToGQANames
		}
		if err := checkParameterNames(model, cpu, renames); err != nil {
			return nil, err
		}
		a.transition(model, ModelParallelized)
	} else {
		a.transition(model, Unsharded)
	}

	nn.MoveToDevice(model.Module, device)
	if err := nn.TieParameters(model.Module, retiedGroups(model, cpu.tied, renames)); err != nil {
		return nil, err
	}
	a.mapParameters(model, cpu, renames)
	a.transition(model, DevicePlaced)

	if err := a.synchronizeReplicas(ctx, model); err != nil {
		return nil, err
	}
	a.models = append(a.models, model)
	a.transition(model, FrameworkWrapped)
	return model, nil
}

// patchForHardware turns off the features the device can't run. It returns a function restoring gradient
// checkpointing, called once the model is prepared or failed to be.
func (a *Accelerator) patchForHardware(model *nn.Model) (restore func()) {
	if c := model.Config; c != nil {
		c.UseCache = false
		c.OutputAttentions = false
		c.OutputHiddenState = false
		c.LayerDrop = 0
	}
	var checkpointed []nn.Module
	for _, nm := range nn.NamedModules(model.Module) {
		flags := nm.Module.Flags()
		for _, flag := range []string{models.FlagSDPA, models.FlagFlashAttention} {
			if flags[flag] {
				klog.V(2).Infof("disabling %s of %q", flag, nm.Name)
				flags[flag] = false
			}
		}
		if flags[FlagGradientCheckpointing] {
			flags[FlagGradientCheckpointing] = false
			checkpointed = append(checkpointed, nm.Module)
		}
	}
	if a.config.MixedPrecision == MixedPrecisionBF16 {
		for _, np := range nn.NamedParameters(model.Module) {
			if !np.Parameter.IsMeta() && np.Parameter.Value.DType() != dtypes.BFloat16 {
				np.Parameter.SetValue(np.Parameter.Value.Cast(dtypes.BFloat16))
			}
		}
	}
	return func() {
		for _, m := range checkpointed {
			m.Flags()[FlagGradientCheckpointing] = true
		}
	}
}

func (a *Accelerator) parallelize(model *nn.Model, device string) error {
	if model.Config == nil {
		return errors.Wrapf(ErrConfiguration, "model parallelism requires the model configuration")
	}
	plan, err := models.Plan(model.Config.ModelType)
	if err != nil {
		return errors.WithMessage(err, "preparing model")
	}
	opts := parallel.Options{parallel.OptFuseQKV: a.config.FuseQKV}
	if a.config.KVSizeMultiplier > 0 {
		opts[parallel.OptKVSizeMultiplier] = a.config.KVSizeMultiplier
	}
	return parallel.Parallelize(a.ps, model, plan, parallel.ParallelizeOptions{
		SequenceParallel: a.config.SequenceParallel,
		Device:           device,
		Options:          opts,
	})
}

// localName returns the name of the dense parameter slot in the parallelized model.
func localName(name string, renames map[string]string) string {
	if renamed, found := renames[name]; found {
		return renamed
	}
	return name
}

// checkParameterNames verifies that the parameters of this rank's stage are the dense ones, renamed.
func checkParameterNames(model *nn.Model, cpu *cpuSnapshot, renames map[string]string) error {
	want := utils.MakeSet[string](len(cpu.names))
	for _, name := range cpu.names {
		name = localName(name, renames)
		if model.StageParameters == nil || model.StageParameters[name] {
			want.Insert(name)
		}
	}
	got := utils.SetWith(model.LocalParameterNames()...)
	if diff := want.SymmetricDifference(got); len(diff) > 0 {
		return errors.Wrapf(ErrParameterMismatch, "%v", utils.SortedKeys(diff))
	}
	return nil
}

// retiedGroups returns the groups of tied parameters still present in the model, under their new names.
func retiedGroups(model *nn.Model, tied [][]string, renames map[string]string) [][]string {
	slots := nn.ParameterSlots(model.Module)
	var groups [][]string
	for _, group := range tied {
		var names []string
		for _, name := range group {
			name = localName(name, renames)
			if _, found := slots.Get(name); found && !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
		if len(names) > 1 {
			groups = append(groups, names)
		}
	}
	return groups
}

// mapParameters records, for each dense parameter, the parameter now in its slot. Parameters of other pipeline stages
// are not mapped.
func (a *Accelerator) mapParameters(model *nn.Model, cpu *cpuSnapshot, renames map[string]string) {
	slots := nn.ParameterSlots(model.Module)
	for _, name := range cpu.names {
		local := localName(name, renames)
		if model.StageParameters != nil && !model.StageParameters[local] {
			continue
		}
		if device, found := slots.Get(local); found {
			a.parameterMap[cpu.slots[name]] = device
			a.deviceParams[device] = true
		}
	}
}

// synchronizeReplicas makes all data parallel replicas start from the parameters of the first one.
func (a *Accelerator) synchronizeReplicas(ctx context.Context, model *nn.Model) error {
	group := a.ps.DataParallelGroup()
	if len(group) <= 1 {
		return nil
	}
	for _, np := range model.LocalParameters() {
		p := np.Parameter
		if p.IsMeta() {
			continue
		}
		value, err := a.ps.Comm().Broadcast(ctx, group, p.Value, group[0])
		if err != nil {
			return errors.WithMessagef(err, "broadcasting %q to the data parallel replicas", np.Name)
		}
		p.Value = value
	}
	return nil
}
