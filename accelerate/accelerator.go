// Package accelerate prepares models, optimizers and data loaders for training on a (pipeline, data, tensor) mesh.
//
// A training script builds the dense model and its optimizer as for a single device, then hands them to the
// Accelerator:
//
//	acc, err := accelerate.New(ps, config)
//	model, err = acc.PrepareModel(ctx, model)
//	opt, err := acc.PrepareOptimizer(optim.NewLazy(optim.NewAdamW, optim.GroupOf(denseParams), nil))
//	loader, err := acc.PrepareDataLoader(loader)
//
// PrepareModel parallelizes the model (when tensor or pipeline parallelism is configured) and moves it to the
// device. PrepareOptimizer retargets the optimizer to the parameters that resulted, optionally wrapping it in
// ZeRO stage 1. SaveState writes checkpoints that checkpoint.ConsolidateModelParallelCheckpoints can merge back.
package accelerate

import (
	"github.com/gomlx/shardtrain/data"
	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultDevice is the device parameters are placed on when the accelerator is available.
const DefaultDevice = "xla"

// Capabilities describes the hardware the accelerator runs on.
type Capabilities struct {
	// Device is the name of the device parameters are placed on.
	Device string

	// DeviceAvailable reports whether Device can be used. If nil the device is assumed available.
	DeviceAvailable func() bool
}

// Accelerator holds the training configuration of one rank and the objects it prepared.
type Accelerator struct {
	ps           *distributed.ParallelState
	config       *Config
	capabilities Capabilities

	models      []*nn.Model
	modelStates map[*nn.Model][]ModelState

	// parameterMap maps the parameters of the dense models to the parameters that replaced them.
	parameterMap map[*nn.Parameter]*nn.Parameter
	deviceParams map[*nn.Parameter]bool

	optimizers []*AcceleratedOptimizer
	loaders    []*data.Loader

	step          int
	syncGradients bool

	saveIteration int
	pendingSaves  []pendingSave
}

// New creates the Accelerator of the rank of ps. A nil config uses DefaultConfig.
//
// The tensor and pipeline parallel sizes of config must match the ones of ps.
func New(ps *distributed.ParallelState, config *Config) (*Accelerator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if ps.TensorParallelSize() != config.TensorParallelSize || ps.PipelineParallelSize() != config.PipelineParallelSize {
		return nil, errors.Wrapf(ErrConfiguration,
			"parallel state has tensor/pipeline parallel sizes %d/%d, the configuration asks for %d/%d",
			ps.TensorParallelSize(), ps.PipelineParallelSize(), config.TensorParallelSize, config.PipelineParallelSize)
	}
	if config.Zero1 {
		if _, err := config.OptimizerDType(); err != nil {
			return nil, err
		}
	}
	a := &Accelerator{
		ps:            ps,
		config:        config,
		capabilities:  Capabilities{Device: DefaultDevice},
		modelStates:   make(map[*nn.Model][]ModelState),
		parameterMap:  make(map[*nn.Parameter]*nn.Parameter),
		deviceParams:  make(map[*nn.Parameter]bool),
		syncGradients: true,
	}
	if ps.IsMainProcess() {
		klog.V(1).Infof("accelerator created on %s", ps)
	}
	return a, nil
}

// WithCapabilities sets the hardware capabilities. It returns the Accelerator itself, to chain with New.
func (a *Accelerator) WithCapabilities(capabilities Capabilities) *Accelerator {
	if capabilities.Device == "" {
		capabilities.Device = DefaultDevice
	}
	a.capabilities = capabilities
	return a
}

// Device returns the device parameters are placed on: "cpu" if the configured device is not available.
func (a *Accelerator) Device() string {
	if a.capabilities.DeviceAvailable != nil && !a.capabilities.DeviceAvailable() {
		return "cpu"
	}
	return a.capabilities.Device
}

// Config returns the configuration. It shouldn't be modified.
func (a *Accelerator) Config() *Config { return a.config }

// ParallelState returns the position of this rank in the mesh.
func (a *Accelerator) ParallelState() *distributed.ParallelState { return a.ps }

// IsMainProcess returns whether this is global rank 0.
func (a *Accelerator) IsMainProcess() bool { return a.ps.IsMainProcess() }

// DeviceParameter returns the parameter that replaced p during PrepareModel.
func (a *Accelerator) DeviceParameter(p *nn.Parameter) (*nn.Parameter, bool) {
	device, found := a.parameterMap[p]
	return device, found
}

// Models returns the prepared models.
func (a *Accelerator) Models() []*nn.Model { return a.models }

// Optimizers returns the prepared optimizers.
func (a *Accelerator) Optimizers() []*AcceleratedOptimizer { return a.optimizers }
