package accelerate

import (
	"encoding/json"
	"os"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is returned (wrapped) for invalid or unsupported configurations.
	ErrConfiguration = errors.New("invalid accelerator configuration")

	// ErrCheckpointExists is returned by SaveState when automatic checkpoint naming would overwrite a checkpoint.
	ErrCheckpointExists = errors.New("checkpoint directory already exists")

	// ErrParameterMismatch is returned by PrepareModel when parallelization changed the set of parameter names: it
	// signals a bug in the parallelization plan of the model.
	ErrParameterMismatch = errors.New("parameters changed during parallelization")
)

// Mixed precision modes.
const (
	MixedPrecisionNo   = "no"
	MixedPrecisionBF16 = "bf16"
	MixedPrecisionFP16 = "fp16"
)

// Config configures the Accelerator.
type Config struct {
	TensorParallelSize   int `json:"tensor_parallel_size"`
	PipelineParallelSize int `json:"pipeline_parallel_size"`

	// KVSizeMultiplier is the number of times each key/value head is replicated for grouped query attention. If 0 it
	// is derived from the tensor parallel size and the number of key/value heads.
	KVSizeMultiplier int  `json:"kv_size_multiplier,omitempty"`
	FuseQKV          bool `json:"fuse_qkv"`
	SequenceParallel bool `json:"sequence_parallel_enabled"`

	// Checkpointing of model parallel runs, see checkpoint.SaveOptions.
	UseXser              bool `json:"use_xser"`
	AsyncSave            bool `json:"async_save"`
	NumLocalRanksPerStep int  `json:"num_local_ranks_per_step,omitempty"`

	// SafeSerialization saves non model parallel checkpoints as safetensors, otherwise in the legacy format.
	SafeSerialization bool `json:"safe_serialization"`

	// Zero1 shards the optimizer state across the data parallel replicas, see optim.Zero1.
	Zero1 bool `json:"zero_1"`

	// MixedPrecision is one of "no", "bf16" or "fp16". ZeRO-1 supports only "no" and "bf16".
	MixedPrecision string `json:"mixed_precision"`

	GradientAccumulationSteps int `json:"gradient_accumulation_steps"`

	// ProjectDir is where checkpoints are saved with AutomaticCheckpointNaming, under "checkpoints/checkpoint_<i>".
	ProjectDir                string `json:"project_dir,omitempty"`
	AutomaticCheckpointNaming bool   `json:"automatic_checkpoint_naming"`

	// TotalLimit is the maximum number of checkpoints kept with AutomaticCheckpointNaming, 0 for no limit.
	TotalLimit int `json:"total_limit,omitempty"`

	// FSDP (fully sharded data parallel) is not supported, it is only accepted to report a clear error.
	FSDP bool `json:"fsdp,omitempty"`
}

// DefaultConfig returns the configuration of a plain data parallel run.
func DefaultConfig() *Config {
	return &Config{
		TensorParallelSize:        1,
		PipelineParallelSize:      1,
		SafeSerialization:         true,
		MixedPrecision:            MixedPrecisionNo,
		GradientAccumulationSteps: 1,
	}
}

// LoadConfig reads a JSON configuration: fields absent from the file keep the values of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading accelerator configuration")
	}
	config := DefaultConfig()
	if err = json.Unmarshal(contents, config); err != nil {
		return nil, errors.Wrapf(err, "parsing accelerator configuration %q", path)
	}
	if err = config.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "accelerator configuration %q", path)
	}
	return config, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.TensorParallelSize < 1 || c.PipelineParallelSize < 1 {
		return errors.Wrapf(ErrConfiguration, "tensor (%d) and pipeline (%d) parallel sizes must be at least 1",
			c.TensorParallelSize, c.PipelineParallelSize)
	}
	if c.KVSizeMultiplier < 0 {
		return errors.Wrapf(ErrConfiguration, "negative kv_size_multiplier %d", c.KVSizeMultiplier)
	}
	if c.GradientAccumulationSteps < 1 {
		return errors.Wrapf(ErrConfiguration, "gradient_accumulation_steps must be at least 1, got %d",
			c.GradientAccumulationSteps)
	}
	switch c.MixedPrecision {
	case MixedPrecisionNo, MixedPrecisionBF16, MixedPrecisionFP16:
	default:
		return errors.Wrapf(ErrConfiguration, "unknown mixed precision %q", c.MixedPrecision)
	}
	if c.FSDP {
		return errors.Wrapf(ErrConfiguration, "fully sharded data parallelism (FSDP) is not supported")
	}
	if c.SequenceParallel && c.TensorParallelSize == 1 {
		return errors.Wrapf(ErrConfiguration, "sequence parallelism requires tensor parallelism")
	}
	if c.AutomaticCheckpointNaming && c.ProjectDir == "" {
		return errors.Wrapf(ErrConfiguration, "automatic checkpoint naming requires a project directory")
	}
	if c.TotalLimit < 0 {
		return errors.Wrapf(ErrConfiguration, "negative total_limit %d", c.TotalLimit)
	}
	return nil
}

// ModelParallel returns whether tensor or pipeline parallelism is enabled.
func (c *Config) ModelParallel() bool {
	return c.TensorParallelSize > 1 || c.PipelineParallelSize > 1
}

// OptimizerDType returns the dtype of the ZeRO-1 optimizer for the mixed precision mode.
func (c *Config) OptimizerDType() (dtypes.DType, error) {
	switch c.MixedPrecision {
	case MixedPrecisionNo:
		return dtypes.Float32, nil
	case MixedPrecisionBF16:
		return dtypes.BFloat16, nil
	}
	return dtypes.InvalidDType, errors.Wrapf(ErrConfiguration, "the precision %q is not supported for ZeRO stage 1",
		c.MixedPrecision)
}
