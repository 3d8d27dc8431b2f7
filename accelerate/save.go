package accelerate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// CheckpointsDirName is the directory, under Config.ProjectDir, of the automatically named checkpoints.
	CheckpointsDirName = "checkpoints"

	// StateFileName holds the accelerator's progress, saved next to the model and optimizer files.
	StateFileName = "accelerator_state.json"

	// OptimizerFileName holds the state of the optimizer of non model parallel runs.
	OptimizerFileName = "optimizer.bin"

	checkpointPrefix = "checkpoint_"
)

// State is the progress of the accelerator saved with a checkpoint.
type State struct {
	CheckpointID  string  `json:"checkpoint_id"`
	Step          int     `json:"step"`
	SaveIteration int     `json:"save_iteration"`
	Config        *Config `json:"config"`
}

type pendingSave struct {
	dir     string
	pending []*checkpoint.PendingSave
}

// SetSaveIteration sets the index of the next automatically named checkpoint, e.g. when resuming a run.
func (a *Accelerator) SetSaveIteration(iteration int) { a.saveIteration = iteration }

// SaveState saves the prepared models and optimizers and the accelerator's progress, and returns the checkpoint
// directory. All ranks must call it.
//
// With Config.AutomaticCheckpointNaming, outputDir is ignored and the checkpoint is saved to
// "<ProjectDir>/checkpoints/checkpoint_<i>", keeping at most Config.TotalLimit checkpoints: it fails with
// ErrCheckpointExists rather than overwrite a checkpoint.
//
// Under model parallelism each rank writes its shards and the first rank of each pipeline stage the stage's manifest,
// see checkpoint.SaveShard; checkpoint.ConsolidateModelParallelCheckpoints merges them back. Otherwise the main
// process writes the model (model.safetensors, or model.bin without Config.SafeSerialization) and optimizer.bin,
// except for ZeRO-1 optimizers whose shards are written by every rank.
//
// With Config.AsyncSave the function returns once the values are snapshot, and WaitSaves waits for the writes.
func (a *Accelerator) SaveState(ctx context.Context, outputDir string) (string, error) {
	if a.config.AutomaticCheckpointNaming {
		var err error
		if outputDir, err = a.nextCheckpointDir(ctx); err != nil {
			return "", err
		}
	}
	if outputDir == "" {
		return "", errors.New("no output directory given to save the state")
	}
	var err error
	if a.ps.IsMainProcess() {
		err = errors.Wrapf(os.MkdirAll(outputDir, checkpoint.DirPermMode), "creating checkpoint directory %q", outputDir)
	}
	if err = a.shareOutcome(ctx, err); err != nil {
		return "", err
	}
	id, err := a.checkpointID(ctx)
	if err != nil {
		return "", err
	}
	klog.Infof("rank %d: saving state to %q", a.ps.Rank(), outputDir)

	var pending []*checkpoint.PendingSave
	if a.ps.ModelParallel() {
		pending, err = a.saveShards(ctx, outputDir, id)
	} else {
		pending, err = a.saveUnsharded(ctx, outputDir)
	}
	if err == nil && a.ps.IsMainProcess() {
		state := State{CheckpointID: id, Step: a.step, SaveIteration: a.saveIteration, Config: a.config}
		err = writeJSON(filepath.Join(outputDir, StateFileName), state)
	}
	// Without AsyncSave this also waits for the writes of all ranks.
	if err = a.shareOutcome(ctx, err); err != nil {
		return "", errors.WithMessagef(err, "saving state to %q", outputDir)
	}
	if a.config.AsyncSave {
		a.pendingSaves = append(a.pendingSaves, pendingSave{dir: outputDir, pending: pending})
	}
	if a.config.AutomaticCheckpointNaming {
		a.saveIteration++
	}
	return outputDir, nil
}

// WaitSaves waits for the writes of the asynchronous saves of this rank.
func (a *Accelerator) WaitSaves() error {
	saves := a.pendingSaves
	a.pendingSaves = nil
	for _, save := range saves {
		for _, p := range save.pending {
			if err := p.Wait(); err != nil {
				return errors.WithMessagef(err, "saving state to %q", save.dir)
			}
		}
		klog.V(1).Infof("rank %d: state saved to %q", a.ps.Rank(), save.dir)
	}
	return nil
}

// checkpointID returns an id shared by all the ranks, created by the main process.
func (a *Accelerator) checkpointID(ctx context.Context) (string, error) {
	var id string
	if a.ps.IsMainProcess() {
		id = uuid.NewString()
	}
	ids, err := a.ps.Comm().GatherObjects(ctx, a.ps.WorldGroup(), id)
	if err != nil {
		return "", errors.WithMessage(err, "sharing the checkpoint id")
	}
	return ids[0].(string), nil
}

// shareOutcome is called by all ranks after a step that may fail on some of them: it returns err, or else the error of
// the first rank that failed, so that no rank goes on to wait for the failed ones.
func (a *Accelerator) shareOutcome(ctx context.Context, err error) error {
	var message string
	if err != nil {
		message = err.Error()
	}
	group := a.ps.WorldGroup()
	messages, gatherErr := a.ps.Comm().GatherObjects(ctx, group, message)
	if err != nil {
		return err
	}
	if gatherErr != nil {
		return gatherErr
	}
	for i, m := range messages {
		if m.(string) != "" {
			return errors.Errorf("rank %d failed: %s", group[i], m)
		}
	}
	return nil
}

// nextCheckpointDir prunes the automatically named checkpoints to leave room for a new one under Config.TotalLimit,
// and returns the directory of the new one.
func (a *Accelerator) nextCheckpointDir(ctx context.Context) (string, error) {
	baseDir := filepath.Join(a.config.ProjectDir, CheckpointsDirName)
	dir := filepath.Join(baseDir, fmt.Sprintf("%s%d", checkpointPrefix, a.saveIteration))
	var (
		exists   bool
		pruneErr error
	)
	if a.ps.IsMainProcess() {
		if _, err := os.Stat(dir); err == nil {
			exists = true
		} else {
			pruneErr = pruneCheckpoints(baseDir, a.config.TotalLimit)
		}
	}
	if err := a.shareOutcome(ctx, pruneErr); err != nil {
		return "", err
	}
	// Ranks follow the main process, which may create the directory right after.
	decisions, err := a.ps.Comm().GatherObjects(ctx, a.ps.WorldGroup(), exists)
	if err != nil {
		return "", err
	}
	if decisions[0].(bool) {
		return "", errors.Wrapf(ErrCheckpointExists,
			"%q, use SetSaveIteration to continue the numbering of the existing checkpoints", dir)
	}
	return dir, nil
}

// pruneCheckpoints deletes the oldest automatically named checkpoints, leaving room for a new one under limit. A
// limit of 0 keeps them all.
func pruneCheckpoints(baseDir string, limit int) error {
	if limit <= 0 {
		return nil
	}
	existing, err := listCheckpoints(baseDir)
	if err != nil {
		return err
	}
	if excess := len(existing) + 1 - limit; excess > 0 {
		for _, dir := range existing[:min(excess, len(existing))] {
			klog.Warningf("deleting checkpoint %q to keep at most %d checkpoints", dir, limit)
			if err = os.RemoveAll(dir); err != nil {
				return errors.Wrapf(err, "deleting old checkpoint")
			}
		}
	}
	return nil
}

// listCheckpoints returns the automatically named checkpoints in baseDir, oldest first.
func listCheckpoints(baseDir string) ([]string, error) {
	entries, err := os.ReadDir(baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listing checkpoints")
	}
	type numbered struct {
		dir string
		n   int
	}
	var found []numbered
	for _, entry := range entries {
		suffix, ok := strings.CutPrefix(entry.Name(), checkpointPrefix)
		if !entry.IsDir() || !ok {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		found = append(found, numbered{filepath.Join(baseDir, entry.Name()), n})
	}
	slices.SortFunc(found, func(a, b numbered) int { return a.n - b.n })
	dirs := make([]string, len(found))
	for i, f := range found {
		dirs[i] = f.dir
	}
	return dirs, nil
}

func (a *Accelerator) saveOptions() checkpoint.SaveOptions {
	return checkpoint.SaveOptions{
		UseXser:              a.config.UseXser,
		AsyncSave:            a.config.AsyncSave,
		NumLocalRanksPerStep: a.config.NumLocalRanksPerStep,
	}
}

func (a *Accelerator) saveShards(ctx context.Context, dir, id string) ([]*checkpoint.PendingSave, error) {
	if len(a.models) != 1 || len(a.optimizers) > 1 {
		return nil, errors.Errorf("model parallel checkpoints hold one model and at most one optimizer, got %d models and %d optimizers",
			len(a.models), len(a.optimizers))
	}
	model := a.models[0]
	if model.ParallelMetadata == nil {
		return nil, errors.New("model parallel checkpoint of a model that was not parallelized")
	}
	opts := a.saveOptions()
	md := model.ParallelMetadata.Clone()
	md.CheckpointID = id
	if err := checkpoint.SaveShardMetadata(a.ps, dir, md); err != nil {
		return nil, err
	}
	modelSave, err := checkpoint.SaveShard(ctx, a.ps, dir, checkpoint.ModelShardsDirName, model.StateDict(), opts)
	if err != nil {
		return nil, err
	}
	pending := []*checkpoint.PendingSave{modelSave}
	if len(a.optimizers) == 1 {
		optimSave, err := checkpoint.SaveShard(ctx, a.ps, dir, checkpoint.OptimizerShardsDirName, a.optimizers[0].StateDict(), opts)
		if err != nil {
			return nil, err
		}
		pending = append(pending, optimSave)
	}
	return pending, nil
}

// indexedName returns name for the first object, and the name with "_<i>" before the extension for the others.
func indexedName(name string, i int) string {
	if i == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), i, ext)
}

func (a *Accelerator) saveUnsharded(ctx context.Context, dir string) ([]*checkpoint.PendingSave, error) {
	var pending []*checkpoint.PendingSave
	if a.ps.IsMainProcess() {
		for i, model := range a.models {
			sd := model.StateDict()
			var err error
			if a.config.SafeSerialization {
				err = checkpoint.SaveSafetensors(filepath.Join(dir, indexedName(checkpoint.SafetensorsFileName, i)), sd, nil)
			} else {
				err = checkpoint.SaveLegacy(filepath.Join(dir, indexedName(checkpoint.LegacyFileName, i)), sd)
			}
			if err != nil {
				return nil, err
			}
			klog.V(1).Infof("saved model #%d (%s) to %q", i, humanize.Bytes(stateDictBytes(sd)), dir)
		}
	}
	for i, opt := range a.optimizers {
		if a.config.Zero1 {
			save, err := checkpoint.SaveShard(ctx, a.ps, dir, indexedName(checkpoint.OptimizerShardsDirName, i), opt.StateDict(), a.saveOptions())
			if err != nil {
				return nil, err
			}
			pending = append(pending, save)
			continue
		}
		if a.ps.IsMainProcess() {
			if err := checkpoint.SaveLegacy(filepath.Join(dir, indexedName(OptimizerFileName, i)), opt.StateDict()); err != nil {
				return nil, err
			}
		}
	}
	return pending, nil
}

func stateDictBytes(sd *checkpoint.StateDict) uint64 {
	var total uint64
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		total += uint64(pair.Value.Shape().Memory())
	}
	return total
}

func writeJSON(path string, value any) error {
	contents, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %q", path)
	}
	if err = os.WriteFile(path, contents, 0644); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	return nil
}

// LoadState restores the models, optimizers and progress saved by SaveState in dir. All ranks must call it, with the
// same models and optimizers prepared as when saving.
func (a *Accelerator) LoadState(ctx context.Context, dir string) error {
	contents, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if err != nil {
		return errors.Wrapf(err, "reading accelerator state")
	}
	var state State
	if err = json.Unmarshal(contents, &state); err != nil {
		return errors.Wrapf(err, "parsing %q", filepath.Join(dir, StateFileName))
	}
	if a.ps.ModelParallel() {
		err = a.loadShards(dir)
	} else {
		err = a.loadUnsharded(dir)
	}
	if err != nil {
		return errors.WithMessagef(err, "loading state from %q", dir)
	}
	a.step = state.Step
	a.saveIteration = state.SaveIteration
	if a.config.AutomaticCheckpointNaming {
		a.saveIteration++
	}
	return a.ps.Barrier(ctx)
}

// shardPath returns the path of this rank's shard of the given kind, in either layout.
func (a *Accelerator) shardPath(dir, kind string, dpRank int) (string, error) {
	shards, err := checkpoint.ListShards(dir, kind)
	if err != nil {
		return "", err
	}
	for _, shard := range shards {
		if shard.DPRank == dpRank && shard.TPRank == a.ps.TensorParallelRank() && shard.PPRank == a.ps.PipelineParallelRank() {
			return shard.Path, nil
		}
	}
	return "", errors.Errorf("no %s shard for dp/tp/pp ranks %d/%d/%d in %q", kind, dpRank,
		a.ps.TensorParallelRank(), a.ps.PipelineParallelRank(), dir)
}

func (a *Accelerator) loadShards(dir string) error {
	if len(a.models) != 1 || len(a.optimizers) > 1 {
		return errors.Errorf("model parallel checkpoints hold one model and at most one optimizer, got %d models and %d optimizers",
			len(a.models), len(a.optimizers))
	}
	// Model shards are only written by the first data parallel replica.
	path, err := a.shardPath(dir, checkpoint.ModelShardsDirName, 0)
	if err != nil {
		return err
	}
	sd, err := checkpoint.LoadShard(path)
	if err != nil {
		return err
	}
	if err = a.models[0].LoadStateDict(sd); err != nil {
		return err
	}
	if len(a.optimizers) == 0 {
		return nil
	}
	if path, err = a.shardPath(dir, checkpoint.OptimizerShardsDirName, a.ps.DataParallelRank()); err != nil {
		return err
	}
	if sd, err = checkpoint.LoadShard(path); err != nil {
		return err
	}
	return a.optimizers[0].LoadStateDict(sd)
}

func (a *Accelerator) loadUnsharded(dir string) error {
	for i, model := range a.models {
		var (
			sd  *checkpoint.StateDict
			err error
		)
		if a.config.SafeSerialization {
			sd, err = checkpoint.LoadSafetensors(filepath.Join(dir, indexedName(checkpoint.SafetensorsFileName, i)))
		} else {
			sd, err = checkpoint.LoadLegacy(filepath.Join(dir, indexedName(checkpoint.LegacyFileName, i)))
		}
		if err != nil {
			return err
		}
		if err = model.LoadStateDict(sd); err != nil {
			return err
		}
	}
	for i, opt := range a.optimizers {
		var (
			sd  *checkpoint.StateDict
			err error
		)
		if a.config.Zero1 {
			var path string
			if path, err = a.shardPath(dir, indexedName(checkpoint.OptimizerShardsDirName, i), a.ps.DataParallelRank()); err == nil {
				sd, err = checkpoint.LoadShard(path)
			}
		} else {
			sd, err = checkpoint.LoadLegacy(filepath.Join(dir, indexedName(OptimizerFileName, i)))
		}
		if err != nil {
			return err
		}
		if err = opt.LoadStateDict(sd); err != nil {
			return err
		}
	}
	return nil
}
