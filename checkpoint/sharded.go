package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/shardtrain/distributed"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Layout of a model parallel checkpoint, relative to the checkpoint directory.
const (
	ShardsDirName          = "shards"
	ModelShardsDirName     = "model"
	OptimizerShardsDirName = "optim"

	// DirPermMode is the permission used when creating checkpoint directories.
	DirPermMode = 0755

	xserSuffix       = ".xser"
	xserTensorsDir   = ".tensors"
	safetensorsExt   = ".safetensors"
	defaultMaxWrites = 4
)

// ShardStem returns the file name, without extension, of the shard of the given ranks.
func ShardStem(dpRank, tpRank, ppRank int) string {
	return fmt.Sprintf("dp_rank_%02d_tp_rank_%02d_pp_rank_%02d", dpRank, tpRank, ppRank)
}

// ParseShardStem is the inverse of ShardStem. It accepts file names with extensions.
func ParseShardStem(fileName string) (dpRank, tpRank, ppRank int, err error) {
	stem := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(fileName), safetensorsExt), xserSuffix)
	if _, err = fmt.Sscanf(stem, "dp_rank_%d_tp_rank_%d_pp_rank_%d", &dpRank, &tpRank, &ppRank); err != nil {
		return 0, 0, 0, errors.Wrapf(err, "%q is not a shard file name", fileName)
	}
	return
}

// SaveOptions configures how the ranks write their shards.
type SaveOptions struct {
	// UseXser writes each tensor of a shard to its own file, under "<stem>.xser.tensors/", with "<stem>.xser" listing
	// them. It keeps the memory used by a write to one tensor.
	UseXser bool

	// AsyncSave makes the save return as soon as the values are snapshot: files are written in the background, and
	// PendingSave.Wait reports when they are done.
	AsyncSave bool

	// NumLocalRanksPerStep limits how many ranks write at the same time: ranks write in waves separated by barriers.
	// 0 means all ranks at once. It is ignored with AsyncSave.
	NumLocalRanksPerStep int

	// MaxConcurrentWrites bounds the number of tensor files written concurrently with UseXser. Defaults to 4.
	MaxConcurrentWrites int
}

// PendingSave tracks the writes of a save.
type PendingSave struct {
	group *errgroup.Group
}

// Wait blocks until all writes are done, and returns the first error.
func (p *PendingSave) Wait() error {
	if p == nil || p.group == nil {
		return nil
	}
	return p.group.Wait()
}

// SaveShard writes the state dict of this rank to "<dir>/shards/<kind>/<stem>", where kind is ModelShardsDirName or
// OptimizerShardsDirName.
//
// All ranks must call it, since it synchronizes with barriers. For model shards only the ranks of the first
// data parallel replica write, since the others hold the same values.
func SaveShard(ctx context.Context, ps *distributed.ParallelState, dir, kind string, sd *StateDict, opts SaveOptions) (*PendingSave, error) {
	shardDir := filepath.Join(dir, ShardsDirName, kind)
	writes := kind != ModelShardsDirName || ps.DataParallelRank() == 0
	if writes {
		if err := os.MkdirAll(shardDir, DirPermMode); err != nil {
			return nil, errors.Wrapf(err, "creating shards directory")
		}
	}
	path := filepath.Join(shardDir, ShardStem(ps.DataParallelRank(), ps.TensorParallelRank(), ps.PipelineParallelRank()))
	write := func() error {
		if !writes {
			return nil
		}
		if opts.UseXser {
			return writeXser(path+xserSuffix, sd, opts.MaxConcurrentWrites)
		}
		return SaveSafetensors(path+safetensorsExt, sd, nil)
	}

	if opts.AsyncSave {
		snapshot := NewStateDict()
		for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
			snapshot.Set(pair.Key, pair.Value.Clone())
		}
		sd = snapshot
		pending := &PendingSave{group: new(errgroup.Group)}
		pending.group.Go(write)
		return pending, nil
	}

	perStep := opts.NumLocalRanksPerStep
	if perStep <= 0 || perStep > ps.WorldSize() {
		perStep = ps.WorldSize()
	}
	numWaves := (ps.WorldSize() + perStep - 1) / perStep
	myWave := ps.Rank() / perStep
	for wave := 0; wave < numWaves; wave++ {
		if wave == myWave {
			klog.V(1).Infof("rank %d writing %s shard %q", ps.Rank(), kind, path)
			if err := write(); err != nil {
				return nil, err
			}
		}
		if err := ps.Barrier(ctx); err != nil {
			return nil, errors.WithMessagef(err, "waiting for the ranks saving %s shards", kind)
		}
	}
	return &PendingSave{}, nil
}

// SaveShardMetadata writes the manifest of this rank's pipeline stage. Only the first rank of each stage writes it.
func SaveShardMetadata(ps *distributed.ParallelState, dir string, md *Metadata) error {
	if ps.TensorParallelRank() != 0 || ps.DataParallelRank() != 0 {
		return nil
	}
	shardsDir := filepath.Join(dir, ShardsDirName)
	if err := os.MkdirAll(shardsDir, DirPermMode); err != nil {
		return errors.Wrapf(err, "creating shards directory")
	}
	return WriteMetadata(filepath.Join(shardsDir, MetadataFileName(ps.PipelineParallelRank())), md)
}

// xserEntry is one tensor listed in a ".xser" file.
type xserEntry struct {
	Name string `json:"name"`
	File string `json:"file"`
}

func writeXser(path string, sd *StateDict, maxWrites int) error {
	tensorsDir := path + xserTensorsDir
	if err := os.MkdirAll(tensorsDir, DirPermMode); err != nil {
		return errors.Wrapf(err, "creating tensors directory")
	}
	if maxWrites <= 0 {
		maxWrites = defaultMaxWrites
	}
	var entries []xserEntry
	g := new(errgroup.Group)
	g.SetLimit(maxWrites)
	idx := 0
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		file := fmt.Sprintf("tensor_%d%s", idx, safetensorsExt)
		idx++
		entries = append(entries, xserEntry{Name: pair.Key, File: file})
		single := NewStateDict()
		single.Set(pair.Key, pair.Value)
		g.Go(func() error {
			return SaveSafetensors(filepath.Join(tensorsDir, file), single, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %q", path)
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "writing %q", path)
}

func readXser(path string) (*StateDict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading xser shard")
	}
	var entries []xserEntry
	if err = json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrapf(err, "parsing %q", path)
	}
	sd := NewStateDict()
	for _, entry := range entries {
		st, err := OpenSafetensors(filepath.Join(path+xserTensorsDir, entry.File))
		if err != nil {
			return nil, err
		}
		t, err := st.Load(entry.Name)
		if err != nil {
			return nil, err
		}
		sd.Set(entry.Name, t)
	}
	return sd, nil
}

// LoadShard reads a shard file written by SaveShard, in either layout.
func LoadShard(path string) (*StateDict, error) {
	if strings.HasSuffix(path, xserSuffix) {
		return readXser(path)
	}
	return LoadSafetensors(path)
}

// ShardFile is one shard found in a checkpoint.
type ShardFile struct {
	Path                   string
	DPRank, TPRank, PPRank int
}

// ListShards returns the shards of the given kind in a checkpoint directory (or its "shards" sub-directory), sorted
// by pipeline, data and tensor parallel ranks.
func ListShards(dir, kind string) ([]ShardFile, error) {
	shardsDir := ResolveShardsDir(dir)
	entries, err := os.ReadDir(filepath.Join(shardsDir, kind))
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s shards of %q", kind, dir)
	}
	var shards []ShardFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, safetensorsExt) || strings.HasSuffix(name, xserSuffix)) {
			continue
		}
		dp, tp, pp, err := ParseShardStem(name)
		if err != nil {
			klog.Warningf("ignoring unexpected file %q in %q", name, shardsDir)
			continue
		}
		shards = append(shards, ShardFile{Path: filepath.Join(shardsDir, kind, name), DPRank: dp, TPRank: tp, PPRank: pp})
	}
	if len(shards) == 0 {
		return nil, errors.Errorf("no %s shards found in %q", kind, dir)
	}
	slices.SortFunc(shards, func(a, b ShardFile) int {
		if a.PPRank != b.PPRank {
			return a.PPRank - b.PPRank
		}
		if a.DPRank != b.DPRank {
			return a.DPRank - b.DPRank
		}
		return a.TPRank - b.TPRank
	})
	return shards, nil
}

// ResolveShardsDir returns dir/shards if it exists, dir otherwise.
func ResolveShardsDir(dir string) string {
	candidate := filepath.Join(dir, ShardsDirName)
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate
	}
	return dir
}
