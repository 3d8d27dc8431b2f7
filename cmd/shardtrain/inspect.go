package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "Show the manifest and the shards of a model parallel checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
}

// InspectHandler prints the parallel layout of the checkpoint in args[0].
func InspectHandler(cmd *cobra.Command, args []string) error {
	return inspect(cmd.OutOrStdout(), args[0])
}

func inspect(w io.Writer, dir string) error {
	modelShards, err := checkpoint.ListShards(dir, checkpoint.ModelShardsDirName)
	if err != nil {
		return err
	}
	optimShards, err := checkpoint.ListShards(dir, checkpoint.OptimizerShardsDirName)
	if err != nil {
		klog.V(1).Infof("no optimizer shards: %v", err)
		optimShards = nil
	}

	var stages []int
	for _, shard := range modelShards {
		if !slices.Contains(stages, shard.PPRank) {
			stages = append(stages, shard.PPRank)
		}
	}
	shardsDir := checkpoint.ResolveShardsDir(dir)
	for _, stage := range stages {
		md, err := checkpoint.ReadMetadata(filepath.Join(shardsDir, checkpoint.MetadataFileName(stage)))
		if err != nil {
			klog.Warningf("pipeline stage %d: %v", stage, err)
			continue
		}
		fmt.Fprintf(w, "Stage %d: tp=%d pp=%d dp=%d checkpoint %s\n", stage,
			md.TensorParallelSize, md.PipelineParallelSize, md.DataParallelSize, md.CheckpointID)
		if md.GQA != nil {
			fmt.Fprintf(w, "Grouped query attention: %d query heads, %d key/value heads, kv size multiplier %d, fused %v\n",
				md.GQA.NumAttentionHeads, md.GQA.NumKeyValueHeads, md.GQA.KVSizeMultiplier, md.GQA.FuseQKV)
		}
		names := make([]string, 0, len(md.Parameters))
		for name := range md.Parameters {
			names = append(names, name)
		}
		slices.Sort(names)
		var data [][]string
		for _, name := range names {
			pm := md.Parameters[name]
			data = append(data, []string{name, string(pm.Kind), strconv.Itoa(pm.PartitionDim), strconv.Itoa(pm.Stride())})
		}
		renderTable(w, []string{"PARAMETER", "KIND", "DIM", "STRIDE"}, data)
		fmt.Fprintln(w)
	}

	var data [][]string
	for _, group := range []struct {
		kind   string
		shards []checkpoint.ShardFile
	}{{checkpoint.ModelShardsDirName, modelShards}, {checkpoint.OptimizerShardsDirName, optimShards}} {
		for _, shard := range group.shards {
			size := "-"
			if info, err := os.Stat(shard.Path); err == nil && !info.IsDir() {
				size = humanize.Bytes(uint64(info.Size()))
			}
			data = append(data, []string{group.kind, strconv.Itoa(shard.DPRank), strconv.Itoa(shard.TPRank),
				strconv.Itoa(shard.PPRank), filepath.Base(shard.Path), size})
		}
	}
	renderTable(w, []string{"KIND", "DP", "TP", "PP", "FILE", "SIZE"}, data)
	return nil
}

func renderTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
