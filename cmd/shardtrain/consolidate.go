package main

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newConsolidateCmd() *cobra.Command {
	consolidateCmd := &cobra.Command{
		Use:   "consolidate CHECKPOINT OUTPUT",
		Short: "Merge the shards of a model parallel checkpoint into a single checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE:  ConsolidateHandler,
	}
	consolidateCmd.Flags().String("format", string(checkpoint.FormatSafetensors), "Output format: safetensors or legacy")
	consolidateCmd.Flags().String("max-shard-size", "", "Split the safetensors output in files of at most this size (e.g. 5GB)")
	consolidateCmd.Flags().Bool("progress", true, "Show a progress bar while reading the shards")
	return consolidateCmd
}

// ConsolidateHandler consolidates the checkpoint in args[0] into args[1].
func ConsolidateHandler(cmd *cobra.Command, args []string) error {
	formatName, _ := cmd.Flags().GetString("format")
	format, err := checkpoint.ParseFormat(formatName)
	if err != nil {
		return err
	}
	sizeFlag, _ := cmd.Flags().GetString("max-shard-size")
	maxShardSize, err := parseSize(sizeFlag)
	if err != nil {
		return err
	}
	showProgress, _ := cmd.Flags().GetBool("progress")

	var (
		bar      *progressbar.ProgressBar
		progress func(done, total int)
	)
	if showProgress {
		progress = func(done, total int) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
					progressbar.OptionSetDescription("reading shards"),
					progressbar.OptionShowCount(),
					progressbar.OptionSetTheme(progressbar.ThemeUnicode),
				)
			}
			_ = bar.Set(done)
		}
	}
	sd, err := checkpoint.ConsolidateModelParallelCheckpointsWithProgress(args[0], progress)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}
	klog.Infof("consolidated %d parameters from %q", sd.Len(), args[0])
	return checkpoint.SaveUnified(args[1], sd, format, maxShardSize)
}

// parseSize parses sizes like "500MB" or "5GiB", an empty string is 0.
func parseSize(size string) (uint64, error) {
	if size == "" {
		return 0, nil
	}
	bytes, err := humanize.ParseBytes(size)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", size)
	}
	return bytes, nil
}
