// shardtrain works with the checkpoints of model parallel training runs.
//
//	shardtrain inspect CHECKPOINT
//	shardtrain consolidate CHECKPOINT OUTPUT [--format=safetensors|legacy] [--max-shard-size=5GB]
package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	goFlags := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	klog.InitFlags(goFlags)
	if err := NewCLI(goFlags).Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

// NewCLI creates the root command. goFlags, if not nil, are added as persistent flags (the klog flags).
func NewCLI(goFlags *flag.FlagSet) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "shardtrain",
		Short:         "Inspect and consolidate model parallel checkpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	if goFlags != nil {
		rootCmd.PersistentFlags().AddGoFlagSet(goFlags)
	}
	rootCmd.AddCommand(newConsolidateCmd(), newInspectCmd())
	return rootCmd
}
