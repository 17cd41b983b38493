// Package cli wires the engine together behind a cobra command tree.
package cli

import (
	goflag "flag"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// RootOptions holds flags shared by all commands.
type RootOptions struct {
	// Yes answers every confirmation prompt, for unattended runs.
	Yes bool
}

// NewRootCommand builds the chainbench command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "chainbench",
		Short:         "Benchmark Bitcoin Core revisions against timed workloads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)
	cmd.PersistentFlags().BoolVarP(&opts.Yes, "yes", "y", false,
		"answer yes to every confirmation prompt")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
