// Package cmd provides the command-line interface of cpring.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand creates the cpring command with all its subcommands.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cpring",
		Short: "cpring drives a GPU command ring and recovers it from hangs.",
		Long: `cpring submits command buffers from several contexts to a ` +
			`single command ring, detects when the GPU stops making progress ` +
			`and replays the work of the contexts that did not cause the hang. ` +
			`It runs against a simulated command processor.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newSimulateCommand())
	rootCmd.AddCommand(newInspectCommand())

	return rootCmd
}

// Execute runs the root command with the process arguments.
func Execute() {
	err := NewRootCommand().Execute()
	if err != nil {
		os.Exit(1)
	}
}
