// Package cmd is zygos' command tree, laid out the way the teacher CLI
// lays out its own root command: a SilenceErrors/SilenceUsage cobra.Command
// with subcommands doing the real work, and a single Execute entrypoint that
// prints errors and maps them to a process exit code.
package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ix-project/zygos/printer"
	"github.com/ix-project/zygos/util"
)

var rootCmd = &cobra.Command{
	Use:           "zygos",
	Short:         "A kernel-bypass TCP dataplane event-plane server.",
	Long:          "zygos runs the per-CPU CCB/ready-queue/event-plane dataplane described in this repository's spec.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the command tree, printing any returned error and exiting
// with its util.ExitError code (or 1 for any other error).
func Execute() {
	if cmd, err := rootCmd.ExecuteC(); err != nil {
		cmd.Println(cmd.UsageString())

		exitCode := 1
		var exitErr util.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode
		}
		printer.Stderr.Errorf("%s\n", err)
		os.Exit(exitCode)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
