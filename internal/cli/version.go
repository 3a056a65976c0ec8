package cmd

import (
	"fmt"

	"github.com/rohmanhakim/harvester/internal/build"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the harvester version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), build.String())
	},
}

// RootCommand exposes the command tree, e.g. for tests driving it with args.
func RootCommand() *cobra.Command {
	return rootCmd
}
