package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Populated via -ldflags at build time
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "converge %s (git: %s)\n", Version, GitCommit)
			return nil
		},
	}
}
