package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/vault713/grinbox/app/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print grinbox version and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runVersionCmd(cmd.OutOrStdout())

			return nil
		},
	}
}

func runVersionCmd(w io.Writer) {
	hash, timestamp := version.GitCommit()
	fmt.Fprintf(w, "grinbox version %s\n", version.Version)
	fmt.Fprintf(w, "git commit: %s (%s)\n", hash, timestamp)
}
