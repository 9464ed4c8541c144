package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/jpequegn/xqueue-watcher/internal/grader"
)

var gradeChildCmd = &cobra.Command{
	Use:    grader.ChildCommandName,
	Hidden: true,
	Short:  "Internal: grade one submission read from stdin (fork_per_item isolation)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return grader.RunChild(context.Background(), os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(gradeChildCmd)
}
