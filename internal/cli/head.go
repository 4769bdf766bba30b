package cli

import (
	"github.com/spf13/cobra"

	"github.com/quantfold/timedim/internal/store"
)

func newHeadCommand() *cobra.Command {
	var rows int

	cmd := &cobra.Command{
		Use:   "head <store>",
		Short: "Print the first rows of a panel store",
		Long: `Print the first rows of a panel store.

Only the partitions needed to cover the requested rows are read.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHead(cmd, args[0], rows)
		},
	}

	cmd.Flags().IntVarP(&rows, "rows", "n", 10, "number of rows to print")

	return cmd
}

func runHead(cmd *cobra.Command, name string, rows int) error {
	cfg := configFrom(cmd)
	dir, err := resolveStoreDir(cfg, name)
	if err != nil {
		return err
	}
	ds, err := store.Open(dir)
	if err != nil {
		return err
	}
	f, err := ds.Head(cmd.Context(), rows)
	if err != nil {
		return err
	}
	return renderFrame(cmd.OutOrStdout(), f)
}
