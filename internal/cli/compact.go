package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantfold/timedim/internal/store"
)

func newCompactCommand() *cobra.Command {
	var targetRows int64

	cmd := &cobra.Command{
		Use:   "compact <store>",
		Short: "Consolidate small chunks toward a target row count",
		Long: `Consolidate adjacent small chunks into chunks of roughly the target
row count, keeping row order. Chunks at or above the target pass
through unchanged. The manifest is rewritten last.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(cmd, args[0], targetRows)
		},
	}

	cmd.Flags().Int64Var(&targetRows, "target-rows", 0, "rows per consolidated chunk (default from config)")

	return cmd
}

func runCompact(cmd *cobra.Command, name string, targetRows int64) error {
	cfg := configFrom(cmd)
	dir, err := resolveStoreDir(cfg, name)
	if err != nil {
		return err
	}
	if targetRows <= 0 {
		targetRows = int64(cfg.Store.TargetChunkRows)
	}

	res, err := store.Compact(cmd.Context(), dir, targetRows, cfg.EffectiveWriteWorkers())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.Merged == 0 && res.Renamed == 0 {
		_, _ = fmt.Fprintf(out, "Store %s already compacted (%d chunks)\n", name, res.ChunksAfter)
		return nil
	}
	_, _ = fmt.Fprintf(out, "Store %s compacted: %d -> %d chunks, %d rows, %d -> %d bytes\n",
		name, res.ChunksBefore, res.ChunksAfter, res.RowsTotal, res.BytesBefore, res.BytesAfter)
	_, _ = fmt.Fprintf(out, "Completed in %s\n", res.Elapsed.Round(time.Millisecond))
	return nil
}
