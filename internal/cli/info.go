package cli

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantfold/timedim/internal/store"
)

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <store>",
		Short: "Show manifest and chunk layout of a panel store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd, args[0])
		},
	}
}

func runInfo(cmd *cobra.Command, name string) error {
	cfg := configFrom(cmd)
	dir, err := resolveStoreDir(cfg, name)
	if err != nil {
		return err
	}
	info, err := store.Info(dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Store: %s\n", info.Dir)
	_, _ = fmt.Fprintf(out, "Partitions: %d\n", info.Partitions)
	_, _ = fmt.Fprintf(out, "Rows: %d\n", info.TotalRows)
	_, _ = fmt.Fprintf(out, "Bytes: %d\n", info.TotalBytes)
	_, _ = fmt.Fprintf(out, "Lag: %d\n", info.Lag)
	_, _ = fmt.Fprintf(out, "Features: %s\n", strings.Join(info.Features, ", "))
	if m := info.Manifest; m != nil {
		compression := m.Compression
		if m.CompressionLevel > 0 {
			compression = fmt.Sprintf("%s (level %d)", m.Compression, m.CompressionLevel)
		}
		_, _ = fmt.Fprintf(out, "Compression: %s\n", compression)
		_, _ = fmt.Fprintf(out, "Created: %s\n", m.CreatedAt.Format(time.RFC3339))
	} else {
		_, _ = fmt.Fprintln(out, "Manifest: missing (layout probed from chunks)")
	}
	_, _ = fmt.Fprintln(out)

	t := newTable(out)
	t.SetHeader([]string{"Chunk", "Rows", "Bytes"})
	for _, c := range info.Chunks {
		rows := "?"
		if c.Rows >= 0 {
			rows = strconv.FormatInt(c.Rows, 10)
		}
		t.Append([]string{filepath.Base(c.Path), rows, strconv.FormatInt(c.Bytes, 10)})
	}
	t.Render()
	return nil
}
