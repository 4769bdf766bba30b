package cli

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	defaults "github.com/quantfold/timedim/config"
	"github.com/quantfold/timedim/internal/config"
	"github.com/quantfold/timedim/internal/dataset"
	errs "github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/query"
	"github.com/quantfold/timedim/internal/source"
	"github.com/quantfold/timedim/internal/store"
	"github.com/quantfold/timedim/internal/validation"
	"github.com/quantfold/timedim/internal/window"
)

type buildOptions struct {
	csvPath     string
	sqlQuery    string
	dbPath      string
	lag         int
	features    string
	keyColumn   string
	targetBytes int64
	targetRows  int
	compression string
	level       int
	explain     bool
}

func newBuildCommand() *cobra.Command {
	opts := &buildOptions{}

	cmd := &cobra.Command{
		Use:   "build <store>",
		Short: "Build a lagged panel store from a CSV file or a SQL query",
		Long: `Build a lagged panel store.

The source is either a CSV file (--csv) partitioned by byte ranges, or
a DuckDB query (--sql) partitioned by row count. The first source
column is the integer row key; every other selected column becomes a
feature. Each feature expands into lag+1 columns and the result is
written as Parquet chunks, one per partition.`,
		Example: `  # 3-step lag panel from a CSV file
  timedim build prices --csv ticks.csv --lag 3

  # selected features only
  timedim build prices --csv ticks.csv --lag 3 --features bid,ask

  # from a query against an existing DuckDB database
  timedim build prices --db market.duckdb --sql "SELECT ts, bid, ask FROM ticks" --lag 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.csvPath, "csv", "", "CSV file to read features from")
	cmd.Flags().StringVar(&opts.sqlQuery, "sql", "", "SQL query producing (key, features...) rows")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "DuckDB database file for --sql (default in-memory)")
	cmd.Flags().IntVar(&opts.lag, "lag", 1, "number of lag steps per feature")
	cmd.Flags().StringVar(&opts.features, "features", "", "comma-separated feature columns (default: all non-key columns)")
	cmd.Flags().StringVar(&opts.keyColumn, "key", "", "key column name (default: first CSV column)")
	cmd.Flags().Int64Var(&opts.targetBytes, "target-bytes", 0, "CSV bytes per partition")
	cmd.Flags().IntVar(&opts.targetRows, "target-rows", defaults.DefaultPartitionRows, "query rows per partition")
	cmd.Flags().StringVar(&opts.compression, "compression", "", "chunk compression: zstd, snappy, lz4, gzip, none")
	cmd.Flags().IntVar(&opts.level, "level", 0, "compression level (zstd: 1-22)")
	cmd.Flags().BoolVar(&opts.explain, "explain", false, "print the execution plan without building")

	return cmd
}

func runBuild(cmd *cobra.Command, name string, opts *buildOptions) error {
	cfg := configFrom(cmd)
	ctx := cmd.Context()

	dir, err := resolveStoreDir(cfg, name)
	if err != nil {
		return err
	}

	ds, cleanup, err := openSource(ctx, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	panels, err := window.Lag(ds, opts.lag)
	if err != nil {
		return err
	}

	if opts.explain {
		plan, err := panels.Explain()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprint(cmd.OutOrStdout(), plan)
		return nil
	}

	start := time.Now()
	manifest, err := store.Write(panels, dir, writeOptions(cfg, opts)).Execute(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Store %s built: %d partitions, %d rows, lag %d\n",
		name, len(manifest.Chunks), manifest.TotalRows(), manifest.Lag)
	_, _ = fmt.Fprintf(out, "Features: %s\n", strings.Join(manifest.Features, ", "))
	_, _ = fmt.Fprintf(out, "Completed in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

// openSource builds the base dataset from the selected source flags.
// The cleanup closes any database the dataset's loads still read from,
// so it must run only after the dataset is realized.
func openSource(ctx context.Context, opts *buildOptions) (*dataset.Dataset, func(), error) {
	noop := func() {}

	switch {
	case opts.csvPath != "" && opts.sqlQuery != "":
		return nil, noop, errs.NewValidation("source", "--csv and --sql are mutually exclusive")

	case opts.csvPath != "":
		features, err := featureList(opts.features)
		if err != nil {
			return nil, noop, err
		}
		ds, err := source.FromCSV(opts.csvPath, source.CSVOptions{
			KeyColumn:   opts.keyColumn,
			Features:    features,
			TargetBytes: opts.targetBytes,
		})
		return ds, noop, err

	case opts.sqlQuery != "":
		if opts.features != "" {
			return nil, noop, errs.NewValidation("features", "select feature columns in the query instead of --features")
		}
		db, err := sql.Open("duckdb", opts.dbPath)
		if err != nil {
			return nil, noop, errs.Wrap(err, "open duckdb")
		}
		ds, err := query.FromQuery(ctx, db, opts.sqlQuery, opts.targetRows)
		if err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return ds, func() { _ = db.Close() }, nil

	default:
		return nil, noop, errs.NewValidation("source", "one of --csv or --sql is required")
	}
}

func featureList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	features, err := validation.ParseFeatureList(s)
	if err != nil {
		return nil, err
	}
	return features, nil
}

// writeOptions resolves chunk write options from config with flag
// overrides.
func writeOptions(cfg *config.Config, opts *buildOptions) store.Options {
	wopts := store.DefaultOptions()
	wopts.Compression = store.ParseCompressionType(cfg.Store.Compression.Algorithm)
	wopts.CompressionLevel = cfg.Store.Compression.Level
	if opts.compression != "" {
		wopts.Compression = store.ParseCompressionType(opts.compression)
	}
	if opts.level > 0 {
		wopts.CompressionLevel = opts.level
	}
	return wopts
}
