package cli

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quantfold/timedim/internal/config"
	"github.com/quantfold/timedim/internal/query"
)

type queryOptions struct {
	stores  []string
	format  string
	maxRows int
}

func newQueryCommand() *cobra.Command {
	opts := &queryOptions{}

	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run SQL over panel stores",
		Long: `Run an ad-hoc DuckDB query.

Each store named by --store is attached as a view with one record per
panel cell: (row, key, lag, col, feature, value). lag 0 is the current
value, lag N the value N steps back; col is the panel column label.`,
		Example: `  # per-feature mean of current values
  timedim query --store prices \
    "SELECT feature, avg(value) FROM prices WHERE lag = 0 GROUP BY feature"

  # widen a single feature's lags back out
  timedim query --store prices \
    "PIVOT (SELECT key, col, value FROM prices WHERE feature = 'bid') ON col USING first(value) GROUP BY key ORDER BY key"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringArrayVar(&opts.stores, "store", nil, "store to attach as a view (repeatable)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "table", "output format: table, csv, json")
	cmd.Flags().IntVar(&opts.maxRows, "max-rows", 0, "row cap for results (default from config)")

	return cmd
}

func runQuery(cmd *cobra.Command, sqlText string, opts *queryOptions) error {
	cfg := configFrom(cmd)
	qcfg := cfg.Query
	if opts.maxRows > 0 {
		qcfg.MaxRows = opts.maxRows
	}

	svc, err := query.NewService(qcfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	if _, err := attachStores(cmd.Context(), svc, cfg, opts.stores); err != nil {
		return err
	}

	res, err := svc.Execute(cmd.Context(), sqlText)
	if err != nil {
		return err
	}
	return renderResult(cmd.OutOrStdout(), res, opts.format)
}

// attachStores attaches each named store and returns the view names.
func attachStores(ctx context.Context, svc *query.Service, cfg *config.Config, names []string) ([]string, error) {
	views := make([]string, 0, len(names))
	for _, name := range names {
		dir, err := resolveStoreDir(cfg, name)
		if err != nil {
			return nil, err
		}
		view := viewName(name)
		if err := svc.AttachStore(ctx, view, dir); err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// viewName derives a SQL view name from a store argument: the base
// name with everything outside the identifier character set mapped to
// underscores.
func viewName(name string) string {
	base := filepath.Base(name)
	var b strings.Builder
	for i, r := range base {
		switch {
		case r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
