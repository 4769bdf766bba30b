package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	errs "github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/profile"
	"github.com/quantfold/timedim/internal/store"
)

type describeOptions struct {
	quantiles    string
	accuracy     float64
	correlations bool
}

func newDescribeCommand() *cobra.Command {
	opts := &describeOptions{}

	cmd := &cobra.Command{
		Use:   "describe <store>",
		Short: "Summary statistics per panel column",
		Long: `Print count, NaN count, mean, standard deviation, min, max and
approximate quantiles for every panel column, including the lagged
ones. Statistics stream per partition; quantiles come from DDSketch at
the configured relative accuracy.

--correlations additionally realizes the panel and prints the column
correlation matrix (pairwise complete over NaN cells).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDescribe(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.quantiles, "quantiles", "", "comma-separated quantiles in (0,1)")
	cmd.Flags().Float64Var(&opts.accuracy, "accuracy", 0, "sketch relative accuracy in (0,1)")
	cmd.Flags().BoolVar(&opts.correlations, "correlations", false, "also print the column correlation matrix")

	return cmd
}

func runDescribe(cmd *cobra.Command, name string, opts *describeOptions) error {
	cfg := configFrom(cmd)
	dir, err := resolveStoreDir(cfg, name)
	if err != nil {
		return err
	}
	ds, err := store.Open(dir)
	if err != nil {
		return err
	}

	popts := profile.Options{
		Quantiles: cfg.Profile.Percentiles,
		Accuracy:  cfg.Profile.Accuracy,
	}
	if opts.quantiles != "" {
		qs, err := parseQuantiles(opts.quantiles)
		if err != nil {
			return err
		}
		popts.Quantiles = qs
	}
	if opts.accuracy > 0 {
		popts.Accuracy = opts.accuracy
	}

	report, err := profile.Describe(cmd.Context(), ds, popts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := renderReport(out, report); err != nil {
		return err
	}

	if !opts.correlations {
		return nil
	}

	f, err := ds.Compute(cmd.Context())
	if err != nil {
		return err
	}
	corr, err := profile.Correlations(f)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Correlations:")
	return renderCorrelations(out, corr)
}

func parseQuantiles(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	qs := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		q, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, errs.NewInvalidValue("quantiles", p, "not a number")
		}
		qs = append(qs, q)
	}
	return qs, nil
}
