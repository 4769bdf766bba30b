package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	errs "github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
	"github.com/quantfold/timedim/internal/profile"
	"github.com/quantfold/timedim/internal/query"
)

func newTable(w io.Writer) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	return t
}

// formatFloat renders a panel value. NaN cells print as NaN, which
// DuckDB and the CSV source both round-trip.
func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// formatValue renders one SQL result cell.
func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	default:
		return fmt.Sprintf("%v", x)
	}
}

// renderResult writes a query result in the requested format.
func renderResult(w io.Writer, res *query.Result, format string) error {
	switch format {
	case "table", "":
		return renderResultTable(w, res)
	case "csv":
		return renderResultCSV(w, res)
	case "json":
		return renderResultJSON(w, res)
	default:
		return errs.NewInvalidValue("format", format, "must be table, csv or json")
	}
}

func renderResultTable(w io.Writer, res *query.Result) error {
	if len(res.Rows) == 0 {
		_, err := fmt.Fprintln(w, "(0 rows)")
		return err
	}

	t := newTable(w)
	t.SetHeader(res.Columns)
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatValue(v)
		}
		t.Append(cells)
	}
	t.Render()

	suffix := ""
	if res.Truncated {
		suffix = ", truncated"
	}
	_, err := fmt.Fprintf(w, "(%d rows%s, %s)\n", len(res.Rows), suffix, res.Elapsed.Round(time.Millisecond))
	return err
}

func renderResultCSV(w io.Writer, res *query.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(res.Columns); err != nil {
		return err
	}
	cells := make([]string, len(res.Columns))
	for _, row := range res.Rows {
		for i, v := range row {
			cells[i] = formatValue(v)
		}
		if err := cw.Write(cells); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func renderResultJSON(w io.Writer, res *query.Result) error {
	out := make([]map[string]interface{}, 0, len(res.Rows))
	for _, row := range res.Rows {
		m := make(map[string]interface{}, len(res.Columns))
		for i, col := range res.Columns {
			v := row[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			m[col] = v
		}
		out = append(out, m)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// renderFrame writes a realized panel frame as a table, key first.
func renderFrame(w io.Writer, f *frame.Frame) error {
	header := make([]string, 0, f.NumCols()+1)
	header = append(header, "key")
	for _, c := range f.Columns() {
		header = append(header, c.Label())
	}

	t := newTable(w)
	t.SetHeader(header)
	for i := 0; i < f.Rows(); i++ {
		cells := make([]string, 0, len(header))
		cells = append(cells, strconv.FormatInt(f.Key(i), 10))
		for j := 0; j < f.NumCols(); j++ {
			cells = append(cells, formatFloat(f.At(i, j)))
		}
		t.Append(cells)
	}
	t.Render()
	_, err := fmt.Fprintf(w, "(%d rows)\n", f.Rows())
	return err
}

// renderReport writes per-column summary statistics.
func renderReport(w io.Writer, report *profile.Report) error {
	header := []string{"Column", "Count", "NaN", "Mean", "Std", "Min"}
	if len(report.Features) > 0 {
		for _, q := range report.Features[0].Quantiles {
			header = append(header, fmt.Sprintf("p%g", q.Q*100))
		}
	}
	header = append(header, "Max")

	t := newTable(w)
	t.SetHeader(header)
	for _, fs := range report.Features {
		row := []string{
			fs.Label,
			strconv.FormatInt(fs.Count, 10),
			strconv.FormatInt(fs.NaNs, 10),
			formatFloat(fs.Mean),
			formatFloat(fs.Std),
			formatFloat(fs.Min),
		}
		for _, q := range fs.Quantiles {
			row = append(row, formatFloat(q.Value))
		}
		row = append(row, formatFloat(fs.Max))
		t.Append(row)
	}
	t.Render()
	_, err := fmt.Fprintf(w, "(%d rows)\n", report.Rows)
	return err
}

// renderCorrelations writes a correlation matrix with row labels.
func renderCorrelations(w io.Writer, corr *profile.CorrMatrix) error {
	labels := corr.Labels()

	t := newTable(w)
	t.SetHeader(append([]string{""}, labels...))
	for i, label := range labels {
		row := make([]string, 0, len(labels)+1)
		row = append(row, label)
		for j := range labels {
			row = append(row, formatFloat(corr.At(i, j)))
		}
		t.Append(row)
	}
	t.Render()
	return nil
}
