// LOCATION: internal/query/query.go
//
// Local analytic source: run a DuckDB query and expose the result as a
// partitioned dataset. The first result column is the integer row key;
// every remaining column is a feature. Partitions load lazily through
// ORDER BY / LIMIT / OFFSET windows over the query, so a result larger
// than memory is never realized at once.

package query

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/quantfold/timedim/internal/dataset"
	"github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
	"github.com/quantfold/timedim/internal/logging"
)

var log = logging.Component("query")

// nan fills NULL feature cells, matching the gap encoding of lagged
// panels.
var nan = math.NaN()

// FromQuery plans a dataset over the result of a SQL query. The result
// is split into partitions of at most targetRows rows, keyed by the
// first column in ascending order. Each partition re-scans its window
// of the query on load, so the query must be deterministic.
func FromQuery(ctx context.Context, db *sql.DB, query string, targetRows int) (*dataset.Dataset, error) {
	if targetRows <= 0 {
		return nil, errors.NewInvalidValue("target_rows", targetRows, "must be positive")
	}
	query = strings.TrimRight(strings.TrimSpace(query), ";")
	if query == "" {
		return nil, errors.NewInvalidValue("query", query, "empty query")
	}

	columns, err := probeColumns(ctx, db, query)
	if err != nil {
		return nil, errors.Wrap(err, "probe query columns")
	}
	if len(columns) < 2 {
		return nil, errors.NewInvalidValue("query", query,
			"result needs a key column and at least one feature column")
	}
	features := columns[1:]

	total, err := countRows(ctx, db, query)
	if err != nil {
		return nil, errors.Wrap(err, "count query rows")
	}

	nparts := int((total + int64(targetRows) - 1) / int64(targetRows))
	if nparts == 0 {
		nparts = 1
	}
	parts := make([]dataset.Partition, nparts)
	for i := range parts {
		offset := int64(i) * int64(targetRows)
		limit := int64(targetRows)
		if offset+limit > total {
			limit = total - offset
		}
		if limit < 0 {
			limit = 0
		}
		parts[i] = dataset.Partition{
			Index: i,
			Rows:  int(limit),
			Load:  loadWindow(db, query, features, limit, offset),
		}
	}

	log.Debug("query planned",
		"rows", total,
		"partitions", nparts,
		"features", len(features))
	return dataset.FromPartitions(parts)
}

func probeColumns(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM (%s) AS t LIMIT 0", query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	return columns, rows.Err()
}

func countRows(ctx context.Context, db *sql.DB, query string) (int64, error) {
	var total int64
	row := db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM (%s) AS t", query))
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// loadWindow builds the load function for one partition window.
func loadWindow(db *sql.DB, query string, features []string, limit, offset int64) dataset.LoadFunc {
	return func(ctx context.Context) (*frame.Frame, error) {
		windowed := fmt.Sprintf("SELECT * FROM (%s) AS t ORDER BY 1 LIMIT %d OFFSET %d",
			query, limit, offset)
		rows, err := db.QueryContext(ctx, windowed)
		if err != nil {
			return nil, errors.Wrapf(err, "scan rows %d..%d", offset, offset+limit)
		}
		defer rows.Close()

		index := make([]int64, 0, limit)
		values := make([][]float64, len(features))
		for j := range values {
			values[j] = make([]float64, 0, limit)
		}

		var key sql.NullInt64
		feats := make([]sql.NullFloat64, len(features))
		ptrs := make([]interface{}, len(features)+1)
		ptrs[0] = &key
		for j := range feats {
			ptrs[j+1] = &feats[j]
		}

		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				return nil, errors.Wrap(err, "scan row")
			}
			if !key.Valid {
				return nil, errors.NewInvalidValue("key",
					offset+int64(len(index)), "NULL row key in query result")
			}
			index = append(index, key.Int64)
			for j, v := range feats {
				if v.Valid {
					values[j] = append(values[j], v.Float64)
				} else {
					values[j] = append(values[j], nan)
				}
			}
		}
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "read query result")
		}

		cols := make([]frame.Column, len(features))
		for j, name := range features {
			cols[j] = frame.Column{Feature: name, Values: values[j]}
		}
		return frame.New(index, cols)
	}
}
