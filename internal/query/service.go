// LOCATION: internal/query/service.go

package query

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quantfold/timedim/internal/config"
	"github.com/quantfold/timedim/internal/dataset"
	"github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/store"
	"github.com/quantfold/timedim/internal/validation"
)

// Service provides ad-hoc SQL over panel stores. It runs an in-memory
// DuckDB instance and exposes each attached store as a view over its
// chunk files, one record per panel cell: (row, key, lag, col, feature,
// value).
type Service struct {
	db  *sql.DB
	cfg config.QueryConfig

	queries      atomic.Int64
	rowsReturned atomic.Int64
	errs         atomic.Int64
}

// Stats holds service counters.
type Stats struct {
	Queries      int64
	RowsReturned int64
	Errors       int64
}

// Result is one executed query result with column order preserved.
type Result struct {
	Columns []string
	Rows    [][]interface{}

	// Truncated reports that the configured row cap cut the result off.
	Truncated bool

	Elapsed time.Duration
}

// NewService creates a query service backed by an in-memory DuckDB
// database.
func NewService(cfg config.QueryConfig) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, "open duckdb")
	}

	if cfg.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.MemoryLimit)); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "set memory limit")
		}
	}

	return &Service{db: db, cfg: cfg}, nil
}

// Close closes the service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// AttachStore exposes a panel store directory as a SQL view. The view
// name must be a bare SQL identifier.
func (s *Service) AttachStore(ctx context.Context, name, dir string) error {
	if err := validation.ValidateSQLIdentifier(name); err != nil {
		return err
	}
	info, err := store.Info(dir)
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf(
		"CREATE OR REPLACE VIEW %s AS SELECT row, key, lag, col, feature, value FROM read_parquet(%s)",
		name, validation.QuoteLiteral(store.ChunkGlob(dir)))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrapf(err, "create view %s", name)
	}

	log.Info("store attached",
		"view", name,
		"dir", dir,
		"partitions", info.Partitions,
		"rows", info.TotalRows)
	return nil
}

// Execute runs a query and collects the result, bounded by the
// configured timeout and row cap.
func (s *Service) Execute(ctx context.Context, query string) (*Result, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.errs.Add(1)
		return nil, errors.Wrap(err, "execute query")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		s.errs.Add(1)
		return nil, errors.Wrap(err, "read columns")
	}

	result := &Result{Columns: columns}
	for rows.Next() {
		if s.cfg.MaxRows > 0 && len(result.Rows) >= s.cfg.MaxRows {
			result.Truncated = true
			break
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			s.errs.Add(1)
			return nil, errors.Wrap(err, "scan row")
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		s.errs.Add(1)
		return nil, errors.Wrap(err, "read result")
	}
	result.Elapsed = time.Since(start)

	s.queries.Add(1)
	s.rowsReturned.Add(int64(len(result.Rows)))
	return result, nil
}

// Exec runs a statement that returns no rows, such as DDL.
func (s *Service) Exec(ctx context.Context, stmt string) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		s.errs.Add(1)
		return errors.Wrap(err, "execute statement")
	}
	s.queries.Add(1)
	return nil
}

// Dataset plans a dataset over a query against this service, splitting
// the result into partitions of at most targetRows rows.
func (s *Service) Dataset(ctx context.Context, query string, targetRows int) (*dataset.Dataset, error) {
	return FromQuery(ctx, s.db, query, targetRows)
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() Stats {
	return Stats{
		Queries:      s.queries.Load(),
		RowsReturned: s.rowsReturned.Load(),
		Errors:       s.errs.Load(),
	}
}
