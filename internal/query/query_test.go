package query

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/quantfold/timedim/internal/config"
	"github.com/quantfold/timedim/internal/dataset"
	errs "github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
	"github.com/quantfold/timedim/internal/store"
	"github.com/quantfold/timedim/internal/window"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(config.DefaultConfig().Query)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func seedTable(t *testing.T, svc *Service, n int) {
	t.Helper()
	ctx := context.Background()
	if err := svc.Exec(ctx, "CREATE TABLE ticks (k BIGINT, a DOUBLE, b DOUBLE)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	stmt := fmt.Sprintf("INSERT INTO ticks SELECT range, range * 1.5, 100 - range FROM range(%d)", n)
	if err := svc.Exec(ctx, stmt); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestServiceExecute(t *testing.T) {
	svc := newTestService(t)

	result, err := svc.Execute(context.Background(), "SELECT 1 AS value")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Columns) != 1 || result.Columns[0] != "value" {
		t.Errorf("columns: got %v", result.Columns)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("rows: got %d, want 1", len(result.Rows))
	}

	stats := svc.Stats()
	if stats.Queries != 1 || stats.RowsReturned != 1 {
		t.Errorf("stats: %+v", stats)
	}
}

func TestServiceRowCap(t *testing.T) {
	cfg := config.DefaultConfig().Query
	cfg.MaxRows = 5
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer svc.Close()

	result, err := svc.Execute(context.Background(), "SELECT * FROM range(10)")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Rows) != 5 || !result.Truncated {
		t.Errorf("got %d rows, truncated=%v; want 5 rows, truncated", len(result.Rows), result.Truncated)
	}
}

func TestFromQueryRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	seedTable(t, svc, 10)

	ds, err := svc.Dataset(ctx, "SELECT k, a, b FROM ticks", 4)
	if err != nil {
		t.Fatalf("Dataset: %v", err)
	}
	if ds.NumPartitions() != 3 {
		t.Fatalf("partitions: got %d, want 3", ds.NumPartitions())
	}

	frames, err := ds.Frames(ctx)
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	wantRows := []int{4, 4, 2}
	next := int64(0)
	for p, f := range frames {
		if f.Rows() != wantRows[p] {
			t.Errorf("partition %d: got %d rows, want %d", p, f.Rows(), wantRows[p])
		}
		for i := 0; i < f.Rows(); i++ {
			if f.Key(i) != next {
				t.Fatalf("partition %d row %d: key %d, want %d", p, i, f.Key(i), next)
			}
			if got := f.At(i, 0); got != float64(next)*1.5 {
				t.Errorf("partition %d row %d: a=%v, want %v", p, i, got, float64(next)*1.5)
			}
			if got := f.At(i, 1); got != 100-float64(next) {
				t.Errorf("partition %d row %d: b=%v, want %v", p, i, got, 100-float64(next))
			}
			next++
		}
	}
	if next != 10 {
		t.Errorf("total rows: got %d, want 10", next)
	}
}

func TestFromQueryFeedsLag(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	seedTable(t, svc, 12)

	ds, err := svc.Dataset(ctx, "SELECT k, a FROM ticks", 4)
	if err != nil {
		t.Fatalf("Dataset: %v", err)
	}
	lagged, err := window.Lag(ds, 2)
	if err != nil {
		t.Fatalf("Lag: %v", err)
	}
	out, err := lagged.Compute(ctx)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if out.Rows() != 12 || out.NumCols() != 3 {
		t.Fatalf("shape: got (%d, %d), want (12, 3)", out.Rows(), out.NumCols())
	}
	// Column 2 is a shifted by 2: out[i] = a[i-2] = (i-2)*1.5.
	for i := 2; i < out.Rows(); i++ {
		if got := out.At(i, 2); got != float64(i-2)*1.5 {
			t.Errorf("row %d: t-2:a=%v, want %v", i, got, float64(i-2)*1.5)
		}
	}
	if !math.IsNaN(out.At(1, 2)) {
		t.Errorf("row 1: t-2:a=%v, want NaN", out.At(1, 2))
	}
}

func TestFromQueryNullHandling(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	if err := svc.Exec(ctx, "CREATE TABLE sparse (k BIGINT, v DOUBLE)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := svc.Exec(ctx, "INSERT INTO sparse VALUES (0, 1.0), (1, NULL), (2, 3.0)"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ds, err := svc.Dataset(ctx, "SELECT k, v FROM sparse", 10)
	if err != nil {
		t.Fatalf("Dataset: %v", err)
	}
	f, err := ds.Compute(ctx)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !math.IsNaN(f.At(1, 0)) {
		t.Errorf("NULL cell: got %v, want NaN", f.At(1, 0))
	}
	if f.At(0, 0) != 1.0 || f.At(2, 0) != 3.0 {
		t.Errorf("values: got %v, %v", f.At(0, 0), f.At(2, 0))
	}
}

func TestFromQueryNullKey(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	if err := svc.Exec(ctx, "CREATE TABLE badkeys (k BIGINT, v DOUBLE)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := svc.Exec(ctx, "INSERT INTO badkeys VALUES (0, 1.0), (NULL, 2.0)"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ds, err := svc.Dataset(ctx, "SELECT k, v FROM badkeys", 10)
	if err != nil {
		t.Fatalf("Dataset: %v", err)
	}
	if _, err := ds.Compute(ctx); !errs.Is(err, errs.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for NULL key, got %v", err)
	}
}

func TestFromQueryDuplicateKeys(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	if err := svc.Exec(ctx, "CREATE TABLE dup (k BIGINT, v DOUBLE)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := svc.Exec(ctx, "INSERT INTO dup VALUES (0, 1.0), (0, 2.0), (1, 3.0)"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ds, err := svc.Dataset(ctx, "SELECT k, v FROM dup", 10)
	if err != nil {
		t.Fatalf("Dataset: %v", err)
	}
	if _, err := ds.Compute(ctx); !errs.Is(err, errs.ErrOrderingViolation) {
		t.Errorf("expected ErrOrderingViolation for duplicate keys, got %v", err)
	}
}

func TestFromQueryEmptyResult(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	seedTable(t, svc, 5)

	ds, err := svc.Dataset(ctx, "SELECT k, a FROM ticks WHERE k < 0", 10)
	if err != nil {
		t.Fatalf("Dataset: %v", err)
	}
	if ds.NumPartitions() != 1 {
		t.Fatalf("partitions: got %d, want 1", ds.NumPartitions())
	}
	frames, err := ds.Frames(ctx)
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	if frames[0].Rows() != 0 {
		t.Errorf("rows: got %d, want 0", frames[0].Rows())
	}
}

func TestFromQueryValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	seedTable(t, svc, 5)

	if _, err := svc.Dataset(ctx, "SELECT k, a FROM ticks", 0); !errs.Is(err, errs.ErrInvalidConfig) {
		t.Errorf("zero target rows: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := svc.Dataset(ctx, "   ;", 10); !errs.Is(err, errs.ErrInvalidConfig) {
		t.Errorf("empty query: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := svc.Dataset(ctx, "SELECT k FROM ticks", 10); !errs.Is(err, errs.ErrInvalidConfig) {
		t.Errorf("single column: expected ErrInvalidConfig, got %v", err)
	}
}

func TestAttachStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	base := make([]*frame.Frame, 2)
	for p := 0; p < 2; p++ {
		start := int64(p * 100)
		index := []int64{start, start + 1, start + 2, start + 3}
		a := []float64{0, 1, 2, 3}
		b := []float64{10, 11, 12, 13}
		f, err := frame.New(index, []frame.Column{
			{Feature: "a", Values: a},
			{Feature: "b", Values: b},
		})
		if err != nil {
			t.Fatalf("frame.New: %v", err)
		}
		base[p] = f
	}
	ds, err := dataset.FromFrames(base...)
	if err != nil {
		t.Fatalf("FromFrames: %v", err)
	}
	lagged, err := window.Lag(ds, 1)
	if err != nil {
		t.Fatalf("Lag: %v", err)
	}
	if _, err := store.Write(lagged, dir, store.DefaultOptions()).Execute(ctx); err != nil {
		t.Fatalf("store write: %v", err)
	}

	svc := newTestService(t)
	if err := svc.AttachStore(ctx, "panel", dir); err != nil {
		t.Fatalf("AttachStore: %v", err)
	}

	// 8 rows by 4 columns of cells.
	result, err := svc.Execute(ctx, "SELECT count(*) FROM panel")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := result.Rows[0][0]; got != int64(32) {
		t.Errorf("cell count: got %v, want 32", got)
	}

	result, err = svc.Execute(ctx,
		"SELECT feature, count(*) AS n FROM panel WHERE lag = 0 GROUP BY feature ORDER BY feature")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("group rows: got %d, want 2", len(result.Rows))
	}
	if result.Rows[0][0] != "a" || result.Rows[1][0] != "b" {
		t.Errorf("features: got %v, %v", result.Rows[0][0], result.Rows[1][0])
	}
}

func TestAttachStoreValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if err := svc.AttachStore(ctx, "bad-name", t.TempDir()); !errs.Is(err, errs.ErrInvalidName) {
		t.Errorf("bad view name: expected ErrInvalidName, got %v", err)
	}
	if err := svc.AttachStore(ctx, "view1", t.TempDir()); !errs.Is(err, errs.ErrStoreNotFound) {
		t.Errorf("empty dir: expected ErrStoreNotFound, got %v", err)
	}
}
