package source

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	errs "github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/window"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

// rampCSV builds "k,a,b" rows with a=2k and b=-k.
func rampCSV(n int) string {
	var sb strings.Builder
	sb.WriteString("k,a,b\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "%d,%d,%d\n", i, 2*i, -i)
	}
	return sb.String()
}

func TestFromCSVSinglePartition(t *testing.T) {
	ctx := context.Background()
	ds, err := FromCSV(writeFile(t, rampCSV(5)), CSVOptions{})
	if err != nil {
		t.Fatalf("FromCSV: %v", err)
	}
	if ds.NumPartitions() != 1 {
		t.Fatalf("partitions: got %d, want 1", ds.NumPartitions())
	}

	f, err := ds.Compute(ctx)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if f.Rows() != 5 || f.NumCols() != 2 {
		t.Fatalf("shape: got (%d, %d), want (5, 2)", f.Rows(), f.NumCols())
	}
	cols := f.Columns()
	if cols[0].Feature != "a" || cols[1].Feature != "b" {
		t.Errorf("features: got %q, %q", cols[0].Feature, cols[1].Feature)
	}
	for i := 0; i < 5; i++ {
		if f.Key(i) != int64(i) {
			t.Errorf("key %d: got %d", i, f.Key(i))
		}
		if f.At(i, 0) != float64(2*i) || f.At(i, 1) != float64(-i) {
			t.Errorf("row %d: got (%v, %v)", i, f.At(i, 0), f.At(i, 1))
		}
	}
}

func TestFromCSVByteRanges(t *testing.T) {
	ctx := context.Background()
	ds, err := FromCSV(writeFile(t, rampCSV(30)), CSVOptions{TargetBytes: 50})
	if err != nil {
		t.Fatalf("FromCSV: %v", err)
	}
	if ds.NumPartitions() < 2 {
		t.Fatalf("partitions: got %d, want several", ds.NumPartitions())
	}

	frames, err := ds.Frames(ctx)
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	next := int64(0)
	for p, f := range frames {
		for i := 0; i < f.Rows(); i++ {
			if f.Key(i) != next {
				t.Fatalf("partition %d row %d: key %d, want %d", p, i, f.Key(i), next)
			}
			if f.At(i, 0) != float64(2*next) {
				t.Fatalf("partition %d row %d: a=%v, want %v", p, i, f.At(i, 0), float64(2*next))
			}
			next++
		}
	}
	if next != 30 {
		t.Errorf("total rows: got %d, want 30", next)
	}
}

func TestFromCSVFeatureSelection(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, rampCSV(4))

	ds, err := FromCSV(path, CSVOptions{KeyColumn: "k", Features: []string{"b", "a"}})
	if err != nil {
		t.Fatalf("FromCSV: %v", err)
	}
	f, err := ds.Compute(ctx)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	cols := f.Columns()
	if cols[0].Feature != "b" || cols[1].Feature != "a" {
		t.Fatalf("feature order: got %q, %q", cols[0].Feature, cols[1].Feature)
	}
	if f.At(2, 0) != -2 || f.At(2, 1) != 4 {
		t.Errorf("row 2: got (%v, %v), want (-2, 4)", f.At(2, 0), f.At(2, 1))
	}
}

func TestFromCSVMissingColumns(t *testing.T) {
	path := writeFile(t, rampCSV(3))

	if _, err := FromCSV(path, CSVOptions{Features: []string{"nope"}}); !errs.Is(err, errs.ErrFeatureNotFound) {
		t.Errorf("missing feature: expected ErrFeatureNotFound, got %v", err)
	}
	if _, err := FromCSV(path, CSVOptions{KeyColumn: "nope"}); !errs.Is(err, errs.ErrFeatureNotFound) {
		t.Errorf("missing key: expected ErrFeatureNotFound, got %v", err)
	}
	if _, err := FromCSV(path, CSVOptions{Features: []string{"k"}}); !errs.Is(err, errs.ErrInvalidConfig) {
		t.Errorf("key as feature: expected ErrInvalidConfig, got %v", err)
	}
}

func TestFromCSVEmptyCells(t *testing.T) {
	ctx := context.Background()
	ds, err := FromCSV(writeFile(t, "k,v\n0,1.5\n1,\n2,2.5\n"), CSVOptions{})
	if err != nil {
		t.Fatalf("FromCSV: %v", err)
	}
	f, err := ds.Compute(ctx)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !math.IsNaN(f.At(1, 0)) {
		t.Errorf("empty cell: got %v, want NaN", f.At(1, 0))
	}
	if f.At(0, 0) != 1.5 || f.At(2, 0) != 2.5 {
		t.Errorf("values: got %v, %v", f.At(0, 0), f.At(2, 0))
	}
}

func TestFromCSVBadData(t *testing.T) {
	ctx := context.Background()

	ds, err := FromCSV(writeFile(t, "k,v\n0,1.5\n1,abc\n"), CSVOptions{})
	if err != nil {
		t.Fatalf("FromCSV: %v", err)
	}
	if _, err := ds.Compute(ctx); !errs.Is(err, errs.ErrInvalidConfig) {
		t.Errorf("bad number: expected ErrInvalidConfig, got %v", err)
	}

	ds, err = FromCSV(writeFile(t, "k,v\nx,1.5\n"), CSVOptions{})
	if err != nil {
		t.Fatalf("FromCSV: %v", err)
	}
	if _, err := ds.Compute(ctx); !errs.Is(err, errs.ErrInvalidConfig) {
		t.Errorf("bad key: expected ErrInvalidConfig, got %v", err)
	}

	ds, err = FromCSV(writeFile(t, "k,v\n0,1.5,9\n"), CSVOptions{})
	if err != nil {
		t.Fatalf("FromCSV: %v", err)
	}
	if _, err := ds.Compute(ctx); err == nil {
		t.Error("ragged row: expected error")
	}
}

func TestFromCSVByteOrderMark(t *testing.T) {
	ctx := context.Background()
	content := "\xEF\xBB\xBF" + rampCSV(3)
	ds, err := FromCSV(writeFile(t, content), CSVOptions{})
	if err != nil {
		t.Fatalf("FromCSV: %v", err)
	}
	f, err := ds.Compute(ctx)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if f.Rows() != 3 {
		t.Errorf("rows: got %d, want 3", f.Rows())
	}
	if f.Columns()[0].Feature != "a" {
		t.Errorf("first feature: got %q, want a", f.Columns()[0].Feature)
	}
}

func TestFromCSVHeaderOnly(t *testing.T) {
	ctx := context.Background()
	ds, err := FromCSV(writeFile(t, "k,a,b\n"), CSVOptions{})
	if err != nil {
		t.Fatalf("FromCSV: %v", err)
	}
	if ds.NumPartitions() != 1 {
		t.Fatalf("partitions: got %d, want 1", ds.NumPartitions())
	}
	frames, err := ds.Frames(ctx)
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	if frames[0].Rows() != 0 || frames[0].NumCols() != 2 {
		t.Errorf("shape: got (%d, %d), want (0, 2)", frames[0].Rows(), frames[0].NumCols())
	}
}

func TestFromCSVMissingFile(t *testing.T) {
	_, err := FromCSV(filepath.Join(t.TempDir(), "nope.csv"), CSVOptions{})
	if !errs.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFromCSVFeedsLag(t *testing.T) {
	ctx := context.Background()
	ds, err := FromCSV(writeFile(t, rampCSV(20)), CSVOptions{TargetBytes: 60})
	if err != nil {
		t.Fatalf("FromCSV: %v", err)
	}
	lagged, err := window.Lag(ds, 1)
	if err != nil {
		t.Fatalf("Lag: %v", err)
	}
	out, err := lagged.Compute(ctx)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if out.Rows() != 20 || out.NumCols() != 4 {
		t.Fatalf("shape: got (%d, %d), want (20, 4)", out.Rows(), out.NumCols())
	}
	// Column 2 is a lagged by one row: a[i-1] = 2(i-1).
	for i := 1; i < out.Rows(); i++ {
		if got := out.At(i, 2); got != float64(2*(i-1)) {
			t.Errorf("row %d: t-1:a=%v, want %v", i, got, float64(2*(i-1)))
		}
	}
	if !math.IsNaN(out.At(0, 2)) {
		t.Errorf("row 0: t-1:a=%v, want NaN", out.At(0, 2))
	}
}
