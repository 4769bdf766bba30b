// Package dataset provides the deferred partitioned-table engine: an
// immutable Dataset handle describes an ordered sequence of lazily
// loaded partitions plus a chain of deferred map operations, and
// nothing is realized until a trigger walks the task graph.
//
// Handles are cheap values. Deriving a new handle never mutates the
// parent, so a handle can be shared, re-triggered, and extended from
// multiple goroutines. Realized frames are treated as read-only by the
// engine and must be treated the same by callers.
package dataset

import (
	"context"
	"fmt"

	"github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
)

// LoadFunc realizes one partition. It is invoked at most once per
// trigger execution and must return rows strictly ordered by key.
type LoadFunc func(ctx context.Context) (*frame.Frame, error)

// MapFunc transforms one realized partition. Bodies must be pure
// functions of their input; for overlap operations the input already
// carries the context rows prepended by the engine.
type MapFunc func(ctx context.Context, f *frame.Frame) (*frame.Frame, error)

// SinkFunc consumes one final partition result. Sinks may be called
// concurrently and in any completion order; the partition index carries
// the logical position.
type SinkFunc func(ctx context.Context, partition int, f *frame.Frame) error

// Partition describes one deferred partition of a dataset.
type Partition struct {
	// Index is the position in the declared partition order.
	Index int

	// Rows is the declared row count, or -1 when unknown until load.
	Rows int

	// Load realizes the partition.
	Load LoadFunc
}

// op is one deferred transformation stage shared by every partition.
type op struct {
	name   string
	fn     MapFunc
	before int // rows of preceding-partition context required
}

// Dataset is an immutable handle to a partitioned, ordered table with a
// chain of deferred operations.
type Dataset struct {
	parts []Partition
	ops   []op
}

// FromPartitions creates a handle over explicitly declared partitions.
// Partition indices must match their positions.
func FromPartitions(parts []Partition) (*Dataset, error) {
	if len(parts) == 0 {
		return nil, errors.ErrEmptyDataset
	}
	for i, p := range parts {
		if p.Index != i {
			return nil, errors.NewOrderingViolation(
				fmt.Sprintf("partition at position %d declares index %d", i, p.Index))
		}
		if p.Load == nil {
			return nil, errors.NewInvalidValue("partition", i, "nil load function")
		}
	}
	return &Dataset{parts: parts}, nil
}

// FromFrames creates an in-memory handle with one partition per frame.
// Frames must be internally ordered and their key ranges must ascend
// across the given order. The frames are referenced, not copied, and
// must not be mutated afterwards.
func FromFrames(frames ...*frame.Frame) (*Dataset, error) {
	if len(frames) == 0 {
		return nil, errors.ErrEmptyDataset
	}
	parts := make([]Partition, len(frames))
	var lastKey int64
	haveLast := false
	for i, f := range frames {
		if f == nil {
			return nil, errors.NewInvalidValue("frame", i, "nil frame")
		}
		if err := f.CheckOrdered(); err != nil {
			return nil, errors.Wrapf(err, "frame %d", i)
		}
		if f.Rows() > 0 {
			if haveLast && f.Key(0) <= lastKey {
				return nil, errors.NewOrderingViolation(
					fmt.Sprintf("frame %d starts at key %d, predecessor ends at %d",
						i, f.Key(0), lastKey))
			}
			lastKey = f.Key(f.Rows() - 1)
			haveLast = true
		}
		f := f
		parts[i] = Partition{
			Index: i,
			Rows:  f.Rows(),
			Load: func(ctx context.Context) (*frame.Frame, error) {
				return f, nil
			},
		}
	}
	return &Dataset{parts: parts}, nil
}

// FromFrame creates a handle by splitting a single frame into
// npartitions contiguous slices of near-equal size.
func FromFrame(f *frame.Frame, npartitions int) (*Dataset, error) {
	if npartitions <= 0 {
		return nil, errors.NewInvalidValue("npartitions", npartitions, "must be positive")
	}
	if f.Rows() < npartitions {
		return nil, errors.Wrapf(errors.ErrShapeMismatch,
			"%d rows cannot fill %d partitions", f.Rows(), npartitions)
	}
	frames := make([]*frame.Frame, npartitions)
	rows := f.Rows()
	base := rows / npartitions
	extra := rows % npartitions
	lo := 0
	for i := 0; i < npartitions; i++ {
		size := base
		if i < extra {
			size++
		}
		frames[i] = f.Slice(lo, lo+size)
		lo += size
	}
	return FromFrames(frames...)
}

// NumPartitions returns the number of partitions in declared order.
func (d *Dataset) NumPartitions() int {
	return len(d.parts)
}

// KnownRows returns the declared row count of partition i, or -1 when
// the count is unknown until load.
func (d *Dataset) KnownRows(i int) int {
	return d.parts[i].Rows
}

// SizesKnown reports whether every partition declares its row count.
func (d *Dataset) SizesKnown() bool {
	for _, p := range d.parts {
		if p.Rows < 0 {
			return false
		}
	}
	return true
}

// NumStages returns the number of deferred operation stages.
func (d *Dataset) NumStages() int {
	return len(d.ops)
}

// derive returns a new handle with one more operation appended. The
// receiver is never modified.
func (d *Dataset) derive(o op) *Dataset {
	ops := make([]op, len(d.ops), len(d.ops)+1)
	copy(ops, d.ops)
	return &Dataset{parts: d.parts, ops: append(ops, o)}
}

// Map appends a deferred per-partition transformation with no
// cross-partition context.
func (d *Dataset) Map(name string, fn MapFunc) *Dataset {
	return d.derive(op{name: name, fn: fn})
}

// MapOverlap appends a deferred transformation whose input is extended
// with the trailing `before` rows of the preceding partition. The
// transformation must be row-aligned: its output has exactly one row
// per input row, in the same order, so the engine can trim the carried
// context rows from the result.
//
// When every partition declares its size the history requirement is
// checked eagerly: the first partition must hold more than `before`
// rows, later partitions must be non-empty, and every partition with a
// successor must hold at least `before` rows. Otherwise the same checks
// run when the trigger realizes the sizes.
func (d *Dataset) MapOverlap(name string, before int, fn MapFunc) (*Dataset, error) {
	if before <= 0 {
		return nil, errors.NewInvalidValue("before", before, "must be positive")
	}
	if d.SizesKnown() {
		if err := checkHistory(d.partSizes(), before); err != nil {
			return nil, err
		}
	}
	return d.derive(op{name: name, fn: fn, before: before}), nil
}

// Select appends a deferred projection to the named features, keeping
// all lag groups of each.
func (d *Dataset) Select(features ...string) *Dataset {
	return d.Map("select", func(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
		return f.Select(features...)
	})
}

// partSizes returns the declared sizes of every partition.
func (d *Dataset) partSizes() []int {
	sizes := make([]int, len(d.parts))
	for i, p := range d.parts {
		sizes[i] = p.Rows
	}
	return sizes
}

// checkHistory validates partition sizes against an overlap depth. The
// first partition carries no context, so it must exceed the depth on
// its own; every partition that feeds a successor must be able to
// supply the full context window.
func checkHistory(sizes []int, before int) error {
	for i, rows := range sizes {
		carried := before
		if i == 0 {
			carried = 0
		}
		if rows+carried <= before {
			return errors.NewInsufficientHistory(i, rows, carried, before)
		}
		if i < len(sizes)-1 && rows < before {
			return errors.NewInsufficientHistory(i, rows, 0, before)
		}
	}
	return nil
}
