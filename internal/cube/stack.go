package cube

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantfold/timedim/internal/dataset"
	errs "github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
)

// Stacked is a deferred cube assembly over a partitioned dataset.
// Nothing executes until Compute.
type Stacked struct {
	ds  *dataset.Dataset
	lag int
}

// Stack defers the label-free conversion of a whole dataset: on
// Compute every partition realizes independently, reshapes into a bare
// (rows, lags, feats) block, and the blocks concatenate along the
// observation axis strictly in declared partition order. Row counts per
// partition may be unknown until execution, so the result carries no
// coordinate labels.
func Stack(ds *dataset.Dataset, lag int) *Stacked {
	return &Stacked{ds: ds, lag: lag}
}

// NumPartitions returns the number of blocks Compute will assemble.
func (s *Stacked) NumPartitions() int {
	return s.ds.NumPartitions()
}

type stackBlock struct {
	obs   int
	lags  int
	feats int
	data  []float64
}

// Compute realizes the dataset and assembles the cube. Partitions
// reshape as they complete, in whatever order the engine runs them;
// assembly then walks the declared order and refuses to proceed if any
// slot is missing or was filled twice, or if partitions disagree on
// (lags, feats).
func (s *Stacked) Compute(ctx context.Context) (*Cube, error) {
	if s.lag <= 0 {
		return nil, errs.NewInvalidLag(s.lag)
	}

	var (
		mu     sync.Mutex
		blocks = make(map[int]stackBlock, s.ds.NumPartitions())
	)
	sink := func(ctx context.Context, partition int, f *frame.Frame) error {
		obs, lags, feats, err := Dimensions(f, s.lag)
		if err != nil {
			return errs.Wrapf(err, "partition %d", partition)
		}
		b := stackBlock{obs: obs, lags: lags, feats: feats, data: f.Values()}

		mu.Lock()
		defer mu.Unlock()
		if _, exists := blocks[partition]; exists {
			return errs.NewOrderingViolation(
				fmt.Sprintf("partition slot %d assembled twice", partition))
		}
		blocks[partition] = b
		return nil
	}
	if err := s.ds.Each(ctx, sink); err != nil {
		return nil, err
	}

	n := s.ds.NumPartitions()
	first, ok := blocks[0]
	if !ok {
		return nil, errs.NewOrderingViolation("partition slot 0 missing from assembly")
	}

	total := 0
	for _, b := range blocks {
		total += len(b.data)
	}
	c := &Cube{lags: first.lags, feats: first.feats, data: make([]float64, 0, total)}
	for i := 0; i < n; i++ {
		b, ok := blocks[i]
		if !ok {
			return nil, errs.NewOrderingViolation(
				fmt.Sprintf("partition slot %d missing from assembly", i))
		}
		if b.lags != first.lags || b.feats != first.feats {
			return nil, errs.Wrapf(errs.ErrShapeMismatch,
				"partition %d: (%d lags, %d features) differ from partition 0 (%d, %d)",
				i, b.lags, b.feats, first.lags, first.feats)
		}
		if err := c.appendBlock(b.obs, b.data); err != nil {
			return nil, errs.Wrapf(err, "partition %d", i)
		}
	}
	return c, nil
}
