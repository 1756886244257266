package grouped

import (
	"context"
	"encoding/binary"

	"github.com/lanrat/extsort"
	"golang.org/x/sync/errgroup"
)

// placement is the sort key of one record: its tile, group and feature,
// then its source row for a stable order.
type placement struct {
	tx, ty  int64
	group   uint32
	feature uint32
	row     uint64
}

func (p placement) ToBytes() []byte {
	buf := make([]byte, 0, 4*binary.MaxVarintLen64)
	buf = binary.AppendVarint(buf, p.tx)
	buf = binary.AppendVarint(buf, p.ty)
	buf = binary.AppendUvarint(buf, uint64(p.group))
	buf = binary.AppendUvarint(buf, uint64(p.feature))
	return binary.AppendUvarint(buf, p.row)
}

func placementFromBytes(b []byte) extsort.SortType {
	var p placement
	var n int
	p.tx, n = binary.Varint(b)
	b = b[n:]
	p.ty, n = binary.Varint(b)
	b = b[n:]
	g, n := binary.Uvarint(b)
	b = b[n:]
	f, n := binary.Uvarint(b)
	b = b[n:]
	p.row, _ = binary.Uvarint(b)
	p.group, p.feature = uint32(g), uint32(f)
	return p
}

func placementLess(a, b extsort.SortType) bool {
	x, y := a.(placement), b.(placement)
	switch {
	case x.tx != y.tx:
		return x.tx < y.tx
	case x.ty != y.ty:
		return x.ty < y.ty
	case x.group != y.group:
		return x.group < y.group
	case x.feature != y.feature:
		return x.feature < y.feature
	}
	return x.row < y.row
}

func (p placement) sameBatch(o placement) bool {
	return p.tx == o.tx && p.ty == o.ty && p.group == o.group
}

// sortPlacements orders the placements emitted by produce with an external
// merge sort and hands them to consume in order.
func sortPlacements(ctx context.Context, opts Options, produce func(ctx context.Context, ch chan<- extsort.SortType) error, consume func(placement) error) error {
	ch := make(chan extsort.SortType, 10000)
	g, subCtx := errgroup.WithContext(ctx)
	config := extsort.DefaultConfig()
	config.NumWorkers = opts.workers()
	if opts.SortChunkSize > 0 {
		config.ChunkSize = opts.SortChunkSize
	}
	sorter, outChan, errChan := extsort.New(ch, placementFromBytes, placementLess, config)
	g.Go(func() error {
		defer close(ch)
		return produce(subCtx, ch)
	})
	g.Go(func() error {
		sorter.Sort(ctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		for range outChan {
		}
		<-errChan
		return err
	}

	var consumeErr error
	for data := range outChan {
		if consumeErr != nil {
			continue
		}
		consumeErr = consume(data.(placement))
	}
	if err := <-errChan; err != nil {
		return err
	}
	return consumeErr
}
