package pdc

import (
	"context"

	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/tracing"
	"golang.org/x/sync/errgroup"
)

// GetNHits returns the number of elements matching q.
func (c *Client) GetNHits(ctx context.Context, q *Query) (uint64, error) {
	sel, err := c.GetSelection(ctx, q)
	if err != nil {
		return 0, err
	}
	n := sel.NHits()
	sel.Free()
	return n, nil
}

// GetSelection evaluates q on the servers holding the fragments of its
// objects and returns the matching element indices. Every object in q
// must have the same dims.
func (c *Client) GetSelection(ctx context.Context, q *Query) (*Selection, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	span, ctx := tracing.StartSpanFromContext(ctx, "Client.GetSelection")
	defer span.Finish()
	CounterQueries.Inc()

	metas := make(map[ObjectID]*Metadata)
	var dims []uint64
	for _, id := range q.Objects() {
		m, err := c.GetObject(ctx, id)
		if err != nil {
			return nil, err
		}
		if dims == nil {
			dims = m.Dims
		} else if !equalDims(dims, m.Dims) {
			return nil, errors.Newf(ErrShapeMismatch, "query combines objects of dims %v and %v", dims, m.Dims)
		}
		metas[id] = m
	}
	var err error
	q.walk(func(leaf *Query) {
		if m := metas[leaf.object]; err == nil && m.DType != leaf.dtype {
			err = NewErrInvalidArgument("query on %s as %s, object holds %s", m.Name, leaf.dtype, m.DType)
		}
	})
	if err != nil {
		return nil, err
	}

	runs, err := c.evalQuery(ctx, q, metas)
	if err != nil {
		return nil, err
	}
	span.LogKV("query", q.String(), "runs", len(runs))
	return NewSelection(dims, runs), nil
}

func equalDims(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// evalQuery evaluates the two sides of AND and OR nodes concurrently.
func (c *Client) evalQuery(ctx context.Context, q *Query, metas map[ObjectID]*Metadata) ([]Run, error) {
	if q.kind == queryCompare {
		return c.evalLeaf(ctx, q, metas[q.object])
	}
	var left, right []Run
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		left, err = c.evalQuery(gctx, q.left, metas)
		return err
	})
	g.Go(func() (err error) {
		right, err = c.evalQuery(gctx, q.right, metas)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if q.kind == queryAnd {
		return IntersectRuns(left, right), nil
	}
	return UnionRuns(left, right), nil
}

// evalLeaf asks every server holding a fragment of m for the matching
// indices of its fragments.
func (c *Client) evalLeaf(ctx context.Context, q *Query, m *Metadata) ([]Run, error) {
	req := &QueryLeafRequest{Object: m, Op: q.op, Value: q.value, Exact: q.exact, Bits: q.bits}
	servers := m.Servers()
	results := make([][]Run, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range servers {
		i, s := i, s
		g.Go(func() error {
			var resp QueryLeafResponse
			if err := c.call(gctx, s, OpQueryLeaf, req, &resp); err != nil {
				return errors.Wrapf(err, "evaluating %s on server %d", q, s)
			}
			results[i] = NormalizeRuns(resp.Runs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var runs []Run
	for _, r := range results {
		runs = UnionRuns(runs, r)
	}
	return runs, nil
}

// GetData reads the elements of object at the indices of sel into out,
// packed in selection order. object must have the dims sel was computed
// over; it need not be an object of the query.
//
// If ctx ends before the reads finish, GetData returns while reads
// already sent to servers may still be copying into out. Such reads are
// abandoned, not cancelled: after an error out still belongs to them and
// must be neither read nor reused.
func (c *Client) GetData(ctx context.Context, object ObjectID, sel *Selection, out []byte) error {
	if sel == nil || sel.Freed() {
		return NewErrInvalidArgument("selection is nil or freed")
	}
	m, err := c.GetObject(ctx, object)
	if err != nil {
		return err
	}
	if !equalDims(m.Dims, sel.Dims) {
		return errors.Newf(ErrShapeMismatch, "selection over dims %v, object %s has dims %v", sel.Dims, m.Name, m.Dims)
	}
	es := uint64(m.DType.Size())
	if uint64(len(out)) < sel.NHits()*es {
		return NewErrInvalidArgument("output of %d bytes too small for %d elements of %s", len(out), sel.NHits(), m.DType)
	}
	span, ctx := tracing.StartSpanFromContext(ctx, "Client.GetData")
	defer span.Finish()

	// Split each run at row boundaries so every piece is a region.
	ndim := len(m.Dims)
	row := m.Dims[ndim-1]
	var ids []TransferID
	defer func() {
		for _, id := range ids {
			if err := c.TransferClose(id); errors.Is(err, ErrTransferNotComplete) {
				c.abandonTransfer(id)
			} else if err != nil {
				c.logger.Warnf("closing gather transfer %d: %v", id, err)
			}
		}
	}()
	var pos uint64
	for _, r := range sel.Runs {
		start, left := r.Start, r.Len
		for left > 0 {
			n := min(left, row-start%row)
			size := make([]uint64, ndim)
			for i := range size {
				size[i] = 1
			}
			size[ndim-1] = n
			remote := &Region{Offset: Coordinate(m.Dims, start), Size: size}
			local := &Region{Offset: make([]uint64, ndim), Size: size}
			id, err := c.createTransfer(m, out[pos*es:(pos+n)*es], Read, local, remote, nil)
			if err != nil {
				return err
			}
			ids = append(ids, id)
			pos += n
			start += n
			left -= n
		}
	}
	span.LogKV("transfers", len(ids))
	if err := c.TransferStartAll(ctx, ids...); err != nil {
		return err
	}
	return c.TransferWaitAll(ctx, ids...)
}
