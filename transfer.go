package pdc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/tracing"
	"github.com/hpc-io/pdc-sub007/transport"
)

// Direction is the direction of a region transfer.
type Direction uint8

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// TransferID identifies a transfer within one Client.
type TransferID uint64

// TransferState is the lifecycle state of a transfer.
type TransferState uint8

const (
	TransferCreated TransferState = iota
	TransferStarted
	TransferCompleted
	TransferClosed
)

func (s TransferState) String() string {
	switch s {
	case TransferCreated:
		return "CREATED"
	case TransferStarted:
		return "STARTED"
	case TransferCompleted:
		return "COMPLETED"
	case TransferClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("state(%d)", s)
}

// TransferOption configures TransferCreate.
type TransferOption func(*transferOptions)

type transferOptions struct {
	bufDims []uint64
}

// WithBufferDims declares the local buffer to be a row-major array of
// shape dims, with the local region placed inside it at its offset.
// Without it the buffer holds exactly the local region and the local
// offset is ignored.
func WithBufferDims(dims []uint64) TransferOption {
	return func(o *transferOptions) { o.bufDims = append([]uint64(nil), dims...) }
}

// byteRange is a span of the local buffer.
type byteRange struct {
	off, n uint64
}

type subRequest struct {
	index    int
	t        *transfer
	server   int
	fragment Fragment
	// region is in object coordinates.
	region *Region
	ranges []byteRange
	nbytes uint64

	// err is written before done is set and read only after.
	err  error
	done atomic.Bool
}

type transfer struct {
	id      TransferID
	dir     Direction
	buf     []byte
	object  *Metadata
	local   *Region
	remote  *Region
	bufDims []uint64
	subs    []*subRequest

	mu sync.Mutex
	st TransferState
	// finished is closed when outstanding reaches zero.
	finished    chan struct{}
	outstanding atomic.Int64
}

func (t *transfer) state() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st
}

// SubRequestStatus describes one sub-request of a transfer.
type SubRequestStatus struct {
	Index  int
	Server int
	Region *Region
	Bytes  uint64
	Done   bool
	Err    error
}

// TransferCreate prepares a transfer between buf and the remote region
// of object. local and remote must have the same size in every
// dimension. Nothing is sent until TransferStart.
func (c *Client) TransferCreate(ctx context.Context, buf []byte, dir Direction, object ObjectID, local, remote *Region, opts ...TransferOption) (TransferID, error) {
	if err := local.Validate(); err != nil {
		return 0, errors.Wrap(err, "local region")
	}
	if err := remote.Validate(); err != nil {
		return 0, errors.Wrap(err, "remote region")
	}
	if !local.SameShape(remote) {
		return 0, NewErrShapeMismatch(local, remote)
	}
	meta, err := c.GetObject(ctx, object)
	if err != nil {
		return 0, err
	}
	var o transferOptions
	for _, opt := range opts {
		opt(&o)
	}
	return c.createTransfer(meta, buf, dir, local, remote, o.bufDims)
}

func (c *Client) createTransfer(meta *Metadata, buf []byte, dir Direction, local, remote *Region, bufDims []uint64) (TransferID, error) {
	if dir != Read && dir != Write {
		return 0, NewErrInvalidArgument("unknown direction %d", dir)
	}
	if remote.NDim() != meta.NDim() {
		return 0, NewErrInvalidArgument("region of %d dimensions on object %s of %d", remote.NDim(), meta.Name, meta.NDim())
	}
	if !remote.InBounds(meta.Dims) {
		return 0, NewErrInvalidArgument("region %s exceeds dims %v of object %s", remote, meta.Dims, meta.Name)
	}

	localOffset := make([]uint64, local.NDim())
	if bufDims == nil {
		bufDims = append([]uint64(nil), local.Size...)
	} else {
		if !local.InBounds(bufDims) {
			return 0, NewErrInvalidArgument("local region %s exceeds buffer dims %v", local, bufDims)
		}
		copy(localOffset, local.Offset)
	}
	es := uint64(meta.DType.Size())
	if nb, ok := ByteCount(bufDims, meta.DType); !ok || uint64(len(buf)) < nb {
		return 0, NewErrInvalidArgument("buffer of %d bytes too small for %v elements of %s", len(buf), bufDims, meta.DType)
	}

	t := &transfer{
		id:      TransferID(c.nextTransfer.Add(1)),
		dir:     dir,
		buf:     buf,
		object:  meta,
		local:   local.Clone(),
		remote:  remote.Clone(),
		bufDims: bufDims,
	}
	t.subs = decompose(t, localOffset, es)

	c.mu.Lock()
	c.transfers[t.id] = t
	c.mu.Unlock()
	return t.id, nil
}

// decompose intersects the remote region with the fragments of the
// object it touches. Each intersection becomes a sub-request with the byte ranges
// of the local buffer that hold its elements, in row-major order of the
// intersection.
func decompose(t *transfer, localOffset []uint64, es uint64) []*subRequest {
	var subs []*subRequest
	lc := make([]uint64, t.remote.NDim())
	for _, frag := range t.object.Distribution.FragmentsIn(t.object.Dims, t.remote) {
		region, ok := Intersect(t.remote, frag.Region)
		if !ok {
			continue
		}
		sub := &subRequest{
			index:    len(subs),
			t:        t,
			server:   frag.Server,
			fragment: frag,
			region:   region,
		}
		_ = ForEachRow(region, func(start []uint64, n uint64) error {
			for i := range start {
				lc[i] = start[i] - t.remote.Offset[i] + localOffset[i]
			}
			r := byteRange{off: LinearIndex(t.bufDims, lc) * es, n: n * es}
			if k := len(sub.ranges); k > 0 && sub.ranges[k-1].off+sub.ranges[k-1].n == r.off {
				sub.ranges[k-1].n += r.n
			} else {
				sub.ranges = append(sub.ranges, r)
			}
			sub.nbytes += r.n
			return nil
		})
		subs = append(subs, sub)
	}
	return subs
}

func (c *Client) lookupTransfer(id TransferID) (*transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transfers[id]
	if !ok {
		if c.closed.Contains(uint64(id)) {
			return nil, errors.Newf(ErrAlreadyClosed, "transfer %d is already closed", id)
		}
		return nil, errors.Newf(ErrNotFound, "transfer %d not found", id)
	}
	return t, nil
}

// TransferStart issues every sub-request of a transfer and returns
// without waiting. Sub-requests run concurrently and complete in any
// order.
func (c *Client) TransferStart(ctx context.Context, id TransferID) error {
	return c.TransferStartAll(ctx, id)
}

// TransferStartAll starts several transfers at once. With coalescing on,
// the sub-requests of all of them bound for one server travel in one
// message.
func (c *Client) TransferStartAll(ctx context.Context, ids ...TransferID) error {
	span, ctx := tracing.StartSpanFromContext(ctx, "Client.TransferStart")
	defer span.Finish()

	// Transfers are locked in id order so concurrent calls with
	// overlapping sets cannot deadlock.
	ts := make([]*transfer, 0, len(ids))
	for _, id := range ids {
		t, err := c.lookupTransfer(id)
		if err != nil {
			return err
		}
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].id < ts[j].id })
	for i := 1; i < len(ts); i++ {
		if ts[i].id == ts[i-1].id {
			return NewErrInvalidArgument("transfer %d given twice", ts[i].id)
		}
	}
	// Check every transfer before starting any.
	for _, t := range ts {
		t.mu.Lock()
	}
	for _, t := range ts {
		if t.st != TransferCreated {
			err := NewErrInvalidState(t.id, "start", t.st)
			if t.st == TransferClosed {
				err = errors.Newf(ErrAlreadyClosed, "transfer %d is closed", t.id)
			}
			for _, u := range ts {
				u.mu.Unlock()
			}
			return err
		}
	}
	var subs []*subRequest
	for _, t := range ts {
		t.st = TransferStarted
		t.arm(len(t.subs))
		subs = append(subs, t.subs...)
		CounterTransfers.WithLabelValues(t.dir.String()).Inc()
		t.mu.Unlock()
	}
	span.LogKV("transfers", len(ts), "subrequests", len(subs))
	c.issue(ctx, subs)
	return nil
}

// arm prepares t to wait for n sub-requests. t.mu must be held.
func (t *transfer) arm(n int) {
	t.finished = make(chan struct{})
	t.outstanding.Store(int64(n))
	if n == 0 {
		close(t.finished)
	}
}

func (s *subRequest) complete(err error) {
	s.err = err
	s.done.Store(true)
	if err != nil {
		CounterSubRequests.WithLabelValues("error").Inc()
	} else {
		CounterSubRequests.WithLabelValues("ok").Inc()
		CounterTransferBytes.WithLabelValues(s.t.dir.String()).Add(float64(s.nbytes))
	}
	if s.t.outstanding.Add(-1) == 0 {
		close(s.t.finished)
	}
}

type batchKey struct {
	server int
	dir    Direction
}

// issue sends subs, grouped into one message per server and direction
// when coalescing, and registers completion callbacks.
func (c *Client) issue(ctx context.Context, subs []*subRequest) {
	var groups [][]*subRequest
	if c.coalesce {
		index := make(map[batchKey]int)
		for _, s := range subs {
			k := batchKey{server: s.server, dir: s.t.dir}
			i, ok := index[k]
			if !ok {
				i = len(groups)
				index[k] = i
				groups = append(groups, nil)
			}
			groups[i] = append(groups[i], s)
		}
	} else {
		for _, s := range subs {
			groups = append(groups, []*subRequest{s})
		}
	}

	for _, g := range groups {
		op := OpReadBatch
		if g[0].t.dir == Write {
			op = OpWriteBatch
		}
		req := &BatchRequest{Items: make([]BatchItem, len(g))}
		for i, s := range g {
			req.Items[i] = s.item()
		}
		CounterBatchMessages.Inc()
		h, err := c.send(ctx, g[0].server, op, req)
		if err != nil {
			for _, s := range g {
				s.complete(err)
			}
			continue
		}
		go c.collect(h, g)
	}
}

// item builds the wire form of s, gathering write data from the buffer.
func (s *subRequest) item() BatchItem {
	it := BatchItem{
		Object:    s.t.object.ID,
		Container: s.t.object.Container,
		DType:     s.t.object.DType,
		Fragment:  s.fragment,
		Region:    s.region,
	}
	if s.t.dir == Write {
		it.Data = make([]byte, 0, s.nbytes)
		for _, r := range s.ranges {
			it.Data = append(it.Data, s.t.buf[r.off:r.off+r.n]...)
		}
	}
	return it
}

// collect waits for the reply to one message and completes its
// sub-requests.
func (c *Client) collect(h *transport.Handle, g []*subRequest) {
	<-h.Done()
	comp, _ := h.Poll()
	if comp.Err != nil {
		for _, s := range g {
			s.complete(comp.Err)
		}
		return
	}
	var resp BatchResponse
	if err := DecodeMessage(comp.Payload, &resp); err != nil {
		for _, s := range g {
			s.complete(err)
		}
		return
	}
	if len(resp.Results) != len(g) {
		err := errors.Newf(ErrCorrupt, "batch reply has %d results for %d items", len(resp.Results), len(g))
		for _, s := range g {
			s.complete(err)
		}
		return
	}
	for i, s := range g {
		res := &resp.Results[i]
		if err := res.Error(); err != nil {
			s.complete(err)
			continue
		}
		if s.t.dir == Read {
			s.complete(s.scatter(res.Data))
			continue
		}
		s.complete(nil)
	}
}

// scatter copies read data into the buffer.
func (s *subRequest) scatter(data []byte) error {
	if uint64(len(data)) != s.nbytes {
		return errors.Newf(ErrCorrupt, "sub-request %d of transfer %d: got %d bytes, want %d", s.index, s.t.id, len(data), s.nbytes)
	}
	var pos uint64
	for _, r := range s.ranges {
		copy(s.t.buf[r.off:r.off+r.n], data[pos:pos+r.n])
		pos += r.n
	}
	return nil
}

// TransferWait blocks until every sub-request of a started transfer has
// completed or ctx is done. If any sub-request failed the error is a
// *TransferError; the others have still completed.
func (c *Client) TransferWait(ctx context.Context, id TransferID) error {
	t, err := c.lookupTransfer(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	switch t.st {
	case TransferCreated:
		t.mu.Unlock()
		return NewErrInvalidState(id, "wait", t.st)
	case TransferClosed:
		t.mu.Unlock()
		return errors.Newf(ErrAlreadyClosed, "transfer %d is closed", id)
	}
	finished := t.finished
	t.mu.Unlock()

	span, ctx := tracing.StartSpanFromContext(ctx, "Client.TransferWait")
	defer span.Finish()
	begin := time.Now()
	select {
	case <-finished:
	case <-ctx.Done():
		return errors.Newf(ErrTimeout, "waiting for transfer %d: %v", id, ctx.Err())
	}
	HistogramTransferWait.Observe(time.Since(begin).Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st == TransferStarted {
		t.st = TransferCompleted
	}
	return t.result()
}

// result collects the failed sub-requests. t.mu must be held.
func (t *transfer) result() error {
	var te *TransferError
	for _, s := range t.subs {
		if s.done.Load() && s.err != nil {
			if te == nil {
				te = &TransferError{ID: t.id, Cause: s.err}
			}
			te.Failed = append(te.Failed, s.index)
		}
	}
	if te == nil {
		return nil
	}
	return te
}

// TransferWaitAll waits for several transfers and returns the first
// error. It always waits for all of them unless ctx is done.
func (c *Client) TransferWaitAll(ctx context.Context, ids ...TransferID) error {
	var first error
	for _, id := range ids {
		if err := c.TransferWait(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// TransferStatus reports each sub-request of a transfer.
func (c *Client) TransferStatus(id TransferID) ([]SubRequestStatus, error) {
	t, err := c.lookupTransfer(id)
	if err != nil {
		return nil, err
	}
	// TransferRetry resets sub-requests with t.mu held.
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st == TransferClosed {
		return nil, errors.Newf(ErrAlreadyClosed, "transfer %d is closed", id)
	}
	out := make([]SubRequestStatus, len(t.subs))
	for i, s := range t.subs {
		out[i] = SubRequestStatus{Index: s.index, Server: s.server, Region: s.region.Clone(), Bytes: s.nbytes}
		if s.done.Load() {
			out[i].Done = true
			out[i].Err = s.err
		}
	}
	return out, nil
}

// TransferRetry re-issues the failed sub-requests of a completed
// transfer. Wait for it again with TransferWait.
func (c *Client) TransferRetry(ctx context.Context, id TransferID) error {
	t, err := c.lookupTransfer(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.st != TransferCompleted {
		st := t.st
		t.mu.Unlock()
		return NewErrInvalidState(id, "retry", st)
	}
	var failed []*subRequest
	for _, s := range t.subs {
		if s.err != nil {
			failed = append(failed, s)
		}
	}
	if len(failed) == 0 {
		t.mu.Unlock()
		return nil
	}
	for _, s := range failed {
		s.done.Store(false)
		s.err = nil
	}
	t.st = TransferStarted
	t.arm(len(failed))
	t.mu.Unlock()

	c.logger.Infof("retrying %d of %d sub-requests of transfer %d", len(failed), len(t.subs), id)
	c.issue(ctx, failed)
	return nil
}

// TransferClose releases a transfer. A started transfer must be waited
// for first.
func (c *Client) TransferClose(id TransferID) error {
	t, err := c.lookupTransfer(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	switch t.st {
	case TransferStarted:
		t.mu.Unlock()
		return errors.Newf(ErrTransferNotComplete, "transfer %d has not been waited for", id)
	case TransferClosed:
		t.mu.Unlock()
		return errors.Newf(ErrAlreadyClosed, "transfer %d is already closed", id)
	}
	t.st = TransferClosed
	t.subs, t.buf = nil, nil
	t.mu.Unlock()

	c.mu.Lock()
	delete(c.transfers, id)
	c.closed.Add(uint64(id))
	c.mu.Unlock()
	return nil
}

// abandonTransfer drops a transfer that was started but never waited
// for. Its sub-requests still complete into the buffer.
func (c *Client) abandonTransfer(id TransferID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.transfers[id]; ok {
		c.logger.Warnf("abandoning transfer %d in flight", id)
		delete(c.transfers, id)
		c.closed.Add(uint64(id))
	}
}
