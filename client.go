package pdc

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/uuid"
	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/logger"
	"github.com/hpc-io/pdc-sub007/placement"
	"github.com/hpc-io/pdc-sub007/transport"
)

// Client is the entry point for applications: object and container
// management, region locks, region transfers and queries. A Client is
// safe for concurrent use; each TransferID should be driven by one
// goroutine at a time.
type Client struct {
	tr       transport.Transport
	nservers int
	id       string
	logger   logger.Logger

	// coalesce packs the sub-requests bound for one server into a single
	// message.
	coalesce bool

	mu        sync.Mutex
	transfers map[TransferID]*transfer
	// closed holds the ids of closed transfers, which are dropped from
	// transfers.
	closed       *roaring64.Bitmap
	nextTransfer atomic.Uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

func OptClientLogger(l logger.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// OptClientCoalesce turns batching of sub-requests per server on or off.
// It is on by default.
func OptClientCoalesce(on bool) ClientOption {
	return func(c *Client) error {
		c.coalesce = on
		return nil
	}
}

// OptClientID sets the id used as the default lock holder.
func OptClientID(id string) ClientOption {
	return func(c *Client) error {
		if id == "" {
			return NewErrInvalidArgument("empty client id")
		}
		c.id = id
		return nil
	}
}

// NewClient returns a client of a cluster of nservers reached through tr.
func NewClient(tr transport.Transport, nservers int, opts ...ClientOption) (*Client, error) {
	if tr == nil {
		return nil, NewErrInvalidArgument("transport required")
	}
	if nservers < 1 || nservers > MaxServers {
		return nil, NewErrInvalidArgument("cluster of %d servers", nservers)
	}
	c := &Client{
		tr:        tr,
		nservers:  nservers,
		id:        uuid.New().String(),
		logger:    logger.NopLogger,
		coalesce:  true,
		transfers: make(map[TransferID]*transfer),
		closed:    roaring64.New(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	return c, nil
}

// ID returns the client id.
func (c *Client) ID() string { return c.id }

// Servers returns the cluster size.
func (c *Client) Servers() int { return c.nservers }

// MetadataServer returns the server holding metadata for name.
func (c *Client) MetadataServer(name string) int {
	return placement.MetadataServer(name, c.nservers)
}

func (c *Client) checkServer(server int) error {
	if server < 0 || server >= c.nservers {
		return NewErrInvalidArgument("server %d not in cluster of %d", server, c.nservers)
	}
	return nil
}

// send encodes req and issues it without waiting.
func (c *Client) send(ctx context.Context, server int, op transport.Op, req interface{}) (*transport.Handle, error) {
	if err := c.checkServer(server); err != nil {
		return nil, err
	}
	payload, err := EncodeMessage(req)
	if err != nil {
		return nil, err
	}
	return c.tr.Send(ctx, server, op, payload)
}

// await waits for h and decodes its payload into resp, if non-nil.
func (c *Client) await(ctx context.Context, h *transport.Handle, resp interface{}) error {
	comp, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	if comp.Err != nil {
		return comp.Err
	}
	if resp == nil {
		return nil
	}
	return DecodeMessage(comp.Payload, resp)
}

func (c *Client) call(ctx context.Context, server int, op transport.Op, req, resp interface{}) error {
	h, err := c.send(ctx, server, op, req)
	if err != nil {
		return err
	}
	return c.await(ctx, h, resp)
}

// broadcast sends req to every server and returns the error of each.
func (c *Client) broadcast(ctx context.Context, op transport.Op, req interface{}, resp func(server int) interface{}) []error {
	errs := make([]error, c.nservers)
	handles := make([]*transport.Handle, c.nservers)
	for s := 0; s < c.nservers; s++ {
		handles[s], errs[s] = c.send(ctx, s, op, req)
	}
	for s, h := range handles {
		if h == nil {
			continue
		}
		var out interface{}
		if resp != nil {
			out = resp(s)
		}
		errs[s] = c.await(ctx, h, out)
	}
	return errs
}

// CreateContainer creates a container on the metadata server of name.
func (c *Client) CreateContainer(ctx context.Context, name string, lifetime Lifetime) (ContainerID, error) {
	var resp ContainerResponse
	if err := c.call(ctx, c.MetadataServer(name), OpCreateContainer, &CreateContainerRequest{Name: name, Lifetime: lifetime}, &resp); err != nil {
		return 0, err
	}
	return resp.Container.ID, nil
}

func (c *Client) GetContainer(ctx context.Context, id ContainerID) (*Container, error) {
	var resp ContainerResponse
	if err := c.call(ctx, id.Server(), OpGetContainer, &GetContainerRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Container, nil
}

func (c *Client) LookupContainer(ctx context.Context, name string) (*Container, error) {
	var resp ContainerResponse
	if err := c.call(ctx, c.MetadataServer(name), OpLookupContainer, &LookupContainerRequest{Name: name}, &resp); err != nil {
		return nil, err
	}
	return resp.Container, nil
}

// DeleteContainer deletes a container and every object in it, on every
// server.
func (c *Client) DeleteContainer(ctx context.Context, id ContainerID) error {
	if err := c.checkServer(id.Server()); err != nil {
		return err
	}
	errs := c.broadcast(ctx, OpDeleteContainer, &DeleteContainerRequest{ID: id}, nil)
	if err := errs[id.Server()]; err != nil {
		return err
	}
	for s, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "deleting container %d on server %d", id, s)
		}
	}
	return nil
}

// CreateObject creates an object. The zero Distribution of spec is
// replaced by a row split over the whole cluster. A non-zero container is
// checked to exist.
func (c *Client) CreateObject(ctx context.Context, spec ObjectSpec) (ObjectID, error) {
	if spec.Distribution.Servers == 0 {
		spec.Distribution.Servers = c.nservers
	}
	if spec.Distribution.Servers > c.nservers {
		return 0, NewErrInvalidArgument("distribution over %d servers in cluster of %d", spec.Distribution.Servers, c.nservers)
	}
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	if spec.Container != 0 {
		if _, err := c.GetContainer(ctx, spec.Container); err != nil {
			return 0, err
		}
	}
	var resp ObjectResponse
	if err := c.call(ctx, c.MetadataServer(spec.Name), OpCreateObject, &CreateObjectRequest{Spec: spec}, &resp); err != nil {
		return 0, err
	}
	return resp.Object.ID, nil
}

// GetObject returns the metadata record of id.
func (c *Client) GetObject(ctx context.Context, id ObjectID) (*Metadata, error) {
	if err := c.checkServer(id.Server()); err != nil {
		return nil, NewErrObjectNotFound(id)
	}
	var resp ObjectResponse
	if err := c.call(ctx, id.Server(), OpGetObject, &GetObjectRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Object, nil
}

// LookupObject finds an object by name and timestep.
func (c *Client) LookupObject(ctx context.Context, name string, timestep int) (*Metadata, error) {
	var resp ObjectResponse
	if err := c.call(ctx, c.MetadataServer(name), OpLookupObject, &LookupObjectRequest{Name: name, Timestep: timestep}, &resp); err != nil {
		return nil, err
	}
	return resp.Object, nil
}

// DeleteObject deletes the record of id and its data on every server.
func (c *Client) DeleteObject(ctx context.Context, id ObjectID) error {
	if err := c.checkServer(id.Server()); err != nil {
		return NewErrObjectNotFound(id)
	}
	// The owner goes first so a missing object does not touch the others.
	var resp ObjectResponse
	if err := c.call(ctx, id.Server(), OpDeleteObject, &DeleteObjectRequest{ID: id}, &resp); err != nil {
		return err
	}
	req := &DeleteObjectRequest{ID: id, Container: resp.Object.Container}
	for s := 0; s < c.nservers; s++ {
		if s == id.Server() {
			continue
		}
		if err := c.call(ctx, s, OpDeleteObject, req, nil); err != nil {
			return errors.Wrapf(err, "deleting object %d data on server %d", id, s)
		}
	}
	return nil
}

func (c *Client) PutTag(ctx context.Context, id ObjectID, tag KVTag) error {
	return c.call(ctx, id.Server(), OpPutTag, &PutTagRequest{ID: id, Tag: tag}, nil)
}

func (c *Client) GetTag(ctx context.Context, id ObjectID, name string) (KVTag, error) {
	var resp TagResponse
	if err := c.call(ctx, id.Server(), OpGetTag, &GetTagRequest{ID: id, Name: name}, &resp); err != nil {
		return KVTag{}, err
	}
	return resp.Tag, nil
}

// QueryObjects returns the records on every server matching f, ordered
// by id.
func (c *Client) QueryObjects(ctx context.Context, f MetadataFilter) ([]*Metadata, error) {
	resps := make([]SelectObjectsResponse, c.nservers)
	errs := c.broadcast(ctx, OpSelectObjects, &SelectObjectsRequest{Filter: f}, func(s int) interface{} { return &resps[s] })
	var out []*Metadata
	for s, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "selecting objects on server %d", s)
		}
		out = append(out, resps[s].Objects...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// lockWaitMargin is the largest share of the caller's remaining time
// kept back from the server's wait, so the server gives up first.
const lockWaitMargin = 50 * time.Millisecond

// ObtainLock acquires a region lock on the metadata server of
// req.Object. An empty Holder means this client. A blocking request waits
// until ctx is done.
//
// If ctx ends before the server answers, the server may still grant the
// lock afterwards; such a grant is released again in the background.
func (c *Client) ObtainLock(ctx context.Context, req LockRequest, blocking bool) error {
	if req.Holder == "" {
		req.Holder = c.id
	}
	msg := &ObtainLockRequest{Lock: req, Blocking: blocking}
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		msg.WaitMillis = max(1, (left - min(left/10, lockWaitMargin)).Milliseconds())
	}
	h, err := c.send(ctx, req.Object.Server(), OpObtainLock, msg)
	if err != nil {
		return err
	}
	comp, err := h.Wait(ctx)
	if err != nil {
		go c.releaseLate(h, req)
		return err
	}
	return comp.Err
}

// releaseLate waits for an obtain the caller stopped waiting for and
// releases the lock if it was granted.
func (c *Client) releaseLate(h *transport.Handle, req LockRequest) {
	<-h.Done()
	if comp, _ := h.Poll(); comp.Err != nil {
		return
	}
	c.logger.Warnf("releasing lock on object %d region %s granted to %s after it stopped waiting", req.Object, req.Region, req.Holder)
	if err := c.ReleaseLock(context.Background(), req); err != nil {
		c.logger.Errorf("releasing late lock on object %d: %v", req.Object, err)
	}
}

// ReleaseLock releases a lock taken with ObtainLock.
func (c *Client) ReleaseLock(ctx context.Context, req LockRequest) error {
	if req.Holder == "" {
		req.Holder = c.id
	}
	return c.call(ctx, req.Object.Server(), OpReleaseLock, &ReleaseLockRequest{Lock: req}, nil)
}

// ObtainLocks acquires several locks in the same fixed order as
// LockManager.ObtainAll and releases them again if one fails.
func (c *Client) ObtainLocks(ctx context.Context, reqs []LockRequest, blocking bool) error {
	sorted := SortLockRequests(reqs)
	for i := range sorted {
		if err := c.ObtainLock(ctx, sorted[i], blocking); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := c.ReleaseLock(ctx, sorted[j]); rerr != nil {
					c.logger.Errorf("rolling back lock on object %d: %v", sorted[j].Object, rerr)
				}
			}
			return err
		}
	}
	return nil
}

// Checkpoint asks server to checkpoint its metadata index.
func (c *Client) Checkpoint(ctx context.Context, server int) (*CheckpointResponse, error) {
	var resp CheckpointResponse
	if err := c.call(ctx, server, OpCheckpoint, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns basic counters of server.
func (c *Client) Status(ctx context.Context, server int) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, server, OpStatus, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close closes open transfers. It does not close the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.transfers {
		if t.state() == TransferStarted {
			c.logger.Warnf("closing client with transfer %d in flight", id)
		}
		delete(c.transfers, id)
		c.closed.Add(uint64(id))
	}
	return nil
}
