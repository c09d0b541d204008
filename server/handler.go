package server

import (
	"context"
	"time"

	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/transport"
	"golang.org/x/sync/errgroup"
)

// batchConcurrency bounds the items of one batch processed at once.
const batchConcurrency = 8

type handlerFunc func(ctx context.Context, s *Server, payload []byte) (interface{}, error)

var handlers = map[transport.Op]handlerFunc{
	pdc.OpCreateContainer: handleCreateContainer,
	pdc.OpGetContainer:    handleGetContainer,
	pdc.OpLookupContainer: handleLookupContainer,
	pdc.OpDeleteContainer: handleDeleteContainer,
	pdc.OpCreateObject:    handleCreateObject,
	pdc.OpGetObject:       handleGetObject,
	pdc.OpLookupObject:    handleLookupObject,
	pdc.OpDeleteObject:    handleDeleteObject,
	pdc.OpPutTag:          handlePutTag,
	pdc.OpGetTag:          handleGetTag,
	pdc.OpSelectObjects:   handleSelectObjects,
	pdc.OpObtainLock:      handleObtainLock,
	pdc.OpReleaseLock:     handleReleaseLock,
	pdc.OpWriteBatch:      handleWriteBatch,
	pdc.OpReadBatch:       handleReadBatch,
	pdc.OpQueryLeaf:       handleQueryLeaf,
	pdc.OpCheckpoint:      handleCheckpoint,
	pdc.OpStatus:          handleStatus,
}

func handleCreateContainer(_ context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.CreateContainerRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	id, err := s.index.CreateContainer(req.Name, req.Lifetime)
	if err != nil {
		return nil, err
	}
	c, err := s.index.GetContainer(id)
	if err != nil {
		return nil, err
	}
	return &pdc.ContainerResponse{Container: c}, nil
}

func handleGetContainer(_ context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.GetContainerRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	c, err := s.index.GetContainer(req.ID)
	if err != nil {
		return nil, err
	}
	return &pdc.ContainerResponse{Container: c}, nil
}

func handleLookupContainer(_ context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.LookupContainerRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	c, err := s.index.LookupContainer(req.Name)
	if err != nil {
		return nil, err
	}
	return &pdc.ContainerResponse{Container: c}, nil
}

// handleDeleteContainer drops the container record if this server owns
// it, and the records and fragments of its objects held here either way.
func handleDeleteContainer(_ context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.DeleteContainerRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	if req.ID.Server() == s.id {
		if err := s.index.DeleteContainer(req.ID); err != nil {
			return nil, err
		}
	}
	ids := s.index.DeleteByContainer(req.ID)
	for _, id := range ids {
		s.locks.DropObject(id)
	}
	n := s.dropContainer(req.ID)
	s.logger.Debugf("deleted container %d: %d objects, %d fragments", req.ID, len(ids), n)
	return &pdc.DeleteContainerResponse{Objects: ids}, nil
}

func handleCreateObject(_ context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.CreateObjectRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	if req.Spec.Distribution.Servers > s.nservers {
		return nil, pdc.NewErrInvalidArgument("distribution over %d servers in cluster of %d", req.Spec.Distribution.Servers, s.nservers)
	}
	id, err := s.index.Create(req.Spec)
	if err != nil {
		return nil, err
	}
	m, err := s.index.Get(id)
	if err != nil {
		return nil, err
	}
	return &pdc.ObjectResponse{Object: m}, nil
}

func handleGetObject(_ context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.GetObjectRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	m, err := s.index.Get(req.ID)
	if err != nil {
		return nil, err
	}
	return &pdc.ObjectResponse{Object: m}, nil
}

func handleLookupObject(_ context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.LookupObjectRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	m, err := s.index.LookupByNameTimestep(req.Name, req.Timestep)
	if err != nil {
		return nil, err
	}
	return &pdc.ObjectResponse{Object: m}, nil
}

// handleDeleteObject deletes the record on its owner and the fragments
// of the object everywhere.
func handleDeleteObject(_ context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.DeleteObjectRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	if req.ID.Server() != s.id {
		s.dropObject(req.Container, req.ID)
		return &pdc.ObjectResponse{}, nil
	}
	m, err := s.index.Get(req.ID)
	if err != nil {
		return nil, err
	}
	if err := s.index.Delete(req.ID); err != nil {
		return nil, err
	}
	s.locks.DropObject(req.ID)
	s.dropObject(m.Container, req.ID)
	return &pdc.ObjectResponse{Object: m}, nil
}

func handlePutTag(_ context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.PutTagRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	if err := s.index.PutTag(req.ID, req.Tag); err != nil {
		return nil, err
	}
	return &pdc.TagResponse{Tag: req.Tag}, nil
}

func handleGetTag(_ context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.GetTagRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	tag, err := s.index.GetTag(req.ID, req.Name)
	if err != nil {
		return nil, err
	}
	return &pdc.TagResponse{Tag: tag}, nil
}

func handleSelectObjects(_ context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.SelectObjectsRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	return &pdc.SelectObjectsResponse{Objects: s.index.Select(req.Filter)}, nil
}

// handleObtainLock waits at most WaitMillis, or the server's maximum
// wait when the request names none.
func handleObtainLock(ctx context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.ObtainLockRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	if req.Lock.Object.Server() != s.id {
		return nil, pdc.NewErrInvalidArgument("locks on object %d are held by server %d", req.Lock.Object, req.Lock.Object.Server())
	}
	if _, err := s.index.Get(req.Lock.Object); err != nil {
		return nil, err
	}
	if req.Blocking {
		wait := s.lockMaxWait
		if req.WaitMillis > 0 {
			wait = time.Duration(req.WaitMillis) * time.Millisecond
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	if err := s.locks.Obtain(ctx, req.Lock, req.Blocking); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleReleaseLock(_ context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.ReleaseLockRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	if err := s.locks.Release(req.Lock); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// processBatch applies fn to every item. Item failures are reported in
// their result, never as an error of the whole batch.
func processBatch(ctx context.Context, items []pdc.BatchItem, fn func(it *pdc.BatchItem) ([]byte, error)) *pdc.BatchResponse {
	resp := &pdc.BatchResponse{Results: make([]pdc.BatchResult, len(items))}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i := range items {
		i := i
		g.Go(func() error {
			data, err := fn(&items[i])
			if err != nil {
				resp.Results[i].Err = errors.MarshalJSON(err)
				return nil
			}
			resp.Results[i].Data = data
			return nil
		})
	}
	_ = g.Wait()
	return resp
}

func handleWriteBatch(ctx context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.BatchRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	return processBatch(ctx, req.Items, func(it *pdc.BatchItem) ([]byte, error) {
		return nil, s.writeItem(it)
	}), nil
}

func handleReadBatch(ctx context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.BatchRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	return processBatch(ctx, req.Items, s.readItem), nil
}

func handleQueryLeaf(_ context.Context, s *Server, payload []byte) (interface{}, error) {
	var req pdc.QueryLeafRequest
	if err := pdc.DecodeMessage(payload, &req); err != nil {
		return nil, err
	}
	m := req.Object
	if m == nil {
		return nil, pdc.NewErrInvalidArgument("query leaf without object")
	}
	if !req.Op.Valid() {
		return nil, pdc.NewErrInvalidArgument("unknown comparison operator %d", req.Op)
	}
	if req.Exact && m.DType != pdc.Int64 && m.DType != pdc.Uint64 {
		return nil, pdc.NewErrInvalidArgument("exact literal on %s object %s", m.DType, m.Name)
	}
	frags := m.Distribution.FragmentsOn(m.Dims, s.id)
	var runs []pdc.Run
	for _, frag := range frags {
		r, err := s.evalFragment(m, frag, &req)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluating fragment %d of %s", frag.Index, m.Name)
		}
		runs = pdc.UnionRuns(runs, r)
	}
	return &pdc.QueryLeafResponse{Runs: runs, Fragments: len(frags)}, nil
}

func handleCheckpoint(_ context.Context, s *Server, _ []byte) (interface{}, error) {
	return s.Checkpoint()
}

func handleStatus(_ context.Context, s *Server, _ []byte) (interface{}, error) {
	return s.Status(), nil
}
