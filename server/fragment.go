package server

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/storage"
)

type fragmentKey struct {
	object pdc.ObjectID
	index  int
}

// fragment is the stored part of one object on this server.
type fragment struct {
	mu        sync.RWMutex
	container pdc.ContainerID
	dtype     pdc.DataType
	region    *pdc.Region
	data      storage.Adapter

	// index is built on first query and dropped on write.
	index *pdc.RangeIndex
}

// offset returns the byte offset in the fragment of the element at the
// object coordinate coord.
func (f *fragment) offset(coord []uint64) int64 {
	local := make([]uint64, len(coord))
	for i := range coord {
		local[i] = coord[i] - f.region.Offset[i]
	}
	return int64(pdc.LinearIndex(f.region.Size, local) * uint64(f.dtype.Size()))
}

func (f *fragment) values() ([]float64, error) {
	b := make([]byte, f.data.Size())
	if _, err := f.data.ReadAt(b, 0); err != nil {
		return nil, err
	}
	return f.dtype.DecodeValues(b), nil
}

// raw returns the little-endian bits of each element of an 8-byte type.
func (f *fragment) raw() ([]uint64, error) {
	b := make([]byte, f.data.Size())
	if _, err := f.data.ReadAt(b, 0); err != nil {
		return nil, err
	}
	out := make([]uint64, len(b)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[8*i:])
	}
	return out, nil
}

func (s *Server) containerDir(container pdc.ContainerID) string {
	return filepath.Join(s.dataDir, "fragments", fmt.Sprintf("%016x", uint64(container)))
}

func (s *Server) objectDir(container pdc.ContainerID, object pdc.ObjectID) string {
	return filepath.Join(s.containerDir(container), fmt.Sprintf("%016x", uint64(object)))
}

// fragment returns the fragment of an item. Without create a fragment
// that was never written is returned as nil.
func (s *Server) fragment(object pdc.ObjectID, container pdc.ContainerID, dtype pdc.DataType, frag pdc.Fragment, create bool) (*fragment, error) {
	key := fragmentKey{object: object, index: frag.Index}
	s.mu.RLock()
	f := s.fragments[key]
	s.mu.RUnlock()
	if f != nil {
		return f, nil
	}

	var path string
	if s.storage.Backend == storage.FileBackend {
		path = filepath.Join(s.objectDir(container, object), fmt.Sprint(frag.Index))
		if !create {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return nil, nil
			}
		}
	} else if !create {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f := s.fragments[key]; f != nil {
		return f, nil
	}
	size, ok := pdc.ByteCount(frag.Region.Size, dtype)
	if !ok {
		return nil, pdc.NewErrInvalidArgument("fragment %s of %s is too large", frag.Region, dtype)
	}
	data, err := storage.Open(&s.storage, path, int64(size))
	if err != nil {
		return nil, errors.Wrapf(err, "opening fragment %d of object %d", frag.Index, object)
	}
	f = &fragment{container: container, dtype: dtype, region: frag.Region.Clone(), data: data}
	s.fragments[key] = f
	return f, nil
}

// checkItem validates a batch item against this server.
func (s *Server) checkItem(it *pdc.BatchItem, write bool) error {
	switch {
	case it.Fragment.Server != s.id:
		return errors.Newf(pdc.ErrInvalidArgument, "fragment %d of object %d belongs to server %d, not %d", it.Fragment.Index, it.Object, it.Fragment.Server, s.id)
	case it.Fragment.Region == nil || it.Region == nil:
		return pdc.NewErrInvalidArgument("batch item without region")
	case !it.DType.Valid():
		return pdc.NewErrInvalidArgument("invalid data type %d", it.DType)
	}
	if err := it.Region.Validate(); err != nil {
		return err
	}
	if !it.Fragment.Region.Contains(it.Region) {
		return pdc.NewErrInvalidArgument("region %s outside fragment %s", it.Region, it.Fragment.Region)
	}
	if _, ok := pdc.ByteCount(it.Fragment.Region.Size, it.DType); !ok {
		return pdc.NewErrInvalidArgument("fragment %s of %s is too large", it.Fragment.Region, it.DType)
	}
	if write {
		if want, _ := pdc.ByteCount(it.Region.Size, it.DType); uint64(len(it.Data)) != want {
			return pdc.NewErrInvalidArgument("write of %d bytes to region %s of %d bytes", len(it.Data), it.Region, want)
		}
	}
	return nil
}

func (s *Server) writeItem(it *pdc.BatchItem) error {
	if err := s.checkItem(it, true); err != nil {
		return err
	}
	f, err := s.fragment(it.Object, it.Container, it.DType, it.Fragment, true)
	if err != nil {
		return err
	}
	es := uint64(it.DType.Size())
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index = nil
	var pos uint64
	return pdc.ForEachRow(it.Region, func(start []uint64, n uint64) error {
		if _, err := f.data.WriteAt(it.Data[pos:pos+n*es], f.offset(start)); err != nil {
			return err
		}
		pos += n * es
		return nil
	})
}

func (s *Server) readItem(it *pdc.BatchItem) ([]byte, error) {
	if err := s.checkItem(it, false); err != nil {
		return nil, err
	}
	f, err := s.fragment(it.Object, it.Container, it.DType, it.Fragment, false)
	if err != nil {
		return nil, err
	}
	es := uint64(it.DType.Size())
	out := make([]byte, it.Region.Elements()*es)
	if f == nil {
		return out, nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	var pos uint64
	err = pdc.ForEachRow(it.Region, func(start []uint64, n uint64) error {
		if _, err := f.data.ReadAt(out[pos:pos+n*es], f.offset(start)); err != nil {
			return err
		}
		pos += n * es
		return nil
	})
	return out, err
}

// evalFragment returns the runs of object-global indices in frag whose
// value satisfies the leaf. Unwritten fragments hold zeros.
func (s *Server) evalFragment(m *pdc.Metadata, frag pdc.Fragment, leaf *pdc.QueryLeafRequest) ([]pdc.Run, error) {
	op, x := leaf.Op, leaf.Value
	var match func(v uint64) bool
	if leaf.Exact {
		match = leaf.Matcher(m.DType)
	}

	f, err := s.fragment(m.ID, m.Container, m.DType, frag, false)
	if err != nil {
		return nil, err
	}
	if f == nil {
		pdc.CounterQueryLeaves.WithLabelValues("unwritten").Inc()
		if (match != nil && !match(0)) || (match == nil && !op.Match(0, x)) {
			return nil, nil
		}
		return regionRuns(m.Dims, frag.Region), nil
	}

	if !s.rangeIndex {
		f.mu.RLock()
		defer f.mu.RUnlock()
		pdc.CounterQueryLeaves.WithLabelValues("scan").Inc()
		if match != nil {
			raw, err := f.raw()
			if err != nil {
				return nil, err
			}
			hits := roaring64.New()
			for i, v := range raw {
				if match(v) {
					hits.Add(uint64(i))
				}
			}
			return pdc.FragmentRuns(m.Dims, f.region, hits), nil
		}
		vals, err := f.values()
		if err != nil {
			return nil, err
		}
		return pdc.FragmentRuns(m.Dims, f.region, pdc.ScanValues(vals, op, x)), nil
	}

	pdc.CounterQueryLeaves.WithLabelValues("index").Inc()
	eval := func(idx *pdc.RangeIndex) ([]pdc.Run, error) {
		if match == nil {
			return pdc.FragmentRuns(m.Dims, f.region, idx.Eval(op, x)), nil
		}
		raw, err := f.raw()
		if err != nil {
			return nil, err
		}
		hits := idx.EvalExact(op, x, func(i uint64) bool { return match(raw[i]) })
		return pdc.FragmentRuns(m.Dims, f.region, hits), nil
	}
	f.mu.RLock()
	if idx := f.index; idx != nil {
		defer f.mu.RUnlock()
		return eval(idx)
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index == nil {
		vals, err := f.values()
		if err != nil {
			return nil, err
		}
		f.index = pdc.BuildRangeIndex(vals, s.rangeBins)
	}
	return eval(f.index)
}

// regionRuns returns the object-global indices of every element of r.
func regionRuns(dims []uint64, r *pdc.Region) []pdc.Run {
	var runs []pdc.Run
	_ = pdc.ForEachRow(r, func(start []uint64, n uint64) error {
		runs = append(runs, pdc.Run{Start: pdc.LinearIndex(dims, start), Len: n})
		return nil
	})
	return pdc.NormalizeRuns(runs)
}

// dropObject removes every fragment of object held here.
func (s *Server) dropObject(container pdc.ContainerID, object pdc.ObjectID) int {
	dir := ""
	if s.dataDir != "" {
		dir = s.objectDir(container, object)
	}
	return s.removeFragments(func(k fragmentKey, _ *fragment) bool { return k.object == object }, dir)
}

// dropContainer removes every fragment of the objects of container.
func (s *Server) dropContainer(container pdc.ContainerID) int {
	dir := ""
	if s.dataDir != "" {
		dir = s.containerDir(container)
	}
	return s.removeFragments(func(_ fragmentKey, f *fragment) bool { return f.container == container }, dir)
}
