// Package server contains the data server of a PDC cluster and the
// `pdc server` subcommand that runs it. A Server owns the metadata
// records whose names hash to it, the locks on those objects, and the
// fragments of any object placed on it.
package server

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/hpc-io/pdc-sub007/boltdb"
	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/logger"
	"github.com/hpc-io/pdc-sub007/storage"
	"github.com/hpc-io/pdc-sub007/transport"
)

// Server is one PDC data server. It implements transport.Handler.
type Server struct {
	id       int
	nservers int

	index *pdc.MetadataIndex
	locks *pdc.LockManager

	dataDir            string
	storage            storage.Config
	checkpoints        *boltdb.CheckpointStore
	checkpointInterval time.Duration
	checkpointKeep     int
	lockMaxWait        time.Duration
	rangeIndex         bool
	rangeBins          int

	mu        sync.RWMutex
	fragments map[fragmentKey]*fragment

	lastCheckpoint atomic.Uint64

	closing chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	logger logger.Logger
}

var _ transport.Handler = (*Server)(nil)

// ServerOption is a functional option type for Server.
type ServerOption func(s *Server) error

// OptServerID places the server at position id of a cluster of n.
func OptServerID(id, n int) ServerOption {
	return func(s *Server) error {
		if n < 1 || n > pdc.MaxServers || id < 0 || id >= n {
			return errors.Newf(pdc.ErrInvalidArgument, "server %d of %d", id, n)
		}
		s.id, s.nservers = id, n
		return nil
	}
}

func OptServerLogger(l logger.Logger) ServerOption {
	return func(s *Server) error {
		s.logger = l
		return nil
	}
}

// OptServerDataDir enables the on-disk checkpoint store and file-backed
// fragments under dir.
func OptServerDataDir(dir string) ServerOption {
	return func(s *Server) error {
		s.dataDir = dir
		return nil
	}
}

func OptServerStorage(cfg storage.Config) ServerOption {
	return func(s *Server) error {
		s.storage = cfg
		return nil
	}
}

// OptServerCheckpoint sets the interval of the checkpoint loop and how
// many checkpoints are kept. A zero interval disables the loop.
func OptServerCheckpoint(interval time.Duration, keep int) ServerOption {
	return func(s *Server) error {
		s.checkpointInterval, s.checkpointKeep = interval, keep
		return nil
	}
}

func OptServerLockLease(d time.Duration) ServerOption {
	return func(s *Server) error {
		s.locks.Lease = d
		return nil
	}
}

// OptServerLockMaxWait bounds blocking lock requests without a deadline.
func OptServerLockMaxWait(d time.Duration) ServerOption {
	return func(s *Server) error {
		s.lockMaxWait = d
		return nil
	}
}

// OptServerRangeIndex toggles range indexes on fragments.
func OptServerRangeIndex(on bool, bins int) ServerOption {
	return func(s *Server) error {
		s.rangeIndex, s.rangeBins = on, bins
		return nil
	}
}

// NewServer returns a new instance of Server.
func NewServer(opts ...ServerOption) (*Server, error) {
	s := &Server{
		nservers:       1,
		locks:          pdc.NewLockManager(),
		storage:        *storage.NewDefaultConfig(),
		checkpointKeep: boltdb.DefaultKeep,
		lockMaxWait:    30 * time.Second,
		rangeIndex:     true,
		rangeBins:      pdc.DefaultRangeIndexBins,
		fragments:      make(map[fragmentKey]*fragment),
		closing:        make(chan struct{}),
		logger:         logger.NopLogger,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	s.logger = s.logger.WithPrefix("server" + strconv.Itoa(s.id) + ": ")
	s.locks.Logger = s.logger
	s.index = pdc.NewMetadataIndex(s.id, pdc.OptIndexLogger(s.logger))
	return s, nil
}

// ID returns the server's position in the cluster.
func (s *Server) ID() int { return s.id }

// Index returns the server's metadata index.
func (s *Server) Index() *pdc.MetadataIndex { return s.index }

// Locks returns the server's lock manager.
func (s *Server) Locks() *pdc.LockManager { return s.locks }

// Open restores the latest checkpoint, if any, and starts the checkpoint
// loop.
func (s *Server) Open() error {
	if s.dataDir != "" {
		store, err := boltdb.OpenCheckpointStore(filepath.Join(s.dataDir, "checkpoints.db"), s.storage.FsyncEnabled)
		if err != nil {
			return errors.Wrap(err, "opening checkpoint store")
		}
		store.Keep = s.checkpointKeep
		s.checkpoints = store

		epoch, blob, ok, err := store.Latest()
		if err != nil {
			return errors.Wrap(err, "reading checkpoint")
		}
		if ok {
			if err := s.index.Restore(blob); err != nil {
				return errors.Wrapf(err, "restoring checkpoint %d", epoch)
			}
			s.lastCheckpoint.Store(epoch)
			s.logger.Infof("restored checkpoint %d with %d objects", epoch, s.index.Len())
		}
	}

	if s.checkpoints != nil && s.checkpointInterval > 0 {
		s.wg.Add(1)
		go s.monitorCheckpoints()
	}
	return nil
}

func (s *Server) monitorCheckpoints() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			if _, err := s.Checkpoint(); err != nil {
				s.logger.Errorf("periodic checkpoint: %v", err)
			}
		}
	}
}

// Checkpoint snapshots the metadata index and stores the blob when a
// data directory is configured.
func (s *Server) Checkpoint() (*pdc.CheckpointResponse, error) {
	blob, err := s.index.Checkpoint()
	if err != nil {
		return nil, err
	}
	epoch, err := pdc.CheckpointEpoch(blob)
	if err != nil {
		return nil, err
	}
	if s.checkpoints != nil {
		if err := s.checkpoints.Put(epoch, blob); err != nil {
			return nil, errors.Wrapf(err, "storing checkpoint %d", epoch)
		}
	}
	s.lastCheckpoint.Store(epoch)
	pdc.CounterCheckpoints.Inc()
	s.logger.Debugf("checkpoint %d: %d bytes", epoch, len(blob))
	return &pdc.CheckpointResponse{Epoch: epoch, Objects: s.index.Len(), Bytes: len(blob)}, nil
}

// Status reports the server's counts.
func (s *Server) Status() *pdc.StatusResponse {
	s.mu.RLock()
	nfrag := len(s.fragments)
	s.mu.RUnlock()
	return &pdc.StatusResponse{
		Server:     s.id,
		Servers:    s.nservers,
		Objects:    s.index.Len(),
		Fragments:  nfrag,
		Epoch:      s.index.Epoch(),
		Checkpoint: s.lastCheckpoint.Load(),
	}
}

// Close stops the checkpoint loop, takes a final checkpoint when a data
// directory is configured, and releases the fragments.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closing)
		s.wg.Wait()
		if s.checkpoints != nil {
			if _, cerr := s.Checkpoint(); cerr != nil {
				err = cerr
			}
			if cerr := s.checkpoints.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		s.mu.Lock()
		for k, f := range s.fragments {
			if cerr := f.data.Close(); cerr != nil && err == nil {
				err = cerr
			}
			delete(s.fragments, k)
		}
		s.mu.Unlock()
	})
	return err
}

// Handle dispatches one request.
func (s *Server) Handle(ctx context.Context, op transport.Op, payload []byte) ([]byte, error) {
	h, ok := handlers[op]
	if !ok {
		return nil, errors.Newf(pdc.ErrInvalidArgument, "unknown operation '%s'", op)
	}
	resp, err := h(ctx, s, payload)
	if err != nil {
		return nil, err
	}
	return pdc.EncodeMessage(resp)
}

// removeFragments drops the in-memory fragments matching fn, and the
// files under dir when fragments are file backed.
func (s *Server) removeFragments(fn func(k fragmentKey, f *fragment) bool, dir string) int {
	s.mu.Lock()
	n := 0
	for k, f := range s.fragments {
		if fn(k, f) {
			f.data.Close()
			delete(s.fragments, k)
			n++
		}
	}
	s.mu.Unlock()
	if dir != "" && s.storage.Backend == storage.FileBackend {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Errorf("removing %s: %v", dir, err)
		}
	}
	return n
}
