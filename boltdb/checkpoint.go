package boltdb

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrCheckpointStoreClosed is returned by a store used after Close.
	ErrCheckpointStoreClosed = errors.New("boltdb: checkpoint store closed")

	bucketCheckpoints = []byte("checkpoints")
)

// DefaultKeep is the default number of checkpoints retained.
const DefaultKeep = 3

// CheckpointStore is an on-disk store of metadata checkpoint blobs keyed
// by epoch. It keeps the most recent Keep blobs.
type CheckpointStore struct {
	mu sync.RWMutex
	db *bolt.DB

	fsyncEnabled bool

	// Keep is the number of checkpoints retained by Put.
	Keep int

	// File path to database file.
	Path string
}

// NewCheckpointStore returns a new instance of CheckpointStore.
func NewCheckpointStore(path string, fsyncEnabled bool) *CheckpointStore {
	return &CheckpointStore{Path: path, Keep: DefaultKeep, fsyncEnabled: fsyncEnabled}
}

// OpenCheckpointStore opens and initializes a checkpoint store at path.
func OpenCheckpointStore(path string, fsyncEnabled bool) (*CheckpointStore, error) {
	s := NewCheckpointStore(path, fsyncEnabled)
	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens the checkpoint file.
func (s *CheckpointStore) Open() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.Path), 0750); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(s.Path))
	} else if s.db, err = bolt.Open(s.Path, 0600, &bolt.Options{Timeout: 1 * time.Second, NoSync: !s.fsyncEnabled}); err != nil {
		return errors.Wrapf(err, "open file: %s", s.Path)
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCheckpoints)
		return err
	}); err != nil {
		s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *CheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func epochKey(epoch uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], epoch)
	return k[:]
}

// Put stores blob as the checkpoint of epoch and drops the oldest
// checkpoints beyond Keep.
func (s *CheckpointStore) Put(epoch uint64, blob []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrCheckpointStoreClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketCheckpoints)
		if err := bkt.Put(epochKey(epoch), blob); err != nil {
			return errors.Wrapf(err, "putting checkpoint %d", epoch)
		}
		if s.Keep <= 0 {
			return nil
		}
		// Keys sort by epoch, so the oldest come first.
		var keys [][]byte
		cur := bkt.Cursor()
		for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := 0; i < len(keys)-s.Keep; i++ {
			if err := bkt.Delete(keys[i]); err != nil {
				return errors.Wrap(err, "pruning checkpoint")
			}
		}
		return nil
	})
}

// Latest returns the most recent checkpoint. ok is false if the store is
// empty.
func (s *CheckpointStore) Latest() (epoch uint64, blob []byte, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, nil, false, ErrCheckpointStoreClosed
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(bucketCheckpoints).Cursor().Last()
		if k == nil {
			return nil
		}
		epoch, ok = binary.BigEndian.Uint64(k), true
		blob = append([]byte(nil), v...)
		return nil
	})
	return epoch, blob, ok, err
}

// Get returns the checkpoint of epoch, or nil if there is none.
func (s *CheckpointStore) Get(epoch uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrCheckpointStoreClosed
	}
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketCheckpoints).Get(epochKey(epoch)); v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	return blob, err
}

// Epochs returns the epochs of the stored checkpoints in ascending order.
func (s *CheckpointStore) Epochs() ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrCheckpointStoreClosed
	}
	var out []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).ForEach(func(k, _ []byte) error {
			out = append(out, binary.BigEndian.Uint64(k))
			return nil
		})
	})
	return out, err
}
