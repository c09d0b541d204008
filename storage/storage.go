// Package storage holds the bytes of object fragments on a server.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hpc-io/pdc-sub007/errors"
)

// ErrOutOfRange is returned for accesses past the end of a fragment.
const ErrOutOfRange errors.Code = "OutOfRange"

// ErrClosed is returned by adapters used after Close.
const ErrClosed errors.Code = "StorageClosed"

// Adapter is the byte store of one fragment. A fragment has a fixed
// size; bytes never written read as zero.
type Adapter interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	Close() error
}

func checkRange(n int, off, size int64) error {
	if off < 0 || off+int64(n) > size {
		return errors.Newf(ErrOutOfRange, "access [%d, %d) outside fragment of %d bytes", off, off+int64(n), size)
	}
	return nil
}

// Mem is an Adapter over a byte slice.
type Mem struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

// NewMem returns a zeroed in-memory fragment of size bytes.
func NewMem(size int64) *Mem {
	return &Mem{data: make([]byte, size)}
}

func (m *Mem) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, errors.New(ErrClosed, "read from closed fragment")
	}
	if err := checkRange(len(p), off, int64(len(m.data))); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

func (m *Mem) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New(ErrClosed, "write to closed fragment")
	}
	if err := checkRange(len(p), off, int64(len(m.data))); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

func (m *Mem) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

// File is an Adapter over a flat binary file holding the fragment's
// elements in row-major order.
type File struct {
	f     *os.File
	size  int64
	fsync bool
}

// OpenFile opens or creates the fragment file at path and sizes it to
// size bytes. An existing file keeps its contents.
func OpenFile(path string, size int64, fsync bool) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, errors.Wrapf(err, "opening fragment file %s", path)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "sizing fragment file %s", path)
	}
	return &File{f: f, size: size, fsync: fsync}, nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(len(p), off, f.size); err != nil {
		return 0, err
	}
	n, err := f.f.ReadAt(p, off)
	if err != nil {
		return n, errors.Wrapf(err, "reading %s", f.f.Name())
	}
	return n, nil
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(len(p), off, f.size); err != nil {
		return 0, err
	}
	n, err := f.f.WriteAt(p, off)
	if err != nil {
		return n, errors.Wrapf(err, "writing %s", f.f.Name())
	}
	if f.fsync {
		if err := f.f.Sync(); err != nil {
			return n, errors.Wrapf(err, "syncing %s", f.f.Name())
		}
	}
	return n, nil
}

func (f *File) Size() int64 { return f.size }

// Close closes the file. The file stays on disk; use Remove to drop it.
func (f *File) Close() error { return f.f.Close() }

// Remove closes and deletes the file.
func (f *File) Remove() error {
	f.f.Close()
	return os.Remove(f.f.Name())
}

// Open returns an adapter of size bytes for the backend in cfg. path is
// used by file-backed fragments only.
func Open(cfg *Config, path string, size int64) (Adapter, error) {
	switch cfg.Backend {
	case MemBackend, "":
		return NewMem(size), nil
	case FileBackend:
		return OpenFile(path, size, cfg.FsyncEnabled)
	}
	return nil, fmt.Errorf("unknown storage backend '%s'", cfg.Backend)
}
