package storage_test

import (
	"path/filepath"
	"testing"

	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/storage"
	"github.com/stretchr/testify/require"
)

func testAdapter(t *testing.T, a storage.Adapter) {
	t.Helper()
	require.Equal(t, int64(16), a.Size())

	buf := make([]byte, 4)
	_, err := a.ReadAt(buf, 12)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, buf)

	_, err = a.WriteAt([]byte{1, 2, 3}, 5)
	require.NoError(t, err)
	out := make([]byte, 16)
	_, err = a.ReadAt(out, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 1, 2, 3, 0, 0, 0, 0, 0, 0, 0, 0}, out)

	_, err = a.WriteAt([]byte{1, 2}, 15)
	require.True(t, errors.Is(err, storage.ErrOutOfRange))
	_, err = a.ReadAt(buf, -1)
	require.True(t, errors.Is(err, storage.ErrOutOfRange))
}

func TestMem(t *testing.T) {
	m := storage.NewMem(16)
	testAdapter(t, m)
	require.NoError(t, m.Close())
	_, err := m.ReadAt(make([]byte, 1), 0)
	require.True(t, errors.Is(err, storage.ErrClosed))
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frag", "0")
	f, err := storage.OpenFile(path, 16, false)
	require.NoError(t, err)
	testAdapter(t, f)
	require.NoError(t, f.Close())

	// Contents survive reopening.
	f, err = storage.OpenFile(path, 16, true)
	require.NoError(t, err)
	defer f.Remove()
	out := make([]byte, 3)
	_, err = f.ReadAt(out, 5)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, out)
}

func TestOpen(t *testing.T) {
	cfg := storage.NewDefaultConfig()
	a, err := storage.Open(cfg, "", 8)
	require.NoError(t, err)
	require.IsType(t, &storage.Mem{}, a)

	cfg.Backend = storage.FileBackend
	a, err = storage.Open(cfg, filepath.Join(t.TempDir(), "f"), 8)
	require.NoError(t, err)
	require.IsType(t, &storage.File{}, a)
	require.NoError(t, a.Close())

	cfg.Backend = "tape"
	_, err = storage.Open(cfg, "", 8)
	require.Error(t, err)
}
