package server_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/hpc-io/pdc-sub007/errors"
	phttp "github.com/hpc-io/pdc-sub007/http"
	"github.com/hpc-io/pdc-sub007/logger"
	"github.com/hpc-io/pdc-sub007/placement"
	"github.com/hpc-io/pdc-sub007/server"
	"github.com/hpc-io/pdc-sub007/storage"
	"github.com/hpc-io/pdc-sub007/test"
	"github.com/hpc-io/pdc-sub007/transport"
	"github.com/stretchr/testify/require"
)

// runServers joins servers on a new transport and returns a client.
func runServers(tb testing.TB, servers []*server.Server) *pdc.Client {
	tb.Helper()
	tr := transport.NewLocal()
	for i, s := range servers {
		tr.Register(i, s)
	}
	tb.Cleanup(func() { tr.Close() })
	cli, err := pdc.NewClient(tr, len(servers), pdc.OptClientLogger(logger.NewLogfLogger(tb)))
	require.NoError(tb, err)
	return cli
}

func closeServers(tb testing.TB, servers []*server.Server) {
	tb.Helper()
	for _, s := range servers {
		require.NoError(tb, s.Close())
	}
}

func TestServer_Reopen(t *testing.T) {
	for _, backend := range []string{storage.MemBackend, storage.FileBackend} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			opts := []test.ClusterOption{
				test.OptClusterDataDir(func(id int) string { return filepath.Join(dir, strconv.Itoa(id)) }),
				test.OptClusterServer(server.OptServerStorage(storage.Config{Backend: backend})),
			}
			ctx := context.Background()

			servers := test.MustNewServers(t, 2, opts...)
			cli := runServers(t, servers)
			id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "kept", DType: pdc.Int64, Dims: []uint64{40}, Tags: []pdc.KVTag{pdc.Int64Tag("step", 3)}})
			require.NoError(t, err)
			_, err = cli.CreateObject(ctx, pdc.ObjectSpec{Name: "scratch", DType: pdc.Int64, Dims: []uint64{4}, Lifetime: pdc.Transient})
			require.NoError(t, err)
			whole := pdc.MustNewRegion([]uint64{0}, []uint64{40})
			test.MustTransfer(t, cli, pdc.Int64.EncodeValues(test.Range(100, 40)), pdc.Write, id, whole, whole)
			closeServers(t, servers)

			servers = test.MustNewServers(t, 2, opts...)
			defer closeServers(t, servers)
			cli = runServers(t, servers)

			m, err := cli.LookupObject(ctx, "kept", 0)
			require.NoError(t, err)
			require.Equal(t, id, m.ID)
			tag, err := cli.GetTag(ctx, id, "step")
			require.NoError(t, err)
			n, err := tag.Int64()
			require.NoError(t, err)
			require.Equal(t, int64(3), n)

			_, err = cli.LookupObject(ctx, "scratch", 0)
			require.True(t, errors.Is(err, pdc.ErrNotFound), "transient object survived: %v", err)

			// Creating after a restore never reuses an id.
			next, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "kept", Timestep: 1, DType: pdc.Int64, Dims: []uint64{1}})
			require.NoError(t, err)
			require.NotEqual(t, id, next)

			buf := make([]byte, 40*8)
			test.MustTransfer(t, cli, buf, pdc.Read, id, whole, whole)
			want := test.Range(100, 40)
			if backend == storage.MemBackend {
				want = make([]float64, 40)
			}
			require.Equal(t, want, pdc.Int64.DecodeValues(buf))
		})
	}
}

func TestServer_FileFragments(t *testing.T) {
	dir := t.TempDir()
	servers := test.MustNewServers(t, 1,
		test.OptClusterDataDir(func(int) string { return dir }),
		test.OptClusterServer(server.OptServerStorage(storage.Config{Backend: storage.FileBackend})),
	)
	defer closeServers(t, servers)
	cli := runServers(t, servers)
	ctx := context.Background()

	cid, err := cli.CreateContainer(ctx, "files", pdc.Persistent)
	require.NoError(t, err)
	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "f", Container: cid, DType: pdc.Double, Dims: []uint64{8}})
	require.NoError(t, err)
	r := pdc.MustNewRegion([]uint64{0}, []uint64{8})
	test.MustTransfer(t, cli, pdc.Double.EncodeValues(test.Range(0, 8)), pdc.Write, id, r, r)

	objDir := filepath.Join(dir, "fragments", fmt.Sprintf("%016x", uint64(cid)), fmt.Sprintf("%016x", uint64(id)))
	fi, err := os.Stat(filepath.Join(objDir, "0"))
	require.NoError(t, err)
	require.Equal(t, int64(64), fi.Size())

	require.NoError(t, cli.DeleteObject(ctx, id))
	_, err = os.Stat(objDir)
	require.True(t, os.IsNotExist(err), "fragment directory left behind: %v", err)
}

func TestServer_PeriodicCheckpoint(t *testing.T) {
	dir := t.TempDir()
	c := test.MustRunCluster(t, 1,
		test.OptClusterDataDir(func(int) string { return dir }),
		test.OptClusterServer(server.OptServerCheckpoint(10*time.Millisecond, 2)),
	)
	cli := c.Client(t)
	_, err := cli.CreateObject(context.Background(), pdc.ObjectSpec{Name: "p", DType: pdc.Int, Dims: []uint64{1}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Servers[0].Status().Checkpoint > 0
	}, 5*time.Second, 5*time.Millisecond)
	_, err = os.Stat(filepath.Join(dir, "checkpoints.db"))
	require.NoError(t, err)
}

func TestServer_Handle(t *testing.T) {
	servers := test.MustNewServers(t, 1)
	defer closeServers(t, servers)
	s := servers[0]
	ctx := context.Background()

	_, err := s.Handle(ctx, transport.Op("Bogus"), nil)
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument), "got %v", err)

	_, err = s.Handle(ctx, pdc.OpGetObject, []byte("{not json"))
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument), "got %v", err)

	payload, err := pdc.EncodeMessage(&pdc.BatchRequest{Items: []pdc.BatchItem{
		{
			Object:   1,
			DType:    pdc.Double,
			Fragment: pdc.Fragment{Index: 0, Server: 3, Region: pdc.MustNewRegion([]uint64{0}, []uint64{4})},
			Region:   pdc.MustNewRegion([]uint64{0}, []uint64{4}),
			Data:     make([]byte, 32),
		},
		{
			Object:   1,
			DType:    pdc.Double,
			Fragment: pdc.Fragment{Index: 0, Server: 0, Region: pdc.MustNewRegion([]uint64{0}, []uint64{4})},
			Region:   pdc.MustNewRegion([]uint64{2}, []uint64{4}),
			Data:     make([]byte, 32),
		},
		{
			Object:   1,
			DType:    pdc.Double,
			Fragment: pdc.Fragment{Index: 0, Server: 0, Region: pdc.MustNewRegion([]uint64{0}, []uint64{4})},
			Region:   pdc.MustNewRegion([]uint64{0}, []uint64{2}),
			Data:     make([]byte, 16),
		},
		{
			// 2^61 doubles: the byte count wraps to zero and matches no data.
			Object:   2,
			DType:    pdc.Double,
			Fragment: pdc.Fragment{Index: 0, Server: 0, Region: pdc.MustNewRegion([]uint64{0}, []uint64{1 << 61})},
			Region:   pdc.MustNewRegion([]uint64{0}, []uint64{1 << 61}),
		},
	}})
	require.NoError(t, err)
	out, err := s.Handle(ctx, pdc.OpWriteBatch, payload)
	require.NoError(t, err)
	var resp pdc.BatchResponse
	require.NoError(t, pdc.DecodeMessage(out, &resp))
	require.Len(t, resp.Results, 4)
	require.True(t, errors.Is(resp.Results[0].Error(), pdc.ErrInvalidArgument))
	require.True(t, errors.Is(resp.Results[1].Error(), pdc.ErrInvalidArgument))
	require.NoError(t, resp.Results[2].Error())
	require.True(t, errors.Is(resp.Results[3].Error(), pdc.ErrInvalidArgument))
	require.Equal(t, 1, s.Status().Fragments)
}

func TestServer_LockLease(t *testing.T) {
	c := test.MustRunCluster(t, 1, test.OptClusterServer(server.OptServerLockLease(20*time.Millisecond)))
	a := c.Client(t, pdc.OptClientID("a"))
	b := c.Client(t, pdc.OptClientID("b"))
	ctx := context.Background()
	id, err := a.CreateObject(ctx, pdc.ObjectSpec{Name: "leased", DType: pdc.Int, Dims: []uint64{10}})
	require.NoError(t, err)

	req := pdc.LockRequest{Object: id, Region: pdc.MustNewRegion([]uint64{0}, []uint64{10}), Mode: pdc.WriteLock}
	require.NoError(t, a.ObtainLock(ctx, req, false))

	// The holder never releases; the lease lets the blocked writer in.
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, b.ObtainLock(wctx, req, true))
	require.True(t, errors.Is(a.ReleaseLock(ctx, req), pdc.ErrNotHeld))
}

func TestCommand(t *testing.T) {
	var stderr bytes.Buffer
	m := server.NewCommand(strings.NewReader(""), &bytes.Buffer{}, &stderr)
	m.Config.DataDir = ""
	m.Config.Bind = "127.0.0.1:0"
	require.NoError(t, m.Start())

	tr := phttp.NewClient(placement.NewSnapshot([]string{"http://" + m.Addr().String()}))
	defer tr.Close()
	st, err := tr.Status(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, st.Servers)

	require.NoError(t, m.Close())
	require.NoError(t, m.Wait())
	require.Contains(t, stderr.String(), "listening as http://")
}
