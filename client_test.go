package pdc_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/logger"
	"github.com/hpc-io/pdc-sub007/test"
	"github.com/hpc-io/pdc-sub007/transport"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	_, err := pdc.NewClient(nil, 1)
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument))
	_, err = pdc.NewClient(transport.NewLocal(), 0)
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument))
	_, err = pdc.NewClient(transport.NewLocal(), 1, pdc.OptClientID(""))
	require.Error(t, err)

	cli, err := pdc.NewClient(transport.NewLocal(), 3, pdc.OptClientID("me"))
	require.NoError(t, err)
	require.Equal(t, "me", cli.ID())
	require.Equal(t, 3, cli.Servers())
	require.Equal(t, int(pdc.NameHash("energy")%3), cli.MetadataServer("energy"))
}

func TestClient_Objects(t *testing.T) {
	c := test.MustRunCluster(t, 3)
	cli := c.Client(t)
	ctx := context.Background()

	var ids []pdc.ObjectID
	for i := 0; i < 6; i++ {
		id, err := cli.CreateObject(ctx, pdc.ObjectSpec{
			Name:     fmt.Sprintf("obj%d", i),
			Timestep: i % 2,
			DType:    pdc.Double,
			Dims:     []uint64{30},
			Tags:     []pdc.KVTag{pdc.StringTag("kind", "sim")},
		})
		require.NoError(t, err)
		require.Equal(t, cli.MetadataServer(fmt.Sprintf("obj%d", i)), id.Server())
		ids = append(ids, id)
	}

	m, err := cli.LookupObject(ctx, "obj3", 1)
	require.NoError(t, err)
	require.Equal(t, ids[3], m.ID)
	require.Equal(t, 3, m.Distribution.Servers, "zero distribution spans the cluster")
	require.Equal(t, []int{0, 1, 2}, m.Servers())

	_, err = cli.CreateObject(ctx, pdc.ObjectSpec{Name: "obj3", Timestep: 1, DType: pdc.Double, Dims: []uint64{1}})
	require.True(t, errors.Is(err, pdc.ErrConflict), "got %v", err)
	_, err = cli.CreateObject(ctx, pdc.ObjectSpec{Name: "big", DType: pdc.Double, Dims: []uint64{1}, Distribution: pdc.Distribution{Servers: 4}})
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument), "got %v", err)

	require.NoError(t, cli.PutTag(ctx, ids[0], pdc.DoubleTag("t", 2.5)))
	tag, err := cli.GetTag(ctx, ids[0], "t")
	require.NoError(t, err)
	f, err := tag.Double()
	require.NoError(t, err)
	require.Equal(t, 2.5, f)

	found, err := cli.QueryObjects(ctx, pdc.MetadataFilter{Timesteps: &pdc.TimestepRange{Min: 1, Max: 1}})
	require.NoError(t, err)
	require.Len(t, found, 3)
	found, err = cli.QueryObjects(ctx, pdc.MetadataFilter{Tags: []pdc.KVTag{pdc.StringTag("kind", "sim")}})
	require.NoError(t, err)
	require.Len(t, found, 6)

	// Deleting drops the record and the data on every server.
	buf := pdc.Double.EncodeValues(sequence(1, 30))
	mustTransfer(t, cli, buf, pdc.Write, ids[0], region1(0, 30), region1(0, 30))
	require.NoError(t, cli.DeleteObject(ctx, ids[0]))
	_, err = cli.GetObject(ctx, ids[0])
	require.True(t, errors.Is(err, pdc.ErrNotFound))
	require.True(t, errors.Is(cli.DeleteObject(ctx, ids[0]), pdc.ErrNotFound))
	for _, s := range c.Servers {
		st := s.Status()
		require.Zero(t, st.Fragments, "server %d", st.Server)
	}
}

func TestClient_Containers(t *testing.T) {
	c := test.MustRunCluster(t, 3)
	cli := c.Client(t)
	ctx := context.Background()

	cid, err := cli.CreateContainer(ctx, "campaign", pdc.Persistent)
	require.NoError(t, err)
	got, err := cli.LookupContainer(ctx, "campaign")
	require.NoError(t, err)
	require.Equal(t, cid, got.ID)
	got, err = cli.GetContainer(ctx, cid)
	require.NoError(t, err)
	require.Equal(t, "campaign", got.Name)

	_, err = cli.CreateContainer(ctx, "campaign", pdc.Persistent)
	require.True(t, errors.Is(err, pdc.ErrConflict))
	_, err = cli.CreateObject(ctx, pdc.ObjectSpec{Name: "x", Container: cid + 99, DType: pdc.Int, Dims: []uint64{4}})
	require.True(t, errors.Is(err, pdc.ErrNotFound), "got %v", err)

	var ids []pdc.ObjectID
	for i := 0; i < 5; i++ {
		id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: fmt.Sprintf("member%d", i), Container: cid, DType: pdc.Int, Dims: []uint64{6}})
		require.NoError(t, err)
		buf := pdc.Int.EncodeValues(sequence(0, 6))
		mustTransfer(t, cli, buf, pdc.Write, id, region1(0, 6), region1(0, 6))
		ids = append(ids, id)
	}
	outside, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "outside", DType: pdc.Int, Dims: []uint64{6}})
	require.NoError(t, err)

	require.NoError(t, cli.DeleteContainer(ctx, cid))
	for _, id := range ids {
		_, err := cli.GetObject(ctx, id)
		require.True(t, errors.Is(err, pdc.ErrNotFound))
	}
	_, err = cli.GetObject(ctx, outside)
	require.NoError(t, err)
	_, err = cli.GetContainer(ctx, cid)
	require.True(t, errors.Is(err, pdc.ErrNotFound))
	require.True(t, errors.Is(cli.DeleteContainer(ctx, cid), pdc.ErrNotFound))
}

func TestClient_Locks(t *testing.T) {
	c := test.MustRunCluster(t, 2)
	a := c.Client(t, pdc.OptClientID("a"))
	b := c.Client(t, pdc.OptClientID("b"))
	ctx := context.Background()

	id, err := a.CreateObject(ctx, pdc.ObjectSpec{Name: "locked", DType: pdc.Double, Dims: []uint64{100}})
	require.NoError(t, err)
	whole := pdc.LockRequest{Object: id, Region: region1(0, 100), Mode: pdc.WriteLock}
	part := pdc.LockRequest{Object: id, Region: region1(10, 5), Mode: pdc.ReadLock}

	require.NoError(t, a.ObtainLock(ctx, whole, false))
	require.True(t, errors.Is(a.ObtainLock(ctx, whole, false), pdc.ErrAlreadyHeld))
	require.True(t, errors.Is(b.ObtainLock(ctx, part, false), pdc.ErrWouldBlock))

	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = b.ObtainLock(wctx, part, true)
	require.True(t, errors.Is(err, pdc.ErrTimeout), "got %v", err)

	done := make(chan error, 1)
	go func() { done <- b.ObtainLock(ctx, part, true) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.ReleaseLock(ctx, whole))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked lock not granted after release")
	}
	require.True(t, errors.Is(a.ReleaseLock(ctx, whole), pdc.ErrNotHeld))
	require.NoError(t, b.ReleaseLock(ctx, part))

	reqs := []pdc.LockRequest{
		{Object: id, Region: region1(50, 10), Mode: pdc.WriteLock},
		{Object: id, Region: region1(0, 10), Mode: pdc.WriteLock},
	}
	require.NoError(t, a.ObtainLocks(ctx, reqs, false))
	require.True(t, errors.Is(b.ObtainLocks(ctx, reqs, false), pdc.ErrWouldBlock))
	held := c.Servers[id.Server()].Locks().Held(id)
	require.Len(t, held, 2)

	other := pdc.LockRequest{Object: id + 1000, Region: region1(0, 1), Mode: pdc.ReadLock}
	require.True(t, errors.Is(a.ObtainLock(ctx, other, false), pdc.ErrNotFound))
}

func TestClient_LockCancelledWait(t *testing.T) {
	c := test.MustRunCluster(t, 1)
	a := c.Client(t, pdc.OptClientID("a"))
	logs := logger.NewBufferLogger()
	b := c.Client(t, pdc.OptClientID("b"), pdc.OptClientLogger(logs))
	ctx := context.Background()

	id, err := a.CreateObject(ctx, pdc.ObjectSpec{Name: "tile", DType: pdc.Double, Dims: []uint64{10}})
	require.NoError(t, err)
	lock := pdc.LockRequest{Object: id, Region: region1(0, 10), Mode: pdc.WriteLock}
	require.NoError(t, a.ObtainLock(ctx, lock, false))

	// Without a deadline the server keeps waiting after b gives up.
	bctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- b.ObtainLock(bctx, lock, true) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	err = <-done
	require.True(t, errors.Is(err, pdc.ErrTimeout), "got %v", err)

	require.NoError(t, a.ReleaseLock(ctx, lock))
	locks := c.Servers[id.Server()].Locks()
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "after it stopped waiting") && len(locks.Held(id)) == 0
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, a.ObtainLock(ctx, lock, false))
}

func TestClient_CheckpointStatus(t *testing.T) {
	c := test.MustRunCluster(t, 2)
	cli := c.Client(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: fmt.Sprintf("o%d", i), DType: pdc.Int, Dims: []uint64{2}})
		require.NoError(t, err)
	}
	total := 0
	for s := 0; s < 2; s++ {
		st, err := cli.Status(ctx, s)
		require.NoError(t, err)
		require.Equal(t, s, st.Server)
		require.Equal(t, 2, st.Servers)
		total += st.Objects

		cp, err := cli.Checkpoint(ctx, s)
		require.NoError(t, err)
		require.Equal(t, st.Objects, cp.Objects)
		require.Equal(t, st.Epoch, cp.Epoch)

		st, err = cli.Status(ctx, s)
		require.NoError(t, err)
		require.Equal(t, cp.Epoch, st.Checkpoint)
	}
	require.Equal(t, 4, total)

	_, err := cli.Status(ctx, 5)
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument))
}
