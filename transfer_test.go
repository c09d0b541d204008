package pdc_test

import (
	"context"
	"testing"
	"time"

	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/test"
	"github.com/hpc-io/pdc-sub007/transport"
	"github.com/stretchr/testify/require"
)

func region1(off, size uint64) *pdc.Region {
	return pdc.MustNewRegion([]uint64{off}, []uint64{size})
}

func sequence(from, n int) []float64 {
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = float64(from + i)
	}
	return vals
}

// mustTransfer runs one transfer to completion and closes it.
func mustTransfer(tb testing.TB, cli *pdc.Client, buf []byte, dir pdc.Direction, object pdc.ObjectID, local, remote *pdc.Region, opts ...pdc.TransferOption) {
	tb.Helper()
	ctx := context.Background()
	id, err := cli.TransferCreate(ctx, buf, dir, object, local, remote, opts...)
	require.NoError(tb, err)
	require.NoError(tb, cli.TransferStart(ctx, id))
	require.NoError(tb, cli.TransferWait(ctx, id))
	require.NoError(tb, cli.TransferClose(id))
}

func TestTransfer_Reassembly(t *testing.T) {
	for _, coalesce := range []bool{true, false} {
		t.Run(map[bool]string{true: "coalesced", false: "single"}[coalesce], func(t *testing.T) {
			c := test.MustRunCluster(t, 3)
			cli := c.Client(t, pdc.OptClientCoalesce(coalesce))
			ctx := context.Background()

			id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "x", DType: pdc.Int, Dims: []uint64{120}})
			require.NoError(t, err)

			// Four writes of 30 elements, each from its own buffer.
			for i := 0; i < 4; i++ {
				buf := pdc.Int.EncodeValues(sequence(i*30, 30))
				mustTransfer(t, cli, buf, pdc.Write, id, region1(0, 30), region1(uint64(i*30), 30))
			}

			// One read spanning all three fragments.
			out := make([]byte, 80*4)
			rid, err := cli.TransferCreate(ctx, out, pdc.Read, id, region1(0, 80), region1(15, 80))
			require.NoError(t, err)
			status, err := cli.TransferStatus(rid)
			require.NoError(t, err)
			require.Len(t, status, 3)
			require.Equal(t, []int{0, 1, 2}, []int{status[0].Server, status[1].Server, status[2].Server})
			require.Equal(t, []uint64{25 * 4, 40 * 4, 15 * 4}, []uint64{status[0].Bytes, status[1].Bytes, status[2].Bytes})

			require.NoError(t, cli.TransferStart(ctx, rid))
			require.NoError(t, cli.TransferWait(ctx, rid))
			require.Equal(t, sequence(15, 80), pdc.Int.DecodeValues(out))

			status, err = cli.TransferStatus(rid)
			require.NoError(t, err)
			for _, s := range status {
				require.True(t, s.Done)
				require.NoError(t, s.Err)
			}
			require.NoError(t, cli.TransferClose(rid))
		})
	}
}

func TestTransfer_Unwritten(t *testing.T) {
	c := test.MustRunCluster(t, 2)
	cli := c.Client(t)
	ctx := context.Background()
	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "fresh", DType: pdc.Double, Dims: []uint64{10}})
	require.NoError(t, err)

	out := pdc.Double.EncodeValues(sequence(1, 10))
	mustTransfer(t, cli, out, pdc.Read, id, region1(0, 10), region1(0, 10))
	require.Equal(t, make([]float64, 10), pdc.Double.DecodeValues(out))
}

func TestTransfer_BlockBufferDims(t *testing.T) {
	c := test.MustRunCluster(t, 3)
	cli := c.Client(t)
	ctx := context.Background()

	dims := []uint64{6, 8}
	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{
		Name:         "grid",
		DType:        pdc.Float,
		Dims:         dims,
		Distribution: pdc.Distribution{Kind: pdc.BlockDistribution, Servers: 3, Block: []uint64{3, 4}},
	})
	require.NoError(t, err)

	whole := pdc.MustNewRegion([]uint64{0, 0}, dims)
	mustTransfer(t, cli, pdc.Float.EncodeValues(sequence(0, 48)), pdc.Write, id, whole, whole)

	// Read a 4x5 window at (1,2) into a 10x10 buffer at (2,3).
	buf := make([]byte, 100*4)
	local := pdc.MustNewRegion([]uint64{2, 3}, []uint64{4, 5})
	remote := pdc.MustNewRegion([]uint64{1, 2}, []uint64{4, 5})
	mustTransfer(t, cli, buf, pdc.Read, id, local, remote, pdc.WithBufferDims([]uint64{10, 10}))

	got := pdc.Float.DecodeValues(buf)
	for i := uint64(0); i < 10; i++ {
		for j := uint64(0); j < 10; j++ {
			want := 0.0
			if i >= 2 && i < 6 && j >= 3 && j < 8 {
				want = float64(pdc.LinearIndex(dims, []uint64{i - 2 + 1, j - 3 + 2}))
			}
			require.Equal(t, want, got[i*10+j], "buffer (%d,%d)", i, j)
		}
	}
}

func TestTransfer_CreateErrors(t *testing.T) {
	c := test.MustRunCluster(t, 2)
	cli := c.Client(t)
	ctx := context.Background()
	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "x", DType: pdc.Double, Dims: []uint64{20}})
	require.NoError(t, err)
	buf := make([]byte, 20*8)

	_, err = cli.TransferCreate(ctx, buf, pdc.Write, id, region1(0, 10), region1(0, 11))
	require.True(t, errors.Is(err, pdc.ErrShapeMismatch), "got %v", err)

	_, err = cli.TransferCreate(ctx, buf, pdc.Write, id, region1(0, 10), region1(15, 10))
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument), "got %v", err)

	_, err = cli.TransferCreate(ctx, buf[:79], pdc.Write, id, region1(0, 10), region1(0, 10))
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument), "got %v", err)

	r2 := pdc.MustNewRegion([]uint64{0, 0}, []uint64{2, 2})
	_, err = cli.TransferCreate(ctx, buf, pdc.Write, id, r2, r2)
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument), "got %v", err)

	_, err = cli.TransferCreate(ctx, buf, pdc.Write, id, region1(5, 10), region1(0, 10), pdc.WithBufferDims([]uint64{12}))
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument), "got %v", err)

	_, err = cli.TransferCreate(ctx, buf, pdc.Write, id+1000, region1(0, 10), region1(0, 10))
	require.True(t, errors.Is(err, pdc.ErrNotFound), "got %v", err)

	_, err = cli.TransferCreate(ctx, buf, pdc.Write, id, &pdc.Region{Offset: []uint64{0}, Size: []uint64{0}}, region1(0, 10))
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument), "got %v", err)
}

func TestTransfer_States(t *testing.T) {
	c := test.MustRunCluster(t, 1)
	cli := c.Client(t)
	ctx := context.Background()
	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "x", DType: pdc.Double, Dims: []uint64{4}})
	require.NoError(t, err)
	buf := make([]byte, 32)

	tid, err := cli.TransferCreate(ctx, buf, pdc.Write, id, region1(0, 4), region1(0, 4))
	require.NoError(t, err)
	require.True(t, errors.Is(cli.TransferWait(ctx, tid), pdc.ErrInvalidState), "wait before start")

	require.NoError(t, cli.TransferStart(ctx, tid))
	require.True(t, errors.Is(cli.TransferStart(ctx, tid), pdc.ErrInvalidState), "start twice")
	require.True(t, errors.Is(cli.TransferClose(tid), pdc.ErrTransferNotComplete), "close before wait")
	require.NoError(t, cli.TransferWait(ctx, tid))
	require.NoError(t, cli.TransferClose(tid))
	require.True(t, errors.Is(cli.TransferClose(tid), pdc.ErrAlreadyClosed))
	require.True(t, errors.Is(cli.TransferStart(ctx, tid), pdc.ErrAlreadyClosed))
	require.True(t, errors.Is(cli.TransferWait(ctx, tid), pdc.ErrAlreadyClosed))

	// A created transfer may be closed without running.
	tid, err = cli.TransferCreate(ctx, buf, pdc.Read, id, region1(0, 4), region1(0, 4))
	require.NoError(t, err)
	require.NoError(t, cli.TransferClose(tid))

	require.True(t, errors.Is(cli.TransferClose(9999), pdc.ErrNotFound))
}

func TestTransfer_NotComplete(t *testing.T) {
	c := test.MustRunCluster(t, 1)
	cli := c.Client(t)
	ctx := context.Background()
	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "x", DType: pdc.Double, Dims: []uint64{4}})
	require.NoError(t, err)

	tid, err := cli.TransferCreate(ctx, make([]byte, 32), pdc.Write, id, region1(0, 4), region1(0, 4))
	require.NoError(t, err)

	release := make(chan struct{})
	c.Transport.Register(0, transport.HandlerFunc(func(ctx context.Context, op transport.Op, payload []byte) ([]byte, error) {
		<-release
		return c.Servers[0].Handle(ctx, op, payload)
	}))
	require.NoError(t, cli.TransferStart(ctx, tid))
	require.True(t, errors.Is(cli.TransferClose(tid), pdc.ErrTransferNotComplete))

	wctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.True(t, errors.Is(cli.TransferWait(wctx, tid), pdc.ErrTimeout))

	close(release)
	require.NoError(t, cli.TransferWait(ctx, tid))
	require.NoError(t, cli.TransferClose(tid))
}

func TestTransfer_PartialFailure(t *testing.T) {
	c := test.MustRunCluster(t, 3)
	cli := c.Client(t)
	ctx := context.Background()
	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "x", DType: pdc.Double, Dims: []uint64{120}})
	require.NoError(t, err)

	c.Transport.SetDown(1, true)
	buf := pdc.Double.EncodeValues(sequence(0, 120))
	tid, err := cli.TransferCreate(ctx, buf, pdc.Write, id, region1(0, 120), region1(0, 120))
	require.NoError(t, err)
	require.NoError(t, cli.TransferStart(ctx, tid))

	err = cli.TransferWait(ctx, tid)
	require.True(t, errors.Is(err, pdc.ErrPartialTransfer), "got %v", err)
	require.True(t, errors.Is(err, pdc.ErrServerUnreachable), "got %v", err)
	var te *pdc.TransferError
	require.True(t, errors.As(err, &te))
	require.Equal(t, []int{1}, te.Failed)

	status, err := cli.TransferStatus(tid)
	require.NoError(t, err)
	for _, s := range status {
		require.True(t, s.Done)
		if s.Server == 1 {
			require.Error(t, s.Err)
		} else {
			require.NoError(t, s.Err)
		}
	}

	c.Transport.SetDown(1, false)
	require.NoError(t, cli.TransferRetry(ctx, tid))
	require.NoError(t, cli.TransferWait(ctx, tid))
	require.NoError(t, cli.TransferClose(tid))

	out := make([]byte, len(buf))
	mustTransfer(t, cli, out, pdc.Read, id, region1(0, 120), region1(0, 120))
	require.Equal(t, buf, out)
}

func TestTransfer_ItemError(t *testing.T) {
	c := test.MustRunCluster(t, 2)
	cli := c.Client(t)
	ctx := context.Background()
	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "x", DType: pdc.Double, Dims: []uint64{10}})
	require.NoError(t, err)

	// Server 0 rejects writes; server 1 still applies its part.
	c.Transport.SetFault(func(server int, op transport.Op) error {
		if server == 0 && op == pdc.OpWriteBatch {
			return errors.New(pdc.ErrServerUnreachable, "injected")
		}
		return nil
	})
	buf := pdc.Double.EncodeValues(sequence(1, 10))
	tid, err := cli.TransferCreate(ctx, buf, pdc.Write, id, region1(0, 10), region1(0, 10))
	require.NoError(t, err)
	require.NoError(t, cli.TransferStart(ctx, tid))
	err = cli.TransferWait(ctx, tid)
	require.True(t, errors.Is(err, pdc.ErrPartialTransfer), "got %v", err)
	require.NoError(t, cli.TransferClose(tid))
	c.Transport.SetFault(nil)

	out := make([]byte, len(buf))
	mustTransfer(t, cli, out, pdc.Read, id, region1(0, 10), region1(0, 10))
	require.Equal(t, []float64{0, 0, 0, 0, 0, 6, 7, 8, 9, 10}, pdc.Double.DecodeValues(out))
}

func TestTransfer_StartAll(t *testing.T) {
	c := test.MustRunCluster(t, 2)
	cli := c.Client(t)
	ctx := context.Background()
	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "x", DType: pdc.Int64, Dims: []uint64{16}})
	require.NoError(t, err)

	var ids []pdc.TransferID
	for i := 0; i < 4; i++ {
		buf := pdc.Int64.EncodeValues(sequence(i*4, 4))
		tid, err := cli.TransferCreate(ctx, buf, pdc.Write, id, region1(0, 4), region1(uint64(i*4), 4))
		require.NoError(t, err)
		ids = append(ids, tid)
	}
	require.NoError(t, cli.TransferStartAll(ctx, ids...))
	require.NoError(t, cli.TransferWaitAll(ctx, ids...))
	for _, tid := range ids {
		require.NoError(t, cli.TransferClose(tid))
	}

	out := make([]byte, 16*8)
	mustTransfer(t, cli, out, pdc.Read, id, region1(0, 16), region1(0, 16))
	require.Equal(t, sequence(0, 16), pdc.Int64.DecodeValues(out))
}

func TestTransfer_LetterPatterns(t *testing.T) {
	c := test.MustRunCluster(t, 3)
	cli := c.Client(t)
	ctx := context.Background()

	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "letters", DType: pdc.Char, Dims: []uint64{120}})
	require.NoError(t, err)

	offsets := []uint64{10, 25, 45, 70}
	sizes := []uint64{15, 20, 25, 30}
	patterns := []string{"ab", "cde", "fghi", "jklmn"}
	image := make([]byte, 120)
	for i := range offsets {
		buf := make([]byte, sizes[i])
		for j := range buf {
			buf[j] = patterns[i][j%len(patterns[i])]
		}
		copy(image[offsets[i]:], buf)
		mustTransfer(t, cli, buf, pdc.Write, id, region1(0, sizes[i]), region1(offsets[i], sizes[i]))
	}

	out := make([]byte, 80)
	mustTransfer(t, cli, out, pdc.Read, id, region1(0, 80), region1(15, 80))
	require.Equal(t, string(image[15:95]), string(out))
}

func TestTransfer_StartAllDuplicate(t *testing.T) {
	c := test.MustRunCluster(t, 2)
	cli := c.Client(t)
	ctx := context.Background()
	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "x", DType: pdc.Int, Dims: []uint64{8}})
	require.NoError(t, err)

	tid, err := cli.TransferCreate(ctx, make([]byte, 32), pdc.Write, id, region1(0, 8), region1(0, 8))
	require.NoError(t, err)
	require.True(t, errors.Is(cli.TransferStartAll(ctx, tid, tid), pdc.ErrInvalidArgument))

	// The rejected call left the transfer untouched.
	require.NoError(t, cli.TransferStart(ctx, tid))
	require.NoError(t, cli.TransferWait(ctx, tid))
	require.NoError(t, cli.TransferClose(tid))
}

func TestTransfer_StartAllOverlapping(t *testing.T) {
	c := test.MustRunCluster(t, 2)
	cli := c.Client(t)
	ctx := context.Background()
	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "x", DType: pdc.Int, Dims: []uint64{64}})
	require.NoError(t, err)

	for round := 0; round < 50; round++ {
		ids := make([]pdc.TransferID, 4)
		for i := range ids {
			ids[i], err = cli.TransferCreate(ctx, make([]byte, 64), pdc.Read, id, region1(0, 16), region1(uint64(i*16), 16))
			require.NoError(t, err)
		}
		// Two calls naming the same transfers in opposite orders: one
		// starts them all, the other finds them started.
		errs := make(chan error, 2)
		go func() { errs <- cli.TransferStartAll(ctx, ids[0], ids[1], ids[2], ids[3]) }()
		go func() { errs <- cli.TransferStartAll(ctx, ids[3], ids[2], ids[1], ids[0]) }()
		var started int
		for i := 0; i < 2; i++ {
			select {
			case err := <-errs:
				if err == nil {
					started++
				} else {
					require.True(t, errors.Is(err, pdc.ErrInvalidState), "got %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("TransferStartAll deadlocked")
			}
		}
		require.Equal(t, 1, started)
		require.NoError(t, cli.TransferWaitAll(ctx, ids...))
		for _, tid := range ids {
			require.NoError(t, cli.TransferClose(tid))
		}
	}
}

func TestTransfer_CloseDropsTransfer(t *testing.T) {
	c := test.MustRunCluster(t, 1)
	cli := c.Client(t)
	ctx := context.Background()
	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "x", DType: pdc.Int, Dims: []uint64{4}})
	require.NoError(t, err)

	var last pdc.TransferID
	for i := 0; i < 1000; i++ {
		last, err = cli.TransferCreate(ctx, make([]byte, 16), pdc.Read, id, region1(0, 4), region1(0, 4))
		require.NoError(t, err)
		require.NoError(t, cli.TransferClose(last))
	}
	require.Equal(t, 0, pdc.OpenTransfers(cli))
	require.True(t, errors.Is(cli.TransferClose(last), pdc.ErrAlreadyClosed))
}

func TestTransfer_ByteOverflow(t *testing.T) {
	c := test.MustRunCluster(t, 2)
	cli := c.Client(t)
	ctx := context.Background()

	_, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "wraps", DType: pdc.Double, Dims: []uint64{1 << 61}})
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument), "got %v", err)

	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "huge", DType: pdc.Double, Dims: []uint64{1 << 59}})
	require.NoError(t, err)
	_, err = cli.TransferCreate(ctx, nil, pdc.Write, id, region1(0, 1<<59), region1(0, 1<<59))
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument), "got %v", err)
}

func TestTransfer_StatusDuringRetry(t *testing.T) {
	c := test.MustRunCluster(t, 3)
	cli := c.Client(t)
	ctx := context.Background()
	id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "x", DType: pdc.Double, Dims: []uint64{120}})
	require.NoError(t, err)

	c.Transport.SetDown(1, true)
	buf := pdc.Double.EncodeValues(sequence(0, 120))
	tid, err := cli.TransferCreate(ctx, buf, pdc.Write, id, region1(0, 120), region1(0, 120))
	require.NoError(t, err)
	require.NoError(t, cli.TransferStart(ctx, tid))
	require.Error(t, cli.TransferWait(ctx, tid))

	// Status may be polled from another goroutine while failed
	// sub-requests are reset and reissued.
	stop := make(chan struct{})
	polled := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				polled <- nil
				return
			default:
			}
			if _, err := cli.TransferStatus(tid); err != nil {
				polled <- err
				return
			}
		}
	}()
	for i := 0; i < 20; i++ {
		require.NoError(t, cli.TransferRetry(ctx, tid))
		require.Error(t, cli.TransferWait(ctx, tid))
	}
	c.Transport.SetDown(1, false)
	require.NoError(t, cli.TransferRetry(ctx, tid))
	require.NoError(t, cli.TransferWait(ctx, tid))
	close(stop)
	require.NoError(t, <-polled)
	require.NoError(t, cli.TransferClose(tid))
}
