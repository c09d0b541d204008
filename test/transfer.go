package test

import (
	"context"
	"testing"

	pdc "github.com/hpc-io/pdc-sub007"
)

// MustTransfer runs one transfer through its whole lifecycle.
func MustTransfer(tb testing.TB, cli *pdc.Client, buf []byte, dir pdc.Direction, object pdc.ObjectID, local, remote *pdc.Region, opts ...pdc.TransferOption) {
	tb.Helper()
	ctx := context.Background()
	id, err := cli.TransferCreate(ctx, buf, dir, object, local, remote, opts...)
	if err != nil {
		tb.Fatalf("creating transfer: %v", err)
	}
	if err := cli.TransferStart(ctx, id); err != nil {
		tb.Fatalf("starting transfer %d: %v", id, err)
	}
	if err := cli.TransferWait(ctx, id); err != nil {
		tb.Fatalf("waiting on transfer %d: %v", id, err)
	}
	if err := cli.TransferClose(id); err != nil {
		tb.Fatalf("closing transfer %d: %v", id, err)
	}
}

// Range returns n consecutive values starting at from.
func Range(from float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)
	}
	return out
}
