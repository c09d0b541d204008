package ctl_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/hpc-io/pdc-sub007/ctl"
	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/test"
	"github.com/stretchr/testify/require"
)

func TestRegionPushPull(t *testing.T) {
	c := test.MustRunHTTPCluster(t, 3)
	dir := t.TempDir()
	ctx := context.Background()
	cluster := ctl.ClusterFlags{Hosts: c.URIs, Retries: 0}

	in := filepath.Join(dir, "in.region")
	f, err := os.Create(in)
	require.NoError(t, err)
	_, err = sampleRegionFile().WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	push := ctl.NewRegionPushCommand(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{})
	push.ClusterFlags = cluster
	push.Path = in
	err = push.Run(ctx)
	require.True(t, errors.Is(err, pdc.ErrNotFound), "push without create: %v", err)

	push.Create = true
	require.NoError(t, push.Run(ctx))

	// Pull the whole object: only the pushed 2x3 window is non-zero.
	var out bytes.Buffer
	pull := ctl.NewRegionPullCommand(strings.NewReader(""), &out, &bytes.Buffer{})
	pull.ClusterFlags = cluster
	pull.Name = "Energy"
	pull.Lock = true
	require.NoError(t, pull.Run(ctx))
	whole, err := ctl.ReadRegionFile(&out)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 0}, whole.Offset)
	require.Equal(t, []uint64{4, 6}, whole.Count)
	require.Equal(t, []float64{
		0, 0, 0, 0, 0, 0,
		0, 0, 1, 2, 3, 0,
		0, 0, 4, 5, 6, 0,
		0, 0, 0, 0, 0, 0,
	}, pdc.Int16.DecodeValues(whole.Data))

	// Pull the pushed window to a file and compare with the input.
	pull.Offset, pull.Count = []uint64{1, 2}, []uint64{2, 3}
	pull.Path = filepath.Join(dir, "out.region")
	require.NoError(t, pull.Run(ctx))
	rf, err := os.Open(pull.Path)
	require.NoError(t, err)
	defer rf.Close()
	got, err := ctl.ReadRegionFile(rf)
	require.NoError(t, err)
	require.Equal(t, sampleRegionFile(), got)

	// The locks taken by push and pull are released again.
	for _, s := range c.Servers {
		for _, m := range s.Index().Select(pdc.MetadataFilter{}) {
			require.Empty(t, s.Locks().Held(m.ID))
		}
	}
}

func TestRegionPull_Errors(t *testing.T) {
	c := test.MustRunHTTPCluster(t, 1)
	ctx := context.Background()

	pull := ctl.NewRegionPullCommand(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{})
	require.ErrorIs(t, pull.Run(ctx), ctl.UsageError)

	pull.Name = "missing"
	pull.Hosts = nil
	require.ErrorIs(t, pull.Run(ctx), ctl.UsageError)

	pull.Hosts = c.URIs
	require.True(t, errors.Is(pull.Run(ctx), pdc.ErrNotFound))

	cli := c.Client(t)
	_, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: "small", DType: pdc.Double, Dims: []uint64{4}})
	require.NoError(t, err)
	pull.Name = "small"
	pull.Offset, pull.Count = []uint64{2}, []uint64{5}
	require.True(t, errors.Is(pull.Run(ctx), pdc.ErrShapeMismatch))
	pull.Offset, pull.Count = []uint64{1}, []uint64{1, 1}
	require.ErrorIs(t, pull.Run(ctx), ctl.UsageError)
}
