package pdc_test

import (
	"testing"

	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/stretchr/testify/require"
)

func TestDistribution_FragmentsIn(t *testing.T) {
	dims := []uint64{10, 13}
	for name, d := range map[string]pdc.Distribution{
		"row":   {Kind: pdc.RowDistribution, Servers: 3},
		"block": {Kind: pdc.BlockDistribution, Servers: 3, Block: []uint64{3, 4}},
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, d.Validate(dims))
			all := d.Fragments(dims)
			for i, f := range all {
				if d.Kind == pdc.BlockDistribution {
					require.Equal(t, i, f.Index)
				}
			}
			for _, r := range []*pdc.Region{
				pdc.MustNewRegion([]uint64{0, 0}, []uint64{10, 13}),
				pdc.MustNewRegion([]uint64{4, 5}, []uint64{1, 1}),
				pdc.MustNewRegion([]uint64{2, 3}, []uint64{5, 9}),
				pdc.MustNewRegion([]uint64{9, 12}, []uint64{1, 1}),
			} {
				var want []pdc.Fragment
				for _, f := range all {
					if pdc.Overlaps(f.Region, r) {
						want = append(want, f)
					}
				}
				require.Equal(t, want, d.FragmentsIn(dims, r), "region %s", r)
			}
			require.Equal(t, all, d.FragmentsIn(dims, nil))
		})
	}
}

func TestDistribution_FragmentsInLargeGrid(t *testing.T) {
	d := pdc.Distribution{Kind: pdc.BlockDistribution, Servers: 2, Block: []uint64{1}}
	dims := []uint64{pdc.MaxFragments}
	require.NoError(t, d.Validate(dims))
	frags := d.FragmentsIn(dims, pdc.MustNewRegion([]uint64{12345}, []uint64{3}))
	require.Len(t, frags, 3)
	require.Equal(t, 12345, frags[0].Index)
	require.Equal(t, []uint64{12347}, frags[2].Region.Offset)
}
