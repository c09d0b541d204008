package pdc

import (
	"github.com/hpc-io/pdc-sub007/placement"
)

// DistributionKind names a way of splitting an object across servers.
type DistributionKind uint8

const (
	// RowDistribution splits dimension 0 into one contiguous slab per
	// server.
	RowDistribution DistributionKind = iota
	// BlockDistribution cuts the object into fixed-size blocks and places
	// each block by hashing its block coordinate.
	BlockDistribution
)

// Distribution is the region ownership map of an object.
type Distribution struct {
	Kind    DistributionKind `json:"kind"`
	Servers int              `json:"servers"`
	// Block is the block shape for BlockDistribution.
	Block []uint64 `json:"block,omitempty"`
}

// Fragment is one piece of an object stored on one server.
type Fragment struct {
	Index  int     `json:"index"`
	Server int     `json:"server"`
	Region *Region `json:"region"`
}

// MaxFragments bounds the number of blocks of a BlockDistribution.
const MaxFragments = 1 << 20

// Validate checks d for an object of shape dims.
func (d *Distribution) Validate(dims []uint64) error {
	if d.Servers < 1 || d.Servers > MaxServers {
		return NewErrInvalidArgument("distribution over %d servers", d.Servers)
	}
	switch d.Kind {
	case RowDistribution:
		return nil
	case BlockDistribution:
		if len(d.Block) != len(dims) {
			return NewErrInvalidArgument("block shape %v does not match dims %v", d.Block, dims)
		}
		for i, b := range d.Block {
			if b == 0 {
				return NewErrInvalidArgument("block[%d] is zero", i)
			}
		}
		if n, ok := ElementCount(d.grid(dims)); !ok || n > MaxFragments {
			return NewErrInvalidArgument("block shape %v cuts dims %v into more than %d blocks", d.Block, dims, MaxFragments)
		}
		return nil
	}
	return NewErrInvalidArgument("unknown distribution kind %d", d.Kind)
}

// grid returns the number of blocks along each dimension.
func (d *Distribution) grid(dims []uint64) []uint64 {
	grid := make([]uint64, len(dims))
	for i := range dims {
		grid[i] = (dims[i] + d.Block[i] - 1) / d.Block[i]
	}
	return grid
}

// Fragments returns the fragments of an object of shape dims, ordered by
// the row-major position of their first element. d must be valid.
func (d *Distribution) Fragments(dims []uint64) []Fragment {
	return d.FragmentsIn(dims, nil)
}

// FragmentsIn returns the fragments overlapping r, in the same order and
// with the same indexes as Fragments. A nil r means the whole object.
// Only the blocks r touches are visited.
func (d *Distribution) FragmentsIn(dims []uint64, r *Region) []Fragment {
	var out []Fragment
	switch d.Kind {
	case RowDistribution:
		n := 0
		for i := 0; i < d.Servers; i++ {
			start, count := placement.RowSplit(dims[0], d.Servers, i)
			if count == 0 {
				continue
			}
			offset := make([]uint64, len(dims))
			size := append([]uint64(nil), dims...)
			offset[0], size[0] = start, count
			f := Fragment{Index: n, Server: i, Region: &Region{Offset: offset, Size: size}}
			n++
			if r == nil || Overlaps(r, f.Region) {
				out = append(out, f)
			}
		}
	case BlockDistribution:
		grid := d.grid(dims)
		span := &Region{Offset: make([]uint64, len(dims)), Size: grid}
		if r != nil {
			span.Size = make([]uint64, len(dims))
			for i := range dims {
				first := r.Offset[i] / d.Block[i]
				last := (r.End(i) - 1) / d.Block[i]
				if first >= grid[i] {
					return nil
				}
				last = min(last, grid[i]-1)
				span.Offset[i], span.Size[i] = first, last-first+1
			}
		}
		_ = ForEachRow(span, func(start []uint64, n uint64) error {
			bc := append([]uint64(nil), start...)
			last := len(bc) - 1
			for j := uint64(0); j < n; j++ {
				bc[last] = start[last] + j
				out = append(out, d.block(dims, grid, bc))
			}
			return nil
		})
	}
	return out
}

func (d *Distribution) block(dims, grid, bc []uint64) Fragment {
	offset := make([]uint64, len(dims))
	size := make([]uint64, len(dims))
	for i := range dims {
		offset[i] = bc[i] * d.Block[i]
		size[i] = min(d.Block[i], dims[i]-offset[i])
	}
	return Fragment{
		Index:  int(LinearIndex(grid, bc)),
		Server: placement.BlockServer(bc, d.Servers),
		Region: &Region{Offset: offset, Size: size},
	}
}

// FragmentsOn returns the fragments stored on server.
func (d *Distribution) FragmentsOn(dims []uint64, server int) []Fragment {
	var out []Fragment
	for _, f := range d.Fragments(dims) {
		if f.Server == server {
			out = append(out, f)
		}
	}
	return out
}
