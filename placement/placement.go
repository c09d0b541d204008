// Package placement decides which server owns what: metadata records by
// object name, and data blocks by block coordinate. Every function here
// is deterministic so clients and servers compute the same answer
// without talking to each other.
package placement

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
)

// NameHash is the djb2 string hash.
func NameHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h<<5 + h + uint32(name[i])
	}
	return h
}

// MetadataServer returns the server holding the metadata of name in a
// cluster of n servers.
func MetadataServer(name string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(NameHash(name) % uint32(n))
}

// Hasher represents an interface to hash integers into buckets.
type Hasher interface {
	// Hashes the key into a number between [0,n).
	Hash(key uint64, n int) int
}

// JumpHasher represents an implementation of the jump consistent hash
// by Lamping and Veach.
type JumpHasher struct{}

// Hash returns the bucket of key among n buckets.
func (JumpHasher) Hash(key uint64, n int) int {
	b, j := int64(-1), int64(0)
	for j < int64(n) {
		b = j
		key = key*uint64(2862933555777941757) + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}

// BlockKey hashes a block coordinate into a 64-bit key.
func BlockKey(coord []uint64) uint64 {
	buf := make([]byte, 8*len(coord))
	for i, c := range coord {
		binary.LittleEndian.PutUint64(buf[8*i:], c)
	}
	return xxhash.Sum64(buf)
}

// BlockServer returns the server owning the block at coord.
func BlockServer(coord []uint64, n int) int {
	if n <= 1 {
		return 0
	}
	return JumpHasher{}.Hash(BlockKey(coord), n)
}

// RowSplit returns the half-open range of rows server i owns when dim
// rows are split into n contiguous slabs. Earlier servers absorb the
// remainder. The range is empty when there are more servers than rows.
func RowSplit(dim uint64, n, i int) (start, count uint64) {
	if n <= 0 || i < 0 || i >= n {
		return 0, 0
	}
	per, rem := dim/uint64(n), dim%uint64(n)
	ui := uint64(i)
	if ui < rem {
		return ui * (per + 1), per + 1
	}
	return rem*(per+1) + (ui-rem)*per, per
}
