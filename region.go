package pdc

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxDim is the largest number of dimensions a region or object may have.
const MaxDim = 4

// Region is an axis-aligned hyper-rectangle in an object's index space.
// Regions are immutable once created.
type Region struct {
	Offset []uint64 `json:"offset"`
	Size   []uint64 `json:"size"`

	freed bool
}

// NewRegion returns a validated region. The slices are copied.
func NewRegion(ndim int, offset, size []uint64) (*Region, error) {
	if ndim < 1 || ndim > MaxDim {
		return nil, NewErrInvalidArgument("ndim %d out of range [1,%d]", ndim, MaxDim)
	}
	if len(offset) != ndim || len(size) != ndim {
		return nil, NewErrInvalidArgument("region of %d dimensions given %d offsets and %d sizes", ndim, len(offset), len(size))
	}
	for i := 0; i < ndim; i++ {
		if size[i] == 0 {
			return nil, NewErrInvalidArgument("size[%d] is zero", i)
		}
		if _, carry := bits.Add64(offset[i], size[i], 0); carry != 0 {
			return nil, NewErrInvalidArgument("offset[%d]+size[%d] overflows", i, i)
		}
	}
	return &Region{
		Offset: append([]uint64(nil), offset...),
		Size:   append([]uint64(nil), size...),
	}, nil
}

// MustNewRegion is like NewRegion but panics on error.
func MustNewRegion(offset, size []uint64) *Region {
	r, err := NewRegion(len(offset), offset, size)
	if err != nil {
		panic(err)
	}
	return r
}

// WholeRegion returns the region covering every element of dims.
func WholeRegion(dims []uint64) (*Region, error) {
	return NewRegion(len(dims), make([]uint64, len(dims)), dims)
}

// NDim returns the number of dimensions.
func (r *Region) NDim() int { return len(r.Size) }

// Validate checks a region received from outside, e.g. decoded from a
// message, against the invariants NewRegion enforces.
func (r *Region) Validate() error {
	if r == nil {
		return NewErrInvalidArgument("nil region")
	}
	_, err := NewRegion(len(r.Size), r.Offset, r.Size)
	return err
}

// Elements returns the number of elements in the region.
func (r *Region) Elements() uint64 {
	n := uint64(1)
	for _, s := range r.Size {
		n *= s
	}
	return n
}

// End returns offset+size for dimension i.
func (r *Region) End(i int) uint64 { return r.Offset[i] + r.Size[i] }

// Clone returns a copy that shares no memory with r.
func (r *Region) Clone() *Region {
	return &Region{
		Offset: append([]uint64(nil), r.Offset...),
		Size:   append([]uint64(nil), r.Size...),
	}
}

// Free releases the region. Using it afterwards is a bug; the transfer
// engine and lock manager keep their own clones, so freeing a region
// passed to them is always safe.
func (r *Region) Free() {
	r.Offset, r.Size = nil, nil
	r.freed = true
}

// Freed reports whether Free has been called.
func (r *Region) Freed() bool { return r.freed }

// Overlaps reports whether a and b share at least one element. Regions
// of different dimensionality never overlap.
func Overlaps(a, b *Region) bool {
	if a.NDim() != b.NDim() {
		return false
	}
	for i := range a.Size {
		if max(a.Offset[i], b.Offset[i]) >= min(a.End(i), b.End(i)) {
			return false
		}
	}
	return true
}

// Intersect returns the region common to a and b, or false if they do not
// overlap.
func Intersect(a, b *Region) (*Region, bool) {
	if !Overlaps(a, b) {
		return nil, false
	}
	out := &Region{Offset: make([]uint64, a.NDim()), Size: make([]uint64, a.NDim())}
	for i := range a.Size {
		lo := max(a.Offset[i], b.Offset[i])
		out.Offset[i] = lo
		out.Size[i] = min(a.End(i), b.End(i)) - lo
	}
	return out, true
}

// Overlaps is a method form of Overlaps.
func (r *Region) Overlaps(b *Region) bool { return Overlaps(r, b) }

// Contains reports whether b lies entirely within r.
func (r *Region) Contains(b *Region) bool {
	if r.NDim() != b.NDim() {
		return false
	}
	for i := range r.Size {
		if b.Offset[i] < r.Offset[i] || b.End(i) > r.End(i) {
			return false
		}
	}
	return true
}

// SameShape reports whether r and b have equal sizes in every dimension.
func (r *Region) SameShape(b *Region) bool {
	if r.NDim() != b.NDim() {
		return false
	}
	for i := range r.Size {
		if r.Size[i] != b.Size[i] {
			return false
		}
	}
	return true
}

// Equal reports whether r and b describe the same elements.
func (r *Region) Equal(b *Region) bool {
	return r.Compare(b) == 0
}

// Compare orders regions by dimensionality, then lexicographically by
// offset, then by size. Locks on several regions are always acquired in
// this order.
func (r *Region) Compare(b *Region) int {
	if r.NDim() != b.NDim() {
		return cmpUint64(uint64(r.NDim()), uint64(b.NDim()))
	}
	for i := range r.Offset {
		if c := cmpUint64(r.Offset[i], b.Offset[i]); c != 0 {
			return c
		}
	}
	for i := range r.Size {
		if c := cmpUint64(r.Size[i], b.Size[i]); c != 0 {
			return c
		}
	}
	return 0
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// InBounds reports whether r lies inside an object of the given dims.
func (r *Region) InBounds(dims []uint64) bool {
	if r.NDim() != len(dims) {
		return false
	}
	for i := range dims {
		if r.End(i) > dims[i] {
			return false
		}
	}
	return true
}

func (r *Region) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("{offset:%v size:%v}", r.Offset, r.Size)
}

// LinearIndex returns the row-major position of coord in an array of
// shape dims.
func LinearIndex(dims, coord []uint64) uint64 {
	var idx uint64
	for i := range dims {
		idx = idx*dims[i] + coord[i]
	}
	return idx
}

// Coordinate is the inverse of LinearIndex.
func Coordinate(dims []uint64, linear uint64) []uint64 {
	coord := make([]uint64, len(dims))
	for i := len(dims) - 1; i >= 0; i-- {
		coord[i] = linear % dims[i]
		linear /= dims[i]
	}
	return coord
}

// ElementCount returns the number of elements in an array of shape dims,
// or false if it does not fit in a uint64.
func ElementCount(dims []uint64) (uint64, bool) {
	n := uint64(1)
	for _, d := range dims {
		hi, lo := bits.Mul64(n, d)
		if hi != 0 {
			return 0, false
		}
		n = lo
	}
	return n, true
}

// ByteCount returns the size in bytes of an array of shape dims holding
// elements of dt, or false if it does not fit in an int64.
func ByteCount(dims []uint64, dt DataType) (uint64, bool) {
	n, ok := ElementCount(dims)
	if !ok {
		return 0, false
	}
	hi, lo := bits.Mul64(n, uint64(dt.Size()))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, false
	}
	return lo, true
}

// ForEachRow walks r in row-major order one contiguous run of the last
// dimension at a time. fn receives the coordinate of the first element of
// the run (reused between calls) and the run length. Returning an error
// stops the walk.
func ForEachRow(r *Region, fn func(start []uint64, n uint64) error) error {
	nd := r.NDim()
	coord := append([]uint64(nil), r.Offset...)
	rowLen := r.Size[nd-1]
	for {
		if err := fn(coord, rowLen); err != nil {
			return err
		}
		// Advance the outer dimensions like an odometer.
		i := nd - 2
		for ; i >= 0; i-- {
			coord[i]++
			if coord[i] < r.End(i) {
				break
			}
			coord[i] = r.Offset[i]
		}
		if i < 0 {
			return nil
		}
	}
}
