package pdc

import (
	"sort"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// Run is a contiguous range [Start, Start+Len) of row-major element
// indices.
type Run struct {
	Start uint64 `json:"start"`
	Len   uint64 `json:"len"`
}

// End returns the first index past the run.
func (r Run) End() uint64 { return r.Start + r.Len }

// NormalizeRuns sorts runs and merges overlapping or adjacent ones. Run
// lists produced by this package are already normal; this is for lists
// received from elsewhere.
func NormalizeRuns(runs []Run) []Run {
	rs := make([]Run, 0, len(runs))
	for _, r := range runs {
		if r.Len > 0 {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	out := rs[:0]
	for _, r := range rs {
		if n := len(out); n > 0 && r.Start <= out[n-1].End() {
			if r.End() > out[n-1].End() {
				out[n-1].Len = r.End() - out[n-1].Start
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// appendRun appends r to a normal list, merging with the last run when
// they touch. r must not start before the last run.
func appendRun(out []Run, r Run) []Run {
	if r.Len == 0 {
		return out
	}
	if n := len(out); n > 0 && r.Start <= out[n-1].End() {
		if r.End() > out[n-1].End() {
			out[n-1].Len = r.End() - out[n-1].Start
		}
		return out
	}
	return append(out, r)
}

// UnionRuns merges two normal run lists in O(n+m).
func UnionRuns(a, b []Run) []Run {
	out := make([]Run, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		if j >= len(b) || (i < len(a) && a[i].Start <= b[j].Start) {
			out = appendRun(out, a[i])
			i++
		} else {
			out = appendRun(out, b[j])
			j++
		}
	}
	return out
}

// IntersectRuns intersects two normal run lists in O(n+m).
func IntersectRuns(a, b []Run) []Run {
	var out []Run
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		lo := max(a[i].Start, b[j].Start)
		hi := min(a[i].End(), b[j].End())
		if lo < hi {
			out = appendRun(out, Run{Start: lo, Len: hi - lo})
		}
		// Advance whichever run ends first.
		if a[i].End() <= b[j].End() {
			i++
		} else {
			j++
		}
	}
	return out
}

// CountRuns returns the number of indices covered by runs.
func CountRuns(runs []Run) uint64 {
	var n uint64
	for _, r := range runs {
		n += r.Len
	}
	return n
}

// RunsFromBitmap converts a bitmap of indices to a normal run list.
func RunsFromBitmap(bm *roaring64.Bitmap) []Run {
	var out []Run
	itr := bm.Iterator()
	for itr.HasNext() {
		v := itr.Next()
		if n := len(out); n > 0 && out[n-1].End() == v {
			out[n-1].Len++
			continue
		}
		out = append(out, Run{Start: v, Len: 1})
	}
	return out
}

// FragmentRuns converts a bitmap of fragment-local row-major indices into
// runs of object-global indices. Local order matches global order within
// a fragment, so the result is normal.
func FragmentRuns(dims []uint64, frag *Region, local *roaring64.Bitmap) []Run {
	var out []Run
	itr := local.Iterator()
	for itr.HasNext() {
		coord := Coordinate(frag.Size, itr.Next())
		for i := range coord {
			coord[i] += frag.Offset[i]
		}
		out = appendRun(out, Run{Start: LinearIndex(dims, coord), Len: 1})
	}
	return out
}

// Selection is the result of a query: the set of matching element
// indices of objects of shape Dims, as a normal run list.
type Selection struct {
	Dims []uint64 `json:"dims"`
	Runs []Run    `json:"runs"`

	nhits uint64
	freed bool
}

// NewSelection returns a selection over runs, which must be normal.
func NewSelection(dims []uint64, runs []Run) *Selection {
	return &Selection{Dims: append([]uint64(nil), dims...), Runs: runs, nhits: CountRuns(runs)}
}

// NHits returns the number of selected elements.
func (s *Selection) NHits() uint64 { return s.nhits }

// Free releases the run list.
func (s *Selection) Free() {
	s.Runs = nil
	s.nhits = 0
	s.freed = true
}

// Freed reports whether Free has been called.
func (s *Selection) Freed() bool { return s.freed }

// Indices returns an iterator over the selected linear indices.
func (s *Selection) Indices() *IndexIterator {
	return &IndexIterator{runs: s.Runs}
}

// Coordinates returns an iterator over the selected N-d coordinates.
// Coordinates are computed as the iterator advances.
func (s *Selection) Coordinates() *CoordinateIterator {
	return &CoordinateIterator{dims: s.Dims, IndexIterator: IndexIterator{runs: s.Runs}}
}

// IndexIterator walks a run list one index at a time.
type IndexIterator struct {
	runs []Run
	run  int
	off  uint64
}

// Next returns the next index, or false at the end.
func (itr *IndexIterator) Next() (uint64, bool) {
	for itr.run < len(itr.runs) && itr.off >= itr.runs[itr.run].Len {
		itr.run++
		itr.off = 0
	}
	if itr.run >= len(itr.runs) {
		return 0, false
	}
	v := itr.runs[itr.run].Start + itr.off
	itr.off++
	return v, true
}

// CoordinateIterator walks a selection one coordinate at a time.
type CoordinateIterator struct {
	IndexIterator
	dims []uint64
}

// Next returns the next coordinate, or false at the end.
func (itr *CoordinateIterator) Next() ([]uint64, bool) {
	v, ok := itr.IndexIterator.Next()
	if !ok {
		return nil, false
	}
	return Coordinate(itr.dims, v), true
}
