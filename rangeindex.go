package pdc

import (
	"math"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// DefaultRangeIndexBins is the default number of bins in a RangeIndex.
const DefaultRangeIndexBins = 64

// RangeIndex is a binned bitmap index over the values of one fragment.
// Bins split [min, max] of the finite values into equal widths; each bin
// keeps a bitmap of the fragment-local indices that fall in it along with
// the exact min and max of those values. Infinite values get a bin of
// their own, and NaN is left out since it matches no comparison.
type RangeIndex struct {
	values []float64
	bins   []*rangeBin
}

type rangeBin struct {
	min, max float64
	bm       *roaring64.Bitmap
}

func (b *rangeBin) add(i uint64, v float64) {
	if b.bm.IsEmpty() {
		b.min, b.max = v, v
	} else {
		b.min, b.max = math.Min(b.min, v), math.Max(b.max, v)
	}
	b.bm.Add(i)
}

// BuildRangeIndex indexes values. The index keeps a reference to values
// for checking the elements of bins a predicate only partly covers.
func BuildRangeIndex(values []float64, nbins int) *RangeIndex {
	if nbins < 1 {
		nbins = DefaultRangeIndexBins
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	width := (hi - lo) / float64(nbins)

	bins := make([]*rangeBin, nbins+1)
	for i := range bins {
		bins[i] = &rangeBin{bm: roaring64.New()}
	}
	inf := bins[nbins]
	for i, v := range values {
		switch {
		case math.IsNaN(v):
			continue
		case math.IsInf(v, 0):
			inf.add(uint64(i), v)
			continue
		}
		b := 0
		if width > 0 {
			b = int((v - lo) / width)
			if b >= nbins {
				b = nbins - 1
			}
		}
		bins[b].add(uint64(i), v)
	}

	ri := &RangeIndex{values: values}
	for _, b := range bins {
		if !b.bm.IsEmpty() {
			b.bm.RunOptimize()
			ri.bins = append(ri.bins, b)
		}
	}
	return ri
}

// Bins returns the number of non-empty bins.
func (ri *RangeIndex) Bins() int { return len(ri.bins) }

// Eval returns the fragment-local indices whose value satisfies op x.
// Bins wholly inside the predicate contribute their bitmap as is; only
// bins straddling x are checked value by value.
func (ri *RangeIndex) Eval(op CompareOp, x float64) *roaring64.Bitmap {
	out := roaring64.New()
	for _, b := range ri.bins {
		switch ri.classify(b, op, x) {
		case binAll:
			out.Or(b.bm)
		case binSome:
			itr := b.bm.Iterator()
			for itr.HasNext() {
				i := itr.Next()
				if op.Match(ri.values[i], x) {
					out.Add(i)
				}
			}
		}
	}
	return out
}

const (
	binNone = iota
	binSome
	binAll
)

func (ri *RangeIndex) classify(b *rangeBin, op CompareOp, x float64) int {
	if op == EQ {
		switch {
		case x < b.min || x > b.max:
			return binNone
		case b.min == x && b.max == x:
			return binAll
		}
		return binSome
	}
	// The other operators are monotone in the value, so checking the
	// extremes decides the whole bin unless they disagree.
	lo, hi := op.Match(b.min, x), op.Match(b.max, x)
	switch {
	case lo && hi:
		return binAll
	case !lo && !hi:
		return binNone
	}
	return binSome
}

// ScanValues returns the indices of values satisfying op x without an
// index.
func ScanValues(values []float64, op CompareOp, x float64) *roaring64.Bitmap {
	out := roaring64.New()
	for i, v := range values {
		if op.Match(v, x) {
			out.Add(uint64(i))
		}
	}
	return out
}

// EvalExact is Eval for integer elements whose float64 values may be
// rounded. x is the rounded literal and match checks element i against
// the exact one. Conversion to float64 is monotone, so a bin lying
// strictly on one side of x is decided by its extremes; every other bin
// is checked element by element.
func (ri *RangeIndex) EvalExact(op CompareOp, x float64, match func(i uint64) bool) *roaring64.Bitmap {
	out := roaring64.New()
	for _, b := range ri.bins {
		below, above := b.max < x, b.min > x
		all := false
		switch op {
		case LT, LTE:
			if above {
				continue
			}
			all = below
		case GT, GTE:
			if below {
				continue
			}
			all = above
		default:
			if below || above {
				continue
			}
		}
		if all {
			out.Or(b.bm)
			continue
		}
		itr := b.bm.Iterator()
		for itr.HasNext() {
			if i := itr.Next(); match(i) {
				out.Add(i)
			}
		}
	}
	return out
}
