package pdc_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/stretchr/testify/require"
)

// runSet expands runs into a set of indices.
func runSet(runs []pdc.Run) map[uint64]bool {
	out := make(map[uint64]bool)
	for _, r := range runs {
		for i := r.Start; i < r.End(); i++ {
			out[i] = true
		}
	}
	return out
}

func requireRuns(tb testing.TB, want, got []pdc.Run) {
	tb.Helper()
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		tb.Fatalf("runs mismatch (-want +got):\n%s", diff)
	}
}

func randomRuns(rng *rand.Rand, n int) []pdc.Run {
	runs := make([]pdc.Run, n)
	for i := range runs {
		runs[i] = pdc.Run{Start: uint64(rng.Intn(200)), Len: uint64(rng.Intn(10))}
	}
	return pdc.NormalizeRuns(runs)
}

func TestNormalizeRuns(t *testing.T) {
	got := pdc.NormalizeRuns([]pdc.Run{{Start: 10, Len: 5}, {Start: 0, Len: 3}, {Start: 3, Len: 2}, {Start: 12, Len: 1}, {Start: 40, Len: 0}})
	requireRuns(t, []pdc.Run{{Start: 0, Len: 5}, {Start: 10, Len: 5}}, got)
}

func TestRunAlgebra(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		a, b := randomRuns(rng, rng.Intn(20)), randomRuns(rng, rng.Intn(20))
		sa, sb := runSet(a), runSet(b)

		union := pdc.UnionRuns(a, b)
		inter := pdc.IntersectRuns(a, b)
		requireRuns(t, union, pdc.NormalizeRuns(union))
		requireRuns(t, inter, pdc.NormalizeRuns(inter))

		su, si := runSet(union), runSet(inter)
		for k := range sa {
			require.True(t, su[k])
			require.Equal(t, sb[k], si[k])
		}
		for k := range sb {
			require.True(t, su[k])
		}
		require.Len(t, su, len(sa)+len(sb)-len(si))
		require.LessOrEqual(t, pdc.CountRuns(inter), min(pdc.CountRuns(a), pdc.CountRuns(b)))

		requireRuns(t, a, pdc.IntersectRuns(a, a))
		requireRuns(t, a, pdc.UnionRuns(a, a))
	}
}

func TestRunsFromBitmap(t *testing.T) {
	bm := roaring64.BitmapOf(1, 2, 3, 7, 9, 10)
	require.Equal(t, []pdc.Run{{Start: 1, Len: 3}, {Start: 7, Len: 1}, {Start: 9, Len: 2}}, pdc.RunsFromBitmap(bm))
}

func TestFragmentRuns(t *testing.T) {
	// A 2x3 fragment at (1,2) of a 4x6 object.
	frag := pdc.MustNewRegion([]uint64{1, 2}, []uint64{2, 3})
	local := roaring64.BitmapOf(0, 1, 2, 4)
	got := pdc.FragmentRuns([]uint64{4, 6}, frag, local)
	require.Equal(t, []pdc.Run{{Start: 8, Len: 3}, {Start: 15, Len: 1}}, got)
}

func TestSelection(t *testing.T) {
	sel := pdc.NewSelection([]uint64{4, 5}, []pdc.Run{{Start: 3, Len: 3}, {Start: 19, Len: 1}})
	require.Equal(t, uint64(4), sel.NHits())

	var idx []uint64
	itr := sel.Indices()
	for v, ok := itr.Next(); ok; v, ok = itr.Next() {
		idx = append(idx, v)
	}
	require.Equal(t, []uint64{3, 4, 5, 19}, idx)

	var coords [][]uint64
	citr := sel.Coordinates()
	for c, ok := citr.Next(); ok; c, ok = citr.Next() {
		coords = append(coords, c)
	}
	require.Equal(t, [][]uint64{{0, 3}, {0, 4}, {1, 0}, {3, 4}}, coords)

	sel.Free()
	require.True(t, sel.Freed())
	require.Zero(t, sel.NHits())
}

func TestRangeIndex_MatchesScan(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	values := make([]float64, 2000)
	for i := range values {
		values[i] = math.Round(rng.NormFloat64()*100) / 4
	}
	values[17] = math.Inf(1)
	values[18] = math.Inf(-1)
	values[19] = math.NaN()

	for _, bins := range []int{1, 7, 64} {
		ri := pdc.BuildRangeIndex(values, bins)
		for _, op := range []pdc.CompareOp{pdc.LT, pdc.LTE, pdc.GT, pdc.GTE, pdc.EQ} {
			for _, x := range []float64{-1000, -12.5, 0, 0.25, values[100], 31, 1000, -math.MaxFloat64, math.Inf(1)} {
				want := pdc.ScanValues(values, op, x)
				got := ri.Eval(op, x)
				require.True(t, want.Equals(got), "bins=%d %s %v: want %d hits got %d", bins, op, x, want.GetCardinality(), got.GetCardinality())
			}
		}
	}
}

func TestRangeIndex_Sentinel(t *testing.T) {
	values := []float64{-5, 0, 3, 8}
	ri := pdc.BuildRangeIndex(values, 4)
	require.Equal(t, uint64(4), ri.Eval(pdc.GT, -math.MaxFloat64).GetCardinality())
	require.Equal(t, uint64(4), ri.Eval(pdc.LT, math.MaxFloat64).GetCardinality())

	same := pdc.BuildRangeIndex([]float64{2, 2, 2}, 8)
	require.Equal(t, 1, same.Bins())
	require.Equal(t, uint64(3), same.Eval(pdc.EQ, 2).GetCardinality())
	require.Zero(t, same.Eval(pdc.GT, 2).GetCardinality())
}

func TestRangeIndex_EvalExact(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	ints := make([]int64, 500)
	for i := range ints {
		ints[i] = 1<<53 + rng.Int63n(64) - 32
	}
	ints[0], ints[1] = math.MinInt64, math.MaxInt64
	values := make([]float64, len(ints))
	for i, v := range ints {
		values[i] = float64(v)
	}

	for _, bins := range []int{1, 5, 64} {
		ri := pdc.BuildRangeIndex(values, bins)
		for _, op := range []pdc.CompareOp{pdc.LT, pdc.LTE, pdc.GT, pdc.GTE, pdc.EQ} {
			for _, x := range []int64{1<<53 - 1, 1 << 53, 1<<53 + 1, 1<<53 + 7, math.MinInt64, math.MaxInt64, 0} {
				want := roaring64.New()
				for i, v := range ints {
					if op.MatchInt64(v, x) {
						want.Add(uint64(i))
					}
				}
				got := ri.EvalExact(op, float64(x), func(i uint64) bool { return op.MatchInt64(ints[i], x) })
				require.True(t, want.Equals(got), "bins=%d %s %d: want %d hits got %d", bins, op, x, want.GetCardinality(), got.GetCardinality())
			}
		}
	}
}

func TestQuery(t *testing.T) {
	a := pdc.Compare(1, pdc.GT, pdc.Double, 5)
	b := pdc.Compare(2, pdc.LTE, pdc.Float, 1)
	q := pdc.Or(pdc.And(a, b), pdc.Compare(1, pdc.EQ, pdc.Double, 0))
	require.Equal(t, []pdc.ObjectID{1, 2}, q.Objects())
	require.Equal(t, "((obj1 > 5 AND obj2 <= 1) OR obj1 == 0)", q.String())

	c := q.Clone()
	q.Free()
	require.Equal(t, "((obj1 > 5 AND obj2 <= 1) OR obj1 == 0)", c.String())

	for _, s := range []string{"<", "<=", ">", ">=", "==", "lt", "GTE"} {
		_, err := pdc.ParseCompareOp(s)
		require.NoError(t, err, s)
	}
	_, err := pdc.ParseCompareOp("!=")
	require.Error(t, err)

	require.Equal(t, "obj3 == 9007199254740993", pdc.CompareInt64(3, pdc.EQ, 1<<53+1).String())
	require.Equal(t, "obj3 < 18446744073709551615", pdc.CompareUint64(3, pdc.LT, math.MaxUint64).String())
	require.Equal(t, "obj3 >= -4", pdc.CompareInt64(3, pdc.GTE, -4).Clone().String())

	require.False(t, pdc.LT.Match(math.NaN(), 1))
	require.True(t, pdc.GTE.Match(1, 1))
}
