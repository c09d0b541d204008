package pdc_test

import (
	"math"
	"testing"

	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/stretchr/testify/require"
)

func TestKVTag_Encoding(t *testing.T) {
	tags := []pdc.KVTag{
		pdc.StringTag("app", "vpic"),
		pdc.Int64Tag("step", -42),
		pdc.Uint64Tag("count", 1<<40),
		pdc.DoubleTag("threshold", 0.25),
		{Name: "raw", Type: pdc.TagBytes, Value: []byte{}},
	}
	var b []byte
	for _, tag := range tags {
		b = pdc.AppendKVTag(b, tag)
	}
	for _, want := range tags {
		got, n, err := pdc.DecodeKVTag(b)
		require.NoError(t, err)
		require.Equal(t, want.EncodedSize(), n)
		require.True(t, want.Equal(got), "want %+v got %+v", want, got)
		b = b[n:]
	}
	require.Empty(t, b)

	// Layout: name_len | name | type | size | value.
	enc := pdc.AppendKVTag(nil, pdc.StringTag("ab", "xyz"))
	require.Equal(t, []byte{2, 0, 0, 0, 'a', 'b', byte(pdc.TagString), 3, 0, 0, 0, 'x', 'y', 'z'}, enc)
}

func TestKVTag_Corrupt(t *testing.T) {
	enc := pdc.AppendKVTag(nil, pdc.StringTag("name", "value"))
	for _, n := range []int{0, 3, 6, 9, len(enc) - 1} {
		_, _, err := pdc.DecodeKVTag(enc[:n])
		require.True(t, errors.Is(err, pdc.ErrCorrupt), "truncated to %d: %v", n, err)
	}
}

func TestKVTag_Scalars(t *testing.T) {
	v, err := pdc.Int64Tag("a", -7).Int64()
	require.NoError(t, err)
	require.Equal(t, int64(-7), v)

	f, err := pdc.DoubleTag("b", math.Pi).Double()
	require.NoError(t, err)
	require.Equal(t, math.Pi, f)

	_, err = pdc.StringTag("c", "x").Int64()
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument))
	_, err = pdc.Int64Tag("d", 1).Double()
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument))
}

func TestDataType(t *testing.T) {
	for _, dt := range []pdc.DataType{pdc.Int, pdc.Float, pdc.Double, pdc.Char, pdc.Int16, pdc.Int8, pdc.Uint8, pdc.Uint16, pdc.Uint, pdc.Int64, pdc.Uint64} {
		t.Run(dt.String(), func(t *testing.T) {
			parsed, err := pdc.ParseDataType(dt.String())
			require.NoError(t, err)
			require.Equal(t, dt, parsed)
			require.True(t, dt.Valid())

			vals := []float64{0, 1, 2, 100, 127}
			b := dt.EncodeValues(vals)
			require.Len(t, b, len(vals)*dt.Size())
			require.Equal(t, vals, dt.DecodeValues(b))
		})
	}

	_, err := pdc.ParseDataType("complex")
	require.True(t, errors.Is(err, pdc.ErrInvalidArgument))
	require.False(t, pdc.Unknown.Valid())
	require.Equal(t, 0, pdc.Unknown.Size())

	b := pdc.Int.EncodeValues([]float64{-3})
	require.Equal(t, []byte{0xfd, 0xff, 0xff, 0xff}, b)
	require.Equal(t, -3.0, pdc.Int.Float64(b))
}
