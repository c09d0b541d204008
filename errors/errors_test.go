package errors_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	errRegionInvalid errors.Code = "RegionInvalid"
	errObjectMissing errors.Code = "ObjectMissing"
)

func TestErrors(t *testing.T) {
	t.Run("Is", func(t *testing.T) {
		uncoded := errors.New(errors.ErrUncoded, "uncoded error")
		missing := errors.Newf(errObjectMissing, "object %d not found", 7)

		tests := []struct {
			err    error
			target errors.Code
			exp    bool
		}{
			{err: uncoded, target: errors.ErrUncoded, exp: true},
			{err: uncoded, target: errObjectMissing, exp: false},
			{err: missing, target: errObjectMissing, exp: true},
			{err: missing, target: errRegionInvalid, exp: false},
			{err: errors.Wrap(missing, "with message"), target: errObjectMissing, exp: true},
			{err: errors.WithMessagef(missing, "lookup %s", "x"), target: errObjectMissing, exp: true},
			{err: fmt.Errorf("plain"), target: errObjectMissing, exp: false},
			{err: nil, target: errObjectMissing, exp: false},
		}

		for i, test := range tests {
			t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
				assert.Equal(t, test.exp, errors.Is(test.err, test.target))
			})
		}
	})

	t.Run("CodeOf", func(t *testing.T) {
		assert.Equal(t, errObjectMissing, errors.CodeOf(errors.Wrap(errors.New(errObjectMissing, "m"), "w")))
		assert.Equal(t, errors.ErrUncoded, errors.CodeOf(fmt.Errorf("plain")))
	})

	t.Run("JSON", func(t *testing.T) {
		orig := errors.Wrap(errors.New(errRegionInvalid, "size is zero"), "creating region")
		s := errors.MarshalJSON(orig)

		got := errors.UnmarshalJSON(bytes.NewBufferString(s))
		require.Error(t, got)
		assert.True(t, errors.Is(got, errRegionInvalid))
		assert.Equal(t, orig.Error(), got.Error())
		assert.Equal(t, errRegionInvalid, errors.CodeOf(got))

		// Errors without a code survive as plain messages.
		plain := errors.UnmarshalJSON(bytes.NewBufferString(errors.MarshalJSON(fmt.Errorf("boom"))))
		assert.Equal(t, "boom", plain.Error())
		assert.False(t, errors.Is(plain, errRegionInvalid))

		// Garbage turns into a plain error with the raw text.
		raw := errors.UnmarshalJSON(bytes.NewBufferString("not json"))
		assert.Equal(t, "not json", raw.Error())
	})
}
