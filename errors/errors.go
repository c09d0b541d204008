// Package errors wraps pkg/errors and adds error codes, so that callers on
// either side of a transport can check what kind of failure occurred.
package errors

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Code identifies a class of error. See Is.
type Code string

const (
	ErrUncoded Code = "Uncoded"
)

// New returns an error carrying code and a stack trace.
func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

// Newf is like New with a formatted message.
func Newf(code Code, format string, args ...interface{}) error {
	return New(code, fmt.Sprintf(format, args...))
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is reports whether any error in err's chain carries target. Unlike the
// standard library it takes a Code rather than an error value.
func Is(err error, target Code) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, codedError{Code: target})
}

// CodeOf returns the code of the first coded error in err's chain, or
// ErrUncoded when there is none.
func CodeOf(err error) Code {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	var pce *codedError
	if errors.As(err, &pce) {
		return pce.Code
	}
	return ErrUncoded
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, fmt string, args ...interface{}) error {
	return errors.Wrapf(err, fmt, args...)
}

// codedError is the fundamental type used by this package to provide coded
// errors.
type codedError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Wrapped string `json:"wrapped,omitempty"`
}

func (ce codedError) Error() string {
	if ce.Wrapped != "" {
		return ce.Wrapped
	}
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	switch e := err.(type) {
	case codedError:
		return ce.Code == e.Code
	case *codedError:
		return e != nil && ce.Code == e.Code
	}
	return false
}

// MarshalJSON returns err as a JSON object representing a codedError. An error
// which carries no code is marshaled with an empty code, which is distinct
// from ErrUncoded.
func MarshalJSON(err error) string {
	var out *codedError

	var ce codedError
	var pce *codedError
	switch {
	case errors.As(err, &ce):
		ce.Wrapped = err.Error()
		out = &ce
	case errors.As(err, &pce):
		v := *pce
		v.Wrapped = err.Error()
		out = &v
	default:
		out = &codedError{
			Message: Cause(err).Error(),
			Wrapped: err.Error(),
		}
	}

	j, jerr := json.Marshal(out)
	if jerr != nil {
		return out.Error()
	}
	return string(j)
}

// UnmarshalJSON converts the contents of r into a codedError. If the bytes do
// not hold a codedError, a plain error holding the raw text is returned.
func UnmarshalJSON(r io.Reader) error {
	b, _ := io.ReadAll(r)

	out := &codedError{}
	if err := json.Unmarshal(b, out); err != nil {
		return errors.New(string(b))
	}
	return out
}
