// Package transport moves opaque request payloads to numbered servers and
// hands back asynchronous completions. It knows nothing about what the
// payloads mean.
package transport

import (
	"context"
	"sync"

	"github.com/hpc-io/pdc-sub007/errors"
)

// Transport level error codes. The core re-exports these.
const (
	ErrServerUnreachable errors.Code = "ServerUnreachable"
	ErrTimeout           errors.Code = "Timeout"
)

// Op names a server operation.
type Op string

// Transport sends requests to servers.
type Transport interface {
	// Send issues one request without waiting for it. An error is returned
	// only when the request could not be issued at all; failures on the
	// server side arrive through the Handle.
	Send(ctx context.Context, server int, op Op, payload []byte) (*Handle, error)
	Close() error
}

// Handler is implemented by servers.
type Handler interface {
	Handle(ctx context.Context, op Op, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, op Op, payload []byte) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, op Op, payload []byte) ([]byte, error) {
	return f(ctx, op, payload)
}

// Completion is the outcome of one request.
type Completion struct {
	Payload []byte
	Err     error
}

// Handle tracks a request in flight.
type Handle struct {
	once sync.Once
	done chan struct{}
	c    Completion
}

// NewHandle returns a Handle that completes when Complete is called.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Complete records the outcome. Only the first call has any effect.
func (h *Handle) Complete(payload []byte, err error) {
	h.once.Do(func() {
		h.c = Completion{Payload: payload, Err: err}
		close(h.done)
	})
}

// Done is closed once the request has completed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Poll returns the completion without blocking.
func (h *Handle) Poll() (*Completion, bool) {
	select {
	case <-h.done:
		return &h.c, true
	default:
		return nil, false
	}
}

// Wait blocks until the request completes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*Completion, error) {
	select {
	case <-h.done:
		return &h.c, nil
	case <-ctx.Done():
		return nil, errors.Newf(ErrTimeout, "waiting for completion: %v", ctx.Err())
	}
}
