package transport

import (
	"context"
	"sync"
	"time"

	"github.com/hpc-io/pdc-sub007/errors"
)

// Ensure type implements interface.
var _ Transport = (*Local)(nil)

// Fault decides whether a request should fail before reaching its
// server. Returning nil lets the request through.
type Fault func(server int, op Op) error

// Local delivers requests to in-process handlers, each on its own
// goroutine. It is used by tests and single-process deployments.
type Local struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	down     map[int]bool
	fault    Fault
	delay    time.Duration
	closed   bool
	wg       sync.WaitGroup
}

// NewLocal returns an empty Local transport.
func NewLocal() *Local {
	return &Local{
		handlers: make(map[int]Handler),
		down:     make(map[int]bool),
	}
}

// Register attaches h as server id.
func (l *Local) Register(id int, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[id] = h
}

// SetDown marks a server unreachable (or reachable again).
func (l *Local) SetDown(id int, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down[id] = down
}

// SetFault installs f, replacing any previous fault. nil clears it.
func (l *Local) SetFault(f Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fault = f
}

// SetDelay holds each later request for d before its handler runs.
func (l *Local) SetDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = d
}

// Send runs the handler asynchronously. The handler context keeps the
// values of ctx but not its cancellation, as a remote server would.
func (l *Local) Send(ctx context.Context, server int, op Op, payload []byte) (*Handle, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, errors.New(ErrServerUnreachable, "transport closed")
	}

	h := NewHandle()
	handler, ok := l.handlers[server]
	switch {
	case !ok:
		h.Complete(nil, errors.Newf(ErrServerUnreachable, "server %d not registered", server))
		return h, nil
	case l.down[server]:
		h.Complete(nil, errors.Newf(ErrServerUnreachable, "server %d is down", server))
		return h, nil
	}
	if l.fault != nil {
		if err := l.fault(server, op); err != nil {
			h.Complete(nil, err)
			return h, nil
		}
	}

	// Requests own their payload once sent.
	buf := append([]byte(nil), payload...)
	hctx := context.WithoutCancel(ctx)
	delay := l.delay
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		time.Sleep(delay)
		h.Complete(handler.Handle(hctx, op, buf))
	}()
	return h, nil
}

// Close rejects further requests and waits for those in flight.
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}
