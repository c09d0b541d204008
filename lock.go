package pdc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/logger"
	"github.com/hpc-io/pdc-sub007/tracing"
)

// LockMode is the mode of a region lock.
type LockMode uint8

const (
	ReadLock LockMode = iota
	WriteLock
)

func (m LockMode) String() string {
	if m == WriteLock {
		return "WRITE"
	}
	return "READ"
}

// LockRequest names a lock on a region of an object held by Holder.
type LockRequest struct {
	Object ObjectID `json:"object"`
	Region *Region  `json:"region"`
	Mode   LockMode `json:"mode"`
	Holder string   `json:"holder"`
}

func (r *LockRequest) less(o *LockRequest) bool {
	if r.Object != o.Object {
		return r.Object < o.Object
	}
	if c := r.Region.Compare(o.Region); c != 0 {
		return c < 0
	}
	return r.Mode < o.Mode
}

type lockRecord struct {
	region   *Region
	mode     LockMode
	holder   string
	acquired time.Time
}

func (l *lockRecord) conflicts(req *LockRequest) bool {
	if l.holder == req.Holder {
		return false
	}
	if l.mode == ReadLock && req.Mode == ReadLock {
		return false
	}
	return Overlaps(l.region, req.Region)
}

// LockManager grants read/write locks on regions of objects. Locks
// conflict only when their regions overlap and at least one is a write
// lock, so disjoint tiles of one object lock independently.
type LockManager struct {
	mu      sync.Mutex
	objects map[ObjectID][]*lockRecord
	// changed is closed and replaced whenever a lock is released.
	changed chan struct{}

	// Lease, when positive, is how long a lock may be held before a
	// conflicting request may reclaim it. It covers holders that crashed.
	Lease time.Duration

	Now    func() time.Time
	Logger logger.Logger
}

// NewLockManager returns a new instance of LockManager.
func NewLockManager() *LockManager {
	return &LockManager{
		objects: make(map[ObjectID][]*lockRecord),
		changed: make(chan struct{}),
		Now:     time.Now,
		Logger:  logger.NopLogger,
	}
}

// Obtain acquires a lock. A conflicting request fails with WouldBlock
// unless blocking is set, in which case Obtain waits for the conflict to
// clear or for ctx to be done, which yields Timeout. A holder asking again
// for a region it already holds gets AlreadyHeld.
func (lm *LockManager) Obtain(ctx context.Context, req LockRequest, blocking bool) error {
	if err := req.Region.Validate(); err != nil {
		return err
	}
	if req.Holder == "" {
		return NewErrInvalidArgument("lock holder required")
	}
	req.Region = req.Region.Clone()

	var span tracing.Span
	lm.mu.Lock()
	for {
		wake, err := lm.tryObtain(&req)
		if err == nil {
			lm.mu.Unlock()
			if span != nil {
				span.Finish()
			}
			return nil
		}
		if !errors.Is(err, ErrWouldBlock) || !blocking {
			lm.mu.Unlock()
			if errors.Is(err, ErrWouldBlock) {
				CounterLockConflicts.Inc()
			}
			return err
		}

		if span == nil {
			CounterLockWaits.Inc()
			span, ctx = tracing.StartSpanFromContext(ctx, "LockManager.ObtainWait")
		}
		ch := lm.changed
		lm.mu.Unlock()

		var timer *time.Timer
		var expired <-chan time.Time
		if wake > 0 {
			timer = time.NewTimer(wake)
			expired = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			span.Finish()
			return errors.Newf(ErrTimeout, "waiting for %s lock on object %d region %s: %v", req.Mode, req.Object, req.Region, ctx.Err())
		case <-ch:
		case <-expired:
		}
		if timer != nil {
			timer.Stop()
		}
		lm.mu.Lock()
	}
}

// tryObtain grants req or reports WouldBlock. When a lease is set and the
// blocking locks will expire, it also returns how long until the first of
// them does. lm.mu must be held.
func (lm *LockManager) tryObtain(req *LockRequest) (time.Duration, error) {
	recs := lm.objects[req.Object]
	now := lm.Now()

	for _, l := range recs {
		if l.holder == req.Holder && l.region.Equal(req.Region) {
			return 0, errors.Newf(ErrAlreadyHeld, "%s already holds %s lock on object %d region %s", req.Holder, l.mode, req.Object, req.Region)
		}
	}

	var wake time.Duration
	blocked := false
	kept := recs[:0]
	for _, l := range recs {
		if l.conflicts(req) {
			if lm.Lease > 0 {
				age := now.Sub(l.acquired)
				if age >= lm.Lease {
					lm.Logger.Warnf("reclaiming %s lock of %s on object %d region %s held for %s", l.mode, l.holder, req.Object, l.region, age)
					continue
				}
				if left := lm.Lease - age; wake == 0 || left < wake {
					wake = left
				}
			}
			blocked = true
		}
		kept = append(kept, l)
	}
	lm.objects[req.Object] = kept

	if blocked {
		return wake, errors.Newf(ErrWouldBlock, "%s lock on object %d region %s conflicts with a held lock", req.Mode, req.Object, req.Region)
	}
	lm.objects[req.Object] = append(kept, &lockRecord{
		region:   req.Region,
		mode:     req.Mode,
		holder:   req.Holder,
		acquired: now,
	})
	return 0, nil
}

// Release drops a lock. Releasing a lock that is not held is an error.
func (lm *LockManager) Release(req LockRequest) error {
	if err := req.Region.Validate(); err != nil {
		return err
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	recs := lm.objects[req.Object]
	for i, l := range recs {
		if l.holder == req.Holder && l.mode == req.Mode && l.region.Equal(req.Region) {
			lm.remove(req.Object, i)
			return nil
		}
	}
	return errors.Newf(ErrNotHeld, "%s does not hold %s lock on object %d region %s", req.Holder, req.Mode, req.Object, req.Region)
}

// remove deletes lock i of object and wakes waiters. lm.mu must be held.
func (lm *LockManager) remove(object ObjectID, i int) {
	recs := lm.objects[object]
	recs = append(recs[:i], recs[i+1:]...)
	if len(recs) == 0 {
		delete(lm.objects, object)
	} else {
		lm.objects[object] = recs
	}
	close(lm.changed)
	lm.changed = make(chan struct{})
}

// ObtainAll acquires several locks in a fixed order, by object id and
// then Region.Compare, so that two callers locking overlapping sets can
// not deadlock. If any lock fails the ones already taken are released.
func (lm *LockManager) ObtainAll(ctx context.Context, reqs []LockRequest, blocking bool) error {
	sorted := SortLockRequests(reqs)
	for i := range sorted {
		if err := lm.Obtain(ctx, sorted[i], blocking); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := lm.Release(sorted[j]); rerr != nil {
					lm.Logger.Errorf("rolling back lock %d of %d: %v", j, len(sorted), rerr)
				}
			}
			return err
		}
	}
	return nil
}

// SortLockRequests returns reqs in acquisition order.
func SortLockRequests(reqs []LockRequest) []LockRequest {
	sorted := append([]LockRequest(nil), reqs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].less(&sorted[j]) })
	return sorted
}

// ReleaseHolder drops every lock of holder and returns how many there
// were.
func (lm *LockManager) ReleaseHolder(holder string) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	n := 0
	for object, recs := range lm.objects {
		kept := recs[:0]
		for _, l := range recs {
			if l.holder == holder {
				n++
				continue
			}
			kept = append(kept, l)
		}
		if len(kept) == 0 {
			delete(lm.objects, object)
		} else {
			lm.objects[object] = kept
		}
	}
	if n > 0 {
		close(lm.changed)
		lm.changed = make(chan struct{})
	}
	return n
}

// Held returns the locks currently held on object.
func (lm *LockManager) Held(object ObjectID) []LockRequest {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make([]LockRequest, 0, len(lm.objects[object]))
	for _, l := range lm.objects[object] {
		out = append(out, LockRequest{Object: object, Region: l.region.Clone(), Mode: l.mode, Holder: l.holder})
	}
	return out
}

// DropObject forgets all locks on object, e.g. after it is deleted.
func (lm *LockManager) DropObject(object ObjectID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, ok := lm.objects[object]; ok {
		delete(lm.objects, object)
		close(lm.changed)
		lm.changed = make(chan struct{})
	}
}
