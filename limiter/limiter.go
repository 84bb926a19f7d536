// Package limiter bounds how many tasks run at once. Callers beyond the
// bound queue in arrival order; a released permit goes straight to the
// longest-waiting caller.
package limiter

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMax is the permit count used when New is given a non-positive max.
const DefaultMax = 3

// Limiter is a FIFO counting semaphore.
type Limiter struct {
	sem     *semaphore.Weighted
	max     int
	inUse   atomic.Int64
	waiting atomic.Int64
}

// New returns a limiter with max permits.
func New(max int) *Limiter {
	if max <= 0 {
		max = DefaultMax
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(max)), max: max}
}

// Acquire blocks until a permit is free or ctx is done. A caller that gives
// up while queued consumes no permit.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	l.waiting.Add(1)
	err := l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		return nil, err
	}
	l.inUse.Add(1)
	return &Permit{l: l}, nil
}

// TryAcquire returns a permit only if one is free right now.
func (l *Limiter) TryAcquire() (*Permit, bool) {
	if !l.sem.TryAcquire(1) {
		return nil, false
	}
	l.inUse.Add(1)
	return &Permit{l: l}, true
}

// Max returns the permit count.
func (l *Limiter) Max() int { return l.max }

// InUse returns the number of outstanding permits.
func (l *Limiter) InUse() int { return int(l.inUse.Load()) }

// Waiting returns the number of queued callers.
func (l *Limiter) Waiting() int { return int(l.waiting.Load()) }

// Permit is one unit of admitted concurrency.
type Permit struct {
	l    *Limiter
	once sync.Once
}

// Release returns the permit. Only the first call has an effect.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.l.inUse.Add(-1)
		p.l.sem.Release(1)
	})
}
