package dispatch

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter is a concurrency ceiling for in-flight batches. One Limiter may be
// shared by several dispatchers to bound the whole process.
type Limiter struct {
	sem      *semaphore.Weighted
	size     int
	inflight atomic.Int64
	max      atomic.Int64
}

// NewLimiter returns a Limiter admitting n concurrent batches (minimum 1).
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n)), size: n}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := l.inflight.Add(1)
	for {
		m := l.max.Load()
		if n <= m || l.max.CompareAndSwap(m, n) {
			break
		}
	}
	return nil
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	l.inflight.Add(-1)
	l.sem.Release(1)
}

// Size is the ceiling.
func (l *Limiter) Size() int { return l.size }

// InFlight is the number of held slots.
func (l *Limiter) InFlight() int64 { return l.inflight.Load() }

// MaxInFlight is the high-water mark of held slots.
func (l *Limiter) MaxInFlight() int64 { return l.max.Load() }
