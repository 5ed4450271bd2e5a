// Package ratelimit spaces out calls to external services, one bucket per
// sink. Acquisitions on the same bucket are serialized at least MinInterval
// apart (FIFO, via x/time/rate); different buckets never contend.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Limiter struct {
	mu      sync.Mutex
	min     time.Duration
	buckets map[string]*rate.Limiter
}

func New(minInterval time.Duration) *Limiter {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &Limiter{
		min:     minInterval,
		buckets: map[string]*rate.Limiter{},
	}
}

// Acquire blocks until at least MinInterval has elapsed since the bucket's
// last granted acquisition, or ctx is done. Waiters are served in request
// order.
func (l *Limiter) Acquire(ctx context.Context, bucket string) error {
	l.mu.Lock()
	lim := l.buckets[bucket]
	if lim == nil {
		// Burst 1 so the first call goes through immediately and every
		// subsequent call waits out the spacing.
		lim = rate.NewLimiter(rate.Every(l.min), 1)
		l.buckets[bucket] = lim
	}
	l.mu.Unlock()

	return lim.Wait(ctx)
}

// SetMinInterval applies a new spacing to existing and future buckets.
// Safe during hot reload.
func (l *Limiter) SetMinInterval(minInterval time.Duration) {
	if minInterval <= 0 {
		return
	}
	l.mu.Lock()
	l.min = minInterval
	for _, lim := range l.buckets {
		lim.SetLimit(rate.Every(minInterval))
	}
	l.mu.Unlock()
}
