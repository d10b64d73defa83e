package manager

import (
	"sync"

	"golang.org/x/time/rate"
)

// queueLimiter is the per-process, per-queue submission rate limiter named
// in spec.md §6's Configuration section ("for each queue: ... optional
// per-queue rate limit"). Unlike the Group Engine's store-backed sliding
// window (which must be shared across processes), this limiter only needs
// to shape admission pressure from this one process, so an in-memory token
// bucket suffices — reused directly from the teacher's
// scheduler/limiter.go TokenBucketLimiter, retargeted from per-node/
// per-tenant keys to per-queue keys.
type queueLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newQueueLimiter() *queueLimiter {
	return &queueLimiter{limiters: make(map[string]*rate.Limiter)}
}

// allow reports whether a submission to queueName is admitted right now. A
// zero rps disables limiting for that queue (always allow).
func (l *queueLimiter) allow(queueName string, rps float64, burst int) bool {
	if rps <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[queueName]
	if !ok {
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), burst)
		l.limiters[queueName] = lim
	}
	return lim.Allow()
}
