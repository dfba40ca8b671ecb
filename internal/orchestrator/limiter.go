package orchestrator

import (
	"golang.org/x/sync/semaphore"
)

// Limiter caps the number of concurrently active scans. TryAcquire must not
// block; every successful TryAcquire is paired with one Release.
type Limiter interface {
	TryAcquire() bool
	Release()
}

// Unlimited never refuses a scan.
type Unlimited struct{}

func (Unlimited) TryAcquire() bool { return true }
func (Unlimited) Release()         {}

// SemaphoreLimiter admits at most n concurrent scans.
type SemaphoreLimiter struct {
	sem *semaphore.Weighted
}

func NewSemaphoreLimiter(n int64) *SemaphoreLimiter {
	return &SemaphoreLimiter{sem: semaphore.NewWeighted(n)}
}

func (l *SemaphoreLimiter) TryAcquire() bool { return l.sem.TryAcquire(1) }
func (l *SemaphoreLimiter) Release()         { l.sem.Release(1) }

// NewLimiter returns a SemaphoreLimiter for n > 0 and Unlimited otherwise.
func NewLimiter(n int) Limiter {
	if n <= 0 {
		return Unlimited{}
	}
	return NewSemaphoreLimiter(int64(n))
}
