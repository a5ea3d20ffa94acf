// Package logutil rate-limits repetitive transient-error logging so a
// failing adapter does not flood the log at tick frequency.
package logutil

import (
	"log"
	"sync"
	"time"
)

// Limiter logs each distinct cause at most once per interval.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Printf logs the formatted message if the cause key has not been logged
// within the interval. Returns whether the line was emitted.
func (l *Limiter) Printf(cause, format string, args ...any) bool {
	l.mu.Lock()
	now := l.now()
	if last, ok := l.last[cause]; ok && now.Sub(last) < l.interval {
		l.mu.Unlock()
		return false
	}
	l.last[cause] = now
	l.mu.Unlock()

	log.Printf(format, args...)
	return true
}
