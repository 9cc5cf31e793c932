package notify

import (
	"sync"
	"time"

	"github.com/teranos/checkrun/errors"
)

// ErrRateLimited is returned by Limiter.Allow when the window is full.
var ErrRateLimited = errors.New("notification rate limit exceeded")

// Limiter caps sends per minute using a sliding window.
// A limit of zero or less disables the cap.
type Limiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	sendTimes []time.Time
	timeNow   func() time.Time // Injectable for testing
}

// NewLimiter creates a limiter with real time.
func NewLimiter(maxPerMinute int) *Limiter {
	return NewLimiterWithClock(maxPerMinute, time.Now)
}

// NewLimiterWithClock creates a limiter with an injectable clock (for testing).
func NewLimiterWithClock(maxPerMinute int, timeNow func() time.Time) *Limiter {
	return &Limiter{
		max:     maxPerMinute,
		window:  time.Minute,
		timeNow: timeNow,
	}
}

// Allow records a send if the window has room, else returns ErrRateLimited.
func (l *Limiter) Allow() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max <= 0 {
		return nil
	}

	now := l.timeNow()
	l.removeExpired(now)

	if len(l.sendTimes) >= l.max {
		return errors.WithDetailf(ErrRateLimited, "%d sends in the last %s (limit %d)", len(l.sendTimes), l.window, l.max)
	}
	l.sendTimes = append(l.sendTimes, now)
	return nil
}

// SetLimit changes the cap. Sends already in the window still count.
func (l *Limiter) SetLimit(maxPerMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max = maxPerMinute
}

// removeExpired drops timestamps outside the window. Must be called with lock held.
func (l *Limiter) removeExpired(now time.Time) {
	cutoff := now.Add(-l.window)
	expired := 0
	for _, t := range l.sendTimes {
		if t.After(cutoff) {
			break
		}
		expired++
	}
	l.sendTimes = l.sendTimes[expired:]
}

// Stats returns the sends in the current window and the remaining capacity.
// Remaining is -1 when the cap is disabled.
func (l *Limiter) Stats() (inWindow, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.removeExpired(l.timeNow())
	inWindow = len(l.sendTimes)
	if l.max <= 0 {
		return inWindow, -1
	}
	return inWindow, max(l.max-inWindow, 0)
}
