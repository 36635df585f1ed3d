package handlers

import (
	"strings"
	"sync"
	"time"
)

type rateLimiter interface {
	// Allow consumes one slot for key. When the window is exhausted it returns false and
	// the time until the window resets.
	Allow(key string) (bool, time.Duration)
}

// windowLimiter is a fixed-window counter per caller. State is per process.
type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu        sync.Mutex
	windows   map[string]callerWindow
	lastPrune time.Time
}

type callerWindow struct {
	used  int
	reset time.Time
}

func newSimpleRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]callerWindow),
	}
}

func (l *windowLimiter) Allow(key string) (bool, time.Duration) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastPrune) >= l.window {
		for k, w := range l.windows {
			if !now.Before(w.reset) {
				delete(l.windows, k)
			}
		}
		l.lastPrune = now
	}

	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		l.windows[key] = callerWindow{used: 1, reset: now.Add(l.window)}
		return true, 0
	}
	if w.used >= l.limit {
		return false, w.reset.Sub(now)
	}
	w.used++
	l.windows[key] = w
	return true, 0
}
