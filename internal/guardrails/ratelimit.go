package guardrails

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 5
	DefaultRateWindow = time.Hour
)

// WindowLimiter allows at most Max requests per requester within a sliding
// Window.
type WindowLimiter struct {
	Max    int
	Window time.Duration

	mu   sync.Mutex
	seen map[string][]time.Time
}

func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{Max: limit, Window: window}
}

func (l *WindowLimiter) Allow(requesterID string, now time.Time) error {
	limit, window := l.Max, l.Window
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string][]time.Time)
	}
	cutoff := now.Add(-window)
	recent := l.seen[requesterID][:0]
	for _, at := range l.seen[requesterID] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	if len(recent) >= limit {
		l.seen[requesterID] = recent
		retry := recent[0].Add(window).Sub(now).Round(time.Second)
		return fmt.Errorf("%w: %d requests per %s, try again in %s", ErrRateLimited, limit, window, retry)
	}
	l.seen[requesterID] = append(recent, now)
	return nil
}
