package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/meridian-labs/llmgate/internal/config"
)

// tripleLimiter enforces a user's RateLimit across three independent
// windows at once; a request must clear all three to be allowed. Burst is
// set equal to each window's budget so a user can spend it all immediately
// rather than being smoothed out across the window.
type tripleLimiter struct {
	minute *rate.Limiter
	hour   *rate.Limiter
	day    *rate.Limiter
}

func newTripleLimiter(rl config.RateLimit) *tripleLimiter {
	return &tripleLimiter{
		minute: windowLimiter(rl.RequestsPerMinute, time.Minute),
		hour:   windowLimiter(rl.RequestsPerHour, time.Hour),
		day:    windowLimiter(rl.RequestsPerDay, 24*time.Hour),
	}
}

// windowLimiter builds a limiter refilling n tokens over window, or nil if
// n is non-positive (meaning that window is not bounded).
func windowLimiter(n int, window time.Duration) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(n)), n)
}

// Allow reports whether all three windows have capacity. It always checks
// every window even once one denies, so a denied request still spends a
// token from each window that had one.
func (l *tripleLimiter) Allow() bool {
	okMinute := l.minute == nil || l.minute.Allow()
	okHour := l.hour == nil || l.hour.Allow()
	okDay := l.day == nil || l.day.Allow()
	return okMinute && okHour && okDay
}

// limiterSet keys a tripleLimiter per user, created lazily on first use and
// kept for the process lifetime: there is no reaping or eviction, so a user
// removed or changed by a config reload keeps its original limiter (built
// from the RateLimit in effect the first time that user made a request)
// until the process restarts.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*tripleLimiter
}

func newLimiterSet() *limiterSet {
	return &limiterSet{limiters: make(map[string]*tripleLimiter)}
}

func (s *limiterSet) allow(userID string, rl *config.RateLimit) bool {
	if rl == nil {
		return true
	}
	s.mu.Lock()
	l, ok := s.limiters[userID]
	if !ok {
		l = newTripleLimiter(*rl)
		s.limiters[userID] = l
	}
	s.mu.Unlock()
	return l.Allow()
}
