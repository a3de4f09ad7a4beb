package admission

import (
	"context"
	"sync"
	"time"
)

// Policy is a sliding-window limit: at most Max admissions per Window.
type Policy struct {
	Max    int
	Window time.Duration
}

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// RateLimiter records an admission for key at now when the window has room.
// A check and its record are atomic with respect to other callers sharing
// the same store.
type RateLimiter interface {
	Allow(ctx context.Context, key string, policy Policy, now time.Time) (Decision, error)
}

// MemoryLimiter keeps windows in process memory. Windows are not shared
// between engine instances.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string][]time.Time)}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, policy Policy, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stamps := prune(m.windows[key], now.Add(-policy.Window))

	if len(stamps) >= policy.Max {
		m.windows[key] = stamps
		retry := stamps[0].Add(policy.Window).Sub(now)
		if retry < time.Millisecond {
			retry = time.Millisecond
		}
		return Decision{RetryAfter: retry}, nil
	}

	stamps = append(stamps, now)
	m.windows[key] = stamps
	return Decision{Allowed: true, Remaining: policy.Max - len(stamps)}, nil
}

// Len reports how many keys currently hold a window.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Prune drops windows whose newest entry is older than maxWindow.
func (m *MemoryLimiter) Prune(now time.Time, maxWindow time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-maxWindow)
	for key, stamps := range m.windows {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(m.windows, key)
		}
	}
}

// prune keeps timestamps strictly after cutoff. stamps is sorted.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[i:]...)
}
