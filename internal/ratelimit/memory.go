package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLimiter keeps the fixed windows in a process-local map. It
// enforces limits only within a single gateway instance, so it serves
// tests and single-replica development, not production.
type MemoryLimiter struct {
	settings Config

	mu      sync.Mutex
	windows map[string]*window

	now func() time.Time
}

type window struct {
	hits    int64
	resetAt time.Time
}

func NewMemoryLimiter(settings Config) *MemoryLimiter {
	return &MemoryLimiter{
		settings: settings,
		windows:  make(map[string]*window),
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, scope Scope, clientKey string) (Decision, error) {
	s, ok := l.settings[scope]
	if !ok {
		return Decision{Allowed: true}, nil
	}

	key := fmt.Sprintf("%s:%s", scope, clientKey)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(s.Window)}
		l.windows[key] = w
	}
	w.hits++

	remaining := s.Max - w.hits
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.hits <= s.Max,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}, nil
}
