package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	staleAfter    = 10 * time.Minute
	evictInterval = time.Minute
)

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one token bucket per key in process memory. Keys idle
// for longer than ten minutes are evicted. Limits are per instance; several
// conduit replicas each allow the full rate.
type MemoryLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter allows rps requests per second per key with bursts of up
// to burst requests. Call Close to stop the eviction goroutine.
func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	m := newMemoryLimiter(rps, burst, time.Now)
	go m.evictLoop()
	return m
}

func newMemoryLimiter(rps float64, burst int, now func() time.Time) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   rate.Limit(rps),
		burst:   max(burst, 1),
		now:     now,
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
}

// Allow takes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(m.limit, m.burst)}
		m.entries[key] = e
	}
	e.lastSeen = now
	m.mu.Unlock()

	return e.lim.AllowN(now, 1), nil
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops eviction. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evict()
		}
	}
}

func (m *MemoryLimiter) evict() {
	cutoff := m.now().Add(-staleAfter)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if e.lastSeen.Before(cutoff) {
			delete(m.entries, key)
		}
	}
}
