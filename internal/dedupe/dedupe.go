// Package dedupe filters redelivered inbound events. The webhook feed is
// at-least-once; the engine drops an event id it has already accepted.
package dedupe

import (
	"sync"
	"time"
)

type Deduper interface {
	// FirstSeen records the key and reports whether this was its first
	// appearance inside the ttl window.
	FirstSeen(key string, ttl time.Duration) bool
	// Forget releases a key whose processing failed, so a redelivery under
	// the same key is handled again instead of dropped.
	Forget(key string)
}

// Memory is a process-local deduper for single-instance deployments and
// tests. Expired entries are pruned lazily on insert.
type Memory struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	lastGC time.Time
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{seen: make(map[string]time.Time), now: time.Now}
}

func (m *Memory) FirstSeen(key string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.lastGC) > ttl {
		for k, expiry := range m.seen {
			if now.After(expiry) {
				delete(m.seen, k)
			}
		}
		m.lastGC = now
	}

	if expiry, ok := m.seen[key]; ok && now.Before(expiry) {
		return false
	}
	m.seen[key] = now.Add(ttl)
	return true
}

func (m *Memory) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
}
