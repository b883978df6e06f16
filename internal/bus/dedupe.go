package bus

import (
	"sync"
	"time"
)

// DedupeCache suppresses duplicate inbound deliveries (webhook retries,
// client double-taps). Entries expire after the TTL; the map is capped to
// bound memory under key churn.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time
}

// NewDedupeCache creates a cache with the given TTL and entry cap.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]time.Time),
	}
}

// Seen records the key and reports whether it was already present and fresh.
func (d *DedupeCache) Seen(key string) bool {
	if d.Contains(key) {
		return true
	}
	d.Mark(key)
	return false
}

// Contains reports whether the key is present and fresh, without recording it.
func (d *DedupeCache) Contains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.entries[key]
	return ok && time.Now().Before(exp)
}

// Mark records the key.
func (d *DedupeCache) Mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if len(d.entries) >= d.max {
		for k, exp := range d.entries {
			if now.After(exp) {
				delete(d.entries, k)
			}
		}
		// Hard eviction if pruning expired entries was not enough.
		for len(d.entries) >= d.max {
			for k := range d.entries {
				delete(d.entries, k)
				break
			}
		}
	}

	d.entries[key] = now.Add(d.ttl)
}
