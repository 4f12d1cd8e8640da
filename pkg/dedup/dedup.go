// Package dedup suppresses QoS1 redeliveries by remembering payload
// hashes for a bounded time.
package dedup

import (
	"crypto/sha256"
	"sync"
	"time"
)

// Deduper remembers sha256 payload digests with a TTL and a size cap.
// Safe for concurrent use.
type Deduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	now  func() time.Time
	seen map[[sha256.Size]byte]time.Time
}

// New builds a Deduper. Non-positive arguments fall back to 10 minutes
// and 4096 entries.
func New(ttl time.Duration, max int) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 4096
	}
	return &Deduper{
		ttl:  ttl,
		max:  max,
		now:  time.Now,
		seen: make(map[[sha256.Size]byte]time.Time, 64),
	}
}

// Duplicate reports whether the payload was already seen within the TTL
// and records it otherwise. Empty payloads are never deduplicated.
func (d *Deduper) Duplicate(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	key := sha256.Sum256(payload)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true
	}
	d.seen[key] = now.Add(d.ttl)
	if len(d.seen) > d.max {
		d.sweep(now)
	}
	return false
}

// sweep drops expired entries; if the map is still over the cap, the
// entries closest to expiry go first.
func (d *Deduper) sweep(now time.Time) {
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
	for len(d.seen) > d.max {
		var oldest [sha256.Size]byte
		first := true
		for k, exp := range d.seen {
			if first || exp.Before(d.seen[oldest]) {
				oldest = k
				first = false
			}
		}
		delete(d.seen, oldest)
	}
}

// Len reports how many digests are currently remembered.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
