package ingest

import (
	"container/list"
	"sync"
	"time"
)

// Deduper suppresses re-delivered updates within a bounded in-memory window.
// The transport promises at-least-once delivery, so the same remote message id
// can arrive twice; entries expire after the TTL and the oldest entries are
// evicted once the window is full. Suppression does not survive a restart.
type Deduper struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*list.Element
	order   *list.List

	now func() time.Time
}

type dedupEntry struct {
	key  string
	seen time.Time
}

// NewDeduper creates a dedup window. Non-positive arguments fall back to a
// five minute TTL and 4096 entries.
func NewDeduper(ttl time.Duration, max int) *Deduper {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if max <= 0 {
		max = 4096
	}
	return &Deduper{
		ttl:     ttl,
		max:     max,
		entries: map[string]*list.Element{},
		order:   list.New(),
		now:     time.Now,
	}
}

// Seen reports whether the key was already marked within the window. Marking
// is a separate step so a failed delivery is not suppressed on redelivery.
func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.expire(now)

	if el, ok := d.entries[key]; ok {
		if now.Sub(el.Value.(*dedupEntry).seen) < d.ttl {
			return true
		}
		d.remove(el)
	}
	return false
}

// Mark records the key, starting its suppression window.
func (d *Deduper) Mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.expire(now)

	if el, ok := d.entries[key]; ok {
		d.remove(el)
	}
	for len(d.entries) >= d.max {
		d.remove(d.order.Front())
	}
	d.entries[key] = d.order.PushBack(&dedupEntry{key: key, seen: now})
}

// Len returns the number of live entries.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Deduper) expire(now time.Time) {
	for el := d.order.Front(); el != nil; {
		entry := el.Value.(*dedupEntry)
		if now.Sub(entry.seen) < d.ttl {
			return
		}
		next := el.Next()
		d.remove(el)
		el = next
	}
}

func (d *Deduper) remove(el *list.Element) {
	delete(d.entries, el.Value.(*dedupEntry).key)
	d.order.Remove(el)
}
