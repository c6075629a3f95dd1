package fingerprint

import (
	"container/list"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Prevalence tracks which canonical fingerprints have been seen before. The
// known set is seeded from the resource archive and is immutable after load;
// the adaptive set is a bounded LRU learned at runtime. A bloom filter sits
// in front of the known set so most known-set misses skip the map lookup; a
// miss there is then checked against the adaptive set under the read lock.
type Prevalence struct {
	known map[string]struct{}
	bloom *bloom.BloomFilter

	mu      sync.RWMutex
	order   *list.List               // front = most recent
	entries map[string]*list.Element // value: string key
	cap     int
}

// NewPrevalence creates a prevalence set with the given adaptive capacity.
func NewPrevalence(capacity int) *Prevalence {
	if capacity <= 0 {
		capacity = 1
	}
	return &Prevalence{
		known:   make(map[string]struct{}),
		bloom:   bloom.NewWithEstimates(1_000_000, 0.001),
		order:   list.New(),
		entries: make(map[string]*list.Element),
		cap:     capacity,
	}
}

// AddKnown seeds the immutable known set. Only valid during load, before
// the set is shared across workers.
func (p *Prevalence) AddKnown(fp string) {
	p.known[fp] = struct{}{}
	p.bloom.AddString(fp)
}

// KnownCount returns the size of the immutable known set.
func (p *Prevalence) KnownCount() int { return len(p.known) }

// Contains reports whether fp is in the known set or the adaptive set.
func (p *Prevalence) Contains(fp string) bool {
	if p.bloom.TestString(fp) {
		if _, ok := p.known[fp]; ok {
			return true
		}
	}
	p.mu.RLock()
	_, ok := p.entries[fp]
	p.mu.RUnlock()
	return ok
}

// Update records fp in the adaptive set, promoting it to the front of the
// LRU. The exclusive lock is acquired with TryLock: under contention the
// update is skipped, never blocked on. LRU accuracy is best-effort.
func (p *Prevalence) Update(fp string) {
	if _, ok := p.known[fp]; ok {
		return
	}
	if !p.mu.TryLock() {
		return
	}
	defer p.mu.Unlock()

	if el, ok := p.entries[fp]; ok {
		p.order.MoveToFront(el)
		return
	}
	p.entries[fp] = p.order.PushFront(fp)
	for p.order.Len() > p.cap {
		tail := p.order.Back()
		p.order.Remove(tail)
		delete(p.entries, tail.Value.(string))
	}
}

// AdaptiveLen returns the current adaptive set size.
func (p *Prevalence) AdaptiveLen() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.order.Len()
}
