// Package llq implements the lockless single-producer / single-consumer
// message rings that connect worker threads to the writer thread, and the
// tournament tree the writer uses to merge them in timestamp order.
package llq

import (
	"runtime"
	"sync/atomic"

	"github.com/endorses/mercury/internal/pkg/constants"
	"github.com/endorses/mercury/internal/pkg/stats"
)

// Depth is the slot count of every ring.
const Depth = constants.LLQDepth

// MaxMessageSize caps one ring message.
const MaxMessageSize = constants.LLQMaxMessageSize

// slot is one ring cell. The used flag is the only synchronization between
// producer and consumer: the producer publishes a message by storing true
// (after the payload is in place), the consumer releases the slot by
// storing false after it has copied the payload out. atomic.Bool gives
// sequentially consistent ordering, which covers the release/acquire
// fences the protocol needs.
type slot struct {
	used   atomic.Bool
	sec    int64
	nsec   int64
	wire   uint32
	length int
	buf    [MaxMessageSize]byte
}

// RingBuffer is one worker's output ring. Exactly one goroutine calls the
// producer methods and exactly one calls the consumer methods; no
// compare-exchange is needed.
type RingBuffer struct {
	slots [Depth]slot

	// widx is producer-private, ridx is consumer-private.
	widx int
	ridx int

	blocking bool

	// Drops counts rejected messages: a full ring in non-blocking mode, or
	// an oversized payload in either mode.
	Drops atomic.Uint64
}

// NewRingBuffer creates a ring. In blocking mode Push spins until a slot
// frees; otherwise a full ring drops the message.
func NewRingBuffer(blocking bool) *RingBuffer {
	return &RingBuffer{blocking: blocking}
}

// Push publishes one message. Returns false when the message was dropped
// (non-blocking mode with a full ring, or an oversized payload).
func (r *RingBuffer) Push(sec, nsec int64, wire uint32, payload []byte) bool {
	if len(payload) > MaxMessageSize {
		r.Drops.Add(1)
		stats.RingDrops.Inc()
		return false
	}
	s := &r.slots[r.widx]
	if s.used.Load() {
		if !r.blocking {
			r.Drops.Add(1)
			stats.RingDrops.Inc()
			return false
		}
		for s.used.Load() {
			runtime.Gosched()
		}
	}
	s.sec, s.nsec = sec, nsec
	s.wire = wire
	s.length = copy(s.buf[:], payload)
	s.used.Store(true)
	r.widx = (r.widx + 1) % Depth
	return true
}

// FrontReady reports whether the consumer-side front slot holds a message.
func (r *RingBuffer) FrontReady() bool {
	return r.slots[r.ridx].used.Load()
}

// FrontTime returns the front message timestamp. Only meaningful after
// FrontReady returned true.
func (r *RingBuffer) FrontTime() (sec, nsec int64) {
	s := &r.slots[r.ridx]
	return s.sec, s.nsec
}

// PopFront hands the front message to fn, then releases the slot and
// advances the read index. fn must not retain the payload view past its
// return. The caller must have observed FrontReady.
func (r *RingBuffer) PopFront(fn func(sec, nsec int64, wire uint32, payload []byte) error) error {
	s := &r.slots[r.ridx]
	err := fn(s.sec, s.nsec, s.wire, s.buf[:s.length])
	s.used.Store(false)
	r.ridx = (r.ridx + 1) % Depth
	return err
}
