// Package reassembly stitches TCP segments together just long enough to
// parse one multi-segment handshake. Each worker owns its own Reassembler;
// nothing here is safe for cross-goroutine use, and nothing here handles
// bulk data.
package reassembly

import (
	"time"

	"github.com/endorses/mercury/internal/pkg/constants"
	"github.com/endorses/mercury/internal/pkg/flow"
	"github.com/endorses/mercury/internal/pkg/stats"
)

// FlushFunc receives the partial buffer of a reaped segment so the
// extractor can emit whatever metadata it can without further reassembly.
type FlushFunc func(key flow.Key, buf []byte)

type segment struct {
	initialSeq uint32 // sequence number of buf[0]
	buf        []byte
	needed     int // total bytes the dissector asked for, 0 = unknown
	arrival    time.Time
}

// Reassembler tracks in-progress handshake segments keyed by flow.
type Reassembler struct {
	table    map[flow.Key]*segment
	tableCap int
	reapAge  time.Duration
	flush    FlushFunc
}

// New creates a Reassembler with the default bounds.
func New(flush FlushFunc) *Reassembler {
	return &Reassembler{
		table:    make(map[flow.Key]*segment),
		tableCap: constants.ReassemblyTableCap,
		reapAge:  constants.ReassemblyReapAge,
		flush:    flush,
	}
}

// CopyPacket creates or extends a segment after a dissector reported that
// the handshake needs more bytes than the current packet carries. Returns
// true when the bytes were accepted (the worker stops processing this
// packet); false when refused because the buffer cap or table bound was
// hit.
func (r *Reassembler) CopyPacket(key flow.Key, now time.Time, seq uint32, payload []byte, needBytes int) bool {
	if seg, ok := r.table[key]; ok {
		return r.extend(key, seg, seq, payload, needBytes)
	}

	if len(r.table) >= r.tableCap {
		r.reap(now)
		if len(r.table) >= r.tableCap {
			return false
		}
	}
	total := len(payload) + needBytes
	if total > constants.ReassemblyBufferCap {
		return false
	}
	alloc := constants.ReassemblyInitSize
	if total > alloc {
		alloc = total
	}
	seg := &segment{
		initialSeq: seq,
		buf:        make([]byte, 0, alloc),
		needed:     total,
		arrival:    now,
	}
	seg.buf = append(seg.buf, payload...)
	r.table[key] = seg
	return true
}

// extend grows an existing segment when a dissector asks for yet more
// bytes (a handshake spanning three or more segments).
func (r *Reassembler) extend(key flow.Key, seg *segment, seq uint32, payload []byte, needBytes int) bool {
	if int(seq-seg.initialSeq) != len(seg.buf) {
		return false
	}
	if len(seg.buf)+len(payload)+needBytes > constants.ReassemblyBufferCap {
		delete(r.table, key)
		return false
	}
	seg.buf = append(seg.buf, payload...)
	seg.needed = len(seg.buf) + needBytes
	return true
}

// CheckPacket looks up an in-progress segment for key and, when this packet
// extends it contiguously, appends the payload. When the segment reaches
// the byte count the dissector asked for, the assembled buffer is returned
// with done=true and the segment is removed.
func (r *Reassembler) CheckPacket(key flow.Key, now time.Time, seq uint32, payload []byte) (buf []byte, done bool) {
	seg, ok := r.table[key]
	if !ok {
		return nil, false
	}

	offset := int(seq - seg.initialSeq) // sequence arithmetic handles wrap
	switch {
	case offset == len(seg.buf):
		// Contiguous extension.
	case offset >= 0 && offset < len(seg.buf):
		// Overlapping retransmit: keep only the new tail.
		if overlap := len(seg.buf) - offset; overlap >= len(payload) {
			return nil, false
		} else {
			payload = payload[overlap:]
		}
	default:
		// A hole; handshake reassembly does not track out-of-order data.
		return nil, false
	}

	if len(seg.buf)+len(payload) > constants.ReassemblyBufferCap {
		// Abandon rather than silently truncate.
		delete(r.table, key)
		return nil, false
	}
	seg.buf = append(seg.buf, payload...)

	if seg.needed > 0 && len(seg.buf) >= seg.needed {
		delete(r.table, key)
		return seg.buf, true
	}
	return nil, false
}

// Remove drops any in-progress segment for key.
func (r *Reassembler) Remove(key flow.Key) {
	delete(r.table, key)
}

// Len returns the number of in-progress segments.
func (r *Reassembler) Len() int { return len(r.table) }

// reap expires segments older than the reap age, flushing their partial
// buffers through the dissector path.
func (r *Reassembler) reap(now time.Time) {
	for key, seg := range r.table {
		if now.Sub(seg.arrival) > r.reapAge {
			if r.flush != nil && len(seg.buf) > 0 {
				r.flush(key, seg.buf)
			}
			delete(r.table, key)
			stats.ReassemblyReaps.Inc()
		}
	}
}
