package reassembly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/mercury/internal/pkg/constants"
	"github.com/endorses/mercury/internal/pkg/flow"
)

func testKey(port uint16) flow.Key {
	k := flow.Key{IPVersion: 4, Protocol: flow.ProtoTCP, SrcPort: port, DstPort: 443}
	k.SrcAddr[0], k.DstAddr[0] = 10, 93
	return k
}

func TestTwoSegmentHandshake(t *testing.T) {
	r := New(nil)
	key := testKey(51000)
	now := time.Now()

	first := make([]byte, 400)
	second := make([]byte, 117)
	for i := range first {
		first[i] = byte(i)
	}
	for i := range second {
		second[i] = byte(200 + i)
	}

	// Dissector saw 400 bytes and needs 117 more.
	ok := r.CopyPacket(key, now, 1000, first, 117)
	require.True(t, ok)
	assert.Equal(t, 1, r.Len())

	buf, done := r.CheckPacket(key, now, 1400, second)
	require.True(t, done)
	assert.Equal(t, 517, len(buf))
	assert.Equal(t, first, buf[:400])
	assert.Equal(t, second, buf[400:])
	assert.Equal(t, 0, r.Len())
}

func TestOverlappingRetransmit(t *testing.T) {
	r := New(nil)
	key := testKey(51001)
	now := time.Now()

	require.True(t, r.CopyPacket(key, now, 1000, []byte{1, 2, 3, 4}, 4))

	// Retransmit covering old bytes plus two new ones.
	buf, done := r.CheckPacket(key, now, 1002, []byte{3, 4, 5, 6})
	require.True(t, done)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, buf)
}

func TestHoleIsIgnored(t *testing.T) {
	r := New(nil)
	key := testKey(51002)
	now := time.Now()

	require.True(t, r.CopyPacket(key, now, 1000, []byte{1, 2}, 10))

	_, done := r.CheckPacket(key, now, 1008, []byte{9, 9})
	assert.False(t, done)
	assert.Equal(t, 1, r.Len())
}

func TestBufferCapAbandons(t *testing.T) {
	r := New(nil)
	key := testKey(51003)
	now := time.Now()

	// Asking for more than the cap up front is refused.
	big := make([]byte, 1000)
	assert.False(t, r.CopyPacket(key, now, 1, big, constants.ReassemblyBufferCap))

	// Growing past the cap abandons the segment.
	require.True(t, r.CopyPacket(key, now, 1, big, 2*len(big)))
	huge := make([]byte, constants.ReassemblyBufferCap)
	_, done := r.CheckPacket(key, now, 1001, huge)
	assert.False(t, done)
	assert.Equal(t, 0, r.Len())
}

func TestReapFlushesPartial(t *testing.T) {
	var flushedKey flow.Key
	var flushedLen int
	r := New(func(key flow.Key, buf []byte) {
		flushedKey = key
		flushedLen = len(buf)
	})
	r.tableCap = 1

	old := testKey(51004)
	start := time.Now()
	require.True(t, r.CopyPacket(old, start, 1, []byte{1, 2, 3}, 100))

	// Table is full; a new segment arriving past the reap age expires the
	// old one and takes its place.
	later := start.Add(constants.ReassemblyReapAge + time.Second)
	require.True(t, r.CopyPacket(testKey(51005), later, 1, []byte{9}, 10))

	assert.Equal(t, old, flushedKey)
	assert.Equal(t, 3, flushedLen)
	assert.Equal(t, 1, r.Len())
}

func TestRefusedWhenTableFullAndFresh(t *testing.T) {
	r := New(nil)
	r.tableCap = 1
	now := time.Now()

	require.True(t, r.CopyPacket(testKey(1), now, 1, []byte{1}, 10))
	assert.False(t, r.CopyPacket(testKey(2), now, 1, []byte{2}, 10))
}
