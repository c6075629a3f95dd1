package quic

import (
	"github.com/endorses/mercury/internal/pkg/constants"
	"github.com/endorses/mercury/internal/pkg/datum"
)

// Frame types recognized in a decrypted Initial. Anything else terminates
// the walk; the remainder of the payload is ignored.
const (
	framePadding          = 0x00
	framePing             = 0x01
	frameAck              = 0x02
	frameAckECN           = 0x03
	frameCrypto           = 0x06
	frameConnectionClose  = 0x1c
	frameConnectionClose1 = 0x1d
)

// cryptoSpan is one CRYPTO fragment's coverage.
type cryptoSpan struct {
	start, end int
}

// reassembleCrypto walks the frames of a decrypted Initial payload and
// stitches CRYPTO fragments into a contiguous handshake prefix. The buffer
// is bounded; fragments past the cap are dropped.
func reassembleCrypto(plaintext []byte) ([]byte, bool) {
	buf := make([]byte, constants.QuicCryptoBufferCap)
	var spans []cryptoSpan

	d := datum.New(plaintext)
	for d.Len() > 0 {
		frameType, ok := readVarint(&d)
		if !ok {
			break
		}
		switch frameType {
		case framePadding, framePing:
			// no body
		case frameAck, frameAckECN:
			if !skipAck(&d, frameType == frameAckECN) {
				return finishCrypto(buf, spans)
			}
		case frameCrypto:
			off, ok1 := readVarint(&d)
			length, ok2 := readVarint(&d)
			if !ok1 || !ok2 {
				return finishCrypto(buf, spans)
			}
			data, ok := d.ReadBytes(int(length))
			if !ok {
				return finishCrypto(buf, spans)
			}
			start := int(off)
			end := start + len(data)
			if end > len(buf) {
				// Bounded buffer: a handshake that does not fit is abandoned.
				continue
			}
			copy(buf[start:end], data)
			spans = append(spans, cryptoSpan{start, end})
		case frameConnectionClose, frameConnectionClose1:
			if !skipConnectionClose(&d, frameType == frameConnectionClose) {
				return finishCrypto(buf, spans)
			}
		default:
			// Unknown frame type: stop parsing, keep what we have.
			return finishCrypto(buf, spans)
		}
	}
	return finishCrypto(buf, spans)
}

// finishCrypto computes the contiguous prefix covered by the collected
// fragments and returns it.
func finishCrypto(buf []byte, spans []cryptoSpan) ([]byte, bool) {
	if len(spans) == 0 {
		return nil, false
	}
	covered := 0
	for progress := true; progress; {
		progress = false
		for _, s := range spans {
			if s.start <= covered && s.end > covered {
				covered = s.end
				progress = true
			}
		}
	}
	if covered == 0 {
		return nil, false
	}
	return buf[:covered], true
}

func skipAck(d *datum.Datum, ecn bool) bool {
	if _, ok := readVarint(d); !ok { // largest acknowledged
		return false
	}
	if _, ok := readVarint(d); !ok { // ack delay
		return false
	}
	rangeCount, ok := readVarint(d)
	if !ok {
		return false
	}
	if _, ok := readVarint(d); !ok { // first ack range
		return false
	}
	for i := uint64(0); i < rangeCount; i++ {
		if _, ok := readVarint(d); !ok { // gap
			return false
		}
		if _, ok := readVarint(d); !ok { // ack range length
			return false
		}
	}
	if ecn {
		for i := 0; i < 3; i++ {
			if _, ok := readVarint(d); !ok {
				return false
			}
		}
	}
	return true
}

func skipConnectionClose(d *datum.Datum, hasFrameType bool) bool {
	if _, ok := readVarint(d); !ok { // error code
		return false
	}
	if hasFrameType {
		if _, ok := readVarint(d); !ok {
			return false
		}
	}
	reasonLen, ok := readVarint(d)
	if !ok {
		return false
	}
	return d.Skip(int(reasonLen))
}
