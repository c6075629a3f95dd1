package dissect

import (
	"github.com/endorses/mercury/internal/pkg/datum"
	"github.com/endorses/mercury/internal/pkg/fingerprint"
)

// TCP option kinds that contribute their full TLV to the fingerprint.
// Everything else contributes its kind byte only, so that per-connection
// values (timestamps, SACK edges) do not fracture the fingerprint space.
func tcpOptionKeepsData(kind uint8) bool {
	return kind == 2 || kind == 3 // MSS, window scale
}

// FingerprintSYN derives the canonical TCP fingerprint from the option list
// of an initial SYN. Returns ok=false for a malformed option list.
func FingerprintSYN(tcp *TCPInfo) (string, bool) {
	if !tcp.SYN() {
		return "", false
	}
	b := fingerprint.NewBuilder("tcp/")
	d := datum.New(tcp.Options)
	for d.Len() > 0 {
		kind, ok := d.ReadUint8()
		if !ok {
			return "", false
		}
		switch kind {
		case 0: // EOL terminates the list
			b.OpenParen()
			b.HexUint8(0)
			b.CloseParen()
			return b.String(), true
		case 1: // NOP has no length octet
			b.OpenParen()
			b.HexUint8(1)
			b.CloseParen()
		default:
			length, ok := d.ReadUint8()
			if !ok || length < 2 {
				return "", false
			}
			data, ok := d.ReadBytes(int(length) - 2)
			if !ok {
				return "", false
			}
			b.OpenParen()
			b.HexUint8(kind)
			if tcpOptionKeepsData(kind) {
				b.HexUint8(length)
				b.HexBytes(data)
			}
			b.CloseParen()
		}
	}
	return b.String(), true
}
