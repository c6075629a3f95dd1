// Package quic recognizes QUIC Initial packets, removes header protection,
// decrypts the Initial payload, and reassembles the embedded TLS 1.3
// ClientHello out of CRYPTO frames (RFC 9000 / RFC 9001).
package quic

import (
	"encoding/binary"

	"github.com/endorses/mercury/internal/pkg/datum"
	"github.com/endorses/mercury/internal/pkg/fingerprint"
	tlsfp "github.com/endorses/mercury/internal/pkg/protocols/tls"
)

// Long-header Initial mask: header form 1, fixed bit 1, long type 00.
const (
	longHeaderMask  = 0xf0
	longHeaderValue = 0xc0
)

const maxConnIDLen = 20

// Google QUIC versions: recognized so metadata can be emitted, but their
// crypto predates RFC 9001 and is not decrypted.
var googleVersions = map[uint32]struct{}{
	0x51303433: {}, // Q043
	0x51303436: {}, // Q046
	0x51303530: {}, // Q050
	0x54303530: {}, // T050
	0x54303531: {}, // T051
}

// readVarint decodes a QUIC variable-length integer: the two most
// significant bits of the first byte give the encoded length (1/2/4/8).
func readVarint(d *datum.Datum) (uint64, bool) {
	first, ok := d.PeekUint8()
	if !ok {
		return 0, false
	}
	length := 1 << (first >> 6)
	raw, ok := d.ReadBytes(length)
	if !ok {
		return 0, false
	}
	v := uint64(raw[0] & 0x3f)
	for _, b := range raw[1:] {
		v = v<<8 | uint64(b)
	}
	return v, true
}

// Initial is a parsed (still protected) QUIC Initial packet.
type Initial struct {
	Version uint32
	DCID    []byte
	SCID    []byte
	Token   []byte

	// Google reports a recognized Google-QUIC version; no decryption.
	Google bool

	packet   []byte // whole long-header packet
	pnOffset int    // offset of the (protected) packet number
	end      int    // end of this QUIC packet within the datagram
}

// ParseInitial recognizes a long-header Initial and locates its fields.
func ParseInitial(payload []byte) (Initial, bool) {
	if len(payload) < 7 {
		return Initial{}, false
	}
	version := binary.BigEndian.Uint32(payload[1:5])
	if _, ok := googleVersions[version]; ok {
		return Initial{Version: version, Google: true}, true
	}
	if payload[0]&longHeaderMask != longHeaderValue {
		return Initial{}, false
	}
	if initialSalt(version) == nil {
		return Initial{}, false
	}

	d := datum.New(payload)
	d.Skip(5)

	dcidLen, ok := d.ReadUint8()
	if !ok || int(dcidLen) > maxConnIDLen {
		return Initial{}, false
	}
	dcid, ok := d.ReadBytes(int(dcidLen))
	if !ok {
		return Initial{}, false
	}
	scidLen, ok := d.ReadUint8()
	if !ok || int(scidLen) > maxConnIDLen {
		return Initial{}, false
	}
	scid, ok := d.ReadBytes(int(scidLen))
	if !ok {
		return Initial{}, false
	}
	tokenLen, ok := readVarint(&d)
	if !ok {
		return Initial{}, false
	}
	token, ok := d.ReadBytes(int(tokenLen))
	if !ok {
		return Initial{}, false
	}
	length, ok := readVarint(&d)
	if !ok {
		return Initial{}, false
	}
	pnOffset := len(payload) - d.Len()
	if int(length) > d.Len() {
		return Initial{}, false
	}
	return Initial{
		Version:  version,
		DCID:     dcid,
		SCID:     scid,
		Token:    token,
		packet:   payload,
		pnOffset: pnOffset,
		end:      pnOffset + int(length),
	}, true
}

// Result is the outcome of full QUIC Initial extraction.
type Result struct {
	Valid   bool
	Version uint32
	SNI     string

	Fingerprint fingerprint.Fingerprint

	// DecryptFailed is set when the packet parsed but the AEAD tag did not
	// verify; metadata is still emitted without decrypted CRYPTO.
	DecryptFailed bool
}

// Parse runs the whole Initial path over one UDP payload: recognize,
// unprotect, decrypt, reassemble CRYPTO, fingerprint the ClientHello.
func Parse(payload []byte) Result {
	in, ok := ParseInitial(payload)
	if !ok {
		return Result{}
	}
	if in.Google {
		return Result{Valid: true, Version: in.Version}
	}

	plaintext, ok := in.Decrypt()
	if !ok {
		return Result{Valid: true, Version: in.Version, DecryptFailed: true}
	}

	ch, ok := reassembleCrypto(plaintext)
	if !ok {
		return Result{Valid: true, Version: in.Version, DecryptFailed: false}
	}

	res := tlsfp.ParseHandshake(ch)
	if !res.Valid || res.HandshakeType != tlsfp.HandshakeClientHello {
		return Result{Valid: true, Version: in.Version}
	}

	b := fingerprint.NewBuilder("quic/")
	b.OpenParen()
	b.HexUint32(in.Version)
	b.CloseParen()
	b.OpenParen()
	b.Raw(res.Fingerprint.Str)
	b.CloseParen()
	if !b.Valid() {
		return Result{Valid: true, Version: in.Version}
	}

	return Result{
		Valid:   true,
		Version: in.Version,
		SNI:     res.SNI,
		Fingerprint: fingerprint.Fingerprint{
			Type: fingerprint.TypeQUIC,
			Str:  b.String(),
		},
	}
}
