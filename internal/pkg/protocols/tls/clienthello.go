package tls

import (
	"github.com/endorses/mercury/internal/pkg/datum"
	"github.com/endorses/mercury/internal/pkg/fingerprint"
)

// Extension types referenced by the fingerprint policy.
const (
	extServerName          = 0
	extStatusRequest       = 5
	extSupportedGroups     = 10
	extECPointFormats      = 11
	extSignatureAlgorithms = 13
	extALPN                = 16
	extCompressCertificate = 27
	extRecordSizeLimit     = 28
	extSupportedVersions   = 43
	extPSKKeyExchangeModes = 45
)

// extensionIncludesData says whether an extension's data bytes are part of
// the canonical fingerprint. Everything not listed contributes its type
// only, so connection-unique values (session tickets, key shares, SNI) do
// not fracture the fingerprint space.
func extensionIncludesData(extType uint16) bool {
	switch extType {
	case extStatusRequest, extSupportedGroups, extECPointFormats,
		extSignatureAlgorithms, extALPN, extCompressCertificate,
		extRecordSizeLimit, extSupportedVersions, extPSKKeyExchangeModes:
		return true
	}
	return false
}

// grease reports whether v is a GREASE value (RFC 8701): both bytes equal
// with low nibble 0xa.
func grease(v uint16) bool {
	return v&0x0f0f == 0x0a0a && v>>8 == v&0xff
}

// degrease maps every GREASE value onto the single canonical one so the
// fingerprint is stable across the randomized values clients send.
func degrease(v uint16) uint16 {
	if grease(v) {
		return 0x0a0a
	}
	return v
}

// parseClientHello extracts the canonical fingerprint and SNI from a
// ClientHello body (handshake header already consumed).
func parseClientHello(msg []byte) Result {
	d := datum.New(msg)

	version, ok := d.ReadUint16()
	if !ok || !d.Skip(32) { // random
		return Result{}
	}
	sidLen, ok := d.ReadUint8()
	if !ok || !d.Skip(int(sidLen)) {
		return Result{}
	}

	csLen, ok := d.ReadUint16()
	if !ok || csLen%2 != 0 {
		return Result{}
	}
	suites, ok := d.ReadBytes(int(csLen))
	if !ok {
		return Result{}
	}

	compLen, ok := d.ReadUint8()
	if !ok || !d.Skip(int(compLen)) {
		return Result{}
	}

	b := fingerprint.NewBuilder("tls/1/")
	b.OpenParen()
	b.HexUint16(version)
	b.CloseParen()

	b.OpenParen()
	for i := 0; i+1 < len(suites); i += 2 {
		b.HexUint16(degrease(uint16(suites[i])<<8 | uint16(suites[i+1])))
	}
	b.CloseParen()

	var sni string
	b.OpenParen()
	if d.Len() >= 2 {
		extLen, ok := d.ReadUint16()
		if !ok || int(extLen) > d.Len() {
			return Result{}
		}
		exts, _ := d.ReadBytes(int(extLen))
		ed := datum.New(exts)
		for ed.Len() >= 4 {
			extType, _ := ed.ReadUint16()
			dataLen, ok := ed.ReadUint16()
			if !ok {
				return Result{}
			}
			data, ok := ed.ReadBytes(int(dataLen))
			if !ok {
				return Result{}
			}
			if extType == extServerName {
				sni = parseSNI(data)
			}
			writeExtension(b, degrease(extType), data)
		}
	}
	b.CloseParen()

	if !b.Valid() {
		return Result{}
	}
	return Result{
		Valid:         true,
		HandshakeType: HandshakeClientHello,
		Version:       version,
		SNI:           sni,
		Fingerprint: fingerprint.Fingerprint{
			Type: fingerprint.TypeTLS,
			Str:  b.String(),
		},
	}
}

// writeExtension appends one extension group to the canonical string:
// type always, data only when the policy includes it. Degreasing applies to
// the 16-bit values inside supported_groups and supported_versions.
func writeExtension(b *fingerprint.Builder, extType uint16, data []byte) {
	b.OpenParen()
	b.HexUint16(extType)
	if extensionIncludesData(extType) {
		b.HexUint16(uint16(len(data)))
		switch extType {
		case extSupportedGroups:
			// 2-byte list length then 2-byte named groups.
			if len(data) >= 2 {
				b.HexBytes(data[:2])
				for i := 2; i+1 < len(data); i += 2 {
					b.HexUint16(degrease(uint16(data[i])<<8 | uint16(data[i+1])))
				}
			}
		case extSupportedVersions:
			// 1-byte list length then 2-byte versions.
			if len(data) >= 1 {
				b.HexUint8(data[0])
				for i := 1; i+1 < len(data); i += 2 {
					b.HexUint16(degrease(uint16(data[i])<<8 | uint16(data[i+1])))
				}
			}
		default:
			b.HexBytes(data)
		}
	}
	b.CloseParen()
}

// parseSNI pulls the first hostname out of a server_name extension.
func parseSNI(data []byte) string {
	d := datum.New(data)
	if _, ok := d.ReadUint16(); !ok { // server name list length
		return ""
	}
	nameType, ok := d.ReadUint8()
	if !ok || nameType != 0 {
		return ""
	}
	nameLen, ok := d.ReadUint16()
	if !ok {
		return ""
	}
	name, ok := d.ReadBytes(int(nameLen))
	if !ok {
		return ""
	}
	return string(name)
}
