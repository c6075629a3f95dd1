// Package tls extracts fingerprints and metadata from TLS and DTLS
// handshakes. It is not a TLS implementation: only the fields needed by
// fingerprinting and classification are parsed, as views into the captured
// packet.
package tls

import (
	"github.com/endorses/mercury/internal/pkg/datum"
	"github.com/endorses/mercury/internal/pkg/fingerprint"
)

// TLS record content types.
const (
	ContentTypeChangeCipherSpec = 20
	ContentTypeAlert            = 21
	ContentTypeHandshake        = 22
	ContentTypeApplicationData  = 23
)

// Handshake message types.
const (
	HandshakeClientHello = 1
	HandshakeServerHello = 2
	HandshakeCertificate = 11
)

const maxRecordLen = 16384 + 256

// Result is the outcome of TLS extraction over one contiguous byte run.
type Result struct {
	Valid bool

	// NeedBytes is nonzero when the handshake header announces more bytes
	// than the run carries; the worker hands the run to the reassembler.
	NeedBytes int

	Fingerprint   fingerprint.Fingerprint
	SNI           string
	HandshakeType uint8
	Version       uint16

	// Certs holds raw DER certificate views from a Certificate message.
	Certs [][]byte
}

// Parse runs TLS extraction over a TCP payload. The payload must start at a
// record boundary. Short input yields Valid=false; a handshake spilling past
// the payload yields NeedBytes.
func Parse(payload []byte) Result {
	d := datum.New(payload)
	hdr, ok := d.Lookahead(5)
	if !ok {
		return Result{}
	}
	if hdr[0] != ContentTypeHandshake || hdr[1] != 0x03 || hdr[2] > 0x04 {
		return Result{}
	}
	recLen := int(hdr[3])<<8 | int(hdr[4])
	if recLen == 0 || recLen > maxRecordLen {
		return Result{}
	}
	if recLen+5 > d.Len() {
		// The record itself spans TCP segments.
		return Result{NeedBytes: recLen + 5 - d.Len()}
	}
	d.Skip(5)
	body, _ := d.ReadBytes(recLen)
	return parseHandshakes(body)
}

// parseHandshakes walks the handshake messages in a (reassembled) record
// body. Used by both the TCP record path and the QUIC CRYPTO path.
func parseHandshakes(body []byte) Result {
	d := datum.New(body)
	var out Result
	for d.Len() >= 4 {
		msgType, _ := d.ReadUint8()
		msgLen, ok := d.ReadUint24()
		if !ok {
			return out
		}
		if int(msgLen) > d.Len() {
			// Message spans records/segments: report how much is missing.
			out.NeedBytes = int(msgLen) - d.Len()
			return out
		}
		msg, _ := d.ReadBytes(int(msgLen))
		switch msgType {
		case HandshakeClientHello:
			res := parseClientHello(msg)
			if res.Valid {
				return res
			}
		case HandshakeServerHello:
			if v, ok := parseServerHello(msg); ok {
				out.Valid = true
				out.HandshakeType = HandshakeServerHello
				out.Version = v
			}
		case HandshakeCertificate:
			if certs, ok := parseCertificates(msg); ok {
				out.Valid = true
				if out.HandshakeType == 0 {
					out.HandshakeType = HandshakeCertificate
				}
				out.Certs = append(out.Certs, certs...)
			}
		default:
			// Not a message fingerprinting cares about; keep walking.
		}
	}
	return out
}

// ParseHandshake extracts from a raw handshake byte run with no record
// framing, as carried in QUIC CRYPTO frames.
func ParseHandshake(data []byte) Result {
	return parseHandshakes(data)
}

func parseServerHello(msg []byte) (uint16, bool) {
	d := datum.New(msg)
	ver, ok := d.ReadUint16()
	if !ok || !d.Skip(32) {
		return 0, false
	}
	return ver, true
}

// parseCertificates walks a TLS 1.2-style Certificate message and returns
// DER views. TLS 1.3 certificate messages are encrypted and never reach us.
func parseCertificates(msg []byte) ([][]byte, bool) {
	d := datum.New(msg)
	total, ok := d.ReadUint24()
	if !ok || int(total) > d.Len() {
		return nil, false
	}
	var certs [][]byte
	for d.Len() >= 3 {
		n, ok := d.ReadUint24()
		if !ok {
			break
		}
		der, ok := d.ReadBytes(int(n))
		if !ok {
			break
		}
		certs = append(certs, der)
	}
	return certs, len(certs) > 0
}
