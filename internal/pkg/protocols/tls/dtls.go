package tls

import (
	"github.com/endorses/mercury/internal/pkg/datum"
	"github.com/endorses/mercury/internal/pkg/fingerprint"
)

// DTLS record framing: type(1) version(2) epoch(2) sequence(6) length(2),
// and each handshake message carries message_seq(2) fragment_offset(3)
// fragment_length(3) after the usual type+length.

// ParseDTLS runs extraction over a UDP payload carrying DTLS.
func ParseDTLS(payload []byte) Result {
	d := datum.New(payload)
	hdr, ok := d.Lookahead(13)
	if !ok {
		return Result{}
	}
	if hdr[0] != ContentTypeHandshake || hdr[1] != 0xfe {
		return Result{}
	}
	recLen := int(hdr[11])<<8 | int(hdr[12])
	if recLen == 0 || recLen > maxRecordLen {
		return Result{}
	}
	d.Skip(13)
	body, ok := d.ReadBytes(min(recLen, d.Len()))
	if !ok {
		return Result{}
	}

	hd := datum.New(body)
	msgType, ok := hd.ReadUint8()
	if !ok || msgType != HandshakeClientHello {
		return Result{}
	}
	msgLen, ok := hd.ReadUint24()
	if !ok || !hd.Skip(2) { // message_seq
		return Result{}
	}
	fragOff, ok := hd.ReadUint24()
	fragLen, ok2 := hd.ReadUint24()
	if !ok || !ok2 || fragOff != 0 {
		return Result{}
	}
	if int(fragLen) > hd.Len() {
		return Result{NeedBytes: int(fragLen) - hd.Len()}
	}
	msg, _ := hd.ReadBytes(int(fragLen))
	if fragLen < msgLen {
		return Result{NeedBytes: int(msgLen - fragLen)}
	}

	res := parseDTLSClientHello(msg)
	return res
}

// parseDTLSClientHello is the ClientHello parse with the DTLS cookie field
// and the dtls/ fingerprint prefix.
func parseDTLSClientHello(msg []byte) Result {
	// DTLS inserts cookie_length+cookie after session_id. Strip it and
	// reuse the TLS ClientHello walk on a rebuilt body view.
	d := datum.New(msg)
	if !d.Skip(2 + 32) {
		return Result{}
	}
	sidLen, ok := d.ReadUint8()
	if !ok || !d.Skip(int(sidLen)) {
		return Result{}
	}
	cookieLen, ok := d.ReadUint8()
	if !ok {
		return Result{}
	}
	cookieStart := 2 + 32 + 1 + int(sidLen)
	if !d.Skip(int(cookieLen)) {
		return Result{}
	}

	stripped := make([]byte, 0, len(msg))
	stripped = append(stripped, msg[:cookieStart]...)
	stripped = append(stripped, msg[cookieStart+1+int(cookieLen):]...)

	res := parseClientHello(stripped)
	if !res.Valid {
		return res
	}
	b := fingerprint.NewBuilder("dtls/")
	b.Raw(res.Fingerprint.Str[len("tls/"):])
	res.Fingerprint = fingerprint.Fingerprint{
		Type: fingerprint.TypeDTLS,
		Str:  b.String(),
	}
	return res
}
