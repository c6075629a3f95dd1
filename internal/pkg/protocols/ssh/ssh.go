// Package ssh extracts the protocol banner and the algorithm name-lists
// from an SSH KEXINIT binary packet.
package ssh

import (
	"bytes"

	"github.com/endorses/mercury/internal/pkg/datum"
)

const msgKexInit = 20

// Banner is the initial "SSH-2.0-..." identification line.
type Banner struct {
	Valid    bool
	Protocol []byte // e.g. "SSH-2.0"
	Software []byte // e.g. "OpenSSH_9.3"
	Comment  []byte
}

// KexInit carries the KEXINIT name-lists, in wire order.
type KexInit struct {
	Valid bool

	KexAlgorithms           []byte
	HostKeyAlgorithms       []byte
	EncryptionClientServer  []byte
	EncryptionServerClient  []byte
	MACClientServer         []byte
	MACServerClient         []byte
	CompressionClientServer []byte
	CompressionServerClient []byte
	LanguagesClientServer   []byte
	LanguagesServerClient   []byte
}

// ParseBanner recognizes the SSH identification line at the start of a TCP
// payload.
func ParseBanner(payload []byte) Banner {
	if !bytes.HasPrefix(payload, []byte("SSH-")) {
		return Banner{}
	}
	line := payload
	if i := bytes.IndexByte(payload, '\n'); i >= 0 {
		line = payload[:i]
	}
	line = bytes.TrimSuffix(line, []byte("\r"))

	out := Banner{Valid: true}
	rest := line
	if i := bytes.IndexByte(rest[4:], '-'); i >= 0 {
		out.Protocol = rest[:4+i]
		rest = rest[4+i+1:]
	} else {
		out.Protocol = rest
		return out
	}
	if i := bytes.IndexByte(rest, ' '); i >= 0 {
		out.Software = rest[:i]
		out.Comment = rest[i+1:]
	} else {
		out.Software = rest
	}
	return out
}

// ParseKexInit decodes an SSH binary packet holding a KEXINIT message:
// packet_length(4) padding_length(1) type(1) cookie(16) then ten
// name-lists, each a uint32 length + comma-separated names.
func ParseKexInit(payload []byte) KexInit {
	d := datum.New(payload)
	pktLen, ok := d.ReadUint32()
	if !ok || pktLen < 17 || int(pktLen) > d.Len() {
		return KexInit{}
	}
	if _, ok := d.ReadUint8(); !ok { // padding length
		return KexInit{}
	}
	msgType, ok := d.ReadUint8()
	if !ok || msgType != msgKexInit {
		return KexInit{}
	}
	if !d.Skip(16) { // cookie
		return KexInit{}
	}

	lists := make([][]byte, 0, 10)
	for i := 0; i < 10; i++ {
		n, ok := d.ReadUint32()
		if !ok || int(n) > d.Len() {
			return KexInit{}
		}
		list, ok := d.ReadBytes(int(n))
		if !ok {
			return KexInit{}
		}
		lists = append(lists, list)
	}

	return KexInit{
		Valid:                   true,
		KexAlgorithms:           lists[0],
		HostKeyAlgorithms:       lists[1],
		EncryptionClientServer:  lists[2],
		EncryptionServerClient:  lists[3],
		MACClientServer:         lists[4],
		MACServerClient:         lists[5],
		CompressionClientServer: lists[6],
		CompressionServerClient: lists[7],
		LanguagesClientServer:   lists[8],
		LanguagesServerClient:   lists[9],
	}
}
