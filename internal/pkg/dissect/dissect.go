// Package dissect decodes link, network, and transport headers into a flow
// key and an application payload view. Decoders are zero-copy and tolerate
// short input by reporting ok=false; they never allocate on the hot path.
package dissect

import (
	"github.com/google/gopacket/layers"

	"github.com/endorses/mercury/internal/pkg/datum"
	"github.com/endorses/mercury/internal/pkg/flow"
)

// Transport identifies the decoded transport layer.
type Transport int

const (
	TransportUnknown Transport = iota
	TransportTCP
	TransportUDP
)

// TCP flag bits.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
)

// TCPInfo carries the transport fields the fingerprinters and the
// reassembler need. Options is a view into the packet.
type TCPInfo struct {
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
	Options []byte
}

// SYN reports whether this is an initial SYN (not SYN/ACK).
func (t *TCPInfo) SYN() bool {
	return t.Flags&(FlagSYN|FlagACK) == FlagSYN
}

// SYNACK reports whether both SYN and ACK are set.
func (t *TCPInfo) SYNACK() bool {
	return t.Flags&(FlagSYN|FlagACK) == FlagSYN|FlagACK
}

// Decoded is the result of header decoding for one packet.
type Decoded struct {
	Key       flow.Key
	Transport Transport
	TCP       TCPInfo
	Payload   []byte
}

// EtherTypes chased by the link decoder.
const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd
	etherTypeVLAN = 0x8100
)

// Decode parses one packet from the link layer down. It returns ok=false on
// anything it cannot decode; that is a skip, not an error.
func Decode(data []byte, link layers.LinkType) (Decoded, bool) {
	d := datum.New(data)
	switch link {
	case layers.LinkTypeEthernet:
		et, ok := decodeEthernet(&d)
		if !ok {
			return Decoded{}, false
		}
		switch et {
		case etherTypeIPv4:
			return decodeIPv4(&d)
		case etherTypeIPv6:
			return decodeIPv6(&d)
		}
		return Decoded{}, false
	case layers.LinkTypeIPv4:
		return decodeIPv4(&d)
	case layers.LinkTypeIPv6:
		return decodeIPv6(&d)
	case layers.LinkTypeRaw:
		v, ok := d.PeekUint8()
		if !ok {
			return Decoded{}, false
		}
		if v>>4 == 6 {
			return decodeIPv6(&d)
		}
		return decodeIPv4(&d)
	}
	return Decoded{}, false
}

// decodeEthernet consumes the 14-byte header, chasing at most two VLAN tags,
// and returns the ethertype.
func decodeEthernet(d *datum.Datum) (uint16, bool) {
	if !d.Skip(12) {
		return 0, false
	}
	et, ok := d.ReadUint16()
	if !ok {
		return 0, false
	}
	for i := 0; i < 2 && et == etherTypeVLAN; i++ {
		if !d.Skip(2) {
			return 0, false
		}
		if et, ok = d.ReadUint16(); !ok {
			return 0, false
		}
	}
	return et, true
}

func decodeIPv4(d *datum.Datum) (Decoded, bool) {
	hdr, ok := d.Lookahead(20)
	if !ok {
		return Decoded{}, false
	}
	if hdr[0]>>4 != 4 {
		return Decoded{}, false
	}
	ihl := int(hdr[0]&0x0f) * 4
	if ihl < 20 {
		return Decoded{}, false
	}
	var out Decoded
	out.Key.IPVersion = 4
	out.Key.Protocol = hdr[9]
	copy(out.Key.SrcAddr[:4], hdr[12:16])
	copy(out.Key.DstAddr[:4], hdr[16:20])
	if !d.Skip(ihl) {
		return Decoded{}, false
	}
	return decodeTransport(d, out)
}

func decodeIPv6(d *datum.Datum) (Decoded, bool) {
	hdr, ok := d.ReadBytes(40)
	if !ok {
		return Decoded{}, false
	}
	if hdr[0]>>4 != 6 {
		return Decoded{}, false
	}
	var out Decoded
	out.Key.IPVersion = 6
	out.Key.Protocol = hdr[6]
	copy(out.Key.SrcAddr[:], hdr[8:24])
	copy(out.Key.DstAddr[:], hdr[24:40])
	// Extension headers are not chased beyond the first; an unexpected next
	// header yields an unknown transport.
	return decodeTransport(d, out)
}

func decodeTransport(d *datum.Datum, out Decoded) (Decoded, bool) {
	switch out.Key.Protocol {
	case flow.ProtoTCP:
		return decodeTCP(d, out)
	case flow.ProtoUDP:
		return decodeUDP(d, out)
	}
	out.Transport = TransportUnknown
	out.Payload = d.Bytes()
	return out, true
}

func decodeTCP(d *datum.Datum, out Decoded) (Decoded, bool) {
	hdr, ok := d.Lookahead(20)
	if !ok {
		return Decoded{}, false
	}
	out.Key.SrcPort = uint16(hdr[0])<<8 | uint16(hdr[1])
	out.Key.DstPort = uint16(hdr[2])<<8 | uint16(hdr[3])
	dataOff := int(hdr[12]>>4) * 4
	if dataOff < 20 {
		return Decoded{}, false
	}
	out.Transport = TransportTCP
	out.TCP.Seq = uint32(hdr[4])<<24 | uint32(hdr[5])<<16 | uint32(hdr[6])<<8 | uint32(hdr[7])
	out.TCP.Ack = uint32(hdr[8])<<24 | uint32(hdr[9])<<16 | uint32(hdr[10])<<8 | uint32(hdr[11])
	out.TCP.Flags = hdr[13]
	out.TCP.Window = uint16(hdr[14])<<8 | uint16(hdr[15])
	if !d.Skip(20) {
		return Decoded{}, false
	}
	if opts := dataOff - 20; opts > 0 {
		if out.TCP.Options, ok = d.ReadBytes(opts); !ok {
			return Decoded{}, false
		}
	}
	out.Payload = d.Bytes()
	return out, true
}

func decodeUDP(d *datum.Datum, out Decoded) (Decoded, bool) {
	hdr, ok := d.ReadBytes(8)
	if !ok {
		return Decoded{}, false
	}
	out.Key.SrcPort = uint16(hdr[0])<<8 | uint16(hdr[1])
	out.Key.DstPort = uint16(hdr[2])<<8 | uint16(hdr[3])
	out.Transport = TransportUDP
	out.Payload = d.Bytes()
	return out, true
}
