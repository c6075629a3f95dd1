// Package flow defines the packet view and flow key types shared by the
// dissectors, the reassembler, and the classifier result path.
package flow

import (
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
)

// Packet is an immutable view of one captured packet. Data is borrowed from
// the capture layer and is only valid for one worker iteration.
type Packet struct {
	Sec      int64
	Nsec     int64
	CapLen   uint32
	WireLen  uint32
	LinkType layers.LinkType
	Data     []byte
}

// Timestamp returns the capture time.
func (p *Packet) Timestamp() time.Time {
	return time.Unix(p.Sec, p.Nsec)
}

// Protocol numbers used in flow keys.
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// Key identifies a flow. Addresses are stored in network byte order; for
// IPv4 only the first four bytes of each address are meaningful. The struct
// is comparable and is used directly as a map key.
type Key struct {
	IPVersion uint8
	Protocol  uint8
	SrcPort   uint16
	DstPort   uint16
	SrcAddr   [16]byte
	DstAddr   [16]byte
}

// SrcIP returns the source address.
func (k *Key) SrcIP() netip.Addr {
	return k.addr(k.SrcAddr)
}

// DstIP returns the destination address.
func (k *Key) DstIP() netip.Addr {
	return k.addr(k.DstAddr)
}

func (k *Key) addr(a [16]byte) netip.Addr {
	if k.IPVersion == 4 {
		return netip.AddrFrom4([4]byte(a[:4]))
	}
	return netip.AddrFrom16(a)
}

// Reverse returns the key of the opposite direction.
func (k Key) Reverse() Key {
	k.SrcAddr, k.DstAddr = k.DstAddr, k.SrcAddr
	k.SrcPort, k.DstPort = k.DstPort, k.SrcPort
	return k
}
