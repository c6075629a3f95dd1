// Package dhcp recognizes DHCP discover/request messages and derives a
// fingerprint from the option ordering.
package dhcp

import (
	"github.com/endorses/mercury/internal/pkg/datum"
	"github.com/endorses/mercury/internal/pkg/fingerprint"
)

const magicCookie = 0x63825363

// Option codes the parser treats specially. Only the parameter request list
// and the vendor class identifier carry their data into the fingerprint;
// every other option contributes its code only.
const (
	optMessageType       = 53
	optParamRequestList  = 55
	optVendorClassID     = 60
	optEnd               = 255
	optPad               = 0
)

// Message is a parsed DHCP message.
type Message struct {
	Valid       bool
	MessageType uint8
	ClientMAC   []byte

	Fingerprint fingerprint.Fingerprint
}

// Parse decodes a DHCP message from a UDP payload (ports 67/68).
func Parse(payload []byte) Message {
	d := datum.New(payload)
	hdr, ok := d.ReadBytes(236)
	if !ok {
		return Message{}
	}
	if hdr[0] != 1 && hdr[0] != 2 { // BOOTREQUEST / BOOTREPLY
		return Message{}
	}
	hlen := int(hdr[2])
	if hlen > 16 {
		return Message{}
	}
	cookie, ok := d.ReadUint32()
	if !ok || cookie != magicCookie {
		return Message{}
	}

	msg := Message{ClientMAC: hdr[28 : 28+hlen]}

	b := fingerprint.NewBuilder("dhcp/")
	for d.Len() > 0 {
		code, ok := d.ReadUint8()
		if !ok {
			return Message{}
		}
		if code == optPad {
			continue
		}
		if code == optEnd {
			break
		}
		length, ok := d.ReadUint8()
		if !ok {
			return Message{}
		}
		data, ok := d.ReadBytes(int(length))
		if !ok {
			return Message{}
		}
		if code == optMessageType && len(data) == 1 {
			msg.MessageType = data[0]
		}
		b.OpenParen()
		b.HexUint8(code)
		if code == optParamRequestList || code == optVendorClassID {
			b.HexBytes(data)
		}
		b.CloseParen()
	}

	if !b.Valid() {
		return Message{}
	}
	msg.Valid = true
	msg.Fingerprint = fingerprint.Fingerprint{Type: fingerprint.TypeDHCP, Str: b.String()}
	return msg
}
