// Package wireguard recognizes Wireguard handshake initiation messages.
package wireguard

import "encoding/binary"

// handshakeInitLen is the fixed size of a handshake initiation:
// type(4) + sender(4) + ephemeral(32) + static(48) + timestamp(28) +
// mac1(16) + mac2(16).
const handshakeInitLen = 148

const messageTypeInit = 1

// HandshakeInit is a parsed handshake initiation.
type HandshakeInit struct {
	Valid       bool
	SenderIndex uint32
}

// Parse recognizes a handshake initiation at the start of a UDP payload.
func Parse(payload []byte) HandshakeInit {
	if len(payload) != handshakeInitLen {
		return HandshakeInit{}
	}
	// First four bytes: message type (LE) with three reserved zero bytes.
	if payload[0] != messageTypeInit || payload[1] != 0 || payload[2] != 0 || payload[3] != 0 {
		return HandshakeInit{}
	}
	return HandshakeInit{
		Valid:       true,
		SenderIndex: binary.LittleEndian.Uint32(payload[4:8]),
	}
}
