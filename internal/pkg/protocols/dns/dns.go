// Package dns parses DNS messages far enough to emit question and answer
// metadata. When JSON output is disabled the caller base64-encodes the raw
// message instead.
package dns

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/endorses/mercury/internal/pkg/datum"
)

// Common RR types surfaced by name.
const (
	TypeA     = 1
	TypeNS    = 2
	TypeCNAME = 5
	TypeSOA   = 6
	TypePTR   = 12
	TypeMX    = 15
	TypeTXT   = 16
	TypeAAAA  = 28
	TypeHTTPS = 65
)

// Question is one entry of the question section.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

// Record is one resource record from the answer section.
type Record struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	Data  string
}

// Message is a parsed DNS message.
type Message struct {
	Valid    bool
	ID       uint16
	Response bool
	Opcode   uint8
	RCode    uint8

	Questions []Question
	Answers   []Record
}

const maxNamePointers = 32

// Parse decodes a DNS message from a UDP payload. Short or malformed input
// yields Valid=false.
func Parse(payload []byte) Message {
	d := datum.New(payload)
	id, ok := d.ReadUint16()
	if !ok {
		return Message{}
	}
	flags, ok := d.ReadUint16()
	if !ok {
		return Message{}
	}
	qdCount, ok := d.ReadUint16()
	if !ok {
		return Message{}
	}
	anCount, ok := d.ReadUint16()
	if !ok || !d.Skip(4) { // NS and AR counts
		return Message{}
	}
	if qdCount > 64 || anCount > 256 {
		return Message{}
	}

	msg := Message{
		Valid:    true,
		ID:       id,
		Response: flags&0x8000 != 0,
		Opcode:   uint8(flags >> 11 & 0x0f),
		RCode:    uint8(flags & 0x0f),
	}

	for i := 0; i < int(qdCount); i++ {
		name, ok := readName(payload, &d)
		if !ok {
			return Message{}
		}
		typ, ok1 := d.ReadUint16()
		class, ok2 := d.ReadUint16()
		if !ok1 || !ok2 {
			return Message{}
		}
		msg.Questions = append(msg.Questions, Question{Name: name, Type: typ, Class: class})
	}

	for i := 0; i < int(anCount); i++ {
		rec, ok := readRecord(payload, &d)
		if !ok {
			// Truncated answers are common in captures; keep what parsed.
			return msg
		}
		msg.Answers = append(msg.Answers, rec)
	}
	return msg
}

func readRecord(full []byte, d *datum.Datum) (Record, bool) {
	name, ok := readName(full, d)
	if !ok {
		return Record{}, false
	}
	typ, ok := d.ReadUint16()
	if !ok {
		return Record{}, false
	}
	class, ok := d.ReadUint16()
	if !ok {
		return Record{}, false
	}
	ttl, ok := d.ReadUint32()
	if !ok {
		return Record{}, false
	}
	rdLen, ok := d.ReadUint16()
	if !ok {
		return Record{}, false
	}
	rdStart := len(full) - d.Len()
	rdata, ok := d.ReadBytes(int(rdLen))
	if !ok {
		return Record{}, false
	}

	rec := Record{Name: name, Type: typ, Class: class, TTL: ttl}
	switch typ {
	case TypeA:
		if len(rdata) == 4 {
			rec.Data = netip.AddrFrom4([4]byte(rdata)).String()
		}
	case TypeAAAA:
		if len(rdata) == 16 {
			rec.Data = netip.AddrFrom16([16]byte(rdata)).String()
		}
	case TypeCNAME, TypeNS, TypePTR:
		nd := datum.New(full)
		nd.Skip(rdStart)
		if n, ok := readName(full, &nd); ok {
			rec.Data = n
		}
	case TypeTXT:
		var parts []string
		td := datum.New(rdata)
		for td.Len() > 0 {
			n, ok := td.ReadUint8()
			if !ok {
				break
			}
			s, ok := td.ReadBytes(int(n))
			if !ok {
				break
			}
			parts = append(parts, string(s))
		}
		rec.Data = strings.Join(parts, "")
	default:
		rec.Data = strconv.Itoa(len(rdata)) + " bytes"
	}
	return rec, true
}

// readName decodes a possibly-compressed domain name. Compression pointers
// are chased against the full message with a hop bound.
func readName(full []byte, d *datum.Datum) (string, bool) {
	var sb strings.Builder
	cur := d
	var jumped datum.Datum
	hops := 0

	for {
		length, ok := cur.ReadUint8()
		if !ok {
			return "", false
		}
		switch {
		case length == 0:
			return strings.TrimSuffix(sb.String(), "."), true
		case length&0xc0 == 0xc0:
			low, ok := cur.ReadUint8()
			if !ok {
				return "", false
			}
			offset := int(length&0x3f)<<8 | int(low)
			if offset >= len(full) {
				return "", false
			}
			hops++
			if hops > maxNamePointers {
				return "", false
			}
			jumped = datum.New(full)
			if !jumped.Skip(offset) {
				return "", false
			}
			cur = &jumped
		case length&0xc0 != 0:
			return "", false
		default:
			label, ok := cur.ReadBytes(int(length))
			if !ok {
				return "", false
			}
			sb.Write(label)
			sb.WriteByte('.')
			if sb.Len() > 512 {
				return "", false
			}
		}
	}
}
