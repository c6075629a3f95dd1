// Package bencode parses bencoded data (integers, byte strings, lists,
// dictionaries) as seen in DHT and BitTorrent UDP traffic, producing a value
// tree that renders as a JSON mirror. No raw [key,value] feature list is
// produced.
package bencode

import (
	"strconv"

	"github.com/endorses/mercury/internal/pkg/datum"
)

// Kind tags a parsed value.
type Kind int

const (
	KindInteger Kind = iota
	KindBytes
	KindList
	KindDict
)

// Value is a parsed bencode value; exactly one of the payload fields is
// meaningful per Kind.
type Value struct {
	Kind Kind

	Integer int64
	Bytes   []byte
	List    []Value
	Dict    []DictEntry
}

// DictEntry preserves dictionary order from the wire.
type DictEntry struct {
	Key   []byte
	Value Value
}

const maxDepth = 16

// Parse decodes one bencoded value from the start of payload. Returns the
// value and the number of bytes consumed.
func Parse(payload []byte) (Value, int, bool) {
	d := datum.New(payload)
	v, ok := parseValue(&d, 0)
	if !ok {
		return Value{}, 0, false
	}
	return v, len(payload) - d.Len(), true
}

func parseValue(d *datum.Datum, depth int) (Value, bool) {
	if depth > maxDepth {
		return Value{}, false
	}
	c, ok := d.PeekUint8()
	if !ok {
		return Value{}, false
	}
	switch {
	case c == 'i':
		return parseInteger(d)
	case c >= '0' && c <= '9':
		return parseBytes(d)
	case c == 'l':
		d.Skip(1)
		var list []Value
		for {
			if c, ok := d.PeekUint8(); ok && c == 'e' {
				d.Skip(1)
				return Value{Kind: KindList, List: list}, true
			}
			v, ok := parseValue(d, depth+1)
			if !ok {
				return Value{}, false
			}
			list = append(list, v)
		}
	case c == 'd':
		d.Skip(1)
		var dict []DictEntry
		for {
			if c, ok := d.PeekUint8(); ok && c == 'e' {
				d.Skip(1)
				return Value{Kind: KindDict, Dict: dict}, true
			}
			key, ok := parseBytes(d)
			if !ok {
				return Value{}, false
			}
			v, ok := parseValue(d, depth+1)
			if !ok {
				return Value{}, false
			}
			dict = append(dict, DictEntry{Key: key.Bytes, Value: v})
		}
	}
	return Value{}, false
}

func parseInteger(d *datum.Datum) (Value, bool) {
	d.Skip(1) // 'i'
	var digits []byte
	for {
		c, ok := d.ReadUint8()
		if !ok {
			return Value{}, false
		}
		if c == 'e' {
			break
		}
		if !(c >= '0' && c <= '9') && !(c == '-' && len(digits) == 0) {
			return Value{}, false
		}
		digits = append(digits, c)
		if len(digits) > 19 {
			return Value{}, false
		}
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return Value{}, false
	}
	return Value{Kind: KindInteger, Integer: n}, true
}

func parseBytes(d *datum.Datum) (Value, bool) {
	var length int
	for {
		c, ok := d.ReadUint8()
		if !ok {
			return Value{}, false
		}
		if c == ':' {
			break
		}
		if c < '0' || c > '9' {
			return Value{}, false
		}
		length = length*10 + int(c-'0')
		if length > 1<<20 {
			return Value{}, false
		}
	}
	b, ok := d.ReadBytes(length)
	if !ok {
		return Value{}, false
	}
	return Value{Kind: KindBytes, Bytes: b}, true
}
