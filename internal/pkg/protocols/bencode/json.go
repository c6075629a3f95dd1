package bencode

import (
	"encoding/hex"
	"strconv"
)

// AppendJSON renders the value as JSON into buf. Byte strings that are
// printable ASCII render as JSON strings; anything else renders as a hex
// string so the mirror stays lossless.
func (v *Value) AppendJSON(buf []byte) []byte {
	switch v.Kind {
	case KindInteger:
		return strconv.AppendInt(buf, v.Integer, 10)
	case KindBytes:
		return appendJSONBytes(buf, v.Bytes)
	case KindList:
		buf = append(buf, '[')
		for i := range v.List {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = v.List[i].AppendJSON(buf)
		}
		return append(buf, ']')
	case KindDict:
		buf = append(buf, '{')
		for i := range v.Dict {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendJSONBytes(buf, v.Dict[i].Key)
			buf = append(buf, ':')
			buf = v.Dict[i].Value.AppendJSON(buf)
		}
		return append(buf, '}')
	}
	return append(buf, "null"...)
}

func appendJSONBytes(buf, b []byte) []byte {
	printable := true
	for _, c := range b {
		if c < 0x20 || c > 0x7e || c == '"' || c == '\\' {
			printable = false
			break
		}
	}
	if printable {
		buf = append(buf, '"')
		buf = append(buf, b...)
		return append(buf, '"')
	}
	buf = append(buf, '"', '0', 'x')
	dst := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(dst, b)
	buf = append(buf, dst...)
	return append(buf, '"')
}
