package worker

import "strconv"

// recordBuilder assembles one JSON output record into a reusable buffer.
// Serialization happens before the ring push, so the record never carries
// views into the packet past the worker iteration.
type recordBuilder struct {
	buf       []byte
	needComma bool
}

func (b *recordBuilder) reset() {
	b.buf = b.buf[:0]
	b.needComma = false
	b.buf = append(b.buf, '{')
}

func (b *recordBuilder) comma() {
	if b.needComma {
		b.buf = append(b.buf, ',')
	}
	b.needComma = true
}

// key writes `"name":`.
func (b *recordBuilder) key(name string) {
	b.comma()
	b.buf = append(b.buf, '"')
	b.buf = append(b.buf, name...)
	b.buf = append(b.buf, '"', ':')
}

// openObject writes `"name":{` and resets comma state for the nest.
func (b *recordBuilder) openObject(name string) {
	b.key(name)
	b.buf = append(b.buf, '{')
	b.needComma = false
}

func (b *recordBuilder) closeObject() {
	b.buf = append(b.buf, '}')
	b.needComma = true
}

func (b *recordBuilder) openArray(name string) {
	b.key(name)
	b.buf = append(b.buf, '[')
	b.needComma = false
}

func (b *recordBuilder) closeArray() {
	b.buf = append(b.buf, ']')
	b.needComma = true
}

func (b *recordBuilder) stringField(name string, value []byte) {
	b.key(name)
	b.stringValue(value)
}

func (b *recordBuilder) stringValue(value []byte) {
	b.buf = appendJSONString(b.buf, value)
	b.needComma = true
}

func (b *recordBuilder) intField(name string, v int64) {
	b.key(name)
	b.buf = strconv.AppendInt(b.buf, v, 10)
}

func (b *recordBuilder) uintField(name string, v uint64) {
	b.key(name)
	b.buf = strconv.AppendUint(b.buf, v, 10)
}

func (b *recordBuilder) floatField(name string, v float64) {
	b.key(name)
	b.buf = strconv.AppendFloat(b.buf, v, 'g', -1, 64)
}

func (b *recordBuilder) boolField(name string, v bool) {
	b.key(name)
	b.buf = strconv.AppendBool(b.buf, v)
}

// rawField appends pre-encoded JSON (the bencode mirror).
func (b *recordBuilder) rawField(name string, raw []byte) {
	b.key(name)
	b.buf = append(b.buf, raw...)
}

// timestampField writes event_start as <sec>.<9-digit nsec>.
func (b *recordBuilder) timestampField(name string, sec, nsec int64) {
	b.key(name)
	b.buf = strconv.AppendInt(b.buf, sec, 10)
	b.buf = append(b.buf, '.')
	// Nine digits, zero padded.
	for div := int64(100000000); div > 0; div /= 10 {
		b.buf = append(b.buf, byte('0'+(nsec/div)%10))
	}
}

// finish closes the record and appends the newline.
func (b *recordBuilder) finish() []byte {
	b.buf = append(b.buf, '}', '\n')
	return b.buf
}

// appendJSONString writes value as a JSON string. Printable ASCII passes
// through; everything else (control bytes, quotes, non-ASCII) is escaped
// per byte, which keeps arbitrary captured bytes valid JSON.
func appendJSONString(buf, value []byte) []byte {
	const hexDigits = "0123456789abcdef"
	buf = append(buf, '"')
	for _, c := range value {
		switch {
		case c == '"':
			buf = append(buf, '\\', '"')
		case c == '\\':
			buf = append(buf, '\\', '\\')
		case c >= 0x20 && c < 0x7f:
			buf = append(buf, c)
		case c == '\n':
			buf = append(buf, '\\', 'n')
		case c == '\r':
			buf = append(buf, '\\', 'r')
		case c == '\t':
			buf = append(buf, '\\', 't')
		default:
			buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0x0f])
		}
	}
	return append(buf, '"')
}
