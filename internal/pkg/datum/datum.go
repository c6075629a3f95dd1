// Package datum implements the zero-copy byte cursor every dissector parses
// through. A Datum is a window into the captured packet; reads narrow the
// window and never copy. Once any read runs short the cursor goes null and
// every later read fails, so parsers can be written straight-line and check
// validity once at the end.
package datum

import "encoding/binary"

// Datum is a cursor over a byte slice. New(nil) returns the null cursor; the
// zero value is an empty cursor that stays valid until a read runs short.
type Datum struct {
	buf  []byte
	null bool
}

// New returns a cursor over b.
func New(b []byte) Datum {
	return Datum{buf: b, null: b == nil}
}

// IsValid reports whether the cursor has not gone null.
func (d *Datum) IsValid() bool { return !d.null }

// Len returns the number of unread bytes.
func (d *Datum) Len() int {
	if d.null {
		return 0
	}
	return len(d.buf)
}

// Bytes returns the unread remainder without consuming it.
func (d *Datum) Bytes() []byte {
	if d.null {
		return nil
	}
	return d.buf
}

// SetNull invalidates the cursor.
func (d *Datum) SetNull() {
	d.null = true
	d.buf = nil
}

// Skip advances past n bytes.
func (d *Datum) Skip(n int) bool {
	if d.null || n < 0 || n > len(d.buf) {
		d.SetNull()
		return false
	}
	d.buf = d.buf[n:]
	return true
}

// ReadUint8 consumes one byte.
func (d *Datum) ReadUint8() (uint8, bool) {
	if d.null || len(d.buf) < 1 {
		d.SetNull()
		return 0, false
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v, true
}

// ReadUint16 consumes a big-endian uint16.
func (d *Datum) ReadUint16() (uint16, bool) {
	if d.null || len(d.buf) < 2 {
		d.SetNull()
		return 0, false
	}
	v := binary.BigEndian.Uint16(d.buf)
	d.buf = d.buf[2:]
	return v, true
}

// ReadUint24 consumes a big-endian 24-bit integer.
func (d *Datum) ReadUint24() (uint32, bool) {
	if d.null || len(d.buf) < 3 {
		d.SetNull()
		return 0, false
	}
	v := uint32(d.buf[0])<<16 | uint32(d.buf[1])<<8 | uint32(d.buf[2])
	d.buf = d.buf[3:]
	return v, true
}

// ReadUint32 consumes a big-endian uint32.
func (d *Datum) ReadUint32() (uint32, bool) {
	if d.null || len(d.buf) < 4 {
		d.SetNull()
		return 0, false
	}
	v := binary.BigEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v, true
}

// ReadBytes consumes n bytes and returns a view into the underlying buffer.
// The view is valid only as long as the captured packet is.
func (d *Datum) ReadBytes(n int) ([]byte, bool) {
	if d.null || n < 0 || n > len(d.buf) {
		d.SetNull()
		return nil, false
	}
	v := d.buf[:n:n]
	d.buf = d.buf[n:]
	return v, true
}

// PeekUint8 returns the next byte without consuming it.
func (d *Datum) PeekUint8() (uint8, bool) {
	if d.null || len(d.buf) < 1 {
		return 0, false
	}
	return d.buf[0], true
}

// Lookahead returns the first n unread bytes without consuming them.
func (d *Datum) Lookahead(n int) ([]byte, bool) {
	if d.null || n < 0 || n > len(d.buf) {
		return nil, false
	}
	return d.buf[:n:n], true
}
