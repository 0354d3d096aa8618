// Package payload implements the cursor codec used to decode and encode the fields of a single
// packet. A Payload built with Wrap or Copy is a data source; one built with New or NewSize is a
// data sink. Reads saturate at the meaningful size and writes never pass the fixed capacity, so
// a truncated packet yields default or partial values instead of failing.
//
// A Payload is owned by one packet round-trip and must not be shared between goroutines.
package payload

import (
	"encoding/hex"

	"github.com/phuslu/log"
	"nuha.dev/dmtp/internal/geo"
)

// MaxPayloadLength is the default capacity of a sink payload.
const MaxPayloadLength = 255

type Payload struct {
	buf   []byte
	size  int
	index int
}

// New returns an empty sink with MaxPayloadLength capacity.
func New() *Payload {
	return NewSize(MaxPayloadLength)
}

// NewSize returns an empty sink with the given capacity.
func NewSize(capacity int) *Payload {
	if capacity < 0 {
		capacity = 0
	}
	return &Payload{buf: make([]byte, capacity)}
}

// Wrap returns a source over b without copying. The payload takes ownership of b; the caller
// must not modify it afterwards.
func Wrap(b []byte) *Payload {
	return &Payload{buf: b, size: len(b)}
}

// Copy returns a source over a private copy of b[ofs:ofs+length]. The length is clamped to the
// bytes available after ofs; an out of range offset or an empty source gives an empty payload.
func Copy(b []byte, ofs, length int) *Payload {
	if len(b) == 0 || ofs < 0 || ofs >= len(b) || length <= 0 {
		return &Payload{buf: []byte{}}
	}
	if length > len(b)-ofs {
		length = len(b) - ofs
	}
	buf := make([]byte, length)
	copy(buf, b[ofs:ofs+length])
	return &Payload{buf: buf, size: length}
}

// Size is the number of meaningful bytes in the payload.
func (p *Payload) Size() int {
	return p.size
}

// Cap is the fixed capacity of the payload buffer.
func (p *Payload) Cap() int {
	return len(p.buf)
}

func (p *Payload) Index() int {
	return p.index
}

// Bytes returns a copy of the meaningful bytes regardless of the cursor position.
func (p *Payload) Bytes() []byte {
	b := make([]byte, p.size)
	copy(b, p.buf[:p.size])
	return b
}

// ResetIndex moves the cursor. Negative positions become 0; positions past the size are
// accepted and handled by the saturating reads and bounded writes.
func (p *Payload) ResetIndex(n int) {
	if n <= 0 {
		n = 0
	}
	p.index = n
}

// HasRemaining reports whether length bytes can be read from the cursor.
func (p *Payload) HasRemaining(length int) bool {
	return p.index+length <= p.size
}

// readable is the number of bytes a read of length can actually consume.
func (p *Payload) readable(length int) int {
	if p.index+length <= p.size {
		return length
	}
	return p.size - p.index
}

// writable is the number of bytes a write of length can actually produce.
func (p *Payload) writable(length int) int {
	if p.index+length <= len(p.buf) {
		return length
	}
	return len(p.buf) - p.index
}

func (p *Payload) advance(n int) {
	p.index += n
	if p.size < p.index {
		p.size = p.index
	}
}

// ReadInt decodes up to length bytes as a big-endian two's complement integer. If nothing can
// be read, dft is returned and the cursor does not move.
func (p *Payload) ReadInt(length int, dft int64) int64 {
	n := p.readable(length)
	if n <= 0 {
		return dft
	}
	b := p.buf[p.index : p.index+n]
	var v int64
	if b[0]&0x80 != 0 {
		v = -1
	}
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	p.index += n
	return v
}

// ReadUint decodes up to length bytes as a big-endian unsigned integer. If nothing can be read,
// dft is returned and the cursor does not move.
func (p *Payload) ReadUint(length int, dft uint64) uint64 {
	n := p.readable(length)
	if n <= 0 {
		return dft
	}
	var v uint64
	for _, c := range p.buf[p.index : p.index+n] {
		v = v<<8 | uint64(c)
	}
	p.index += n
	return v
}

// ReadBytes returns a copy of up to length bytes.
func (p *Payload) ReadBytes(length int) []byte {
	n := p.readable(length)
	if n <= 0 {
		return []byte{}
	}
	b := make([]byte, n)
	copy(b, p.buf[p.index:p.index+n])
	p.index += n
	return b
}

// ReadString reads up to length bytes, stopping at the first NUL. The terminator is consumed
// but not returned.
func (p *Payload) ReadString(length int) string {
	n := p.readable(length)
	if n <= 0 {
		return ""
	}
	m := 0
	for m < n && p.buf[p.index+m] != 0 {
		m++
	}
	s := string(p.buf[p.index : p.index+m])
	p.index += m
	if m < n {
		p.index++
	}
	return s
}

// ReadGeoPoint decodes a point from a field of the given width. Widths 6 and 7 use the reduced
// format and consume 6 bytes, widths of 8 and more use the full format and consume 8. When the
// format's bytes are not all present the invalid point is returned and the remaining bytes of
// the field are consumed.
//
// The format is chosen by the field width, not by the content. Device encoders do the same and
// changing it breaks the wire format.
func (p *Payload) ReadGeoPoint(length int) geo.Point {
	n := p.readable(length)
	tier := geo.TierLength(length)
	if n < geo.ReducedLength || n < tier {
		if n > 0 {
			p.index += n
		}
		return geo.Invalid()
	}
	gp := geo.Decode(p.buf[p.index:p.index+tier], tier)
	p.index += tier
	return gp
}

// WriteInt encodes v big-endian into exactly length bytes, keeping the low-order bits. It
// returns length, 0 when the field does not fit, or length unchanged when length <= 0.
func (p *Payload) WriteInt(v int64, length int) int {
	return p.WriteUint(uint64(v), length)
}

// WriteUint is the unsigned variant of WriteInt.
func (p *Payload) WriteUint(v uint64, length int) int {
	if length <= 0 {
		return length
	}
	if p.index+length > len(p.buf) {
		return 0
	}
	for i := p.index + length - 1; i >= p.index; i-- {
		p.buf[i] = byte(v)
		v >>= 8
	}
	p.advance(length)
	return length
}

// WriteBytes copies data into a field of length bytes, zero filling the part of the field that
// data does not cover. The field is shortened to the remaining capacity. It returns the number
// of bytes written including padding, or 0 if data is empty or there is no room.
func (p *Payload) WriteBytes(data []byte, length int) int {
	if len(data) == 0 {
		return 0
	}
	n := p.writable(length)
	if n <= 0 {
		return 0
	}
	m := copy(p.buf[p.index:p.index+n], data)
	for i := p.index + m; i < p.index+n; i++ {
		p.buf[i] = 0
	}
	p.advance(n)
	return n
}

// WriteString writes s into a field of length bytes. A NUL terminator follows the text only
// when the text is shorter than the field; the terminator is counted in the result.
func (p *Payload) WriteString(s string, length int) int {
	n := p.writable(length)
	if n <= 0 {
		return 0
	}
	m := copy(p.buf[p.index:p.index+n], s)
	if m < n {
		p.buf[p.index+m] = 0
		m++
	}
	p.advance(m)
	return m
}

// WriteGeoPoint encodes gp into a field of the given width using the same tiering as
// ReadGeoPoint. It returns 6 or 8, or 0 when the format's bytes do not fit.
func (p *Payload) WriteGeoPoint(gp geo.Point, length int) int {
	n := p.writable(length)
	tier := geo.TierLength(length)
	if n < geo.ReducedLength || n < tier {
		return 0
	}
	geo.Encode(gp, p.buf[p.index:p.index+tier], tier)
	p.advance(tier)
	return tier
}

// String renders the meaningful bytes as hex.
func (p *Payload) String() string {
	return hex.EncodeToString(p.buf[:p.size])
}

func (p *Payload) MarshalObject(e *log.Entry) {
	e.Int("size", p.size).Int("index", p.index).Hex("data", p.buf[:p.size])
}
