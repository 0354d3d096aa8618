// Package packet is the outer framing layer. It delimits one packet, checks its header, length
// and checksum, and hands the payload bytes to the protocol.
//
// Binary packets are 0xE0, type, length, then length payload bytes. Text packets are one line:
// $E0TT, an optional ':' hex or '=' base64 payload and an optional *CC checksum.
package packet

import (
	"encoding/hex"
	"fmt"

	"github.com/phuslu/log"
	"nuha.dev/dmtp/internal/nak"
	"nuha.dev/dmtp/internal/payload"
)

const (
	HeaderByte   byte = 0xE0
	HeaderLength      = 3
	TextStart    byte = '$'
)

// MaxLength is the size of the largest binary packet.
const MaxLength = HeaderLength + payload.MaxPayloadLength

// ParseError reports a packet that is not structurally valid. The session that received it
// may continue.
type ParseError struct {
	Code nak.Code
	Type byte
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("packet %02X: %s: %s", e.Type, e.Code, e.Msg)
}

func newParseError(code nak.Code, typ byte, format string, args ...interface{}) *ParseError {
	return &ParseError{Code: code, Type: typ, Msg: fmt.Sprintf(format, args...)}
}

type Packet struct {
	Type    byte
	Payload []byte
	Text    bool
}

// New builds a packet from the bytes written to p.
func New(typ byte, p *payload.Payload) *Packet {
	pkt := &Packet{Type: typ}
	if p != nil {
		pkt.Payload = p.Bytes()
	}
	return pkt
}

// Reader returns a source payload over the packet payload.
func (p *Packet) Reader() *payload.Payload {
	return payload.Wrap(p.Payload)
}

func (p *Packet) MarshalObject(e *log.Entry) {
	e.Str("type", hex.EncodeToString([]byte{p.Type})).Bool("text", p.Text).Hex("payload", p.Payload)
}

// Length returns the total length of the binary packet starting at b[ofs], or -1 when there
// is no valid header there or the packet is truncated.
func Length(b []byte, ofs int) int {
	if ofs < 0 || ofs+HeaderLength > len(b) {
		return -1
	}
	if b[ofs] != HeaderByte {
		return -1
	}
	l := HeaderLength + int(b[ofs+2])
	if ofs+l > len(b) {
		return -1
	}
	return l
}

// Parse decodes one complete binary or text packet.
func Parse(b []byte) (*Packet, error) {
	if len(b) > 0 && b[0] == TextStart {
		return parseText(b)
	}
	return parseBinary(b)
}

func parseBinary(b []byte) (*Packet, error) {
	if len(b) < HeaderLength {
		return nil, newParseError(nak.PacketLength, 0, "short header, %d bytes", len(b))
	}
	if b[0] != HeaderByte {
		return nil, newParseError(nak.PacketHeader, b[1], "bad header byte %02X", b[0])
	}
	typ := b[1]
	l := int(b[2])
	if len(b) != HeaderLength+l {
		return nil, newParseError(nak.PacketLength, typ, "length field %d, have %d payload bytes", l, len(b)-HeaderLength)
	}
	pl := make([]byte, l)
	copy(pl, b[HeaderLength:])
	return &Packet{Type: typ, Payload: pl}, nil
}

// Encode renders the binary form. Payloads over 255 bytes are truncated.
func (p *Packet) Encode() []byte {
	pl := p.Payload
	if len(pl) > payload.MaxPayloadLength {
		pl = pl[:payload.MaxPayloadLength]
	}
	b := make([]byte, HeaderLength+len(pl))
	b[0] = HeaderByte
	b[1] = p.Type
	b[2] = byte(len(pl))
	copy(b[HeaderLength:], pl)
	return b
}

// Encoded renders the packet in the form the session uses.
func (p *Packet) Encoded(text bool) []byte {
	if text {
		return p.EncodeText()
	}
	return p.Encode()
}
