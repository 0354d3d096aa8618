package packet

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"

	"nuha.dev/dmtp/internal/nak"
	"nuha.dev/dmtp/internal/payload"
)

const (
	hexSep      byte = ':'
	base64Sep   byte = '='
	checksumSep byte = '*'
)

func checksum(b []byte) byte {
	var c byte
	for _, x := range b {
		c ^= x
	}
	return c
}

func parseText(b []byte) (*Packet, error) {
	line := bytes.TrimRight(b, "\r\n")
	if len(line) < 5 {
		return nil, newParseError(nak.PacketLength, 0, "short text packet %q", line)
	}
	body := line[1:]
	if i := bytes.IndexByte(body, checksumSep); i >= 0 {
		want, err := strconv.ParseUint(string(body[i+1:]), 16, 8)
		if err != nil || len(body)-i-1 != 2 {
			return nil, newParseError(nak.PacketChecksum, 0, "malformed checksum %q", body[i+1:])
		}
		body = body[:i]
		if got := checksum(body); got != byte(want) {
			return nil, newParseError(nak.PacketChecksum, 0, "checksum %02X, computed %02X", want, got)
		}
	}
	if len(body) < 4 {
		return nil, newParseError(nak.PacketLength, 0, "short text packet %q", line)
	}
	hdr, err := hex.DecodeString(string(body[:4]))
	if err != nil || hdr[0] != HeaderByte {
		return nil, newParseError(nak.PacketHeader, 0, "bad text header %q", body[:4])
	}
	typ := hdr[1]
	pkt := &Packet{Type: typ, Text: true, Payload: []byte{}}
	rest := body[4:]
	if len(rest) == 0 {
		return pkt, nil
	}
	switch rest[0] {
	case hexSep:
		pkt.Payload, err = hex.DecodeString(string(rest[1:]))
	case base64Sep:
		pkt.Payload, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(string(rest[1:]), "="))
	default:
		return nil, newParseError(nak.PacketPayload, typ, "unknown payload encoding %q", rest[0])
	}
	if err != nil {
		return nil, newParseError(nak.PacketPayload, typ, "payload: %v", err)
	}
	if len(pkt.Payload) > payload.MaxPayloadLength {
		return nil, newParseError(nak.PacketLength, typ, "payload of %d bytes", len(pkt.Payload))
	}
	return pkt, nil
}

// EncodeText renders the text form with a hex payload, a checksum and a CR terminator.
func (p *Packet) EncodeText() []byte {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{HeaderByte, p.Type})))
	if len(p.Payload) > 0 {
		sb.WriteByte(hexSep)
		sb.WriteString(strings.ToUpper(hex.EncodeToString(p.Payload)))
	}
	body := sb.String()
	cs := checksum([]byte(body))
	out := make([]byte, 0, len(body)+5)
	out = append(out, TextStart)
	out = append(out, body...)
	out = append(out, checksumSep)
	out = append(out, strings.ToUpper(hex.EncodeToString([]byte{cs}))...)
	out = append(out, '\r')
	return out
}
