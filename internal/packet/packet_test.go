package packet

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/dmtp/internal/nak"
	"nuha.dev/dmtp/internal/payload"
)

func TestLength(t *testing.T) {
	b := []byte{0xE0, 0x30, 0x02, 0xAA, 0xBB, 0xE0, 0x00, 0x00}
	assert.Equal(t, 5, Length(b, 0))
	assert.Equal(t, 3, Length(b, 5))
	assert.Equal(t, -1, Length(b, 8))
	assert.Equal(t, -1, Length(b, 1))
	assert.Equal(t, -1, Length([]byte{0xE0, 0x30, 0x05, 0x01}, 0))
}

func TestBinaryRoundTrip(t *testing.T) {
	p := payload.NewSize(8)
	p.WriteUint(0x1234, 2)
	p.WriteString("ab", 3)
	pkt := New(0x12, p)

	b := pkt.Encode()
	assert.Equal(t, []byte{0xE0, 0x12, 0x05, 0x12, 0x34, 'a', 'b', 0x00}, b)

	got, err := Parse(b)
	require.NoError(t, err)
	if diff := cmp.Diff(pkt, got); diff != "" {
		t.Errorf("packet mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(0x1234), got.Reader().ReadInt(2, -1))
}

func TestParseBinaryErrors(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		code nak.Code
	}{
		{"short", []byte{0xE0, 0x30}, nak.PacketLength},
		{"header", []byte{0xE1, 0x30, 0x00}, nak.PacketHeader},
		{"length", []byte{0xE0, 0x30, 0x03, 0x01}, nak.PacketLength},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse(c.in)
			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, c.code, pe.Code)
		})
	}
}

func TestTextRoundTrip(t *testing.T) {
	pkt := &Packet{Type: 0x30, Payload: []byte{0x01, 0xAB, 0xFF}, Text: true}
	b := pkt.EncodeText()
	assert.Equal(t, byte('$'), b[0])
	assert.Equal(t, byte('\r'), b[len(b)-1])

	got, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, pkt, got)
}

func TestParseTextForms(t *testing.T) {
	got, err := Parse([]byte("$E000\n"))
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), got.Type)
	assert.Empty(t, got.Payload)

	got, err = Parse([]byte("$E012:6162\r"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), got.Payload)

	got, err = Parse([]byte("$E012=YWJj\r"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.Payload)

	got, err = Parse([]byte("$E012=YWI=\r"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), got.Payload)
}

func TestParseTextErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
		code nak.Code
	}{
		{"short", "$E0\r", nak.PacketLength},
		{"short after checksum", "$E0*75\r", nak.PacketLength},
		{"header", "$F012:00\r", nak.PacketHeader},
		{"checksum", "$E000*00\r", nak.PacketChecksum},
		{"checksum format", "$E000*Z\r", nak.PacketChecksum},
		{"encoding", "$E000#00\r", nak.PacketPayload},
		{"hex", "$E000:0G\r", nak.PacketPayload},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.in))
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "got %v", err)
			assert.Equal(t, c.code, pe.Code)
		})
	}
}

func TestEncodeTruncatesLongPayload(t *testing.T) {
	pkt := &Packet{Type: 0x30, Payload: make([]byte, 300)}
	b := pkt.Encode()
	assert.Len(t, b, MaxLength)
	assert.Equal(t, byte(255), b[2])
}
