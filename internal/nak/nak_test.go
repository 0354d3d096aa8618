package nak

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribe(t *testing.T) {
	assert.Equal(t, "OK", OK.String())
	assert.Equal(t, "Invalid packet checksum", Describe(PacketChecksum))
	assert.Equal(t, "Unknown NAK [0xF999]", Code(0xF999).String())
}

func TestFatal(t *testing.T) {
	for _, c := range []Code{IDInvalid, AccountInvalid, DeviceInvalid, AccountDenied, ExcessiveEvents} {
		assert.True(t, c.Fatal(), c.String())
	}
	for _, c := range []Code{OK, PacketHeader, PacketType, PacketLength, PacketPayload, PacketChecksum, DuplicateEvent, EventError, ProtocolError} {
		assert.False(t, c.Fatal(), c.String())
	}
}
