// Package nak holds the server status codes: the result of saving an event and the reason
// carried in a NAK packet. They are not command results, see cmderr for those.
package nak

import "fmt"

type Code uint16

const (
	OK Code = 0x0000

	IDInvalid      Code = 0xF011
	AccountInvalid Code = 0xF012
	DeviceInvalid  Code = 0xF013
	AccountDenied  Code = 0xF014

	PacketHeader   Code = 0xF111
	PacketType     Code = 0xF112
	PacketLength   Code = 0xF113
	PacketPayload  Code = 0xF114
	PacketChecksum Code = 0xF115

	ExcessiveEvents Code = 0xF311
	DuplicateEvent  Code = 0xF312
	EventError      Code = 0xF321

	ProtocolError Code = 0xF911
)

var descriptions = map[Code]string{
	OK:              "OK",
	IDInvalid:       "Identification missing or invalid",
	AccountInvalid:  "Invalid account",
	DeviceInvalid:   "Invalid device",
	AccountDenied:   "Device not allowed to connect",
	PacketHeader:    "Invalid packet header",
	PacketType:      "Unsupported packet type",
	PacketLength:    "Invalid packet length",
	PacketPayload:   "Invalid packet payload",
	PacketChecksum:  "Invalid packet checksum",
	ExcessiveEvents: "Excessive events",
	DuplicateEvent:  "Duplicate event",
	EventError:      "Event storage error",
	ProtocolError:   "Protocol error",
}

func Describe(code Code) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return fmt.Sprintf("Unknown NAK [0x%04X]", uint16(code))
}

func (c Code) String() string {
	return Describe(c)
}

// Fatal reports whether the session cannot continue after c.
func (c Code) Fatal() bool {
	switch c {
	case IDInvalid, AccountInvalid, DeviceInvalid, AccountDenied, ExcessiveEvents:
		return true
	}
	return false
}
