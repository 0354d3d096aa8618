package dmtp

import (
	"nuha.dev/dmtp/internal/packet"
	"nuha.dev/dmtp/internal/payload"
)

// Client side packet builders, used by tools that replay or simulate devices.

func AccountIDPacket(account string) *packet.Packet {
	p := payload.NewSize(idLen)
	p.WriteString(account, idLen)
	return packet.New(ClientAccountID, p)
}

func DeviceIDPacket(name string) *packet.Packet {
	p := payload.NewSize(idLen)
	p.WriteString(name, idLen)
	return packet.New(ClientDeviceID, p)
}

func UniqueIDPacket(uid uint64) *packet.Packet {
	p := payload.NewSize(uniqueIDLen)
	p.WriteUint(uid, uniqueIDLen)
	return packet.New(ClientUniqueID, p)
}

// EOBPacket ends a block. done asks the server to close the session after acknowledging.
func EOBPacket(done bool) *packet.Packet {
	if done {
		return packet.New(ClientEOBDone, nil)
	}
	return packet.New(ClientEOBMore, nil)
}
