package dmtp

import (
	"math"
	"time"

	"nuha.dev/dmtp/internal/event"
	"nuha.dev/dmtp/internal/geo"
	"nuha.dev/dmtp/internal/nak"
	"nuha.dev/dmtp/internal/packet"
	"nuha.dev/dmtp/internal/payload"
)

const (
	standardEventLen = 20
	highResEventLen  = 25
)

// IsEventType reports whether typ carries a fixed-format event.
func IsEventType(typ byte) bool {
	return typ == ClientStandardEvent || typ == ClientHighResEvent
}

// DecodeEvent decodes a 0x30 or 0x31 client packet.
func DecodeEvent(p *packet.Packet, received time.Time) (*event.Event, error) {
	need := standardEventLen
	if p.Type == ClientHighResEvent {
		need = highResEventLen
	} else if p.Type != ClientStandardEvent {
		return nil, &packet.ParseError{Code: nak.PacketType, Type: p.Type, Msg: "not an event packet"}
	}
	if len(p.Payload) < need {
		return nil, &packet.ParseError{Code: nak.PacketLength, Type: p.Type, Msg: "short event payload"}
	}
	r := p.Reader()
	ev := &event.Event{Type: event.Type(p.Type), Received: received, Raw: p.Payload}
	ev.Status = uint16(r.ReadUint(2, 0))
	ev.Timestamp = time.Unix(int64(r.ReadUint(4, 0)), 0).UTC()
	if p.Type == ClientStandardEvent {
		ev.Point = r.ReadGeoPoint(geo.ReducedLength)
		ev.Speed = float64(r.ReadUint(1, 0))
		ev.Heading = float64(r.ReadUint(1, 0)) * 360.0 / 256.0
		ev.Altitude = float64(r.ReadInt(2, 0))
		ev.Odometer = float64(r.ReadUint(3, 0))
	} else {
		ev.Point = r.ReadGeoPoint(geo.FullLength)
		ev.Speed = float64(r.ReadUint(2, 0)) / 10.0
		ev.Heading = float64(r.ReadUint(2, 0)) / 100.0
		ev.Altitude = float64(r.ReadInt(3, 0)) / 10.0
		ev.Odometer = float64(r.ReadUint(3, 0)) / 10.0
	}
	ev.Sequence = uint32(r.ReadUint(1, 0))
	ev.SeqLen = 1
	return ev, nil
}

// EncodeEvent builds the client packet for ev. Type selects the layout.
func EncodeEvent(ev *event.Event) *packet.Packet {
	typ := byte(ev.Type)
	if typ != ClientHighResEvent {
		typ = ClientStandardEvent
	}
	w := payload.NewSize(highResEventLen)
	w.WriteUint(uint64(ev.Status), 2)
	w.WriteUint(uint64(ev.Timestamp.Unix()), 4)
	if typ == ClientStandardEvent {
		w.WriteGeoPoint(ev.Point, geo.ReducedLength)
		w.WriteUint(uint64(math.Round(ev.Speed)), 1)
		w.WriteUint(uint64(math.Round(ev.Heading*256.0/360.0))&0xFF, 1)
		w.WriteInt(int64(math.Round(ev.Altitude)), 2)
		w.WriteUint(uint64(math.Round(ev.Odometer)), 3)
	} else {
		w.WriteGeoPoint(ev.Point, geo.FullLength)
		w.WriteUint(uint64(math.Round(ev.Speed*10)), 2)
		w.WriteUint(uint64(math.Round(ev.Heading*100)), 2)
		w.WriteInt(int64(math.Round(ev.Altitude*10)), 3)
		w.WriteUint(uint64(math.Round(ev.Odometer*10)), 3)
	}
	w.WriteUint(uint64(ev.Sequence), 1)
	return packet.New(typ, w)
}
