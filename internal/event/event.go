package event

import (
	"time"

	"github.com/phuslu/log"
	"nuha.dev/dmtp/internal/geo"
)

// Type is the client packet type the event was decoded from.
type Type byte

const (
	StandardFixed Type = 0x30
	HighResFixed  Type = 0x31
)

// Event is one decoded fixed-format device event. Speed is in km/h, heading in degrees,
// altitude in meters and odometer in kilometers.
type Event struct {
	Type      Type
	Status    uint16
	Timestamp time.Time
	Point     geo.Point
	Speed     float64
	Heading   float64
	Altitude  float64
	Odometer  float64
	Sequence  uint32
	SeqLen    int
	Received  time.Time
	Raw       []byte
}

func (e *Event) MarshalObject(entry *log.Entry) {
	entry.Uint8("type", uint8(e.Type)).
		Uint16("status", e.Status).
		Time("timestamp", e.Timestamp).
		Float64("lat", e.Point.Latitude()).
		Float64("lon", e.Point.Longitude()).
		Bool("valid", e.Point.IsValid()).
		Float64("speed", e.Speed).
		Float64("heading", e.Heading).
		Float64("altitude", e.Altitude).
		Float64("odometer", e.Odometer).
		Uint32("seq", e.Sequence)
}
