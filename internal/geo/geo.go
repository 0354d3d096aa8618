package geo

import (
	"math"
	"strconv"

	"github.com/phuslu/log"
)

const (
	ReducedLength = 6
	FullLength    = 8
)

const (
	pow24 float64 = 16777216.0
	pow32 float64 = 4294967296.0
)

// Point is a latitude/longitude pair. The zero value is the invalid point.
type Point struct {
	lat   float64
	lon   float64
	valid bool
}

func NewPoint(lat, lon float64) Point {
	return Point{lat: lat, lon: lon, valid: true}
}

// Invalid returns the sentinel produced when too few bytes are available to decode a point.
func Invalid() Point {
	return Point{}
}

func (p Point) Latitude() float64 {
	return p.lat
}

func (p Point) Longitude() float64 {
	return p.lon
}

func (p Point) IsValid() bool {
	return p.valid
}

func (p Point) String() string {
	if !p.valid {
		return "invalid"
	}
	return strconv.FormatFloat(p.lat, 'f', 5, 64) + "/" + strconv.FormatFloat(p.lon, 'f', 5, 64)
}

func (p *Point) MarshalObject(e *log.Entry) {
	e.Bool("valid", p.valid).Float64("lat", p.lat).Float64("lon", p.lon)
}

// TierLength returns the number of bytes a point occupies in a field of the given width:
// 0 below 6, 6 for widths 6-7 and 8 from 8 upward.
func TierLength(width int) int {
	switch {
	case width < ReducedLength:
		return 0
	case width < FullLength:
		return ReducedLength
	default:
		return FullLength
	}
}

// Decode reads a point from b using the tier selected by width.
func Decode(b []byte, width int) Point {
	tier := TierLength(width)
	if tier == 0 || len(b) < tier {
		return Invalid()
	}
	if tier == ReducedLength {
		rawLat := uint64(b[0])<<16 | uint64(b[1])<<8 | uint64(b[2])
		rawLon := uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
		return NewPoint(decodeLat(rawLat, pow24), decodeLon(rawLon, pow24))
	}
	rawLat := uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3])
	rawLon := uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
	return NewPoint(decodeLat(rawLat, pow32), decodeLon(rawLon, pow32))
}

// Encode writes p into b using the tier selected by width and returns the number of bytes
// written, 0 when b cannot hold the tier.
func Encode(p Point, b []byte, width int) int {
	tier := TierLength(width)
	if tier == 0 || len(b) < tier {
		return 0
	}
	if tier == ReducedLength {
		rawLat := encodeLat(p.lat, pow24)
		rawLon := encodeLon(p.lon, pow24)
		b[0], b[1], b[2] = byte(rawLat>>16), byte(rawLat>>8), byte(rawLat)
		b[3], b[4], b[5] = byte(rawLon>>16), byte(rawLon>>8), byte(rawLon)
		return ReducedLength
	}
	rawLat := encodeLat(p.lat, pow32)
	rawLon := encodeLon(p.lon, pow32)
	b[0], b[1], b[2], b[3] = byte(rawLat>>24), byte(rawLat>>16), byte(rawLat>>8), byte(rawLat)
	b[4], b[5], b[6], b[7] = byte(rawLon>>24), byte(rawLon>>16), byte(rawLon>>8), byte(rawLon)
	return FullLength
}

func decodeLat(raw uint64, scale float64) float64 {
	if raw == 0 {
		return 0
	}
	return float64(raw)*(-180.0/scale) + 90.0
}

func decodeLon(raw uint64, scale float64) float64 {
	if raw == 0 {
		return 0
	}
	return float64(raw)*(360.0/scale) - 180.0
}

func encodeLat(lat float64, scale float64) uint64 {
	if lat == 0 {
		return 0
	}
	return clampRaw(math.Round((lat-90.0)*(scale/-180.0)), scale)
}

func encodeLon(lon float64, scale float64) uint64 {
	if lon == 0 {
		return 0
	}
	return clampRaw(math.Round((lon+180.0)*(scale/360.0)), scale)
}

func clampRaw(v float64, scale float64) uint64 {
	if v < 0 {
		return 0
	}
	if v > scale-1 {
		return uint64(scale - 1)
	}
	return uint64(v)
}
