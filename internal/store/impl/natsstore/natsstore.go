// Package natsstore publishes accepted events on NATS so downstream consumers can process them
// without touching the database. Subjects are dmtp.event.<account>.<device>.
package natsstore

import (
	"context"
	"strings"
	"time"

	"github.com/phuslu/log"
	"github.com/vmihailenco/msgpack/v5"
	"nuha.dev/dmtp/internal/device"
	"nuha.dev/dmtp/internal/event"
	"nuha.dev/dmtp/internal/nak"
)

const SubjectPrefix = "dmtp.event."

type publisher interface {
	Publish(subj string, data []byte) error
}

// Message is the msgpack body of a published event.
type Message struct {
	DeviceID  uint64    `msgpack:"did"`
	Account   string    `msgpack:"account"`
	Device    string    `msgpack:"device"`
	Type      uint8     `msgpack:"type"`
	Status    uint16    `msgpack:"status"`
	Timestamp time.Time `msgpack:"ts"`
	Received  time.Time `msgpack:"rts"`
	Valid     bool      `msgpack:"valid"`
	Latitude  float64   `msgpack:"lat"`
	Longitude float64   `msgpack:"lon"`
	Speed     float64   `msgpack:"speed"`
	Heading   float64   `msgpack:"heading"`
	Altitude  float64   `msgpack:"alt"`
	Odometer  float64   `msgpack:"odo"`
	Sequence  uint32    `msgpack:"seq"`
}

type Store struct {
	nc  publisher
	log log.Logger
}

// NewStore accepts a *nats.Conn.
func NewStore(nc publisher) *Store {
	s := &Store{nc: nc}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "natsstore").Value()
	return s
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

func Subject(dev *device.Device) string {
	return SubjectPrefix + tokenReplacer.Replace(dev.Account) + "." + tokenReplacer.Replace(dev.Name)
}

func NewMessage(dev *device.Device, ev *event.Event) *Message {
	return &Message{
		DeviceID:  dev.ID,
		Account:   dev.Account,
		Device:    dev.Name,
		Type:      uint8(ev.Type),
		Status:    ev.Status,
		Timestamp: ev.Timestamp,
		Received:  ev.Received,
		Valid:     ev.Point.IsValid(),
		Latitude:  ev.Point.Latitude(),
		Longitude: ev.Point.Longitude(),
		Speed:     ev.Speed,
		Heading:   ev.Heading,
		Altitude:  ev.Altitude,
		Odometer:  ev.Odometer,
		Sequence:  ev.Sequence,
	}
}

func (s *Store) SaveEvent(ctx context.Context, dev *device.Device, ev *event.Event) nak.Code {
	data, err := msgpack.Marshal(NewMessage(dev, ev))
	if err != nil {
		s.log.Error().Err(err).EmbedObject(dev).Msg("error encoding event")
		return nak.EventError
	}
	if err := s.nc.Publish(Subject(dev), data); err != nil {
		s.log.Error().Err(err).EmbedObject(dev).Msg("error publishing event")
		return nak.EventError
	}
	return nak.OK
}
