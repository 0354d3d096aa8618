package store

import (
	"context"

	"github.com/phuslu/log"
	"nuha.dev/dmtp/internal/device"
	"nuha.dev/dmtp/internal/event"
	"nuha.dev/dmtp/internal/nak"
)

// EventStore persists one event. The returned status is reported to the device: OK acknowledges
// the event, anything else is sent back as a NAK.
type EventStore interface {
	SaveEvent(ctx context.Context, dev *device.Device, ev *event.Event) nak.Code
}

// Fanout saves to Primary and copies accepted events to every mirror. Mirror failures are
// logged and never reach the device.
type Fanout struct {
	Primary EventStore
	Mirrors []EventStore
	log     log.Logger
}

func NewFanout(primary EventStore, mirrors ...EventStore) *Fanout {
	f := &Fanout{Primary: primary, Mirrors: mirrors}
	f.log = log.DefaultLogger
	f.log.Context = log.NewContext(nil).Str("module", "store-fanout").Value()
	return f
}

func (f *Fanout) SaveEvent(ctx context.Context, dev *device.Device, ev *event.Event) nak.Code {
	code := nak.OK
	if f.Primary != nil {
		code = f.Primary.SaveEvent(ctx, dev, ev)
	}
	if code != nak.OK {
		return code
	}
	for _, m := range f.Mirrors {
		if c := m.SaveEvent(ctx, dev, ev); c != nak.OK {
			f.log.Warn().EmbedObject(dev).Str("status", c.String()).Msg("mirror store rejected event")
		}
	}
	return code
}
