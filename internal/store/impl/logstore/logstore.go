package logstore

import (
	"context"

	"github.com/phuslu/log"
	"nuha.dev/dmtp/internal/device"
	"nuha.dev/dmtp/internal/event"
	"nuha.dev/dmtp/internal/nak"
)

// LogStore writes every event to the log and accepts it.
type LogStore struct {
	log log.Logger
}

func NewStore(logger log.Logger) *LogStore {
	l := &LogStore{log: logger}
	l.log.Context = log.NewContext(nil).Str("module", "logstore").Value()
	return l
}

func (l *LogStore) SaveEvent(ctx context.Context, dev *device.Device, ev *event.Event) nak.Code {
	l.log.Info().EmbedObject(dev).Object("event", ev).Msg("")
	return nak.OK
}
