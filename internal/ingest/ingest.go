// Package ingest imports events from a file of concatenated binary packets, as written by
// devices that buffer offline.
package ingest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"nuha.dev/dmtp/internal/device"
	"nuha.dev/dmtp/internal/dmtp"
	"nuha.dev/dmtp/internal/event"
	"nuha.dev/dmtp/internal/nak"
	"nuha.dev/dmtp/internal/packet"
	"nuha.dev/dmtp/internal/store"
)

type Result struct {
	Packets     int
	Events      int
	Saved       int
	ParseErrors int
	Rejected    int
	// Offset is where processing stopped. It is below the data length only when an invalid
	// header was found.
	Offset int
}

const maxRetry = 20

type Importer struct {
	dir       device.Directory
	store     store.EventStore
	logger    zerolog.Logger
	now       func() time.Time
	retryWait time.Duration
}

func NewImporter(dir device.Directory, st store.EventStore, logger zerolog.Logger) *Importer {
	return &Importer{dir: dir, store: st, logger: logger, now: time.Now, retryWait: 100 * time.Millisecond}
}

// File imports the packet file at path for account/name.
func (im *Importer) File(ctx context.Context, path, account, name string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read packet file: %w", err)
	}
	return im.Import(ctx, data, account, name)
}

// Import resolves the device, then saves every event packet in data. The device must already
// be registered; devices that are not allowed to connect can still be imported.
func (im *Importer) Import(ctx context.Context, data []byte, account, name string) (*Result, error) {
	dev, err := im.dir.Find(ctx, account, name)
	if err != nil {
		return nil, fmt.Errorf("unable to load device %s/%s: %w", account, name, err)
	}
	log := im.logger.With().Str("device", dev.Key()).Logger()

	res := &Result{}
	for res.Offset < len(data) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n := packet.Length(data, res.Offset)
		if n < 0 {
			log.Error().Int("offset", res.Offset).Msg("found invalid packet")
			break
		}
		pkt := data[res.Offset : res.Offset+n]
		res.Offset += n
		res.Packets++

		p, err := packet.Parse(pkt)
		if err != nil {
			res.ParseErrors++
			log.Error().Err(err).Msg("unable to parse packet")
			continue
		}
		if !dmtp.IsEventType(p.Type) {
			continue
		}
		ev, err := dmtp.DecodeEvent(p, im.now())
		if err != nil {
			res.ParseErrors++
			log.Error().Err(err).Msg("unable to parse packet")
			continue
		}
		res.Events++
		if code := im.save(ctx, dev, ev); code != nak.OK {
			res.Rejected++
			log.Error().Str("status", code.String()).Msg("event insertion error")
			continue
		}
		res.Saved++
		log.Debug().Time("timestamp", ev.Timestamp).Uint32("seq", ev.Sequence).Msg("saved event")
	}
	return res, nil
}

// save retries while the store reports a saturated buffer.
func (im *Importer) save(ctx context.Context, dev *device.Device, ev *event.Event) nak.Code {
	for i := 0; ; i++ {
		code := im.store.SaveEvent(ctx, dev, ev)
		if code != nak.ExcessiveEvents || i == maxRetry {
			return code
		}
		select {
		case <-ctx.Done():
			return code
		case <-time.After(im.retryWait):
		}
	}
}
