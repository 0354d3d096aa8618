package ingest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/dmtp/internal/device"
	"nuha.dev/dmtp/internal/dmtp"
	"nuha.dev/dmtp/internal/event"
	"nuha.dev/dmtp/internal/geo"
	"nuha.dev/dmtp/internal/nak"
)

type seqStore struct {
	reject map[uint32]nak.Code
	busy   int
	saved  []uint32
}

func (s *seqStore) SaveEvent(ctx context.Context, dev *device.Device, ev *event.Event) nak.Code {
	if s.busy > 0 {
		s.busy--
		return nak.ExcessiveEvents
	}
	if code, ok := s.reject[ev.Sequence]; ok {
		return code
	}
	s.saved = append(s.saved, ev.Sequence)
	return nak.OK
}

func evPacket(seq uint32) []byte {
	return dmtp.EncodeEvent(&event.Event{
		Type:      event.StandardFixed,
		Status:    0xF020,
		Timestamp: time.Unix(1600000000+int64(seq), 0),
		Point:     geo.NewPoint(-6.2, 106.8),
		Speed:     30,
		Sequence:  seq,
	}).Encode()
}

func newImporter(st *seqStore) *Importer {
	dir := device.NewStatic(
		&device.Device{ID: 1, Account: "acme", Name: "truck", Config: device.Config{AllowConnect: true, Store: true}},
		&device.Device{ID: 2, Account: "acme", Name: "parked"},
	)
	return NewImporter(dir, st, zerolog.Nop())
}

func TestImport(t *testing.T) {
	var data bytes.Buffer
	data.Write(dmtp.AccountIDPacket("acme").Encode())
	data.Write(evPacket(1))
	data.Write([]byte{0xE0, 0x30, 0x02, 0x00, 0x01})
	data.Write(evPacket(2))
	data.Write(evPacket(3))
	data.Write(dmtp.EOBPacket(true).Encode())
	data.Write(evPacket(4))

	st := &seqStore{reject: map[uint32]nak.Code{3: nak.DuplicateEvent}}
	res, err := newImporter(st).Import(context.Background(), data.Bytes(), "acme", "truck")
	require.NoError(t, err)

	assert.Equal(t, []uint32{1, 2, 4}, st.saved)
	assert.Equal(t, &Result{Packets: 7, Events: 4, Saved: 3, ParseErrors: 1, Rejected: 1, Offset: data.Len()}, res)
}

func TestImportStopsAtInvalidHeader(t *testing.T) {
	var data bytes.Buffer
	data.Write(evPacket(1))
	stop := data.Len()
	data.Write([]byte{0x00, 0x30, 0x00})
	data.Write(evPacket(2))

	st := &seqStore{}
	res, err := newImporter(st).Import(context.Background(), data.Bytes(), "acme", "truck")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, st.saved)
	assert.Equal(t, stop, res.Offset)
	assert.Equal(t, 1, res.Packets)
}

func TestImportTruncatedTail(t *testing.T) {
	full := evPacket(1)
	data := append(append([]byte{}, full...), full[:10]...)

	st := &seqStore{}
	res, err := newImporter(st).Import(context.Background(), data, "acme", "truck")
	require.NoError(t, err)
	assert.Equal(t, len(full), res.Offset)
	assert.Equal(t, 1, res.Saved)
}

func TestImportDevice(t *testing.T) {
	st := &seqStore{}
	im := newImporter(st)

	_, err := im.Import(context.Background(), evPacket(1), "acme", "ghost")
	assert.ErrorIs(t, err, device.ErrUnknownDevice)

	res, err := im.Import(context.Background(), evPacket(1), "acme", "parked")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saved)
}

// autoDir registers unknown devices on Lookup.
type autoDir struct {
	*device.Static
	registered int
}

func (d *autoDir) Lookup(ctx context.Context, account, name string) (*device.Device, error) {
	dev, err := d.Static.Lookup(ctx, account, name)
	if errors.Is(err, device.ErrUnknownDevice) {
		d.registered++
		dev = &device.Device{ID: 99, Account: account, Name: name}
		d.Add(dev)
		return dev, device.ErrNotAllowed
	}
	return dev, err
}

func TestImportUnknownDeviceNotRegistered(t *testing.T) {
	st := &seqStore{}
	dir := &autoDir{Static: device.NewStatic()}
	im := NewImporter(dir, st, zerolog.Nop())

	_, err := im.Import(context.Background(), evPacket(1), "typo", "x")
	assert.ErrorIs(t, err, device.ErrUnknownDevice)
	assert.Zero(t, dir.registered)
	_, err = dir.Find(context.Background(), "typo", "x")
	assert.ErrorIs(t, err, device.ErrUnknownDevice)
}

func TestImportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.bin")
	require.NoError(t, os.WriteFile(path, append(evPacket(1), evPacket(2)...), 0o600))

	st := &seqStore{}
	res, err := newImporter(st).File(context.Background(), path, "acme", "truck")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Saved)

	_, err = newImporter(st).File(context.Background(), filepath.Join(t.TempDir(), "missing"), "acme", "truck")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestImportRetriesSaturatedStore(t *testing.T) {
	st := &seqStore{busy: 3}
	im := newImporter(st)
	im.retryWait = time.Millisecond
	res, err := im.Import(context.Background(), append(evPacket(1), evPacket(2)...), "acme", "truck")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Saved)
	assert.Equal(t, []uint32{1, 2}, st.saved)

	st = &seqStore{busy: maxRetry + 5}
	im = newImporter(st)
	im.retryWait = time.Millisecond
	res, err = im.Import(context.Background(), append(evPacket(1), evPacket(2)...), "acme", "truck")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, []uint32{2}, st.saved)
}
