package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"nuha.dev/dmtp/internal/device"
	"nuha.dev/dmtp/internal/event"
	"nuha.dev/dmtp/internal/nak"
)

type countStore struct {
	code  nak.Code
	count int
}

func (s *countStore) SaveEvent(ctx context.Context, dev *device.Device, ev *event.Event) nak.Code {
	s.count++
	return s.code
}

func TestFanout(t *testing.T) {
	primary, mirror := &countStore{}, &countStore{code: nak.EventError}
	f := NewFanout(primary, mirror)
	dev := &device.Device{Account: "a", Name: "b"}

	assert.Equal(t, nak.OK, f.SaveEvent(context.Background(), dev, &event.Event{}))
	assert.Equal(t, 1, mirror.count)

	primary.code = nak.DuplicateEvent
	assert.Equal(t, nak.DuplicateEvent, f.SaveEvent(context.Background(), dev, &event.Event{}))
	assert.Equal(t, 2, primary.count)
	assert.Equal(t, 1, mirror.count)
}

func TestFanoutWithoutPrimary(t *testing.T) {
	mirror := &countStore{}
	f := NewFanout(nil, mirror)
	assert.Equal(t, nak.OK, f.SaveEvent(context.Background(), &device.Device{}, &event.Event{}))
	assert.Equal(t, 1, mirror.count)
}
