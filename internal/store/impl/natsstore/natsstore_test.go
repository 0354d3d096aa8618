package natsstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"nuha.dev/dmtp/internal/device"
	"nuha.dev/dmtp/internal/event"
	"nuha.dev/dmtp/internal/geo"
	"nuha.dev/dmtp/internal/nak"
)

type fakeConn struct {
	err     error
	subject string
	data    []byte
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	c.subject = subj
	c.data = data
	return c.err
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "dmtp.event.acme.truck_1", Subject(&device.Device{Account: "acme", Name: "truck.1"}))
	assert.Equal(t, "dmtp.event.a_b.c__", Subject(&device.Device{Account: "a b", Name: "c*>"}))
}

func TestSaveEventPublishes(t *testing.T) {
	nc := &fakeConn{}
	dev := &device.Device{ID: 3, Account: "acme", Name: "van"}
	ts := time.Unix(1600000000, 0).UTC()
	ev := &event.Event{Type: event.HighResFixed, Status: 0xF020, Timestamp: ts, Received: ts, Point: geo.NewPoint(10, 20), Speed: 3.5, Sequence: 77}

	require.Equal(t, nak.OK, NewStore(nc).SaveEvent(context.Background(), dev, ev))
	assert.Equal(t, "dmtp.event.acme.van", nc.subject)

	var got Message
	require.NoError(t, msgpack.Unmarshal(nc.data, &got))
	if diff := cmp.Diff(*NewMessage(dev, ev), got); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveEventPublishError(t *testing.T) {
	nc := &fakeConn{err: errors.New("nats: connection closed")}
	code := NewStore(nc).SaveEvent(context.Background(), &device.Device{Account: "a", Name: "b"}, &event.Event{})
	assert.Equal(t, nak.EventError, code)
}
