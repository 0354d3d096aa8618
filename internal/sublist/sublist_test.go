package sublist

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/dmtp/internal/event"
	"nuha.dev/dmtp/internal/geo"
)

type mockSub struct {
	closed bool
	got    [][]byte
}

func (m *mockSub) Push(key uint64, d []byte) bool {
	m.got = append(m.got, d)
	return m.closed
}

func TestGetSublist(t *testing.T) {
	m := NewSublistMap()
	_, ok := m.GetSublist(1, false)
	assert.False(t, ok)
	a, ok := m.GetSublist(1, true)
	require.True(t, ok)
	b, _ := m.GetSublist(1, false)
	assert.Same(t, a, b)
}

func TestSendLocation(t *testing.T) {
	m := NewSublistMap()
	s, _ := m.GetSublist(42, true)
	sub := &mockSub{}
	s.Subscribe(sub)
	assert.Empty(t, sub.got)

	ts := time.Unix(1600000000, 0)
	s.SendLocation(&event.Event{Point: geo.NewPoint(-6.2, 106.8), Speed: 12.5, Timestamp: ts, Received: ts})
	require.Len(t, sub.got, 1)
	d := sub.got[0]
	require.Len(t, d, locationLen)
	assert.Equal(t, byte(0), d[0])
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(d[1:]))
	assert.Equal(t, -6.2, math.Float64frombits(binary.LittleEndian.Uint64(d[9:])))
	assert.Equal(t, float32(12.5), math.Float32frombits(binary.LittleEndian.Uint32(d[25:])))

	late := &mockSub{}
	s.Subscribe(late)
	assert.Equal(t, [][]byte{d}, late.got)
}

func TestClosedSubscriberDropped(t *testing.T) {
	s, _ := NewSublistMap().GetSublist(1, true)
	open, closed := &mockSub{}, &mockSub{closed: true}
	s.Subscribe(open)
	s.Subscribe(closed)
	s.SendEvent("connected", nil, time.Now())
	assert.Equal(t, 1, s.Len())
	assert.Len(t, open.got, 1)
}

func TestEncodeEvent(t *testing.T) {
	d := encode_event(7, "diag", []byte(`{"code":1}`), time.Unix(100, 0))
	assert.Equal(t, byte(1), d[0])
	var v struct {
		DID     uint64          `json:"did"`
		Topic   string          `json:"topic"`
		Message json.RawMessage `json:"message"`
		Time    int64           `json:"time"`
	}
	require.NoError(t, json.Unmarshal(d[1:], &v))
	assert.Equal(t, uint64(7), v.DID)
	assert.Equal(t, "diag", v.Topic)
	assert.JSONEq(t, `{"code":1}`, string(v.Message))
	assert.Equal(t, int64(100), v.Time)
}

func BenchmarkSend(b *testing.B) {
	s, _ := NewSublistMap().GetSublist(1, true)
	for i := 0; i < 100; i++ {
		s.Subscribe(&mockSub{})
	}
	ev := &event.Event{Point: geo.NewPoint(1, 2)}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.SendLocation(ev)
	}
}
