package sublist

import (
	"encoding/binary"
	"math"
	"strconv"
	"sync"
	"time"

	"nuha.dev/dmtp/internal/event"
)

const (
	locationFrame byte = 0x00
	eventFrame    byte = 0x01
	locationLen        = 45
)

// Subscriber receives frames for the devices it subscribed to. Push returns true once the
// subscriber is closed, and it is then dropped from the list.
type Subscriber interface {
	Push(key uint64, d []byte) (closed bool)
}

type SublistMap struct {
	mu   sync.Mutex
	list map[uint64]*Sublist
}

type Sublist struct {
	key        uint64
	mu         sync.Mutex
	list       map[Subscriber]bool
	data       []byte
	event_data []byte
}

func NewSublistMap() *SublistMap {
	return &SublistMap{list: map[uint64]*Sublist{}}
}

func (s *SublistMap) GetSublist(key uint64, create bool) (*Sublist, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.list[key]
	if ok {
		return l, true
	}
	if !create {
		return nil, false
	}
	l = &Sublist{key: key, list: make(map[Subscriber]bool)}
	s.list[key] = l
	return l, true
}

// Subscribe adds sub and replays the last location and event frames to it.
func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	s.list[sub] = true
	if s.data != nil {
		sub.Push(s.key, s.data)
	}
	if s.event_data != nil {
		sub.Push(s.key, s.event_data)
	}
	s.mu.Unlock()
}

func (s *Sublist) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	delete(s.list, sub)
	s.mu.Unlock()
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

func (s *Sublist) SendLocation(ev *event.Event) {
	d := encode_location(s.key, ev)
	s.mu.Lock()
	s.data = d
	s.send(d)
	s.mu.Unlock()
}

func (s *Sublist) SendEvent(topic string, message []byte, t time.Time) {
	d := encode_event(s.key, topic, message, t)
	s.mu.Lock()
	s.event_data = d
	s.send(d)
	s.mu.Unlock()
}

func (s *Sublist) send(d []byte) {
	for sub := range s.list {
		if closed := sub.Push(s.key, d); closed {
			delete(s.list, sub)
		}
	}
}

func encode_event(device_id uint64, topic string, message []byte, t time.Time) []byte {
	buf := make([]byte, 0, 100)
	buf = append(buf, eventFrame)
	buf = append(buf, `{"did":`...)
	buf = strconv.AppendUint(buf, device_id, 10)
	buf = append(buf, `,"topic":`...)
	buf = strconv.AppendQuote(buf, topic)
	if len(message) != 0 {
		buf = append(buf, `,"message":`...)
		buf = append(buf, message...)
	}
	buf = append(buf, `,"time":`...)
	buf = strconv.AppendInt(buf, t.Unix(), 10)
	buf = append(buf, '}')
	return buf
}

func encode_location(device_id uint64, ev *event.Event) []byte {
	buf := make([]byte, locationLen)
	buf[0] = locationFrame
	binary.LittleEndian.PutUint64(buf[1:], device_id)
	binary.LittleEndian.PutUint64(buf[9:], math.Float64bits(ev.Point.Latitude()))
	binary.LittleEndian.PutUint64(buf[17:], math.Float64bits(ev.Point.Longitude()))
	binary.LittleEndian.PutUint32(buf[25:], math.Float32bits(float32(ev.Speed)))
	binary.LittleEndian.PutUint64(buf[29:], uint64(ev.Timestamp.UnixMilli()))
	binary.LittleEndian.PutUint64(buf[37:], uint64(ev.Received.UnixMilli()))
	return buf
}
