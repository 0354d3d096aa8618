// Package handler defines the contract between a connection driver and a device protocol.
//
// The driver calls SessionStarted once, then alternates framing (ActualPacketLength) and
// dispatch (HandlePacket) until TerminateSession returns true or the connection fails, and
// finally calls SessionTerminated exactly once.
package handler

import (
	"net"
)

// LineTerminated is returned by ActualPacketLength when packets are delimited by a line end
// rather than a byte count.
const LineTerminated = -1

type PacketHandler interface {
	// SessionStarted records the session metadata. It is called once, before any packet.
	SessionStarted(addr net.Addr, isStream bool, isText bool)

	// ActualPacketLength returns the length of the packet that starts with seen. A value
	// larger than len(seen) asks the driver for more bytes and a new call; LineTerminated
	// asks the driver to read up to the next line end.
	ActualPacketLength(seen []byte) int

	// HandlePacket dispatches one complete packet and returns the response bytes, possibly
	// empty. A *packet.ParseError is logged by the driver and the session continues.
	HandlePacket(pkt []byte) ([]byte, error)

	// TerminateSession is polled after every packet.
	TerminateSession() bool

	// SessionTerminated is called once when the connection ends, with the failure cause if
	// any and the final byte counters.
	SessionTerminated(err error, readCount, writeCount int64)
}

// Factory creates the handler for a new session.
type Factory func() PacketHandler

// Session is the default implementation of every PacketHandler method except HandlePacket.
// Protocols embed it and override what they need.
type Session struct {
	addr     net.Addr
	isStream bool
	isText   bool
	started  bool
}

// SessionStarted stores the metadata on the first call and ignores later ones.
func (s *Session) SessionStarted(addr net.Addr, isStream bool, isText bool) {
	if s.started {
		return
	}
	s.addr = addr
	s.isStream = isStream
	s.isText = isText
	s.started = true
}

func (s *Session) RemoteAddr() net.Addr {
	return s.addr
}

// HostAddress returns the peer IP, or "" when unknown.
func (s *Session) HostAddress() string {
	if s.addr == nil {
		return ""
	}
	switch a := s.addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(s.addr.String())
	if err != nil {
		return s.addr.String()
	}
	return host
}

func (s *Session) IsStream() bool {
	return s.isStream
}

func (s *Session) IsTextPackets() bool {
	return s.isText
}

// ActualPacketLength treats the bytes seen so far as the whole packet, or asks for line
// framing in text mode.
func (s *Session) ActualPacketLength(seen []byte) int {
	if s.isText {
		return LineTerminated
	}
	return len(seen)
}

// TerminateSession ends the session after every packet.
func (s *Session) TerminateSession() bool {
	return true
}

func (s *Session) SessionTerminated(err error, readCount, writeCount int64) {}
