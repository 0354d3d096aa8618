package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/time/rate"
	"nuha.dev/dmtp/internal/conn"
	"nuha.dev/dmtp/internal/handler"
	"nuha.dev/dmtp/internal/packet"
)

var (
	ErrRateExceeded   = errors.New("packet rate exceeded")
	ErrPacketTooLong  = errors.New("packet too long")
	ErrNoPacketLength = errors.New("handler returned no packet length")
)

// ServeConn runs one session over c until the handler ends it or the connection fails.
func (s *Server) ServeConn(_c net.Conn, isStream bool) {
	c := conn.NewConn(_c, s.nextCid())
	s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Bool("stream", isStream).Msg("")
	s.serveSession(c, isStream)
}

func (s *Server) serveSession(c *conn.Conn, isStream bool) {
	h := s.factory()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v", r)
			s.log.Error().Err(err).EmbedObject(c).Msg("recovered from session panic")
		}
		c.Close()
		s.untrack(c.Cid())
		in, out := c.Stat()
		h.SessionTerminated(err, in, out)
		e := s.log.Info()
		if err != nil {
			e = s.log.Warn().Err(err)
		}
		e.Str("event", CONNECTION_CLOSED).EmbedObject(c).Int64("byte_in", in).Int64("byte_out", out).Msg("")
	}()

	isText := s.detectText(c)
	sess := &session{c: c, h: h, stream: isStream, text: isText}
	h.SessionStarted(c.RemoteAddr(), isStream, isText)
	s.track(sess)
	err = s.loop(c, h, isText)
}

// detectText peeks the first byte under the first-byte deadline. A failed peek is left for the
// packet loop to report.
func (s *Server) detectText(c *conn.Conn) bool {
	if s.config.FirstByteTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(s.config.FirstByteTimeout))
	}
	b, err := c.Peek(1)
	_ = c.SetReadDeadline(time.Time{})
	return err == nil && b[0] == packet.TextStart
}

func (s *Server) loop(c *conn.Conn, h handler.PacketHandler, isText bool) error {
	var limiter *rate.Limiter
	if s.config.PacketRate > 0 {
		burst := s.config.PacketBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.config.PacketRate), burst)
	}
	for {
		if s.config.IdleTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		pkt, err := s.readPacket(c, h)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if limiter != nil && !limiter.Allow() {
			s.log.Warn().Str("event", RATE_EXCEEDED).EmbedObject(c).Msg("")
			return ErrRateExceeded
		}
		resp, err := h.HandlePacket(pkt)
		if err != nil {
			var pe *packet.ParseError
			if !errors.As(err, &pe) {
				return err
			}
			s.log.Warn().Str("event", PACKET_ERROR).EmbedObject(c).Err(err).Hex("packet", pkt).Msg("")
		}
		if len(resp) > 0 {
			if _, err := c.Write(resp); err != nil {
				return err
			}
		}
		if h.TerminateSession() {
			return nil
		}
	}
}

// readPacket asks the handler for the packet length until it is satisfied by the bytes read.
// A clean end of input before the first byte of a packet is io.EOF.
func (s *Server) readPacket(c *conn.Conn, h handler.PacketHandler) ([]byte, error) {
	max := s.config.MaxLineLength
	if max < packet.MaxLength {
		max = packet.MaxLength
	}
	buf := make([]byte, 0, packet.HeaderLength)
	for {
		n := h.ActualPacketLength(buf)
		if n == handler.LineTerminated {
			line, err := c.ReadLine(max - len(buf))
			if err != nil {
				return nil, eofOrUnexpected(err, len(buf)+len(line))
			}
			return append(buf, line...), nil
		}
		if n < 0 {
			return nil, ErrNoPacketLength
		}
		if n == 0 && len(buf) == 0 {
			n = 1
		}
		if n <= len(buf) {
			return buf[:n], nil
		}
		if n > max {
			return nil, ErrPacketTooLong
		}
		have := len(buf)
		buf = append(buf, make([]byte, n-have)...)
		if _, err := c.ReadFull(buf[have:]); err != nil {
			return nil, eofOrUnexpected(err, have)
		}
	}
}

func eofOrUnexpected(err error, read int) error {
	if err == io.EOF && read > 0 {
		return io.ErrUnexpectedEOF
	}
	return err
}
