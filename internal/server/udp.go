package server

import (
	"bytes"
	"net"
	"time"
)

const maxDatagram = 2048

// datagramConn presents one received datagram as a connection. Writes go back to the sender
// as separate datagrams.
type datagramConn struct {
	r     *bytes.Reader
	pc    net.PacketConn
	raddr net.Addr
}

func (d *datagramConn) Read(b []byte) (int, error) {
	return d.r.Read(b)
}

func (d *datagramConn) Write(b []byte) (int, error) {
	return d.pc.WriteTo(b, d.raddr)
}

func (d *datagramConn) Close() error {
	return nil
}

func (d *datagramConn) LocalAddr() net.Addr {
	return d.pc.LocalAddr()
}

func (d *datagramConn) RemoteAddr() net.Addr {
	return d.raddr
}

func (d *datagramConn) SetDeadline(t time.Time) error {
	return nil
}

func (d *datagramConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (d *datagramConn) SetWriteDeadline(t time.Time) error {
	return d.pc.SetWriteDeadline(t)
}

// ServePacket runs one session per datagram read from pc until pc is closed.
func (s *Server) ServePacket(pc net.PacketConn) error {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			s.log.Info().Err(err).Msg("packet listener closed")
			return err
		}
		if n == 0 {
			continue
		}
		d := make([]byte, n)
		copy(d, buf[:n])
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(&datagramConn{r: bytes.NewReader(d), pc: pc, raddr: addr}, false)
		}()
	}
}
