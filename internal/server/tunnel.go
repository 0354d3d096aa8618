package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/yamux"
)

var ErrTunnelRejected = errors.New("tunnel rejected")

// addrConn reports the device address announced by the tunnel instead of the stream address.
type addrConn struct {
	net.Conn
	raddr net.Addr
}

func (a *addrConn) RemoteAddr() net.Addr {
	return a.raddr
}

type tunnelAddr string

func (t tunnelAddr) Network() string { return "tunnel" }
func (t tunnelAddr) String() string  { return string(t) }

// readAddrLine reads the address line byte by byte so nothing past it is consumed.
func readAddrLine(r io.Reader) (string, error) {
	var sb strings.Builder
	b := []byte{0}
	for sb.Len() < 256 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return strings.TrimSpace(sb.String()), nil
		}
		sb.WriteByte(b[0])
	}
	return "", errors.New("address line too long")
}

func resolveTunnelAddr(s string) net.Addr {
	if a, err := net.ResolveTCPAddr("tcp", s); err == nil {
		return a
	}
	return tunnelAddr(s)
}

// dialTunnel connects and authenticates with the tunnel endpoint.
func (s *Server) dialTunnel(ctx context.Context) (*yamux.Session, error) {
	var d net.Dialer
	yconn, err := d.DialContext(ctx, "tcp", s.config.TunnelAddr)
	if err != nil {
		return nil, err
	}
	if _, err = yconn.Write([]byte(s.config.TunnelToken)); err != nil {
		yconn.Close()
		return nil, err
	}
	status := []byte{0}
	if _, err = io.ReadFull(yconn, status); err != nil {
		yconn.Close()
		return nil, err
	}
	if status[0] != '+' {
		yconn.Close()
		return nil, ErrTunnelRejected
	}
	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		return nil, err
	}
	return session, nil
}

func (s *Server) serveTunnel(ctx context.Context, session *yamux.Session) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-stop:
		}
	}()
	for {
		stream, err := session.Accept()
		if err != nil {
			s.log.Info().Err(err).Msg("tunnel session closed")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			raddr, err := readAddrLine(stream)
			if err != nil {
				s.log.Warn().Err(err).Msg("unable to read tunnel stream address")
				stream.Close()
				return
			}
			s.ServeConn(&addrConn{Conn: stream, raddr: resolveTunnelAddr(raddr)}, true)
		}()
	}
}

// runMuxListener keeps a tunnel session open until ctx is done, redialling after failures.
func (s *Server) runMuxListener(ctx context.Context) {
	for {
		t0 := time.Now()
		s.log.Info().Msgf("dialling tunnel %s", s.config.TunnelAddr)
		session, err := s.dialTunnel(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("unable to establish tunnel")
		} else {
			s.log.Info().Msg("tunnel accepted")
			s.serveTunnel(ctx, session)
		}
		wait := 5 * time.Second
		if time.Since(t0) > 10*time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
