package server

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"nuha.dev/dmtp/internal/conn"
	"nuha.dev/dmtp/internal/handler"
)

const (
	NEW_CONNECTION    string = "new_connection"
	CONNECTION_CLOSED string = "connection_closed"
	PACKET_ERROR      string = "packet_error"
	RATE_EXCEEDED     string = "rate_exceeded"
)

// SessionInfo is a snapshot of one live session.
type SessionInfo struct {
	Cid     uint64    `json:"cid"`
	Remote  string    `json:"remote"`
	Device  string    `json:"device,omitempty"`
	Stream  bool      `json:"stream"`
	Text    bool      `json:"text"`
	Started time.Time `json:"started"`
	ByteIn  int64     `json:"byte_in"`
	ByteOut int64     `json:"byte_out"`
}

type session struct {
	c      *conn.Conn
	h      handler.PacketHandler
	stream bool
	text   bool
}

type deviceKeyer interface {
	DeviceKey() string
}

type Server struct {
	mu          sync.Mutex
	log         log.Logger
	config      *ServerConfig
	factory     handler.Factory
	cid_counter uint64
	listeners   []net.Listener
	packetConns []net.PacketConn
	sessions    map[uint64]*session
	closing     bool
	wg          sync.WaitGroup
}

func NewServer(config *ServerConfig, factory handler.Factory) *Server {
	s := &Server{}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "dmtp-server").Value()
	s.config = config
	s.factory = factory
	s.sessions = make(map[uint64]*session)
	return s
}

func (s *Server) nextCid() uint64 {
	return atomic.AddUint64(&s.cid_counter, 1)
}

// Run starts every configured listener and blocks until ctx is done. Live sessions are then
// closed and Run waits for them to finish.
func (s *Server) Run(ctx context.Context) error {
	if s.config.TCPAddr != "" {
		s.log.Info().Msgf("starting dmtp tcp server on %s", s.config.TCPAddr)
		ln, err := net.Listen("tcp", s.config.TCPAddr)
		if err != nil {
			s.log.Error().Err(err).Msg("unable to listen")
			return err
		}
		if s.config.ProxyProtocol {
			ln = &proxyproto.Listener{Listener: ln}
		}
		s.goServe(ln)
	}
	if s.config.UDPAddr != "" {
		s.log.Info().Msgf("starting dmtp udp server on %s", s.config.UDPAddr)
		pc, err := net.ListenPacket("udp", s.config.UDPAddr)
		if err != nil {
			s.log.Error().Err(err).Msg("unable to listen")
			s.shutdown()
			s.wg.Wait()
			return err
		}
		s.mu.Lock()
		s.packetConns = append(s.packetConns, pc)
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServePacket(pc)
		}()
	}
	if s.config.TunnelAddr != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runMuxListener(ctx)
		}()
	}
	<-ctx.Done()
	s.shutdown()
	s.wg.Wait()
	return nil
}

func (s *Server) addListener(ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) goServe(ln net.Listener) {
	s.addListener(ln)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(ln)
	}()
}

// Serve accepts stream connections from ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.addListener(ln)
	return s.serve(ln)
}

func (s *Server) serve(ln net.Listener) error {
	for {
		_c, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				s.log.Warn().Err(err).Msg("temporary accept error")
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.log.Info().Err(err).Msg("listener closed")
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(_c, true)
		}()
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closing = true
	for _, ln := range s.listeners {
		ln.Close()
	}
	for _, pc := range s.packetConns {
		pc.Close()
	}
	for _, sess := range s.sessions {
		sess.c.Close()
	}
	s.mu.Unlock()
}

// track registers a live session. Sessions arriving during shutdown are closed at once.
func (s *Server) track(sess *session) {
	s.mu.Lock()
	s.sessions[sess.c.Cid()] = sess
	if s.closing {
		sess.c.Close()
	}
	s.mu.Unlock()
}

func (s *Server) untrack(cid uint64) {
	s.mu.Lock()
	delete(s.sessions, cid)
	s.mu.Unlock()
}

// Sessions returns the live sessions ordered by cid.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	list := make([]SessionInfo, 0, len(s.sessions))
	for cid, sess := range s.sessions {
		in, out := sess.c.Stat()
		info := SessionInfo{
			Cid:     cid,
			Remote:  sess.c.RemoteAddr().String(),
			Stream:  sess.stream,
			Text:    sess.text,
			Started: sess.c.Created(),
			ByteIn:  in,
			ByteOut: out,
		}
		if k, ok := sess.h.(deviceKeyer); ok {
			info.Device = k.DeviceKey()
		}
		list = append(list, info)
	}
	s.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Cid < list[j].Cid })
	return list
}
