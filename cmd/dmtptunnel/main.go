// dmtptunnel runs on a public host and relays device connections to a dmtpd that dials in.
package main

import (
	"crypto/subtle"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var eaddr = flag.String("eaddr", ":31000", "address for device connections")
var taddr = flag.String("taddr", ":5556", "address for the tunnel connection")
var secret = flag.String("token", "token", "token for tunnel auth connection")
var certfile = flag.String("cert", "", "tls certificate file")
var keyfile = flag.String("key", "", "tls key file")

type relay struct {
	mu      sync.Mutex
	session *yamux.Session
}

func (r *relay) current() *yamux.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil || r.session.IsClosed() {
		return nil
	}
	return r.session
}

func (r *relay) set(s *yamux.Session) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
}

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	log.Info().Str("external", *eaddr).Str("tunnel", *taddr).Msg("starting relay")

	var ylistener net.Listener
	var err error
	if *certfile == "" && *keyfile == "" {
		log.Info().Msg("starting non-tls listener")
		ylistener, err = net.Listen("tcp", *taddr)
	} else {
		log.Info().Msg("starting tls listener")
		var cert tls.Certificate
		cert, err = tls.LoadX509KeyPair(*certfile, *keyfile)
		if err == nil {
			ylistener, err = tls.Listen("tcp", *taddr, &tls.Config{Certificates: []tls.Certificate{cert}})
		}
	}
	if err != nil {
		log.Fatal().Err(err).Msg("unable to open tunnel listener")
	}
	listener, err := net.Listen("tcp", *eaddr)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to open external listener")
	}

	r := &relay{}
	go r.serveExternal(listener)
	for {
		yconn, err := ylistener.Accept()
		if err != nil {
			log.Fatal().Err(err).Msg("tunnel listener closed")
		}
		log.Info().Str("remote", yconn.RemoteAddr().String()).Msg("accepting tunnel connection")
		session, err := authenticate(yconn)
		if err != nil {
			log.Warn().Err(err).Str("remote", yconn.RemoteAddr().String()).Msg("tunnel rejected")
			yconn.Close()
			continue
		}
		if old := r.current(); old != nil {
			log.Info().Msg("replacing previous tunnel")
			old.Close()
		}
		r.set(session)
	}
}

func authenticate(yconn net.Conn) (*yamux.Session, error) {
	_ = yconn.SetReadDeadline(time.Now().Add(10 * time.Second))
	token := make([]byte, 64)
	n, err := yconn.Read(token)
	if err != nil {
		return nil, err
	}
	_ = yconn.SetReadDeadline(time.Time{})
	if subtle.ConstantTimeCompare([]byte(*secret), token[:n]) != 1 {
		_, _ = yconn.Write([]byte{'-'})
		return nil, fmt.Errorf("invalid token")
	}
	if _, err := yconn.Write([]byte{'+'}); err != nil {
		return nil, err
	}
	return yamux.Server(yconn, nil)
}

func (r *relay) serveExternal(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Fatal().Err(err).Msg("external listener closed")
		}
		session := r.current()
		if session == nil {
			log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("no tunnel, dropping connection")
			conn.Close()
			continue
		}
		go forward(session, conn)
	}
}

func forward(session *yamux.Session, conn net.Conn) {
	defer conn.Close()
	tstream, err := session.OpenStream()
	if err != nil {
		log.Err(err).Msg("error trying to open stream")
		return
	}
	defer tstream.Close()
	logger := log.With().Uint32("stream", tstream.StreamID()).Str("remote", conn.RemoteAddr().String()).Logger()
	logger.Info().Msg("new stream")

	if _, err := fmt.Fprintf(tstream, "%s\n", conn.RemoteAddr()); err != nil {
		logger.Err(err).Msg("error writing address line")
		return
	}
	c := make(chan struct{})
	go func() {
		if _, err := io.Copy(tstream, conn); err != nil {
			logger.Debug().Err(err).Msg("error copying to stream")
		}
		tstream.Close()
		close(c)
	}()
	if _, err := io.Copy(conn, tstream); err != nil {
		logger.Debug().Err(err).Msg("error copying from stream")
	}
	conn.Close()
	<-c
	logger.Info().Msg("stream closed")
}
