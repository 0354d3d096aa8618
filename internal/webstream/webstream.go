// Package webstream pushes live sublist frames to websocket subscribers.
//
// A client sends its token as the first message, then ADDSUB and DELSUB commands carrying a
// comma separated list of device ids. Frames are delivered as binary messages.
package webstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"nhooyr.io/websocket"
	"nuha.dev/dmtp/internal/sublist"
)

const (
	CAddSub string = "ADDSUB"
	CDelSub string = "DELSUB"

	maxPending = 256
)

type Config struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	TokenHash    string        `mapstructure:"token_hash"`
	MockToken    bool          `mapstructure:"mock_token"`
	TokenTimeout time.Duration `mapstructure:"token_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type Server struct {
	server *http.Server
	logger zerolog.Logger
	subs   *sublist.SublistMap
	config Config
}

func NewWebstream(subs *sublist.SublistMap, config Config) *Server {
	if config.TokenTimeout == 0 {
		config.TokenTimeout = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	o := &Server{config: config, subs: subs}
	o.server = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           o.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	o.logger = log.With().Str("module", "websocket").Logger()
	return o
}

func (ws *Server) Handler() http.Handler {
	return http.HandlerFunc(ws.serve_http)
}

// Run serves until ctx is done. Open websocket sessions are ended through ctx.
func (ws *Server) Run(ctx context.Context) error {
	ws.server.BaseContext = func(net.Listener) context.Context { return ctx }
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ws.server.Shutdown(sctx)
	}()
	err := ws.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (ws *Server) validate_token(token []byte) bool {
	if ws.config.MockToken {
		return true
	}
	if ws.config.TokenHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(ws.config.TokenHash), token) == nil
}

func (ws *Server) serve_http(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.logger.Err(err).Msg("Error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "unhandled error")

	readCtx, cancel := context.WithTimeout(r.Context(), ws.config.TokenTimeout)
	_, msg, err := c.Read(readCtx)
	cancel()
	if err != nil {
		ws.logger.Err(err).Msg("Error while reading auth token")
		return
	}
	if !ws.validate_token(msg) {
		ws.logger.Warn().Str("remote", r.RemoteAddr).Msg("invalid websocket token")
		c.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}
	ws.logger.Info().Str("remote", r.RemoteAddr).Msg("websocket subscriber accepted")

	wc := &client{srv: ws, c: c, logger: ws.logger.With().Str("remote", r.RemoteAddr).Logger(),
		notify: make(chan struct{}, 1), subs: make(map[uint64]*sublist.Sublist)}
	wc.run(r.Context())
	c.Close(websocket.StatusNormalClosure, "")
}

type client struct {
	mu      sync.Mutex
	srv     *Server
	c       *websocket.Conn
	logger  zerolog.Logger
	closed  bool
	buf     [][]byte
	dropped uint64
	notify  chan struct{}
	subs    map[uint64]*sublist.Sublist
}

func (wc *client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wc.writeLoop(ctx)
		cancel()
	}()
	wc.readLoop(ctx)
	cancel()

	wc.mu.Lock()
	wc.closed = true
	dropped := wc.dropped
	wc.mu.Unlock()
	for _, l := range wc.subs {
		l.Unsubscribe(wc)
	}
	wg.Wait()
	wc.logger.Info().Uint64("dropped", dropped).Msg("websocket subscriber closed")
}

func (wc *client) readLoop(ctx context.Context) {
	for {
		_, msg, err := wc.c.Read(ctx)
		if err != nil {
			wc.logger.Debug().Err(err).Msg("read loop ended")
			return
		}
		cmd, args, _ := strings.Cut(strings.TrimSpace(string(msg)), " ")
		ids := parseIDs(args)
		switch cmd {
		case CAddSub:
			wc.logger.Debug().Interface("ids", ids).Msg("receive add subscription message")
			for _, id := range ids {
				if _, ok := wc.subs[id]; ok {
					continue
				}
				l, _ := wc.srv.subs.GetSublist(id, true)
				wc.subs[id] = l
				l.Subscribe(wc)
			}
		case CDelSub:
			wc.logger.Debug().Interface("ids", ids).Msg("receive delete subscription message")
			for _, id := range ids {
				if l, ok := wc.subs[id]; ok {
					l.Unsubscribe(wc)
					delete(wc.subs, id)
				}
			}
		default:
			wc.logger.Warn().Str("command", cmd).Msg("unknown command")
		}
	}
}

func parseIDs(s string) []uint64 {
	var ids []uint64
	for _, v := range strings.Split(s, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (wc *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-wc.notify:
		}
		wc.mu.Lock()
		pending := wc.buf
		wc.buf = nil
		wc.mu.Unlock()
		for _, d := range pending {
			wctx, cancel := context.WithTimeout(ctx, wc.srv.config.WriteTimeout)
			err := wc.c.Write(wctx, websocket.MessageBinary, d)
			cancel()
			if err != nil {
				wc.logger.Err(err).Msg("Error while writing to connection")
				return
			}
		}
	}
}

// Push queues d for delivery. Frames beyond the pending limit are dropped.
func (wc *client) Push(key uint64, d []byte) bool {
	wc.mu.Lock()
	if wc.closed {
		wc.mu.Unlock()
		return true
	}
	if len(wc.buf) >= maxPending {
		wc.dropped++
		wc.mu.Unlock()
		return false
	}
	wc.buf = append(wc.buf, d)
	wc.mu.Unlock()
	select {
	case wc.notify <- struct{}{}:
	default:
	}
	return false
}
