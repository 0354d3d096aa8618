// Package monitoring exposes live session state over HTTP.
package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/speps/go-hashids/v2"
	"nuha.dev/dmtp/internal/server"
	"nuha.dev/dmtp/internal/util"
)

type MonitoringConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	User       string `mapstructure:"user"`
	PassHash   string `mapstructure:"pass_hash"`
	Salt       string `mapstructure:"salt"`
}

type SessionLister interface {
	Sessions() []server.SessionInfo
}

// Session is a SessionInfo keyed by an opaque id instead of the raw connection id.
type Session struct {
	ID string `json:"id"`
	server.SessionInfo
}

type MonitoringServer struct {
	src    SessionLister
	hd     *hashids.HashID
	r      chi.Router
	server *http.Server
	config *MonitoringConfig
	log    zerolog.Logger
}

func NewMonApi(src SessionLister, config *MonitoringConfig) (*MonitoringServer, error) {
	m := &MonitoringServer{src: src, config: config}
	m.log = log.With().Str("module", "monitoring").Logger()

	hd := hashids.NewData()
	hd.Salt = config.Salt
	hd.MinLength = 8
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	m.hd = h

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization"},
		MaxAge:         300,
	}))
	r.Use(middleware.Recoverer)
	r.Get("/health", m.health)
	r.Group(func(r chi.Router) {
		r.Use(m.basic_auth)
		r.Get("/sessions", m.list_sessions)
		r.Get("/sessions/{id}", m.get_session)
	})
	m.r = r

	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return m, nil
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return m.r
}

func (m *MonitoringServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.server.Shutdown(sctx)
	}()
	err := m.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// basic_auth is skipped when no password hash is configured.
func (m *MonitoringServer) basic_auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.config.PassHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != m.config.User || !util.CheckPwd(m.config.PassHash, pass) {
			m.log.Debug().Str("user", user).Str("remote", r.RemoteAddr).Msg("monitoring auth failed")
			w.Header().Set("WWW-Authenticate", `Basic realm="dmtp"`)
			util.JsonError(w, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *MonitoringServer) health(w http.ResponseWriter, r *http.Request) {
	_ = util.JsonWrite(w, map[string]interface{}{"status": "ok", "sessions": len(m.src.Sessions())})
}

func (m *MonitoringServer) list_sessions(w http.ResponseWriter, r *http.Request) {
	list := m.src.Sessions()
	res := make([]Session, 0, len(list))
	for _, s := range list {
		id, err := m.hd.EncodeInt64([]int64{int64(s.Cid)})
		if err != nil {
			m.log.Err(err).Uint64("cid", s.Cid).Msg("unable to encode session id")
			continue
		}
		res = append(res, Session{ID: id, SessionInfo: s})
	}
	if err := util.JsonWrite(w, res); err != nil {
		m.log.Err(err).Msg("unable to write session list")
	}
}

func (m *MonitoringServer) get_session(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := m.hd.DecodeInt64WithError(id)
	if err != nil || len(d) != 1 {
		util.JsonError(w, http.StatusNotFound)
		return
	}
	for _, s := range m.src.Sessions() {
		if s.Cid == uint64(d[0]) {
			_ = util.JsonWrite(w, Session{ID: id, SessionInfo: s})
			return
		}
	}
	util.JsonError(w, http.StatusNotFound)
}
