package codeserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/devchannel/internal/iconcache"
	"github.com/danmuck/devchannel/internal/jsni"
	"github.com/danmuck/devchannel/internal/observability"
	"github.com/danmuck/devchannel/internal/protocol/session"
	"github.com/danmuck/devchannel/internal/trace"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ServiceConfig configures the code server endpoint.
type ServiceConfig struct {
	ListenAddr        string
	AdminListenAddr   string
	AdminToken        string
	PublicChannelURL  string
	HostedHTMLVersion string
	IconCachePath     string
	TraceDir          string
	MinifyJSNI        bool
	Metrics           bool
	Session           session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:        ":9997",
		HostedHTMLVersion: DefaultHostedHTMLVersion,
		Metrics:           true,
		Session:           session.DefaultConfig(),
	}
}

// Service accepts client connections and runs one Session per connection.
type Service struct {
	cfg     ServiceConfig
	handler Handler

	icons       iconcache.Cache
	switchboard *Switchboard
	jsni        *jsni.Preparer

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	activeClients atomic.Int64
}

func NewService(handler Handler) *Service {
	return NewServiceWithConfig(DefaultServiceConfig(), handler)
}

func NewServiceWithConfig(cfg ServiceConfig, handler Handler) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	if strings.TrimSpace(cfg.HostedHTMLVersion) == "" {
		cfg.HostedHTMLVersion = DefaultHostedHTMLVersion
	}
	cfg.Session = cfg.Session.WithDefaults()
	svc := &Service{
		cfg:      cfg,
		handler:  handler,
		icons:    iconcache.NewMemory(),
		conns:    make(map[net.Conn]struct{}),
		sessions: make(map[string]*Session),
	}
	if cfg.MinifyJSNI {
		svc.jsni = &jsni.Preparer{Minify: true}
	}
	if url := strings.TrimSpace(cfg.PublicChannelURL); url != "" {
		svc.switchboard = NewSwitchboard(url)
	} else if addr := strings.TrimSpace(cfg.AdminListenAddr); addr != "" {
		svc.switchboard = NewSwitchboard(defaultChannelURL(addr))
	}
	if cfg.Metrics {
		observability.RegisterMetrics()
	}
	return svc
}

// UseIconCache replaces the default in-memory cache.
func (s *Service) UseIconCache(c iconcache.Cache) {
	s.icons = c
}

func (s *Service) Switchboard() *Switchboard {
	return s.switchboard
}

// Run listens on the configured addresses and blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	if path := strings.TrimSpace(s.cfg.IconCachePath); path != "" {
		store, err := iconcache.OpenSQLite(path)
		if err != nil {
			return err
		}
		defer store.Close()
		s.icons = store
	}

	ln, err := s.listen()
	if err != nil {
		return err
	}
	log.Warn().Msgf("codeserver.Service.Run listening addr=%q tls=%t", ln.Addr().String(), s.cfg.Session.TLS.Enabled)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(gctx, ln)
	})
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		admin := NewAdminServer(s)
		g.Go(func() error {
			return admin.ListenAndServe(gctx, addr)
		})
	}
	return g.Wait()
}

func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts on ln until ctx is cancelled. Live sessions are asked to
// quit and given WriteTimeout to do so before their connections are closed.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.drain()
				return nil
			}
			return err
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Service) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.Session.WriteTimeout):
		s.closeAllConns()
		<-done
	}
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.activeClients.Add(1)
	log.Info().Msgf("codeserver.Service client connected remote=%q active_clients=%d", remote, active)
	defer func() {
		remaining := s.activeClients.Add(-1)
		log.Info().Msgf("codeserver.Service client disconnected remote=%q active_clients=%d", remote, remaining)
	}()

	if tc, ok := conn.(*tls.Conn); ok {
		_ = tc.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
		if err := tc.Handshake(); err != nil {
			log.Warn().Msgf("codeserver.Service.handleConn tls handshake remote=%q err=%v", remote, err)
			return
		}
		_ = tc.SetDeadline(time.Time{})
	}

	var rec *trace.Recorder
	if s.cfg.TraceDir != "" {
		rec = trace.NewRecorder()
	}
	cfg := SessionConfig{
		Session:           s.cfg.Session,
		HostedHTMLVersion: s.cfg.HostedHTMLVersion,
		Icons:             s.icons,
		Switchboard:       s.switchboard,
		JSNI:              s.jsni,
		Metrics:           s.cfg.Metrics,
	}
	if rec != nil {
		cfg.Tap = rec
	}
	sess := NewSession(conn, s.handler, cfg)
	s.addSession(sess)
	defer s.removeSession(sess)

	if err := sess.Run(ctx); err != nil {
		log.Warn().Msgf("codeserver.Service.handleConn session=%s remote=%q err=%v", sess.ID(), remote, err)
	}
	if rec != nil {
		if err := s.writeTrace(sess, rec); err != nil {
			log.Warn().Msgf("codeserver.Service.handleConn trace session=%s err=%v", sess.ID(), err)
		}
	}
}

func (s *Service) writeTrace(sess *Session, rec *trace.Recorder) error {
	if err := os.MkdirAll(s.cfg.TraceDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.cfg.TraceDir, sess.ID()+".cbor")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return trace.WriteCBOR(f, trace.File{Channel: sess.ID(), Side: "server", Events: rec.Events()})
}

// Sessions lists sessions that completed their handshake, oldest first.
func (s *Service) Sessions() []SessionInfo {
	s.sessionsMu.RLock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if info, ok := sess.Info(); ok {
			out = append(out, info)
		}
	}
	s.sessionsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (s *Service) addSession(sess *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess.ID()] = sess
}

func (s *Service) removeSession(sess *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, sess.ID())
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	for _, sess := range s.sessions {
		_ = sess.Channel().EndSession()
	}
}

func defaultChannelURL(adminAddr string) string {
	host, port, err := net.SplitHostPort(adminAddr)
	if err != nil {
		return "ws://" + adminAddr + "/channel"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s/channel", net.JoinHostPort(host, port))
}
