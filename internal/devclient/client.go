package devclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/danmuck/devchannel/internal/channel"
	"github.com/danmuck/devchannel/internal/protocol"
	"github.com/danmuck/devchannel/internal/protocol/session"
	"github.com/danmuck/devchannel/internal/trace"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultHostedHTMLVersion is the bootstrap page version the client reports.
const DefaultHostedHTMLVersion = "2.1"

const websocketReadLimit = 128 << 20

type ClientConfig struct {
	Address            string
	ModuleName         string
	URL                string
	UserAgent          string
	SessionKey         string
	TabKey             string
	HostedHTMLVersion  string
	MinVersion         int32
	MaxVersion         int32
	Icon               []byte
	Limits             protocol.Limits
	Tap                trace.Tap
	Metrics            bool
	MaxConnectAttempts int
	Session            session.Config
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		UserAgent:         "devclient",
		HostedHTMLVersion: DefaultHostedHTMLVersion,
		MinVersion:        protocol.VersionOldest,
		MaxVersion:        protocol.VersionCurrent,
		Session:           session.DefaultConfig(),
	}
}

type Client struct {
	cfg     ClientConfig
	handler Handler
	rng     *rand.Rand
}

func NewClient(cfg ClientConfig, handler Handler) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if strings.TrimSpace(cfg.ModuleName) == "" {
		return nil, ErrModuleRequired
	}
	d := DefaultClientConfig()
	if cfg.MinVersion == 0 && cfg.MaxVersion == 0 {
		cfg.MinVersion, cfg.MaxVersion = d.MinVersion, d.MaxVersion
	}
	if cfg.MinVersion > cfg.MaxVersion {
		return nil, fmt.Errorf("%w: %d - %d", ErrVersionRange, cfg.MinVersion, cfg.MaxVersion)
	}
	if strings.TrimSpace(cfg.HostedHTMLVersion) == "" {
		cfg.HostedHTMLVersion = d.HostedHTMLVersion
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = d.UserAgent
	}
	if cfg.URL == "" {
		cfg.URL = "http://" + cfg.Address + "/" + cfg.ModuleName + ".html"
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Client{
		cfg:     cfg,
		handler: handler,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect dials the server, retrying with backoff, and returns a session
// whose module is loaded. A FatalError or a failed module load is never
// retried.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err != nil {
			log.Warn().Msgf("devclient.Client dial attempt=%d addr=%q err=%v", attempt, c.cfg.Address, err)
			if !c.shouldRetry(ctx, attempt) {
				return nil, err
			}
			if err := session.SleepBackoff(ctx, c.cfg.Session.Backoff, attempt, c.rng); err != nil {
				return nil, err
			}
			continue
		}

		s := newSession(conn, c.cfg, c.handler)
		err = s.negotiate(ctx)
		if err == nil {
			if err := s.loadModule(); err != nil {
				return nil, err
			}
			return s, nil
		}
		_ = s.Close()
		var fatal *FatalError
		if errors.As(err, &fatal) || protocol.IsProtocolError(err) || !c.shouldRetry(ctx, attempt) {
			return nil, err
		}
		log.Warn().Msgf("devclient.Client handshake attempt=%d addr=%q err=%v", attempt, c.cfg.Address, err)
		if err := session.SleepBackoff(ctx, c.cfg.Session.Backoff, attempt, c.rng); err != nil {
			return nil, err
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if err := c.cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Session.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := c.cfg.Session.ClientTLSConfig(c.cfg.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) shouldRetry(ctx context.Context, attempt int) bool {
	if ctx.Err() != nil {
		return false
	}
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

// negotiate runs the version check and the optional transport switch under
// HandshakeTimeout.
func (s *Session) negotiate(ctx context.Context) error {
	s.ch.SetDeadline(s.cfg.Session.HandshakeTimeout)
	defer s.ch.SetDeadline(0)

	if err := s.ch.Send(protocol.CheckVersions{
		MinVersion:        s.cfg.MinVersion,
		MaxVersion:        s.cfg.MaxVersion,
		HostedHTMLVersion: s.cfg.HostedHTMLVersion,
	}); err != nil {
		return err
	}
	dec := s.ch.Decoder()
	typ, err := s.ch.ReadMessageType()
	if err != nil {
		return err
	}
	switch typ {
	case protocol.MsgProtocolVersion:
		m, err := protocol.ReadProtocolVersion(dec)
		if err != nil {
			return err
		}
		if m.Version < s.cfg.MinVersion || m.Version > s.cfg.MaxVersion {
			return &protocol.Error{
				Op:  "handshake",
				Err: fmt.Errorf("%w: server chose %d outside %d - %d", protocol.ErrUnsupportedVersion, m.Version, s.cfg.MinVersion, s.cfg.MaxVersion),
			}
		}
		s.version = m.Version
	case protocol.MsgFatalError:
		m, err := protocol.ReadFatalError(dec)
		if err != nil {
			return err
		}
		s.silent.Store(true)
		return &FatalError{Message: m.Message}
	default:
		return protocol.Unexpected("handshake", typ)
	}

	if len(s.cfg.Session.Transports) == 0 {
		return nil
	}
	return s.chooseTransport(ctx)
}

func (s *Session) chooseTransport(ctx context.Context) error {
	if err := s.ch.Send(protocol.ChooseTransport{Transports: s.cfg.Session.Transports}); err != nil {
		return err
	}
	typ, err := s.ch.ReadMessageType()
	if err != nil {
		return err
	}
	if typ != protocol.MsgSwitchTransport {
		return protocol.Unexpected("transport switch", typ)
	}
	m, err := protocol.ReadSwitchTransport(s.ch.Decoder())
	if err != nil {
		return err
	}
	switch strings.ToLower(m.Transport) {
	case "":
		log.Debug().Msgf("devclient.Session.chooseTransport staying in-band offered=%v", s.cfg.Session.Transports)
		return nil
	case session.TransportWebSocket:
	default:
		return &protocol.Error{Op: "transport switch", Err: fmt.Errorf("%w: %q", ErrUnsupportedTransport, m.Transport)}
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, m.Args, nil)
	if err != nil {
		return fmt.Errorf("devclient: websocket dial %s: %w", m.Args, err)
	}
	nc := websocket.NetConn(context.Background(), ws, websocket.MessageBinary)
	ws.SetReadLimit(websocketReadLimit)
	conn := channel.InterruptibleConn(nc)
	if err := s.ch.Rebind(conn); err != nil {
		_ = conn.Close()
		return err
	}
	s.ch.SetDeadline(s.cfg.Session.HandshakeTimeout)
	log.Info().Msgf("devclient.Session.chooseTransport id=%s transport=%s", s.ch.ID(), session.TransportWebSocket)
	return nil
}

// loadModule asks the server to load the configured module and services
// whatever the server does meanwhile, such as the icon request.
func (s *Session) loadModule() error {
	if s.cfg.SessionKey == "" {
		s.cfg.SessionKey = uuid.NewString()
	}
	if s.cfg.TabKey == "" {
		s.cfg.TabKey = uuid.NewString()
	}
	log.Info().Msgf(
		"devclient.Session.loadModule id=%s module=%q version=%d session_key=%s",
		s.ch.ID(), s.cfg.ModuleName, s.version, s.cfg.SessionKey,
	)
	if err := s.ch.SendRequest(protocol.LoadModule{
		URL:        s.cfg.URL,
		TabKey:     s.cfg.TabKey,
		SessionKey: s.cfg.SessionKey,
		ModuleName: s.cfg.ModuleName,
		UserAgent:  s.cfg.UserAgent,
	}); err != nil {
		return s.die(err)
	}
	ret, err := s.react(true)
	if err != nil {
		return err
	}
	if ret.Exception {
		msg, ok := ret.Value.AsString()
		if !ok {
			msg = ret.Value.String()
		}
		_ = s.Close()
		return &ModuleLoadError{Module: s.cfg.ModuleName, Message: msg}
	}
	return nil
}
