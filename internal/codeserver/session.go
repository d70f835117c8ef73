package codeserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/devchannel/internal/channel"
	"github.com/danmuck/devchannel/internal/iconcache"
	"github.com/danmuck/devchannel/internal/jsni"
	"github.com/danmuck/devchannel/internal/observability"
	"github.com/danmuck/devchannel/internal/protocol"
	"github.com/danmuck/devchannel/internal/protocol/session"
	"github.com/danmuck/devchannel/internal/refs"
	"github.com/danmuck/devchannel/internal/trace"
	"github.com/rs/zerolog/log"
)

// DefaultHostedHTMLVersion is the bootstrap page version clients must carry.
const DefaultHostedHTMLVersion = "2.1"

// SessionConfig is the per-connection slice of the service configuration.
type SessionConfig struct {
	Session           session.Config
	HostedHTMLVersion string
	Limits            protocol.Limits
	Icons             iconcache.Cache
	Switchboard       *Switchboard
	JSNI              *jsni.Preparer
	Tap               trace.Tap
	Metrics           bool
}

// SessionInfo is the admin view of a live session.
type SessionInfo struct {
	ID              string    `json:"id"`
	ModuleName      string    `json:"module"`
	UserAgent       string    `json:"user_agent"`
	URL             string    `json:"url"`
	Remote          string    `json:"remote"`
	ProtocolVersion int32     `json:"protocol_version"`
	Legacy          bool      `json:"legacy"`
	ConnectedAt     time.Time `json:"connected_at"`
}

// Session is one client connection after accept. It is driven by the
// goroutine running Run; handler callbacks receive it as their context.
type Session struct {
	ch      *channel.Channel
	handler Handler
	cfg     SessionConfig

	req         ModuleRequest
	connectedAt time.Time
	info        atomic.Pointer[SessionInfo]

	// silent is set once the peer can no longer be written to: it died,
	// quit, or was sent a FatalError.
	silent   atomic.Bool
	stopping atomic.Bool
}

func NewSession(conn net.Conn, handler Handler, cfg SessionConfig) *Session {
	cfg.Session = cfg.Session.WithDefaults()
	if strings.TrimSpace(cfg.HostedHTMLVersion) == "" {
		cfg.HostedHTMLVersion = DefaultHostedHTMLVersion
	}
	s := &Session{
		handler:     handler,
		cfg:         cfg,
		connectedAt: time.Now(),
	}
	opts := []channel.Option{channel.WithTap(cfg.Tap), channel.WithDispatchObject(s)}
	if cfg.Limits != (protocol.Limits{}) {
		opts = append(opts, channel.WithLimits(cfg.Limits))
	}
	if cfg.Metrics {
		opts = append(opts, channel.WithMetrics())
	}
	s.ch = channel.New(conn, channel.SideServer, opts...)
	return s
}

func (s *Session) ID() string { return s.ch.ID() }

func (s *Session) ModuleName() string { return s.req.ModuleName }

func (s *Session) UserAgent() string { return s.req.UserAgent }

func (s *Session) SessionKey() string { return s.req.SessionKey }

func (s *Session) TabKey() string { return s.req.TabKey }

func (s *Session) URL() string { return s.req.URL }

func (s *Session) ProtocolVersion() int32 { return s.req.ProtocolVersion }

func (s *Session) Icon() []byte { return s.req.Icon }

func (s *Session) Channel() *channel.Channel { return s.ch }

// Info is safe to call from any goroutine. It reports false until the
// handshake completes.
func (s *Session) Info() (SessionInfo, bool) {
	info := s.info.Load()
	if info == nil {
		return SessionInfo{}, false
	}
	return *info, true
}

// Run drives the session to completion: handshake, module load, then the
// message loop until the client quits or the connection dies. Cancelling
// ctx asks the client to quit.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.stopping.Store(true)
		s.ch.Interrupt()
	})
	defer stop()
	defer s.shutdown()

	req, err := s.handshake(ctx)
	if err != nil {
		s.recordHandshake("rejected")
		return err
	}
	s.req = req
	s.info.Store(&SessionInfo{
		ID:              s.ch.ID(),
		ModuleName:      req.ModuleName,
		UserAgent:       req.UserAgent,
		URL:             req.URL,
		Remote:          s.ch.RemoteEndpoint(),
		ProtocolVersion: req.ProtocolVersion,
		Legacy:          req.Legacy,
		ConnectedAt:     s.connectedAt,
	})
	log.Info().Msgf(
		"codeserver.Session.Run loading id=%s module=%q user_agent=%q url=%q version=%d",
		s.ch.ID(), req.ModuleName, req.UserAgent, req.URL, req.ProtocolVersion,
	)

	if err := s.handler.LoadModule(s, req); err != nil {
		s.recordHandshake("load_failed")
		log.Warn().Msgf("codeserver.Session.Run load module=%q err=%v", req.ModuleName, err)
		msg := protocol.String("An error occurred loading the GWT module " + req.ModuleName)
		if werr := s.ch.SendReturn(protocol.Return{Exception: true, Value: msg}); werr != nil {
			return s.die(werr)
		}
		return fmt.Errorf("%w: %s: %v", ErrModuleLoad, req.ModuleName, err)
	}
	s.recordHandshake("ok")
	defer s.handler.UnloadModule(s)

	if err := s.ch.SendReturn(protocol.Return{Value: protocol.Undefined()}); err != nil {
		return s.die(err)
	}
	_, err = s.react(false)
	if err != nil {
		log.Warn().Msgf("codeserver.Session.Run id=%s module=%q err=%v", s.ch.ID(), req.ModuleName, err)
	}
	return err
}

// InvokeClient calls a global script function on the client and waits for
// its return, servicing any calls the client makes back in the meantime.
// A script exception is returned as *ScriptError; a lost connection as
// *channel.RemoteDeathError.
func (s *Session) InvokeClient(method string, this protocol.Value, args ...protocol.Value) (protocol.Value, error) {
	if s.silent.Load() || s.ch.Closed() {
		return protocol.Value{}, channel.Death(channel.ErrClosed)
	}
	start := time.Now()
	if err := s.ch.SendRequest(protocol.InvokeOnClient{Method: method, This: this, Args: args}); err != nil {
		return protocol.Value{}, s.die(err)
	}
	ret, err := s.react(true)
	if err != nil {
		return protocol.Value{}, err
	}
	if s.cfg.Metrics {
		observability.RecordInvoke("client", ret.Exception, time.Since(start))
	}
	if ret.Exception {
		return protocol.Value{}, s.scriptError(method, ret.Value)
	}
	return ret.Value, nil
}

// LoadJsni ships script source for the client to evaluate. It does not
// wait for anything; evaluation failures are only visible client side.
func (s *Session) LoadJsni(source string) error {
	if s.cfg.JSNI != nil {
		prepared, err := s.cfg.JSNI.Prepare(source)
		if err != nil {
			return err
		}
		source = prepared
	}
	if err := s.ch.Send(protocol.LoadJsni{Source: source}); err != nil {
		return s.die(err)
	}
	return nil
}

// ExposeObject hands obj to the client. The same object always maps to the
// same handle until the client frees it.
func (s *Session) ExposeObject(obj any) (protocol.Value, error) {
	h, err := s.ch.Exposed().Add(obj)
	if err != nil {
		return protocol.Value{}, err
	}
	return protocol.ServerObject(protocol.NewHandle(h)), nil
}

// LookupObject resolves a ServerObject value back to the exposed object.
func (s *Session) LookupObject(v protocol.Value) (any, error) {
	ref, ok := v.AsRef()
	if !ok || v.Type() != protocol.TypeServerObject {
		return nil, fmt.Errorf("%w: %s", ErrNotServerObject, v)
	}
	return s.ch.Exposed().Get(ref.ID())
}

// ReleaseScriptObject gives up a client object early; the client is told
// with the next outgoing call or return.
func (s *Session) ReleaseScriptObject(v protocol.Value) {
	ref, ok := v.AsRef()
	if !ok {
		return
	}
	if p, ok := ref.(*refs.Proxy); ok {
		p.Release()
	}
}

// react is the message pump. With awaitReturn it stops at the first Return,
// which belongs to the innermost outstanding call.
func (s *Session) react(awaitReturn bool) (protocol.Return, error) {
	dec := s.ch.Decoder()
	for {
		typ, err := s.ch.ReadMessageType()
		if err != nil {
			if s.stopping.Load() {
				if awaitReturn {
					return protocol.Return{}, channel.Death(ErrShutdown)
				}
				return protocol.Return{}, nil
			}
			if !awaitReturn && errors.Is(err, io.EOF) {
				log.Info().Msgf("codeserver.Session.react id=%s client closed without quit", s.ch.ID())
			}
			return protocol.Return{}, s.die(err)
		}

		switch typ {
		case protocol.MsgFreeValue:
			m, err := protocol.ReadFreeValue(dec)
			if err != nil {
				return protocol.Return{}, s.die(err)
			}
			s.freeExposed(m.IDs)
		case protocol.MsgInvoke:
			m, err := protocol.ReadInvokeOnServer(dec)
			if err != nil {
				return protocol.Return{}, s.die(err)
			}
			start := time.Now()
			res := s.handler.Invoke(s, m.This, m.DispatchID, m.Args)
			if s.cfg.Metrics {
				observability.RecordInvoke("server", res.Exception, time.Since(start))
			}
			if err := s.ch.SendReturn(protocol.Return{Exception: res.Exception, Value: res.Value}); err != nil {
				return protocol.Return{}, s.die(err)
			}
		case protocol.MsgInvokeSpecial:
			m, err := protocol.ReadInvokeSpecial(dec)
			if err != nil {
				return protocol.Return{}, s.die(err)
			}
			res, err := s.invokeSpecial(m)
			if err != nil {
				return protocol.Return{}, s.die(err)
			}
			if err := s.ch.SendReturn(protocol.Return{Exception: res.Exception, Value: res.Value}); err != nil {
				return protocol.Return{}, s.die(err)
			}
		case protocol.MsgReturn:
			if !awaitReturn {
				return protocol.Return{}, s.die(protocol.Unexpected("react", typ))
			}
			ret, err := protocol.ReadReturn(dec)
			if err != nil {
				return protocol.Return{}, s.die(err)
			}
			return ret, nil
		case protocol.MsgQuit:
			s.silent.Store(true)
			if awaitReturn {
				return protocol.Return{}, s.die(channel.ErrPeerQuit)
			}
			log.Debug().Msgf("codeserver.Session.react id=%s client quit", s.ch.ID())
			return protocol.Return{}, nil
		case protocol.MsgFatalError:
			m, err := protocol.ReadFatalError(dec)
			if err != nil {
				return protocol.Return{}, s.die(err)
			}
			return protocol.Return{}, s.die(fmt.Errorf("%w: %s", channel.ErrFatalFromPeer, m.Message))
		default:
			return protocol.Return{}, s.die(protocol.Unexpected("react", typ))
		}
	}
}

func (s *Session) invokeSpecial(m protocol.InvokeSpecial) (Result, error) {
	switch m.Dispatch {
	case protocol.SpecialGetProperty:
		refID, dispID, err := specialTarget(m, 2)
		if err != nil {
			return Result{}, err
		}
		return s.handler.GetProperty(s, refID, dispID), nil
	case protocol.SpecialSetProperty:
		refID, dispID, err := specialTarget(m, 3)
		if err != nil {
			return Result{}, err
		}
		return s.handler.SetProperty(s, refID, dispID, m.Args[2]), nil
	default:
		return Result{}, &protocol.Error{
			Op:  "invoke special",
			Err: fmt.Errorf("%w: %s", ErrUnsupportedSpecial, m.Dispatch),
		}
	}
}

func specialTarget(m protocol.InvokeSpecial, want int) (int32, int32, error) {
	if len(m.Args) != want {
		return 0, 0, &protocol.Error{
			Op:  "invoke special",
			Err: fmt.Errorf("%w: %s argc=%d", ErrSpecialArgs, m.Dispatch, len(m.Args)),
		}
	}
	refID, okRef := m.Args[0].AsInt()
	dispID, okDisp := m.Args[1].AsInt()
	if !okRef || !okDisp {
		return 0, 0, &protocol.Error{
			Op:  "invoke special",
			Err: fmt.Errorf("%w: %s ref=%s dispatch=%s", ErrSpecialArgs, m.Dispatch, m.Args[0], m.Args[1]),
		}
	}
	return refID, dispID, nil
}

func (s *Session) freeExposed(ids []int32) {
	for _, id := range ids {
		if err := s.ch.Exposed().Free(id); err != nil {
			log.Warn().Msgf("codeserver.Session.freeExposed id=%s handle=%d err=%v", s.ch.ID(), id, err)
		}
	}
	s.handler.FreeValue(s, ids)
}

// scriptError reads an exception value the way server code expects it:
// strings become the message and server objects resolve locally.
func (s *Session) scriptError(method string, v protocol.Value) *ScriptError {
	e := &ScriptError{Method: method, Value: v}
	switch v.Type() {
	case protocol.TypeNull, protocol.TypeUndefined, protocol.TypeScriptObject:
	case protocol.TypeString:
		e.Message, _ = v.AsString()
	case protocol.TypeServerObject:
		obj, err := s.LookupObject(v)
		if err != nil {
			log.Warn().Msgf("codeserver.Session.scriptError id=%s thrown=%s err=%v", s.ch.ID(), v, err)
			break
		}
		e.Object = obj
		if err, ok := obj.(error); ok {
			e.Message = err.Error()
		}
	default:
		e.Message = v.String()
	}
	return e
}

// die ends the connection without further traffic and converts err into a
// remote death for every frame on the stack.
func (s *Session) die(err error) error {
	s.silent.Store(true)
	_ = s.ch.EndSession()
	return channel.Death(err)
}

// reject reports a handshake failure to the client and closes.
func (s *Session) reject(message string, cause error) error {
	log.Warn().Msgf("codeserver.Session.reject id=%s remote=%q reason=%q", s.ch.ID(), s.ch.RemoteEndpoint(), message)
	if err := s.ch.Send(protocol.FatalError{Message: message}); err != nil {
		log.Debug().Msgf("codeserver.Session.reject write err=%v", err)
	}
	s.silent.Store(true)
	_ = s.ch.EndSession()
	return cause
}

func (s *Session) shutdown() {
	if !s.silent.Load() && !s.ch.Closed() {
		s.ch.SetDeadline(s.cfg.Session.WriteTimeout)
		if err := s.ch.Send(protocol.Quit{}); err != nil {
			log.Debug().Msgf("codeserver.Session.shutdown id=%s quit err=%v", s.ch.ID(), err)
		}
	}
	_ = s.ch.EndSession()
}

func (s *Session) recordHandshake(result string) {
	if s.cfg.Metrics {
		observability.RecordHandshake(result)
	}
}
