package devclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/danmuck/devchannel/internal/channel"
	"github.com/danmuck/devchannel/internal/observability"
	"github.com/danmuck/devchannel/internal/protocol"
	"github.com/danmuck/devchannel/internal/refs"
	"github.com/rs/zerolog/log"
)

// Session is a connected client with its module loaded. It is owned by one
// goroutine; handler callbacks run on it and may call the server back.
type Session struct {
	ch      *channel.Channel
	handler Handler
	cfg     ClientConfig
	version int32

	silent   atomic.Bool
	stopping atomic.Bool
}

func newSession(conn net.Conn, cfg ClientConfig, handler Handler) *Session {
	opts := []channel.Option{channel.WithTap(cfg.Tap)}
	if cfg.Limits != (protocol.Limits{}) {
		opts = append(opts, channel.WithLimits(cfg.Limits))
	}
	if cfg.Metrics {
		opts = append(opts, channel.WithMetrics())
	}
	return &Session{
		ch:      channel.New(conn, channel.SideClient, opts...),
		handler: handler,
		cfg:     cfg,
	}
}

func (s *Session) ID() string { return s.ch.ID() }

func (s *Session) ProtocolVersion() int32 { return s.version }

func (s *Session) ModuleName() string { return s.cfg.ModuleName }

func (s *Session) SessionKey() string { return s.cfg.SessionKey }

func (s *Session) TabKey() string { return s.cfg.TabKey }

func (s *Session) Channel() *channel.Channel { return s.ch }

// InvokeServer calls a server method by dispatch id and waits for its
// return, servicing script calls the server makes meanwhile.
func (s *Session) InvokeServer(dispatchID int32, this protocol.Value, args ...protocol.Value) (protocol.Value, error) {
	op := fmt.Sprintf("dispatch %d", dispatchID)
	return s.call(op, protocol.InvokeOnServer{DispatchID: dispatchID, This: this, Args: args})
}

// GetProperty reads a property of a server object; refID 0 is the module.
func (s *Session) GetProperty(refID, dispatchID int32) (protocol.Value, error) {
	op := fmt.Sprintf("get property %d.%d", refID, dispatchID)
	return s.call(op, protocol.InvokeSpecial{
		Dispatch: protocol.SpecialGetProperty,
		Args:     []protocol.Value{protocol.Int(refID), protocol.Int(dispatchID)},
	})
}

func (s *Session) SetProperty(refID, dispatchID int32, value protocol.Value) error {
	op := fmt.Sprintf("set property %d.%d", refID, dispatchID)
	_, err := s.call(op, protocol.InvokeSpecial{
		Dispatch: protocol.SpecialSetProperty,
		Args:     []protocol.Value{protocol.Int(refID), protocol.Int(dispatchID), value},
	})
	return err
}

func (s *Session) call(op string, req protocol.Message) (protocol.Value, error) {
	if s.silent.Load() || s.ch.Closed() {
		return protocol.Value{}, channel.Death(channel.ErrClosed)
	}
	start := time.Now()
	if err := s.ch.SendRequest(req); err != nil {
		return protocol.Value{}, s.die(err)
	}
	ret, err := s.react(true)
	if err != nil {
		return protocol.Value{}, err
	}
	if s.cfg.Metrics {
		observability.RecordInvoke("server", ret.Exception, time.Since(start))
	}
	if ret.Exception {
		return protocol.Value{}, s.serverError(op, ret.Value)
	}
	return ret.Value, nil
}

// ExposeObject hands a script object to the server.
func (s *Session) ExposeObject(obj any) (protocol.Value, error) {
	h, err := s.ch.Exposed().Add(obj)
	if err != nil {
		return protocol.Value{}, err
	}
	return protocol.ScriptObject(protocol.NewHandle(h)), nil
}

// LookupObject resolves a ScriptObject value back to the exposed object.
func (s *Session) LookupObject(v protocol.Value) (any, error) {
	ref, ok := v.AsRef()
	if !ok || v.Type() != protocol.TypeScriptObject {
		return nil, fmt.Errorf("%w: %s", ErrNotScriptObject, v)
	}
	return s.ch.Exposed().Get(ref.ID())
}

// ReleaseServerObject gives up a server object early; the server is told
// with the next outgoing call or return.
func (s *Session) ReleaseServerObject(v protocol.Value) {
	ref, ok := v.AsRef()
	if !ok {
		return
	}
	if p, ok := ref.(*refs.Proxy); ok {
		p.Release()
	}
}

// Idle serves server calls until the server quits or the connection dies.
// Cancelling ctx sends Quit and ends the session.
func (s *Session) Idle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.stopping.Store(true)
		s.ch.Interrupt()
	})
	defer stop()

	_, err := s.react(false)
	if s.stopping.Load() {
		s.Quit()
		return ctx.Err()
	}
	_ = s.ch.EndSession()
	return err
}

// Quit tells the server the client is leaving and closes the connection.
func (s *Session) Quit() {
	if !s.silent.Swap(true) && !s.ch.Closed() {
		s.ch.SetDeadline(s.cfg.Session.WriteTimeout)
		if err := s.ch.Send(protocol.Quit{}); err != nil {
			log.Debug().Msgf("devclient.Session.Quit id=%s err=%v", s.ch.ID(), err)
		}
	}
	_ = s.ch.EndSession()
}

// Close drops the connection without a Quit.
func (s *Session) Close() error {
	s.silent.Store(true)
	return s.ch.EndSession()
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
				log.Info().Msgf("devclient.Session.react id=%s server closed without quit", s.ch.ID())
			}
			return protocol.Return{}, s.die(err)
		}

		switch typ {
		case protocol.MsgInvoke:
			m, err := protocol.ReadInvokeOnClient(dec)
			if err != nil {
				return protocol.Return{}, s.die(err)
			}
			res := s.handler.Invoke(s, m.Method, m.This, m.Args)
			if err := s.ch.SendReturn(protocol.Return{Exception: res.Exception, Value: res.Value}); err != nil {
				return protocol.Return{}, s.die(err)
			}
		case protocol.MsgFreeValue:
			m, err := protocol.ReadFreeValue(dec)
			if err != nil {
				return protocol.Return{}, s.die(err)
			}
			s.freeExposed(m.IDs)
		case protocol.MsgLoadJsni:
			m, err := protocol.ReadLoadJsni(dec)
			if err != nil {
				return protocol.Return{}, s.die(err)
			}
			if err := s.handler.LoadJsni(s, m.Source); err != nil {
				log.Warn().Msgf("devclient.Session.react id=%s load jsni err=%v", s.ch.ID(), err)
			}
		case protocol.MsgRequestIcon:
			if err := s.ch.Send(protocol.UserAgentIcon{Icon: s.cfg.Icon}); err != nil {
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
			log.Debug().Msgf("devclient.Session.react id=%s server quit", s.ch.ID())
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

func (s *Session) freeExposed(ids []int32) {
	for _, id := range ids {
		if err := s.ch.Exposed().Free(id); err != nil {
			log.Warn().Msgf("devclient.Session.freeExposed id=%s handle=%d err=%v", s.ch.ID(), id, err)
		}
	}
	s.handler.FreeValue(s, ids)
}

func (s *Session) serverError(op string, v protocol.Value) *ServerError {
	e := &ServerError{Op: op, Value: v}
	switch v.Type() {
	case protocol.TypeNull, protocol.TypeUndefined, protocol.TypeServerObject:
	case protocol.TypeString:
		e.Message, _ = v.AsString()
	case protocol.TypeScriptObject:
		obj, err := s.LookupObject(v)
		if err != nil {
			log.Warn().Msgf("devclient.Session.serverError id=%s thrown=%s err=%v", s.ch.ID(), v, err)
			break
		}
		e.Object = obj
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
