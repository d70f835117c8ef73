package codeserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/devchannel/internal/protocol"
	"github.com/danmuck/devchannel/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// handshake runs everything between accept and the module load call:
// version negotiation, the optional transport switch, LoadModule and the
// icon exchange. Reads and writes are bounded by HandshakeTimeout.
func (s *Session) handshake(ctx context.Context) (ModuleRequest, error) {
	s.ch.SetDeadline(s.cfg.Session.HandshakeTimeout)
	defer s.ch.SetDeadline(0)

	typ, err := s.ch.ReadMessageType()
	if err != nil {
		return ModuleRequest{}, s.handshakeReadErr(err)
	}
	dec := s.ch.Decoder()

	var req ModuleRequest
	switch typ {
	case protocol.MsgOldLoadModule:
		m, err := protocol.ReadOldLoadModule(dec)
		if err != nil {
			return ModuleRequest{}, s.die(err)
		}
		if m.ProtoVersion != protocol.VersionLegacyLoad {
			cause := &protocol.Error{
				Op:  "handshake",
				Err: fmt.Errorf("%w: legacy load version %d", protocol.ErrUnsupportedVersion, m.ProtoVersion),
			}
			return ModuleRequest{}, s.reject(fmt.Sprintf("Unsupported legacy protocol version %d", m.ProtoVersion), cause)
		}
		log.Warn().Msgf(
			"codeserver.Session.handshake legacy client remote=%q module=%q; upgrade the client for full functionality",
			s.ch.RemoteEndpoint(), m.ModuleName,
		)
		return ModuleRequest{
			ModuleName:      m.ModuleName,
			UserAgent:       m.UserAgent,
			ProtocolVersion: protocol.VersionLegacyLoad,
			Legacy:          true,
		}, nil

	case protocol.MsgCheckVersions:
		m, err := protocol.ReadCheckVersions(dec)
		if err != nil {
			return ModuleRequest{}, s.die(err)
		}
		if m.MinVersion > protocol.VersionCurrent || m.MaxVersion < protocol.VersionOldest {
			msg := fmt.Sprintf(
				"Client supported protocol version range %d - %d; server %d - %d",
				m.MinVersion, m.MaxVersion, protocol.VersionOldest, protocol.VersionCurrent,
			)
			return ModuleRequest{}, s.reject(msg, fmt.Errorf("%w: %s", ErrVersionMismatch, msg))
		}
		if !validHostedHTMLVersion(m.HostedHTMLVersion, s.cfg.HostedHTMLVersion) {
			return ModuleRequest{}, s.reject(
				"Invalid hosted.html version - "+m.HostedHTMLVersion,
				fmt.Errorf("%w: got %q want %q", ErrHostedHTMLVersion, m.HostedHTMLVersion, s.cfg.HostedHTMLVersion),
			)
		}
		req.ProtocolVersion = min(protocol.VersionCurrent, m.MaxVersion)
		if err := s.ch.Send(protocol.ProtocolVersion{Version: req.ProtocolVersion}); err != nil {
			return ModuleRequest{}, s.die(err)
		}

	case protocol.MsgRequestPlugin:
		return ModuleRequest{}, s.reject("Plugin download not supported", ErrPluginUnsupported)

	default:
		return ModuleRequest{}, s.reject(
			"Unexpected message type "+typ.String()+"; expecting CheckVersions",
			protocol.Unexpected("handshake", typ),
		)
	}

	if typ, err = s.ch.ReadMessageType(); err != nil {
		return ModuleRequest{}, s.handshakeReadErr(err)
	}
	if typ == protocol.MsgChooseTransport {
		m, err := protocol.ReadChooseTransport(dec)
		if err != nil {
			return ModuleRequest{}, s.die(err)
		}
		if err := s.switchTransport(ctx, m); err != nil {
			return ModuleRequest{}, s.die(err)
		}
		if typ, err = s.ch.ReadMessageType(); err != nil {
			return ModuleRequest{}, s.handshakeReadErr(err)
		}
	}

	switch typ {
	case protocol.MsgLoadModule:
		m, err := protocol.ReadLoadModule(s.ch.Decoder())
		if err != nil {
			return ModuleRequest{}, s.die(err)
		}
		req.URL = m.URL
		req.TabKey = m.TabKey
		req.SessionKey = m.SessionKey
		req.ModuleName = m.ModuleName
		req.UserAgent = m.UserAgent
	case protocol.MsgRequestPlugin:
		return ModuleRequest{}, s.reject("Plugin download not supported", ErrPluginUnsupported)
	default:
		return ModuleRequest{}, s.reject(
			"Unexpected message type "+typ.String()+"; expecting LoadModule",
			protocol.Unexpected("handshake", typ),
		)
	}

	if req.ProtocolVersion >= protocol.VersionGetIcon && s.cfg.Icons != nil {
		icon, err := s.resolveIcon(ctx, req.UserAgent)
		if err != nil {
			return ModuleRequest{}, err
		}
		req.Icon = icon
	}
	return req, nil
}

// resolveIcon consults the shared cache and only asks the client on a miss.
// Two clients with the same user agent may both be asked; the later store
// wins and both answers are equivalent.
func (s *Session) resolveIcon(ctx context.Context, userAgent string) ([]byte, error) {
	icon, ok, err := s.cfg.Icons.Lookup(ctx, userAgent)
	if err != nil {
		log.Warn().Msgf("codeserver.Session.resolveIcon lookup user_agent=%q err=%v", userAgent, err)
	} else if ok {
		return icon, nil
	}

	if err := s.ch.Send(protocol.RequestIcon{}); err != nil {
		return nil, s.die(err)
	}
	typ, err := s.ch.ReadMessageType()
	if err != nil {
		return nil, s.handshakeReadErr(err)
	}
	if typ != protocol.MsgUserAgentIcon {
		return nil, s.die(protocol.Unexpected("icon exchange", typ))
	}
	m, err := protocol.ReadUserAgentIcon(s.ch.Decoder())
	if err != nil {
		return nil, s.die(err)
	}
	if err := s.cfg.Icons.Store(ctx, userAgent, m.Icon); err != nil {
		log.Warn().Msgf("codeserver.Session.resolveIcon store user_agent=%q err=%v", userAgent, err)
	}
	return m.Icon, nil
}

// switchTransport answers ChooseTransport. Only websocket is offered, and
// only when a switchboard is wired to an HTTP listener.
func (s *Session) switchTransport(ctx context.Context, m protocol.ChooseTransport) error {
	var chosen string
	if s.cfg.Switchboard != nil {
		chosen = session.SelectTransport(m.Transports, s.cfg.Session.Transports)
	}
	if chosen != session.TransportWebSocket {
		log.Debug().Msgf("codeserver.Session.switchTransport staying in-band offered=%v", m.Transports)
		return s.ch.Send(protocol.SwitchTransport{})
	}

	token, wait := s.cfg.Switchboard.expect()
	if err := s.ch.Send(protocol.SwitchTransport{Transport: chosen, Args: s.cfg.Switchboard.URL(token)}); err != nil {
		s.cfg.Switchboard.release(token, wait)
		return err
	}

	timer := time.NewTimer(s.cfg.Session.HandshakeTimeout)
	defer timer.Stop()
	select {
	case conn := <-wait:
		s.cfg.Switchboard.release(token, wait)
		if err := s.ch.Rebind(conn); err != nil {
			_ = conn.Close()
			return err
		}
		s.ch.SetDeadline(s.cfg.Session.HandshakeTimeout)
		log.Info().Msgf("codeserver.Session.switchTransport id=%s transport=%s remote=%q", s.ch.ID(), chosen, s.ch.RemoteEndpoint())
		return nil
	case <-timer.C:
		s.cfg.Switchboard.release(token, wait)
		return ErrSwitchTimeout
	case <-ctx.Done():
		s.cfg.Switchboard.release(token, wait)
		return ErrShutdown
	}
}

func (s *Session) handshakeReadErr(err error) error {
	if s.stopping.Load() {
		err = ErrShutdown
	}
	return s.die(err)
}

// validHostedHTMLVersion accepts the expected version and its patch
// releases ("2.1" admits "2.1.3").
func validHostedHTMLVersion(got, want string) bool {
	got = strings.TrimSpace(got)
	return got == want || strings.HasPrefix(got, want+".")
}
