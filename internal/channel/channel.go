package channel

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/devchannel/internal/observability"
	"github.com/danmuck/devchannel/internal/protocol"
	"github.com/danmuck/devchannel/internal/refs"
	"github.com/danmuck/devchannel/internal/trace"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Side is the role of the endpoint that owns a Channel.
type Side int

const (
	SideServer Side = iota
	SideClient
)

func (s Side) String() string {
	if s == SideClient {
		return "client"
	}
	return "server"
}

type Option func(*Channel)

// WithTap observes every message type read or written.
func WithTap(tap trace.Tap) Option {
	return func(c *Channel) {
		if tap != nil {
			c.taps = append(c.taps, tap)
		}
	}
}

func WithLimits(limits protocol.Limits) Option {
	return func(c *Channel) { c.limits = limits }
}

// WithDispatchObject pins obj at the reserved handle of the exposing table.
func WithDispatchObject(obj any) Option {
	return func(c *Channel) { c.dispatch = obj }
}

// WithMetrics counts traffic and open channels in prometheus.
func WithMetrics() Option {
	return func(c *Channel) { c.metrics = true }
}

// Channel is one connection's codec streams plus the endpoint's reference
// tables. It is driven by a single goroutine; only EndSession and the
// tables may be touched from elsewhere.
type Channel struct {
	id       string
	side     Side
	limits   protocol.Limits
	taps     []trace.Tap
	dispatch any
	metrics  bool

	connMu      sync.Mutex
	conn        net.Conn
	interrupted atomic.Bool

	dec     *protocol.Decoder
	enc     *protocol.Encoder
	exposed *refs.ExposedTable
	remote  *refs.RemoteTable

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

func New(conn net.Conn, side Side, opts ...Option) *Channel {
	c := &Channel{
		id:     uuid.NewString(),
		side:   side,
		limits: protocol.DefaultLimits(),
		remote: refs.NewRemoteTable(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.exposed = refs.NewExposedTable(c.dispatch)
	c.bind(conn)
	if c.metrics {
		observability.ChannelOpened(side.String())
	}
	return c
}

// bind attaches conn. On a rebind the codec is reset in place, so a
// Decoder obtained before a transport switch reads from the new conn.
func (c *Channel) bind(conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	if c.dec == nil {
		c.dec = protocol.NewDecoder(conn, endpointRefs{side: c.side, remote: c.remote}, c.limits)
		c.enc = protocol.NewEncoder(conn)
		return
	}
	c.dec.Reset(conn)
	c.enc.Reset(conn)
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) Side() Side { return c.side }

// Exposed holds this side's own objects handed to the peer.
func (c *Channel) Exposed() *refs.ExposedTable { return c.exposed }

// Remote holds proxies for the peer's objects.
func (c *Channel) Remote() *refs.RemoteTable { return c.remote }

// Decoder reads message bodies after ReadMessageType. It stays valid across
// Rebind.
func (c *Channel) Decoder() *protocol.Decoder { return c.dec }

func (c *Channel) RemoteEndpoint() string {
	if addr := c.currentConn().RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Channel) ReadMessageType() (protocol.MessageType, error) {
	t, err := c.dec.ReadMessageType()
	if err != nil {
		return t, err
	}
	c.observe(trace.Inbound, t)
	return t, nil
}

func (c *Channel) ReadValue() (protocol.Value, error) {
	return c.dec.ReadValue()
}

// WriteValue buffers v; it reaches the peer with the next flushed message.
func (c *Channel) WriteValue(v protocol.Value) error {
	return c.enc.WriteValue(v)
}

// Send writes a message that neither opens nor closes a call: handshake
// steps, icon exchange, LoadJsni, FatalError and Quit.
func (c *Channel) Send(m protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := protocol.WriteMessage(c.enc, m); err != nil {
		return err
	}
	c.observe(trace.Outbound, m.Type())
	return nil
}

// SendRequest writes a message that opens a call (Invoke, InvokeSpecial,
// LoadModule), preceded by any pending FreeValue.
func (c *Channel) SendRequest(m protocol.Message) error {
	if err := c.sendFreedValues(); err != nil {
		return err
	}
	return c.Send(m)
}

// SendReturn completes the innermost inbound call, preceded by any pending
// FreeValue.
func (c *Channel) SendReturn(r protocol.Return) error {
	if err := c.sendFreedValues(); err != nil {
		return err
	}
	return c.Send(r)
}

// sendFreedValues is only reachable through SendRequest and SendReturn, so a
// FreeValue can never precede anything but a new request or a return.
func (c *Channel) sendFreedValues() error {
	ids := c.remote.DrainPendingFree()
	if len(ids) == 0 {
		return nil
	}
	log.Debug().Msgf("channel.Channel.sendFreedValues id=%s side=%s count=%d", c.id, c.side, len(ids))
	return c.Send(protocol.FreeValue{IDs: ids})
}

// Rebind moves the session onto conn after a transport switch. The old
// connection is closed; unread bytes on it are a protocol violation. conn
// must honour Interrupt's past read deadline without closing; wrap
// message-oriented conns with InterruptibleConn.
func (c *Channel) Rebind(conn net.Conn) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if n := c.dec.Buffered(); n > 0 {
		return &protocol.Error{Op: "rebind", Err: ErrPendingInput}
	}
	old := c.currentConn()
	c.bind(conn)
	if c.interrupted.Load() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	}
	return old.Close()
}

// SetDeadline bounds the next reads and writes; zero clears it. After
// Interrupt only the write deadline moves.
func (c *Channel) SetDeadline(d time.Duration) {
	conn := c.currentConn()
	var at time.Time
	if d > 0 {
		at = time.Now().Add(d)
	}
	if c.interrupted.Load() {
		_ = conn.SetWriteDeadline(at)
		return
	}
	_ = conn.SetDeadline(at)
}

// Interrupt fails the pending and every later read with a timeout while
// leaving the connection writable, so the owner can still say goodbye. It
// is safe to call from any goroutine.
func (c *Channel) Interrupt() {
	c.interrupted.Store(true)
	_ = c.currentConn().SetReadDeadline(time.Unix(1, 0))
}

func (c *Channel) Interrupted() bool {
	return c.interrupted.Load()
}

// EndSession closes the connection once; later calls return the first
// result.
func (c *Channel) EndSession() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.currentConn().Close()
		if c.metrics {
			observability.ChannelClosed(c.side.String())
		}
	})
	return c.closeErr
}

func (c *Channel) Closed() bool {
	return c.closed.Load()
}

func (c *Channel) currentConn() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Channel) observe(dir trace.Direction, t protocol.MessageType) {
	for _, tap := range c.taps {
		tap.Observe(dir, t)
	}
	if c.metrics {
		observability.RecordMessage(c.side.String(), dir.String(), t.String())
	}
}

// endpointRefs resolves handles minted by this side to plain handles and
// handles minted by the peer to tracked proxies.
type endpointRefs struct {
	side   Side
	remote *refs.RemoteTable
}

func (e endpointRefs) ServerObjectRef(wire int32) protocol.ObjectRef {
	if e.side == SideServer {
		return protocol.HandleFromWire(wire)
	}
	return e.remote.Ref(wire)
}

func (e endpointRefs) ScriptObjectRef(wire int32) protocol.ObjectRef {
	if e.side == SideClient {
		return protocol.HandleFromWire(wire)
	}
	return e.remote.Ref(wire)
}
