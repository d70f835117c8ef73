package codeserver

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/danmuck/devchannel/internal/channel"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// websocketReadLimit bounds one websocket message; the channel codec does
// its own per-field limiting on top.
const websocketReadLimit = 128 << 20

// Switchboard hands websocket connections to the sessions that asked their
// clients to switch. Each token is good for one connection.
type Switchboard struct {
	baseURL string

	mu      sync.Mutex
	waiting map[string]chan net.Conn
}

// NewSwitchboard advertises baseURL (for example ws://host:port/channel) to
// clients switching transport.
func NewSwitchboard(baseURL string) *Switchboard {
	return &Switchboard{
		baseURL: strings.TrimSpace(baseURL),
		waiting: make(map[string]chan net.Conn),
	}
}

func (b *Switchboard) URL(token string) string {
	sep := "?"
	if strings.Contains(b.baseURL, "?") {
		sep = "&"
	}
	return b.baseURL + sep + "token=" + url.QueryEscape(token)
}

func (b *Switchboard) expect() (string, <-chan net.Conn) {
	token := uuid.NewString()
	ch := make(chan net.Conn, 1)
	b.mu.Lock()
	b.waiting[token] = ch
	b.mu.Unlock()
	return token, ch
}

// release retires token and closes a connection that arrived after its
// session stopped waiting.
func (b *Switchboard) release(token string, wait <-chan net.Conn) {
	b.mu.Lock()
	delete(b.waiting, token)
	b.mu.Unlock()
	select {
	case conn := <-wait:
		_ = conn.Close()
	default:
	}
}

func (b *Switchboard) pending(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.waiting[token]
	return ok
}

// deliver passes conn to the waiting session and retires the token.
func (b *Switchboard) deliver(token string, conn net.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.waiting[token]
	if !ok {
		return false
	}
	delete(b.waiting, token)
	ch <- conn
	return true
}

// Accept upgrades GET /channel?token=... and parks the request until the
// session closes the connection, then closes the websocket.
func (b *Switchboard) Accept(c *gin.Context) {
	token := c.Query("token")
	if token == "" || !b.pending(token) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown transport token"})
		return
	}
	ws, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Msgf("codeserver.Switchboard.Accept upgrade remote=%q err=%v", c.Request.RemoteAddr, err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nc := websocket.NetConn(ctx, ws, websocket.MessageBinary)
	ws.SetReadLimit(websocketReadLimit)

	sc := &switchedConn{Conn: nc, done: make(chan struct{})}
	if !b.deliver(token, channel.InterruptibleConn(sc)) {
		_ = ws.Close(websocket.StatusPolicyViolation, "transport token expired")
		return
	}
	<-sc.done
	// Close handshake runs here, off the session's teardown path.
	if err := nc.Close(); err != nil {
		log.Debug().Msgf("codeserver.Switchboard.Accept close remote=%q err=%v", c.Request.RemoteAddr, err)
	}
}

// switchedConn hands Close back to the parked upgrade handler.
type switchedConn struct {
	net.Conn
	once sync.Once
	done chan struct{}
}

func (c *switchedConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
