package channel

import (
	"net"
	"os"
	"sync"
	"time"
)

const interruptibleChunk = 32 << 10

// InterruptibleConn keeps read deadlines on the Go side of conn. A reader
// goroutine drains conn into chunks and Read waits on them, so an expired
// deadline fails the pending Read while conn itself never sees it. Use it
// for conns that tear themselves down when a read deadline passes, such
// as websocket.NetConn, so Interrupt still leaves room for a Quit.
// Write deadlines pass through.
func InterruptibleConn(conn net.Conn) net.Conn {
	c := &interruptibleConn{
		Conn:   conn,
		chunks: make(chan []byte),
		closed: make(chan struct{}),
		wake:   make(chan struct{}),
	}
	go c.pump()
	return c
}

type interruptibleConn struct {
	net.Conn

	chunks  chan []byte
	readErr error
	pending []byte

	mu       sync.Mutex
	deadline time.Time
	wake     chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *interruptibleConn) pump() {
	for {
		buf := make([]byte, interruptibleChunk)
		n, err := c.Conn.Read(buf)
		if n > 0 {
			select {
			case c.chunks <- buf[:n]:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			c.readErr = err
			close(c.chunks)
			return
		}
	}
}

func (c *interruptibleConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	for {
		c.mu.Lock()
		deadline, wake := c.deadline, c.wake
		c.mu.Unlock()

		var expired <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			expired = timer.C
		}

		select {
		case b, ok := <-c.chunks:
			stopTimer(timer)
			if !ok {
				return 0, c.readErr
			}
			n := copy(p, b)
			c.pending = b[n:]
			return n, nil
		case <-expired:
			return 0, os.ErrDeadlineExceeded
		case <-wake:
			stopTimer(timer)
		case <-c.closed:
			stopTimer(timer)
			return 0, net.ErrClosed
		}
	}
}

func (c *interruptibleConn) SetDeadline(t time.Time) error {
	_ = c.SetReadDeadline(t)
	return c.Conn.SetWriteDeadline(t)
}

func (c *interruptibleConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	close(c.wake)
	c.wake = make(chan struct{})
	c.mu.Unlock()
	return nil
}

func (c *interruptibleConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.Conn.Close()
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
