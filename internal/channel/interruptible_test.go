package channel

import (
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/danmuck/devchannel/internal/protocol"
	"github.com/danmuck/devchannel/internal/testutil/testlog"
)

// deadlineClosingConn closes itself when a read deadline is set, the way
// message-oriented conns tear down on an expired read.
type deadlineClosingConn struct {
	net.Conn
}

func (c deadlineClosingConn) SetReadDeadline(time.Time) error {
	return c.Conn.Close()
}

func (c deadlineClosingConn) SetDeadline(time.Time) error {
	return c.Conn.Close()
}

func TestInterruptibleConnDeadlineLeavesConnUsable(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer b.Close()
	ic := InterruptibleConn(deadlineClosingConn{Conn: a})
	defer ic.Close()

	go func() { _, _ = b.Write([]byte("hi")) }()
	buf := make([]byte, 8)
	n, err := io.ReadFull(ic, buf[:2])
	if err != nil || string(buf[:n]) != "hi" {
		t.Fatalf("read got=%q err=%v", buf[:n], err)
	}

	if err := ic.SetReadDeadline(time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var ne net.Error
	if _, err := ic.Read(buf); !errors.Is(err, os.ErrDeadlineExceeded) || !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	got := make(chan string, 1)
	go func() {
		p := make([]byte, 2)
		_, _ = io.ReadFull(b, p)
		got <- string(p)
	}()
	if _, err := ic.Write([]byte("ok")); err != nil {
		t.Fatalf("write after deadline: %v", err)
	}
	if s := <-got; s != "ok" {
		t.Fatalf("peer got %q", s)
	}

	_ = ic.SetReadDeadline(time.Time{})
	go func() { _, _ = b.Write([]byte("go")) }()
	n, err = io.ReadFull(ic, buf[:2])
	if err != nil || string(buf[:n]) != "go" {
		t.Fatalf("read after clearing deadline got=%q err=%v", buf[:n], err)
	}
}

func TestInterruptibleConnDeadlineWakesBlockedRead(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer b.Close()
	ic := InterruptibleConn(a)
	defer ic.Close()

	readErr := make(chan error, 1)
	go func() {
		_, err := ic.Read(make([]byte, 4))
		readErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = ic.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	select {
	case err := <-readErr:
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked read did not observe the new deadline")
	}
}

func TestInterruptibleConnReportsPeerClose(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	ic := InterruptibleConn(a)
	defer ic.Close()

	_ = b.Close()
	if _, err := ic.Read(make([]byte, 4)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after peer close, got %v", err)
	}
}

func TestInterruptOverInterruptibleConnStillSendsQuit(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	server := New(InterruptibleConn(deadlineClosingConn{Conn: a}), SideServer)
	client := New(b, SideClient)
	t.Cleanup(func() {
		_ = server.EndSession()
		_ = client.EndSession()
	})

	readErr := make(chan error, 1)
	go func() {
		_, err := server.ReadMessageType()
		readErr <- err
	}()
	server.Interrupt()
	var ne net.Error
	if err := <-readErr; !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected timeout after interrupt, got %v", err)
	}

	go func() { _ = server.Send(protocol.Quit{}) }()
	typ, err := client.ReadMessageType()
	if err != nil || typ != protocol.MsgQuit {
		t.Fatalf("quit after interrupt got=%s err=%v", typ, err)
	}
}
