package channel

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/danmuck/devchannel/internal/protocol"
	"github.com/danmuck/devchannel/internal/refs"
	"github.com/danmuck/devchannel/internal/testutil/testlog"
	"github.com/danmuck/devchannel/internal/trace"
)

func pipeChannels(t *testing.T) (*Channel, *Channel, *trace.Recorder) {
	t.Helper()
	a, b := net.Pipe()
	rec := trace.NewRecorder()
	server := New(a, SideServer, WithTap(rec), WithDispatchObject("dispatch"))
	client := New(b, SideClient)
	t.Cleanup(func() {
		_ = server.EndSession()
		_ = client.EndSession()
	})
	return server, client, rec
}

func TestRefFactoryPerSide(t *testing.T) {
	testlog.Start(t)
	server, client, _ := pipeChannels(t)

	errc := make(chan error, 1)
	go func() {
		errc <- client.Send(protocol.InvokeOnServer{
			DispatchID: 1,
			This:       protocol.ServerObject(protocol.NewHandle(0)),
			Args:       []protocol.Value{protocol.ScriptObject(protocol.NewHandle(5))},
		})
	}()
	typ, err := server.ReadMessageType()
	if err != nil || typ != protocol.MsgInvoke {
		t.Fatalf("read type got=%s err=%v", typ, err)
	}
	msg, err := protocol.ReadInvokeOnServer(server.Decoder())
	if err != nil {
		t.Fatalf("read invoke: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}
	this, _ := msg.This.AsRef()
	if _, ok := this.(protocol.Handle); !ok {
		t.Fatalf("own server ref must decode as plain handle, got %T", this)
	}
	arg, _ := msg.Args[0].AsRef()
	if _, ok := arg.(*refs.Proxy); !ok {
		t.Fatalf("peer script ref must decode as proxy, got %T", arg)
	}
	if server.Remote().Len() != 1 {
		t.Fatalf("expected one tracked proxy, got %d", server.Remote().Len())
	}
	if got, err := server.Exposed().Get(refs.ReservedHandle); err != nil || got != "dispatch" {
		t.Fatalf("dispatch object got=%v err=%v", got, err)
	}
}

func TestFreedValuesPrecedeRequestsAndReturns(t *testing.T) {
	testlog.Start(t)
	server, client, rec := pipeChannels(t)

	server.Remote().Proxy(3).Release()
	server.Remote().Proxy(8).Release()

	done := make(chan error, 1)
	go func() {
		if err := server.Send(protocol.LoadJsni{Source: "1"}); err != nil {
			done <- err
			return
		}
		if err := server.SendReturn(protocol.Return{Value: protocol.Undefined()}); err != nil {
			done <- err
			return
		}
		done <- server.SendRequest(protocol.InvokeOnClient{Method: "f", This: protocol.Null()})
	}()

	want := []protocol.MessageType{protocol.MsgLoadJsni, protocol.MsgFreeValue, protocol.MsgReturn, protocol.MsgInvoke}
	for i, w := range want {
		typ, err := client.ReadMessageType()
		if err != nil || typ != w {
			t.Fatalf("message %d got=%s err=%v want=%s", i, typ, err, w)
		}
		switch typ {
		case protocol.MsgLoadJsni:
			_, err = protocol.ReadLoadJsni(client.Decoder())
		case protocol.MsgFreeValue:
			var fv protocol.FreeValue
			fv, err = protocol.ReadFreeValue(client.Decoder())
			if len(fv.IDs) != 2 || fv.IDs[0] != 3 || fv.IDs[1] != 8 {
				t.Fatalf("free ids got=%v", fv.IDs)
			}
		case protocol.MsgReturn:
			_, err = protocol.ReadReturn(client.Decoder())
		case protocol.MsgInvoke:
			_, err = protocol.ReadInvokeOnClient(client.Decoder())
		}
		if err != nil {
			t.Fatalf("read body %s: %v", typ, err)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := rec.CheckFreeOrdering(); err != nil {
		t.Fatalf("free ordering: %v", err)
	}
}

func TestEndSessionIsIdempotent(t *testing.T) {
	testlog.Start(t)
	server, client, _ := pipeChannels(t)
	first := server.EndSession()
	if second := server.EndSession(); second != first {
		t.Fatalf("repeated EndSession changed result: %v vs %v", first, second)
	}
	if !server.Closed() {
		t.Fatalf("channel must report closed")
	}
	if err := server.Send(protocol.Quit{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := client.ReadMessageType(); !errors.Is(err, io.EOF) {
		t.Fatalf("peer read after close expected io.EOF, got %v", err)
	}
}

func TestDeathWrapsOnce(t *testing.T) {
	testlog.Start(t)
	cause := io.ErrUnexpectedEOF
	err := Death(cause)
	if !IsRemoteDeath(err) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("death must match sentinel and cause: %v", err)
	}
	if again := Death(err); again != err {
		t.Fatalf("death must not double wrap")
	}
	if Death(nil) != nil {
		t.Fatalf("death of nil must be nil")
	}
}

func TestRebindSwitchesConnection(t *testing.T) {
	testlog.Start(t)
	server, _, _ := pipeChannels(t)
	a, b := net.Pipe()
	defer b.Close()
	if err := server.Rebind(a); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	reader := New(b, SideClient)
	go func() { _ = server.Send(protocol.Quit{}) }()
	typ, err := reader.ReadMessageType()
	if err != nil || typ != protocol.MsgQuit {
		t.Fatalf("read over new conn got=%s err=%v", typ, err)
	}
}

func TestInterruptFailsReadsButKeepsWrites(t *testing.T) {
	testlog.Start(t)
	server, client, _ := pipeChannels(t)

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

	server.SetDeadline(0)
	if _, err := server.ReadMessageType(); err == nil {
		t.Fatalf("clearing deadlines must not undo an interrupt")
	}

	go func() { _ = server.Send(protocol.Quit{}) }()
	typ, err := client.ReadMessageType()
	if err != nil || typ != protocol.MsgQuit {
		t.Fatalf("write after interrupt got=%s err=%v", typ, err)
	}
}
