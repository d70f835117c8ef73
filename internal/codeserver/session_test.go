package codeserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/devchannel/internal/channel"
	"github.com/danmuck/devchannel/internal/iconcache"
	"github.com/danmuck/devchannel/internal/jsni"
	"github.com/danmuck/devchannel/internal/protocol"
	"github.com/danmuck/devchannel/internal/testutil/testlog"
	"github.com/danmuck/devchannel/internal/trace"
)

type testModule struct {
	methods  map[int32]Method
	props    map[int32]protocol.Value
	loadErr  error
	unloaded bool
	lastErr  error
}

func (m *testModule) Load(*Session) error { return m.loadErr }

func (m *testModule) Unload(*Session) { m.unloaded = true }

func (m *testModule) Methods() map[int32]Method { return m.methods }

func (m *testModule) GetProperty(_ *Session, id int32) (protocol.Value, error) {
	v, ok := m.props[id]
	if !ok {
		return protocol.Value{}, fmt.Errorf("no property %d", id)
	}
	return v, nil
}

func (m *testModule) SetProperty(_ *Session, id int32, v protocol.Value) error {
	m.props[id] = v
	return nil
}

var (
	errServerSide = errors.New("server side")
	jsniMinifier  = jsni.Preparer{Minify: true}
)

func newTestModule() *testModule {
	m := &testModule{props: map[int32]protocol.Value{3: protocol.Int(99)}}
	m.methods = map[int32]Method{
		1: func(s *Session, _ any, _ []protocol.Value) (protocol.Value, error) {
			v, err := s.InvokeClient("onClick", protocol.Null(), protocol.Int(1))
			if err != nil {
				m.lastErr = err
				return protocol.Value{}, err
			}
			return v, nil
		},
		2: func(s *Session, _ any, args []protocol.Value) (protocol.Value, error) {
			s.ReleaseScriptObject(args[0])
			return protocol.Undefined(), nil
		},
		3: func(s *Session, _ any, _ []protocol.Value) (protocol.Value, error) {
			return s.ExposeObject(&struct{ name string }{"widget"})
		},
		4: func(s *Session, _ any, args []protocol.Value) (protocol.Value, error) {
			id, _ := args[0].AsInt()
			return protocol.Bool(s.Channel().Exposed().Live(id)), nil
		},
		5: func(s *Session, _ any, _ []protocol.Value) (protocol.Value, error) {
			_, err := s.InvokeClient("boom", protocol.Undefined())
			var se *ScriptError
			if !errors.As(err, &se) {
				return protocol.Value{}, fmt.Errorf("expected script error, got %v", err)
			}
			return protocol.String(se.Message), nil
		},
		6: func(s *Session, _ any, _ []protocol.Value) (protocol.Value, error) {
			ref, err := s.ExposeObject(errServerSide)
			if err != nil {
				return protocol.Value{}, err
			}
			_, err = s.InvokeClient("rethrow", protocol.Null(), ref)
			var se *ScriptError
			if !errors.As(err, &se) {
				return protocol.Value{}, fmt.Errorf("expected script error, got %v", err)
			}
			return protocol.String(fmt.Sprintf("%s|%t", se.Message, se.Object == errServerSide)), nil
		},
		7: func(_ *Session, _ any, args []protocol.Value) (protocol.Value, error) {
			n, _ := args[0].AsInt()
			return protocol.Int(n + 1), nil
		},
		8: func(_ *Session, _ any, _ []protocol.Value) (protocol.Value, error) {
			return protocol.Value{}, &Thrown{Value: protocol.Int(-1)}
		},
	}
	return m
}

type harness struct {
	t      *testing.T
	sess   *Session
	client *channel.Channel
	rec    *trace.Recorder
	errc   chan error
	cancel context.CancelFunc
}

func startSession(t *testing.T, h Handler, cfg SessionConfig) *harness {
	t.Helper()
	a, b := net.Pipe()
	rec := trace.NewRecorder()
	cfg.Tap = rec
	cfg.Session.HandshakeTimeout = 2 * time.Second
	cfg.Session.WriteTimeout = 2 * time.Second
	sess := NewSession(a, h, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sess.Run(ctx) }()
	client := channel.New(b, channel.SideClient)
	t.Cleanup(func() {
		cancel()
		_ = client.EndSession()
	})
	return &harness{t: t, sess: sess, client: client, rec: rec, errc: errc, cancel: cancel}
}

func registryWith(m *testModule) *Registry {
	r := NewRegistry()
	r.Register("demo", func() Module { return m })
	return r
}

func (h *harness) send(m protocol.Message) {
	h.t.Helper()
	if err := h.client.Send(m); err != nil {
		h.t.Fatalf("send %s: %v", m.Type(), err)
	}
}

func (h *harness) expect(want protocol.MessageType) {
	h.t.Helper()
	typ, err := h.client.ReadMessageType()
	if err != nil {
		h.t.Fatalf("read %s: %v", want, err)
	}
	if typ != want {
		h.t.Fatalf("message type got=%s want=%s", typ, want)
	}
}

func (h *harness) readReturn() protocol.Return {
	h.t.Helper()
	h.expect(protocol.MsgReturn)
	r, err := protocol.ReadReturn(h.client.Decoder())
	if err != nil {
		h.t.Fatalf("read return: %v", err)
	}
	return r
}

func (h *harness) readFatal() string {
	h.t.Helper()
	h.expect(protocol.MsgFatalError)
	m, err := protocol.ReadFatalError(h.client.Decoder())
	if err != nil {
		h.t.Fatalf("read fatal: %v", err)
	}
	return m.Message
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatalf("session did not finish")
		return nil
	}
}

func (h *harness) checkVersions(lo, hi int32) int32 {
	h.t.Helper()
	h.send(protocol.CheckVersions{MinVersion: lo, MaxVersion: hi, HostedHTMLVersion: "2.1"})
	h.expect(protocol.MsgProtocolVersion)
	pv, err := protocol.ReadProtocolVersion(h.client.Decoder())
	if err != nil {
		h.t.Fatalf("read protocol version: %v", err)
	}
	return pv.Version
}

func (h *harness) loadModule(name string) {
	h.t.Helper()
	h.send(protocol.LoadModule{
		URL:        "http://localhost:8888/app.html",
		TabKey:     "tab-1",
		SessionKey: "session-1",
		ModuleName: name,
		UserAgent:  "UA/1.0",
	})
}

// handshake loads the demo module with no icon cache configured.
func (h *harness) handshake() {
	h.t.Helper()
	if v := h.checkVersions(2, 3); v != 3 {
		h.t.Fatalf("negotiated version got=%d want=3", v)
	}
	h.loadModule("demo")
	if r := h.readReturn(); r.Exception || !r.Value.IsUndefined() {
		h.t.Fatalf("load module return got=%+v", r)
	}
}

func (h *harness) invoke(dispatchID int32, args ...protocol.Value) protocol.Return {
	h.t.Helper()
	h.send(protocol.InvokeOnServer{DispatchID: dispatchID, This: protocol.Null(), Args: args})
	return h.readReturn()
}

func (h *harness) quit() {
	h.t.Helper()
	h.send(protocol.Quit{})
	if err := h.wait(); err != nil {
		h.t.Fatalf("session after quit: %v", err)
	}
}

func TestHandshakeNegotiatesAndLoadsModule(t *testing.T) {
	testlog.Start(t)
	mod := newTestModule()
	h := startSession(t, registryWith(mod), SessionConfig{})
	h.handshake()
	h.quit()

	if h.sess.ModuleName() != "demo" || h.sess.UserAgent() != "UA/1.0" || h.sess.ProtocolVersion() != 3 {
		t.Fatalf("session request not recorded: module=%q ua=%q version=%d",
			h.sess.ModuleName(), h.sess.UserAgent(), h.sess.ProtocolVersion())
	}
	if h.sess.SessionKey() != "session-1" || h.sess.TabKey() != "tab-1" {
		t.Fatalf("keys got session=%q tab=%q", h.sess.SessionKey(), h.sess.TabKey())
	}
	if !mod.unloaded {
		t.Fatalf("module was not unloaded")
	}
	info, ok := h.sess.Info()
	if !ok || info.ModuleName != "demo" || info.ID != h.sess.ID() {
		t.Fatalf("info got=%+v ok=%v", info, ok)
	}
	wantIn := []protocol.MessageType{protocol.MsgCheckVersions, protocol.MsgLoadModule, protocol.MsgQuit}
	if got := h.rec.Types(trace.Inbound); !reflect.DeepEqual(got, wantIn) {
		t.Fatalf("inbound got=%v want=%v", got, wantIn)
	}
	wantOut := []protocol.MessageType{protocol.MsgProtocolVersion, protocol.MsgReturn}
	if got := h.rec.Types(trace.Outbound); !reflect.DeepEqual(got, wantOut) {
		t.Fatalf("outbound got=%v want=%v", got, wantOut)
	}
}

func TestHandshakeNegotiatesDownToClientMax(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, registryWith(newTestModule()), SessionConfig{Icons: iconcache.NewMemory()})
	if v := h.checkVersions(2, 2); v != 2 {
		t.Fatalf("negotiated version got=%d want=2", v)
	}
	h.loadModule("demo")
	if r := h.readReturn(); r.Exception {
		t.Fatalf("load failed: %+v", r)
	}
	h.quit()
}

func TestHandshakeRejectsVersionRange(t *testing.T) {
	cases := []struct {
		name   string
		lo, hi int32
		want   string
	}{
		{"too new", 4, 5, "Client supported protocol version range 4 - 5; server 2 - 3"},
		{"too old", 0, 1, "Client supported protocol version range 0 - 1; server 2 - 3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			testlog.Start(t)
			h := startSession(t, registryWith(newTestModule()), SessionConfig{})
			h.send(protocol.CheckVersions{MinVersion: tc.lo, MaxVersion: tc.hi, HostedHTMLVersion: "2.1"})
			if got := h.readFatal(); got != tc.want {
				t.Fatalf("fatal got=%q want=%q", got, tc.want)
			}
			if err := h.wait(); !errors.Is(err, ErrVersionMismatch) {
				t.Fatalf("expected ErrVersionMismatch, got %v", err)
			}
		})
	}
}

func TestHandshakeRejectsHostedHTMLVersion(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, registryWith(newTestModule()), SessionConfig{})
	h.send(protocol.CheckVersions{MinVersion: 2, MaxVersion: 3, HostedHTMLVersion: "1.9"})
	if got := h.readFatal(); got != "Invalid hosted.html version - 1.9" {
		t.Fatalf("fatal got=%q", got)
	}
	if err := h.wait(); !errors.Is(err, ErrHostedHTMLVersion) {
		t.Fatalf("expected ErrHostedHTMLVersion, got %v", err)
	}
}

func TestValidHostedHTMLVersion(t *testing.T) {
	testlog.Start(t)
	for got, want := range map[string]bool{"2.1": true, "2.1.4": true, " 2.1 ": true, "2.10": false, "2.0": false, "": false} {
		if validHostedHTMLVersion(got, "2.1") != want {
			t.Fatalf("validHostedHTMLVersion(%q) want %v", got, want)
		}
	}
}

func TestRequestPluginIsFatal(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, registryWith(newTestModule()), SessionConfig{})
	h.checkVersions(2, 3)
	h.send(protocol.RequestPlugin{})
	if got := h.readFatal(); got != "Plugin download not supported" {
		t.Fatalf("fatal got=%q", got)
	}
	if err := h.wait(); !errors.Is(err, ErrPluginUnsupported) {
		t.Fatalf("expected ErrPluginUnsupported, got %v", err)
	}
}

func TestUnexpectedFirstMessageIsFatal(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, registryWith(newTestModule()), SessionConfig{})
	h.send(protocol.Quit{})
	if got := h.readFatal(); got != "Unexpected message type Quit; expecting CheckVersions" {
		t.Fatalf("fatal got=%q", got)
	}
	if err := h.wait(); !protocol.IsProtocolError(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestLegacyLoadModule(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, registryWith(newTestModule()), SessionConfig{Icons: iconcache.NewMemory()})
	h.send(protocol.OldLoadModule{ProtoVersion: 1, ModuleName: "demo", UserAgent: "Old/0.9"})
	if r := h.readReturn(); r.Exception {
		t.Fatalf("legacy load failed: %+v", r)
	}
	h.quit()
	info, _ := h.sess.Info()
	if !info.Legacy || h.sess.ProtocolVersion() != protocol.VersionLegacyLoad {
		t.Fatalf("legacy session info=%+v version=%d", info, h.sess.ProtocolVersion())
	}
}

func TestLegacyLoadModuleRejectsOtherVersions(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, registryWith(newTestModule()), SessionConfig{})
	h.send(protocol.OldLoadModule{ProtoVersion: 2, ModuleName: "demo", UserAgent: "Old/0.9"})
	h.readFatal()
	if err := h.wait(); !errors.Is(err, protocol.ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestIconExchangeIsCachedPerUserAgent(t *testing.T) {
	testlog.Start(t)
	icons := iconcache.NewMemory()
	icon := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}

	first := startSession(t, registryWith(newTestModule()), SessionConfig{Icons: icons})
	first.checkVersions(2, 3)
	first.loadModule("demo")
	first.expect(protocol.MsgRequestIcon)
	first.send(protocol.UserAgentIcon{Icon: icon})
	if r := first.readReturn(); r.Exception {
		t.Fatalf("load failed: %+v", r)
	}
	if !bytes.Equal(first.sess.Icon(), icon) {
		t.Fatalf("first session icon got=%v", first.sess.Icon())
	}
	first.quit()

	second := startSession(t, registryWith(newTestModule()), SessionConfig{Icons: icons})
	second.checkVersions(2, 3)
	second.loadModule("demo")
	if r := second.readReturn(); r.Exception {
		t.Fatalf("cached load failed: %+v", r)
	}
	if !bytes.Equal(second.sess.Icon(), icon) {
		t.Fatalf("cached icon got=%v", second.sess.Icon())
	}
	second.quit()
}

func TestModuleLoadFailureReturnsException(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, NewRegistry(), SessionConfig{})
	h.checkVersions(2, 3)
	h.loadModule("missing")
	r := h.readReturn()
	msg, _ := r.Value.AsString()
	if !r.Exception || msg != "An error occurred loading the GWT module missing" {
		t.Fatalf("load failure return got=%+v", r)
	}
	h.expect(protocol.MsgQuit)
	if err := h.wait(); !errors.Is(err, ErrModuleLoad) {
		t.Fatalf("expected ErrModuleLoad, got %v", err)
	}
}

func TestNestedCallbackDuringInvokeClient(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, registryWith(newTestModule()), SessionConfig{})
	h.handshake()

	h.send(protocol.InvokeOnServer{DispatchID: 1, This: protocol.Null()})
	h.expect(protocol.MsgInvoke)
	call, err := protocol.ReadInvokeOnClient(h.client.Decoder())
	if err != nil {
		t.Fatalf("read invoke: %v", err)
	}
	if call.Method != "onClick" || len(call.Args) != 1 || !call.Args[0].Equal(protocol.Int(1)) {
		t.Fatalf("client invoke got=%+v", call)
	}

	h.send(protocol.InvokeOnServer{DispatchID: 7, This: protocol.Null(), Args: []protocol.Value{protocol.Int(42)}})
	if r := h.readReturn(); r.Exception || !r.Value.Equal(protocol.Int(43)) {
		t.Fatalf("nested return got=%+v", r)
	}
	h.send(protocol.Return{Value: protocol.String("clicked")})
	if r := h.readReturn(); r.Exception || !r.Value.Equal(protocol.String("clicked")) {
		t.Fatalf("outer return got=%+v", r)
	}
	h.quit()

	wantOut := []protocol.MessageType{
		protocol.MsgProtocolVersion, protocol.MsgReturn,
		protocol.MsgInvoke, protocol.MsgReturn, protocol.MsgReturn,
	}
	if got := h.rec.Types(trace.Outbound); !reflect.DeepEqual(got, wantOut) {
		t.Fatalf("outbound got=%v want=%v", got, wantOut)
	}
}

func TestReleasedScriptObjectIsFreedBeforeReturn(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, registryWith(newTestModule()), SessionConfig{})
	h.handshake()

	h.send(protocol.InvokeOnServer{
		DispatchID: 2,
		This:       protocol.Null(),
		Args:       []protocol.Value{protocol.ScriptObject(protocol.NewHandle(9))},
	})
	h.expect(protocol.MsgFreeValue)
	fv, err := protocol.ReadFreeValue(h.client.Decoder())
	if err != nil {
		t.Fatalf("read free value: %v", err)
	}
	if !reflect.DeepEqual(fv.IDs, []int32{9}) {
		t.Fatalf("freed ids got=%v", fv.IDs)
	}
	if r := h.readReturn(); r.Exception {
		t.Fatalf("return got=%+v", r)
	}
	h.quit()
	if err := h.rec.CheckFreeOrdering(); err != nil {
		t.Fatalf("free ordering: %v", err)
	}
}

func TestClientFreeValueReleasesExposedObject(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, registryWith(newTestModule()), SessionConfig{})
	h.handshake()

	r := h.invoke(3)
	ref, ok := r.Value.AsRef()
	if r.Exception || !ok || r.Value.Type() != protocol.TypeServerObject {
		t.Fatalf("expose return got=%+v", r)
	}
	id := ref.ID()
	if id == protocol.DispatchObjectID {
		t.Fatalf("exposed object got the reserved handle")
	}
	if live := h.invoke(4, protocol.Int(id)); !live.Value.Equal(protocol.Bool(true)) {
		t.Fatalf("exposed handle should be live, got %+v", live)
	}

	h.send(protocol.FreeValue{IDs: []int32{id}})
	if live := h.invoke(4, protocol.Int(id)); !live.Value.Equal(protocol.Bool(false)) {
		t.Fatalf("freed handle should be dead, got %+v", live)
	}
	h.quit()
}

func TestScriptExceptionsAreConverted(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, registryWith(newTestModule()), SessionConfig{})
	h.handshake()

	h.send(protocol.InvokeOnServer{DispatchID: 5, This: protocol.Null()})
	h.expect(protocol.MsgInvoke)
	if _, err := protocol.ReadInvokeOnClient(h.client.Decoder()); err != nil {
		t.Fatalf("read invoke: %v", err)
	}
	h.send(protocol.Return{Exception: true, Value: protocol.String("kaboom")})
	if r := h.readReturn(); r.Exception || !r.Value.Equal(protocol.String("kaboom")) {
		t.Fatalf("string exception got=%+v", r)
	}

	h.send(protocol.InvokeOnServer{DispatchID: 6, This: protocol.Null()})
	h.expect(protocol.MsgInvoke)
	call, err := protocol.ReadInvokeOnClient(h.client.Decoder())
	if err != nil {
		t.Fatalf("read invoke: %v", err)
	}
	if call.Method != "rethrow" || call.Args[0].Type() != protocol.TypeServerObject {
		t.Fatalf("rethrow call got=%+v", call)
	}
	h.send(protocol.Return{Exception: true, Value: call.Args[0]})
	if r := h.readReturn(); !r.Value.Equal(protocol.String("server side|true")) {
		t.Fatalf("server object exception got=%+v", r)
	}
	h.quit()
}

func TestMethodErrorsBecomeExceptions(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, registryWith(newTestModule()), SessionConfig{})
	h.handshake()

	if r := h.invoke(8); !r.Exception || !r.Value.Equal(protocol.Int(-1)) {
		t.Fatalf("thrown value got=%+v", r)
	}
	r := h.invoke(99)
	msg, _ := r.Value.AsString()
	if !r.Exception || msg != "codeserver: unknown dispatch id: 99" {
		t.Fatalf("unknown dispatch got=%+v", r)
	}
	h.quit()
}

func TestSpecialPropertyAccess(t *testing.T) {
	testlog.Start(t)
	mod := newTestModule()
	h := startSession(t, registryWith(mod), SessionConfig{})
	h.handshake()

	get := func(id int32) protocol.Return {
		h.send(protocol.InvokeSpecial{
			Dispatch: protocol.SpecialGetProperty,
			Args:     []protocol.Value{protocol.Int(protocol.DispatchObjectID), protocol.Int(id)},
		})
		return h.readReturn()
	}
	if r := get(3); r.Exception || !r.Value.Equal(protocol.Int(99)) {
		t.Fatalf("get got=%+v", r)
	}
	h.send(protocol.InvokeSpecial{
		Dispatch: protocol.SpecialSetProperty,
		Args:     []protocol.Value{protocol.Int(0), protocol.Int(3), protocol.String("updated")},
	})
	if r := h.readReturn(); r.Exception || !r.Value.IsUndefined() {
		t.Fatalf("set got=%+v", r)
	}
	if r := get(3); !r.Value.Equal(protocol.String("updated")) {
		t.Fatalf("get after set got=%+v", r)
	}
	if r := get(12); !r.Exception {
		t.Fatalf("missing property must throw, got %+v", r)
	}
	h.quit()
}

func TestHasMethodIsProtocolError(t *testing.T) {
	testlog.Start(t)
	h := startSession(t, registryWith(newTestModule()), SessionConfig{})
	h.handshake()

	h.send(protocol.InvokeSpecial{
		Dispatch: protocol.SpecialHasMethod,
		Args:     []protocol.Value{protocol.Int(0), protocol.Int(1)},
	})
	if _, err := h.client.ReadMessageType(); err == nil {
		t.Fatalf("expected the connection to close")
	}
	err := h.wait()
	if !channel.IsRemoteDeath(err) || !errors.Is(err, ErrUnsupportedSpecial) {
		t.Fatalf("expected remote death from unsupported special, got %v", err)
	}
}

func TestQuitWhileAwaitingReturnIsRemoteDeath(t *testing.T) {
	testlog.Start(t)
	mod := newTestModule()
	h := startSession(t, registryWith(mod), SessionConfig{})
	h.handshake()

	h.send(protocol.InvokeOnServer{DispatchID: 1, This: protocol.Null()})
	h.expect(protocol.MsgInvoke)
	if _, err := protocol.ReadInvokeOnClient(h.client.Decoder()); err != nil {
		t.Fatalf("read invoke: %v", err)
	}
	h.send(protocol.Quit{})

	if err := h.wait(); !channel.IsRemoteDeath(err) {
		t.Fatalf("expected remote death, got %v", err)
	}
	if !errors.Is(mod.lastErr, channel.ErrPeerQuit) || !channel.IsRemoteDeath(mod.lastErr) {
		t.Fatalf("invoke client error got %v", mod.lastErr)
	}
	if !mod.unloaded {
		t.Fatalf("module must be unloaded after remote death")
	}
}

func TestCancelAsksClientToQuit(t *testing.T) {
	testlog.Start(t)
	mod := newTestModule()
	h := startSession(t, registryWith(mod), SessionConfig{})
	h.handshake()

	h.cancel()
	h.expect(protocol.MsgQuit)
	if err := h.wait(); err != nil {
		t.Fatalf("cancelled session got %v", err)
	}
	if !mod.unloaded {
		t.Fatalf("module must be unloaded on shutdown")
	}
}

func TestLoadJsniIsPreparedAndSent(t *testing.T) {
	testlog.Start(t)
	mod := newTestModule()
	mod.methods[20] = func(s *Session, _ any, args []protocol.Value) (protocol.Value, error) {
		src, _ := args[0].AsString()
		if err := s.LoadJsni(src); err != nil {
			return protocol.Value{}, err
		}
		return protocol.Undefined(), nil
	}
	h := startSession(t, registryWith(mod), SessionConfig{JSNI: &jsniMinifier})
	h.handshake()

	h.send(protocol.InvokeOnServer{
		DispatchID: 20,
		This:       protocol.Null(),
		Args:       []protocol.Value{protocol.String("function   greet( name ) {  return 'hi ' + name; }")},
	})
	h.expect(protocol.MsgLoadJsni)
	m, err := protocol.ReadLoadJsni(h.client.Decoder())
	if err != nil {
		t.Fatalf("read jsni: %v", err)
	}
	if !bytes.Contains([]byte(m.Source), []byte("function greet(")) {
		t.Fatalf("jsni source got=%q", m.Source)
	}
	if r := h.readReturn(); r.Exception {
		t.Fatalf("return got=%+v", r)
	}

	if r := h.invoke(20, protocol.String("function broken( {")); !r.Exception {
		t.Fatalf("bad jsni must surface as an exception, got %+v", r)
	}
	h.quit()
}
