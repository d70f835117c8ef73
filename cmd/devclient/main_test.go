package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/devchannel/internal/codeserver"
	"github.com/danmuck/devchannel/internal/protocol"
	"github.com/danmuck/devchannel/internal/testutil/testlog"
)

type pageModule struct{}

func (pageModule) Load(s *codeserver.Session) error {
	return s.LoadJsni("function double(n) { return n * 2; }")
}

func (pageModule) Unload(*codeserver.Session) {}

func (pageModule) Methods() map[int32]codeserver.Method {
	return map[int32]codeserver.Method{
		1: func(*codeserver.Session, any, []protocol.Value) (protocol.Value, error) {
			return protocol.Int(7), nil
		},
	}
}

func startServer(t *testing.T) (*codeserver.Service, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	reg := codeserver.NewRegistry()
	reg.Register("page", func() codeserver.Module { return pageModule{} })
	cfg := codeserver.DefaultServiceConfig()
	cfg.Metrics = false
	svc := codeserver.NewServiceWithConfig(cfg, reg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("serve did not stop")
		}
	})
	return svc, ln.Addr().String()
}

func TestRunEvaluatesScriptAndQuits(t *testing.T) {
	testlog.Start(t)
	svc, addr := startServer(t)
	cfg := defaultRunConfig()
	cfg.Client.Address = addr
	cfg.Client.ModuleName = "page"
	cfg.Client.MaxConnectAttempts = 1
	cfg.Script = "__devchan.invoke(1, null) + double(2)"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := run(ctx, cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for len(svc.Sessions()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session still live after quit")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunReportsScriptFailure(t *testing.T) {
	testlog.Start(t)
	_, addr := startServer(t)
	cfg := defaultRunConfig()
	cfg.Client.Address = addr
	cfg.Client.ModuleName = "page"
	cfg.Client.MaxConnectAttempts = 1
	cfg.Script = "throw new Error('broken')"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := run(ctx, cfg); err == nil {
		t.Fatalf("expected script failure")
	}
}
