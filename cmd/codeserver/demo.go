package main

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/devchannel/internal/codeserver"
	"github.com/danmuck/devchannel/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Dispatch ids of the hello module.
const (
	dispatchAdd        int32 = 1
	dispatchGreet      int32 = 2
	dispatchNewCounter int32 = 3
	dispatchIncrement  int32 = 4
)

// Property ids.
const (
	propGreeting int32 = 1
	propCount    int32 = 1
)

const helloScript = `function helloName() { return "world"; }`

func demoRegistry() *codeserver.Registry {
	reg := codeserver.NewRegistry()
	reg.Register("hello", func() codeserver.Module { return newHelloModule() })
	return reg
}

// helloModule shows each direction of the channel: plain calls, a call
// back into the client, exposed objects and properties.
type helloModule struct {
	mu       sync.Mutex
	greeting string
}

func newHelloModule() *helloModule {
	return &helloModule{greeting: "hello"}
}

func (m *helloModule) Load(s *codeserver.Session) error {
	log.Info().Msgf("codeserver.hello load session=%s user_agent=%q", s.ID(), s.UserAgent())
	return s.LoadJsni(helloScript)
}

func (m *helloModule) Unload(s *codeserver.Session) {
	log.Info().Msgf("codeserver.hello unload session=%s", s.ID())
}

func (m *helloModule) Methods() map[int32]codeserver.Method {
	return map[int32]codeserver.Method{
		dispatchAdd:        m.add,
		dispatchGreet:      m.greet,
		dispatchNewCounter: m.newCounter,
		dispatchIncrement:  m.increment,
	}
}

func (m *helloModule) add(_ *codeserver.Session, _ any, args []protocol.Value) (protocol.Value, error) {
	var sum float64
	integral := true
	for _, a := range args {
		f, ok := a.Float64()
		if !ok {
			return protocol.Value{}, fmt.Errorf("add: not a number: %s", a)
		}
		if a.Type() == protocol.TypeDouble {
			integral = false
		}
		sum += f
	}
	return protocol.FromGo(numeric(sum, integral))
}

func numeric(f float64, integral bool) any {
	if integral {
		return int64(f)
	}
	return f
}

// greet asks the client for a name and answers with the module greeting.
func (m *helloModule) greet(s *codeserver.Session, _ any, _ []protocol.Value) (protocol.Value, error) {
	name, err := s.InvokeClient("helloName", protocol.Null())
	if err != nil {
		return protocol.Value{}, err
	}
	who, ok := name.AsString()
	if !ok {
		who = name.String()
	}
	m.mu.Lock()
	greeting := m.greeting
	m.mu.Unlock()
	return protocol.String(greeting + ", " + who), nil
}

func (m *helloModule) newCounter(s *codeserver.Session, _ any, _ []protocol.Value) (protocol.Value, error) {
	return s.ExposeObject(&counter{})
}

func (m *helloModule) increment(_ *codeserver.Session, this any, _ []protocol.Value) (protocol.Value, error) {
	c, ok := this.(*counter)
	if !ok {
		return protocol.Value{}, errors.New("increment: receiver is not a counter")
	}
	return protocol.Int(c.add(1)), nil
}

func (m *helloModule) GetProperty(_ *codeserver.Session, dispatchID int32) (protocol.Value, error) {
	if dispatchID != propGreeting {
		return protocol.Value{}, fmt.Errorf("hello: no property %d", dispatchID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return protocol.String(m.greeting), nil
}

func (m *helloModule) SetProperty(_ *codeserver.Session, dispatchID int32, value protocol.Value) error {
	if dispatchID != propGreeting {
		return fmt.Errorf("hello: no property %d", dispatchID)
	}
	s, ok := value.AsString()
	if !ok {
		return fmt.Errorf("hello: greeting must be a string, got %s", value.Type())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.greeting = s
	return nil
}

type counter struct {
	mu sync.Mutex
	n  int32
}

func (c *counter) add(d int32) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += d
	return c.n
}

func (c *counter) GetProperty(_ *codeserver.Session, dispatchID int32) (protocol.Value, error) {
	if dispatchID != propCount {
		return protocol.Value{}, fmt.Errorf("counter: no property %d", dispatchID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.Int(c.n), nil
}

func (c *counter) SetProperty(_ *codeserver.Session, dispatchID int32, value protocol.Value) error {
	if dispatchID != propCount {
		return fmt.Errorf("counter: no property %d", dispatchID)
	}
	n, ok := value.AsInt()
	if !ok {
		return fmt.Errorf("counter: count must be an int, got %s", value.Type())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = n
	return nil
}
