package codeserver

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/devchannel/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Method is one dispatchable entry point. this is the resolved receiver:
// nil for null/undefined, the exposed object for a ServerObject, or the
// protocol.Value itself for anything else.
type Method func(s *Session, this any, args []protocol.Value) (protocol.Value, error)

// Module is the server half of a loaded module, created fresh per session.
type Module interface {
	Load(s *Session) error
	Unload(s *Session)
	Methods() map[int32]Method
}

// PropertyHost is implemented by modules and exposed objects that answer
// property reads and writes.
type PropertyHost interface {
	GetProperty(s *Session, dispatchID int32) (protocol.Value, error)
	SetProperty(s *Session, dispatchID int32, value protocol.Value) error
}

// ModuleFactory builds one module instance for a session.
type ModuleFactory func() Module

// Registry is a Handler that routes calls to modules registered by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ModuleFactory
	loaded    map[*Session]Module
}

var _ Handler = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ModuleFactory),
		loaded:    make(map[*Session]Module),
	}
}

func (r *Registry) Register(name string, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Modules lists registered names in sorted order.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) LoadModule(s *Session, req ModuleRequest) error {
	r.mu.RLock()
	factory, ok := r.factories[req.ModuleName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, req.ModuleName)
	}
	m := factory()
	if err := m.Load(s); err != nil {
		return err
	}
	r.mu.Lock()
	r.loaded[s] = m
	r.mu.Unlock()
	return nil
}

func (r *Registry) UnloadModule(s *Session) {
	r.mu.Lock()
	m, ok := r.loaded[s]
	delete(r.loaded, s)
	r.mu.Unlock()
	if ok {
		m.Unload(s)
	}
}

func (r *Registry) Invoke(s *Session, this protocol.Value, dispatchID int32, args []protocol.Value) Result {
	m, ok := r.module(s)
	if !ok {
		return raiseErr(ErrModuleLoad)
	}
	method, ok := m.Methods()[dispatchID]
	if !ok {
		return raiseErr(fmt.Errorf("%w: %d", ErrUnknownDispatch, dispatchID))
	}
	receiver, err := resolveThis(s, this)
	if err != nil {
		return raiseErr(err)
	}
	v, err := method(s, receiver, args)
	if err != nil {
		return raiseErr(err)
	}
	return Returned(v)
}

func (r *Registry) GetProperty(s *Session, refID, dispatchID int32) Result {
	host, err := r.propertyHost(s, refID)
	if err != nil {
		return raiseErr(err)
	}
	v, err := host.GetProperty(s, dispatchID)
	if err != nil {
		return raiseErr(err)
	}
	return Returned(v)
}

func (r *Registry) SetProperty(s *Session, refID, dispatchID int32, value protocol.Value) Result {
	host, err := r.propertyHost(s, refID)
	if err != nil {
		return raiseErr(err)
	}
	if err := host.SetProperty(s, dispatchID, value); err != nil {
		return raiseErr(err)
	}
	return Returned(protocol.Undefined())
}

func (r *Registry) FreeValue(s *Session, ids []int32) {
	log.Debug().Msgf("codeserver.Registry.FreeValue session=%s count=%d", s.ID(), len(ids))
}

func (r *Registry) module(s *Session) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.loaded[s]
	return m, ok
}

// propertyHost resolves refID 0 to the module and anything else to an
// exposed object.
func (r *Registry) propertyHost(s *Session, refID int32) (PropertyHost, error) {
	var target any
	if refID == protocol.DispatchObjectID {
		m, ok := r.module(s)
		if !ok {
			return nil, ErrModuleLoad
		}
		target = m
	} else {
		obj, err := s.Channel().Exposed().Get(refID)
		if err != nil {
			return nil, err
		}
		target = obj
	}
	host, ok := target.(PropertyHost)
	if !ok {
		return nil, fmt.Errorf("%w: ref=%d", ErrNoProperties, refID)
	}
	return host, nil
}

func resolveThis(s *Session, this protocol.Value) (any, error) {
	switch this.Type() {
	case protocol.TypeNull, protocol.TypeUndefined:
		return nil, nil
	case protocol.TypeServerObject:
		return s.LookupObject(this)
	default:
		return this, nil
	}
}

// raiseErr turns a method error into an exception result. *Thrown keeps its
// value; anything else is thrown as its message.
func raiseErr(err error) Result {
	var thrown *Thrown
	if errors.As(err, &thrown) {
		return Raised(thrown.Value)
	}
	return Raised(protocol.String(err.Error()))
}
