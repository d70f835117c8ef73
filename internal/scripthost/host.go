// Package scripthost runs client-side script in an embedded QuickJS VM and
// serves it to a devclient session: the server calls global functions,
// script calls the server back through the __devchan global.
package scripthost

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/danmuck/devchannel/internal/devclient"
	"github.com/danmuck/devchannel/internal/protocol"
	"github.com/rs/zerolog/log"
	"modernc.org/quickjs"
)

var (
	ErrUnsupportedValue = errors.New("scripthost: unsupported value")
	ErrUnknownRef       = errors.New("scripthost: unknown server object")
	ErrNoSession        = errors.New("scripthost: no active session")
	ErrEval             = errors.New("scripthost: eval failed")
)

// ScriptException is a value thrown by script run through Run.
type ScriptException struct {
	Value   protocol.Value
	Message string
}

func (e *ScriptException) Error() string {
	return "scripthost: uncaught " + e.Message
}

// scriptObject is the exposed-table entry behind one JS object. The JS side
// keeps the object itself; seq only makes every entry distinct.
type scriptObject struct {
	seq uint64
}

// Host is a devclient.Handler backed by one QuickJS VM. Like the session
// it serves, it is driven by a single goroutine.
type Host struct {
	vm   *quickjs.VM
	sess *devclient.Session
	seq  uint64

	// serverRefs keeps a proxy alive for every server object script can
	// still see, until script releases it.
	serverRefs map[int32]protocol.Value
}

var _ devclient.Handler = (*Host)(nil)

func New() (*Host, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, err
	}
	h := &Host{vm: vm, serverRefs: make(map[int32]protocol.Value)}
	if err := h.install(); err != nil {
		vm.Close()
		return nil, err
	}
	return h, nil
}

func (h *Host) install() error {
	funcs := []struct {
		name string
		fn   any
	}{
		{"__devchan_expose", h.expose},
		{"__devchan_invoke", h.invokeServer},
		{"__devchan_get", h.getProperty},
		{"__devchan_set", h.setProperty},
		{"__devchan_release", h.release},
	}
	for _, f := range funcs {
		if err := h.vm.RegisterFunc(f.name, f.fn, false); err != nil {
			return fmt.Errorf("scripthost: register %s: %w", f.name, err)
		}
	}
	return h.evalDiscard(prelude)
}

func (h *Host) Close() {
	h.vm.Close()
}

// LoadJsni evaluates source in global scope.
func (h *Host) LoadJsni(s *devclient.Session, source string) error {
	defer h.enter(s)()
	if err := h.evalDiscard(source); err != nil {
		return fmt.Errorf("%w: %v", ErrEval, err)
	}
	return nil
}

// Invoke calls globalThis[method]. A missing function is an exception, not
// an error.
func (h *Host) Invoke(s *devclient.Session, method string, this protocol.Value, args []protocol.Value) devclient.Result {
	defer h.enter(s)()
	self, err := h.toWire(this)
	if err != nil {
		return devclient.Raised(protocol.String(err.Error()))
	}
	wargs, err := h.toWireAll(args)
	if err != nil {
		return devclient.Raised(protocol.String(err.Error()))
	}
	payload, err := json.Marshal(callPayload{This: self, Args: wargs})
	if err != nil {
		return devclient.Raised(protocol.String(err.Error()))
	}
	out, err := h.evalOutcome(fmt.Sprintf("__devchan_call(%s, %s)", jsString(method), jsString(string(payload))))
	if err != nil {
		log.Warn().Msgf("scripthost.Host.Invoke method=%q err=%v", method, err)
		return devclient.Raised(protocol.String(err.Error()))
	}
	v, err := h.fromWire(out.V)
	if err != nil {
		return devclient.Raised(protocol.String(err.Error()))
	}
	return devclient.Result{Exception: out.X, Value: v}
}

// FreeValue forgets script objects the server released.
func (h *Host) FreeValue(_ *devclient.Session, ids []int32) {
	list, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := h.evalDiscard(fmt.Sprintf("__devchan_free(%s)", jsString(string(list)))); err != nil {
		log.Warn().Msgf("scripthost.Host.FreeValue ids=%v err=%v", ids, err)
	}
}

// Run evaluates src as a script bound to s and converts its completion
// value. s may be nil for script that never touches the server.
func (h *Host) Run(s *devclient.Session, src string) (protocol.Value, error) {
	defer h.enter(s)()
	out, err := h.evalOutcome(fmt.Sprintf("__devchan_run(%s)", jsString(src)))
	if err != nil {
		return protocol.Value{}, err
	}
	v, err := h.fromWire(out.V)
	if err != nil {
		return protocol.Value{}, err
	}
	if out.X {
		return protocol.Value{}, &ScriptException{Value: v, Message: out.M}
	}
	return v, nil
}

// LiveObjects counts script objects currently exposed to the server.
func (h *Host) LiveObjects() (int, error) {
	r, err := h.vm.Eval("__devchan_live()", quickjs.EvalGlobal)
	if err != nil {
		return 0, err
	}
	switch n := r.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: live count %T", ErrEval, r)
	}
}

// enter binds s for callbacks made while script runs and restores the
// previous binding on return, so nested calls unwind correctly.
func (h *Host) enter(s *devclient.Session) func() {
	prev := h.sess
	if s != nil {
		h.sess = s
	}
	return func() { h.sess = prev }
}

func (h *Host) expose() int {
	if h.sess == nil {
		return -1
	}
	h.seq++
	v, err := h.sess.ExposeObject(&scriptObject{seq: h.seq})
	if err != nil {
		log.Warn().Msgf("scripthost.Host.expose err=%v", err)
		return -1
	}
	ref, _ := v.AsRef()
	return int(ref.ID())
}

func (h *Host) invokeServer(dispatchID int, payload string) string {
	if h.sess == nil {
		return failure(ErrNoSession)
	}
	var p callPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return failure(err)
	}
	this, err := h.fromWire(p.This)
	if err != nil {
		return failure(err)
	}
	args, err := h.fromWireAll(p.Args)
	if err != nil {
		return failure(err)
	}
	return h.settle(h.sess.InvokeServer(int32(dispatchID), this, args...))
}

func (h *Host) getProperty(refID, dispatchID int) string {
	if h.sess == nil {
		return failure(ErrNoSession)
	}
	return h.settle(h.sess.GetProperty(int32(refID), int32(dispatchID)))
}

func (h *Host) setProperty(refID, dispatchID int, payload string) string {
	if h.sess == nil {
		return failure(ErrNoSession)
	}
	var w wireValue
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return failure(err)
	}
	v, err := h.fromWire(w)
	if err != nil {
		return failure(err)
	}
	return h.settle(protocol.Undefined(), h.sess.SetProperty(int32(refID), int32(dispatchID), v))
}

func (h *Host) release(id int) {
	v, ok := h.serverRefs[int32(id)]
	if !ok {
		return
	}
	delete(h.serverRefs, int32(id))
	if h.sess != nil {
		h.sess.ReleaseServerObject(v)
	}
}

// pin keeps a plain proxy for a server handle handed to script.
func (h *Host) pin(id int32) {
	if _, ok := h.serverRefs[id]; ok || h.sess == nil {
		return
	}
	h.serverRefs[id] = protocol.ServerObject(h.sess.Channel().Remote().Proxy(id))
}

// settle turns a server call's outcome into the JSON the prelude throws or
// returns.
func (h *Host) settle(v protocol.Value, err error) string {
	if err != nil {
		var se *devclient.ServerError
		if errors.As(err, &se) {
			if w, werr := h.toWire(se.Value); werr == nil {
				return marshalOutcome(outcome{X: true, V: w})
			}
		}
		return failure(err)
	}
	w, err := h.toWire(v)
	if err != nil {
		return failure(err)
	}
	return marshalOutcome(outcome{V: w})
}

func failure(err error) string {
	return marshalOutcome(outcome{X: true, V: wireValue{T: "s", S: err.Error()}})
}

func marshalOutcome(o outcome) string {
	b, err := json.Marshal(o)
	if err != nil {
		return `{"x":true,"v":{"t":"s","s":"scripthost: encode outcome"}}`
	}
	return string(b)
}

func (h *Host) evalDiscard(src string) error {
	v, err := h.vm.EvalValue(src, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func (h *Host) evalOutcome(src string) (outcome, error) {
	r, err := h.vm.Eval(src, quickjs.EvalGlobal)
	if err != nil {
		return outcome{}, fmt.Errorf("%w: %v", ErrEval, err)
	}
	raw, ok := r.(string)
	if !ok {
		return outcome{}, fmt.Errorf("%w: result %T", ErrEval, r)
	}
	var out outcome
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return outcome{}, fmt.Errorf("%w: %v", ErrEval, err)
	}
	return out, nil
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
