package codeserver

import (
	"errors"
	"fmt"

	"github.com/danmuck/devchannel/internal/protocol"
)

var (
	ErrVersionMismatch    = errors.New("codeserver: unsupported protocol version range")
	ErrHostedHTMLVersion  = errors.New("codeserver: invalid hosted.html version")
	ErrPluginUnsupported  = errors.New("codeserver: plugin download not supported")
	ErrModuleLoad         = errors.New("codeserver: module load failed")
	ErrUnknownModule      = errors.New("codeserver: unknown module")
	ErrUnknownDispatch    = errors.New("codeserver: unknown dispatch id")
	ErrNoProperties       = errors.New("codeserver: target has no properties")
	ErrSwitchTimeout      = errors.New("codeserver: transport switch timed out")
	ErrSpecialArgs        = errors.New("codeserver: malformed special dispatch arguments")
	ErrUnsupportedSpecial = errors.New("codeserver: unsupported special dispatch")
	ErrShutdown           = errors.New("codeserver: session shut down")
	ErrNotServerObject    = errors.New("codeserver: value is not a server object")
)

// ScriptError is an exception thrown by client script during InvokeClient.
// Value is the raw exception; Message and Object are its usual readings.
type ScriptError struct {
	Method  string
	Value   protocol.Value
	Message string
	Object  any
}

func (e *ScriptError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("codeserver: script exception in %s: %s", e.Method, e.Message)
	case e.Value.IsNullish():
		return fmt.Sprintf("codeserver: script exception in %s", e.Method)
	default:
		return fmt.Sprintf("codeserver: script exception in %s: %s", e.Method, e.Value)
	}
}

// Thrown lets a module method raise an arbitrary exception value instead of
// a string message.
type Thrown struct {
	Value protocol.Value
}

func (t *Thrown) Error() string {
	return "codeserver: thrown " + t.Value.String()
}
