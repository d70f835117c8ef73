package devclient

import (
	"errors"
	"fmt"

	"github.com/danmuck/devchannel/internal/protocol"
)

var (
	ErrAddressRequired      = errors.New("devclient: server address required")
	ErrModuleRequired       = errors.New("devclient: module name required")
	ErrVersionRange         = errors.New("devclient: invalid protocol version range")
	ErrUnsupportedTransport = errors.New("devclient: server chose an unsupported transport")
	ErrShutdown             = errors.New("devclient: session shut down")
	ErrNotScriptObject      = errors.New("devclient: value is not a script object")
)

// FatalError is the server refusing the connection during the handshake.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string {
	return "devclient: server fatal error: " + e.Message
}

// ServerError is an exception raised by server code during a call. The
// session stays usable.
type ServerError struct {
	Op      string
	Value   protocol.Value
	Message string
	Object  any
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("devclient: server exception in %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("devclient: server exception in %s: %s", e.Op, e.Value)
}

// ModuleLoadError is the server failing to load the requested module.
type ModuleLoadError struct {
	Module  string
	Message string
}

func (e *ModuleLoadError) Error() string {
	return fmt.Sprintf("devclient: load module %q: %s", e.Module, e.Message)
}
