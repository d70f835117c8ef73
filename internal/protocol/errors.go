package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrUnknownValueType   = errors.New("protocol: unknown value type")
	ErrUnknownDispatch    = errors.New("protocol: unknown special dispatch id")
	ErrNegativeLength     = errors.New("protocol: negative length")
	ErrStringTooLarge     = errors.New("protocol: string too large")
	ErrTooManyElements    = errors.New("protocol: too many elements")
	ErrUnexpectedMessage  = errors.New("protocol: unexpected message")
	ErrUnsupportedVersion = errors.New("protocol: unsupported protocol version")
	ErrInvalidHandle      = errors.New("protocol: invalid object handle")
)

// Error marks malformed or out-of-order input. I/O failures are never
// wrapped in an Error so callers can tell the two apart.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func protocolErr(op string, err error, format string, args ...any) error {
	if format != "" {
		err = fmt.Errorf("%w: "+format, append([]any{err}, args...)...)
	}
	return &Error{Op: op, Err: err}
}

// Unexpected reports a message that is valid on the wire but not allowed in
// the current phase.
func Unexpected(phase string, got MessageType) error {
	return protocolErr(phase, ErrUnexpectedMessage, "type=%s", got)
}

// IsProtocolError reports whether err carries a protocol violation.
func IsProtocolError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}
