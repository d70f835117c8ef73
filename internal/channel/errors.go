package channel

import (
	"errors"
	"fmt"
)

var (
	ErrRemoteDeath   = errors.New("channel: remote connection lost")
	ErrClosed        = errors.New("channel: closed")
	ErrPendingInput  = errors.New("channel: unread input before transport switch")
	ErrPeerQuit      = errors.New("channel: peer quit with a call outstanding")
	ErrFatalFromPeer = errors.New("channel: peer reported fatal error")
)

// RemoteDeathError unwinds every in-flight call on a connection that can no
// longer carry traffic. Cause is the I/O or protocol failure that killed it.
type RemoteDeathError struct {
	Cause error
}

func (e *RemoteDeathError) Error() string {
	if e.Cause == nil {
		return ErrRemoteDeath.Error()
	}
	return fmt.Sprintf("%v: %v", ErrRemoteDeath, e.Cause)
}

func (e *RemoteDeathError) Unwrap() error {
	return e.Cause
}

func (e *RemoteDeathError) Is(target error) bool {
	return target == ErrRemoteDeath
}

// Death wraps err as a RemoteDeathError unless it already is one.
func Death(err error) error {
	if err == nil {
		return nil
	}
	var rd *RemoteDeathError
	if errors.As(err, &rd) {
		return err
	}
	return &RemoteDeathError{Cause: err}
}

// IsRemoteDeath reports whether err means the peer is gone.
func IsRemoteDeath(err error) bool {
	return errors.Is(err, ErrRemoteDeath)
}
