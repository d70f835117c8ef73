package devclient

import "github.com/danmuck/devchannel/internal/protocol"

// Result answers one server call.
type Result struct {
	Exception bool
	Value     protocol.Value
}

func Returned(v protocol.Value) Result { return Result{Value: v} }

func Raised(v protocol.Value) Result { return Result{Exception: true, Value: v} }

// Handler is the script engine behind a client session. Callbacks run on
// the goroutine that drives the session and may call the server back
// through s.
type Handler interface {
	Invoke(s *Session, method string, this protocol.Value, args []protocol.Value) Result
	// FreeValue reports handles the server released; they are already gone
	// from the session's table.
	FreeValue(s *Session, ids []int32)
	LoadJsni(s *Session, source string) error
}
