package codeserver

import "github.com/danmuck/devchannel/internal/protocol"

// ModuleRequest is everything a client said about itself before loading.
type ModuleRequest struct {
	URL             string
	TabKey          string
	SessionKey      string
	ModuleName      string
	UserAgent       string
	Icon            []byte
	ProtocolVersion int32
	Legacy          bool
}

// Result answers one inbound call.
type Result struct {
	Exception bool
	Value     protocol.Value
}

func Returned(v protocol.Value) Result { return Result{Value: v} }

func Raised(v protocol.Value) Result { return Result{Exception: true, Value: v} }

// Handler hosts the server half of a module. Every callback runs on the
// session goroutine and may call back into the client through s.
type Handler interface {
	LoadModule(s *Session, req ModuleRequest) error
	UnloadModule(s *Session)
	Invoke(s *Session, this protocol.Value, dispatchID int32, args []protocol.Value) Result
	GetProperty(s *Session, refID, dispatchID int32) Result
	SetProperty(s *Session, refID, dispatchID int32, value protocol.Value) Result
	// FreeValue reports handles the client released; they are already gone
	// from the session's table.
	FreeValue(s *Session, ids []int32)
}
