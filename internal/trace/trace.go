// Package trace records the message order of one channel and persists it.
package trace

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/devchannel/internal/protocol"
)

var ErrFreeOrdering = errors.New("trace: FreeValue not followed by a request or return")

// Direction is relative to the endpoint that owns the tap.
type Direction uint8

const (
	Inbound Direction = iota + 1
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "in"
	case Outbound:
		return "out"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// Tap observes every message type a channel reads or writes.
type Tap interface {
	Observe(dir Direction, t protocol.MessageType)
}

type Event struct {
	Seq  uint64               `cbor:"1,keyasint"`
	Dir  Direction            `cbor:"2,keyasint"`
	Type protocol.MessageType `cbor:"3,keyasint"`
	At   int64                `cbor:"4,keyasint"`
}

// Recorder is an in-memory Tap safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	now    func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

func (r *Recorder) Observe(dir Direction, t protocol.MessageType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{
		Seq:  uint64(len(r.events)) + 1,
		Dir:  dir,
		Type: t,
		At:   r.now().UnixNano(),
	})
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the message types seen in one direction, in order.
func (r *Recorder) Types(dir Direction) []protocol.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.MessageType
	for _, ev := range r.events {
		if ev.Dir == dir {
			out = append(out, ev.Type)
		}
	}
	return out
}

// CheckFreeOrdering verifies that, per direction, every FreeValue is
// immediately followed by a message that opens or closes a call.
func (r *Recorder) CheckFreeOrdering() error {
	for _, dir := range []Direction{Inbound, Outbound} {
		if err := CheckFreeOrdering(r.Types(dir)); err != nil {
			return fmt.Errorf("%w: dir=%s", err, dir)
		}
	}
	return nil
}

func CheckFreeOrdering(types []protocol.MessageType) error {
	for i, t := range types {
		if t != protocol.MsgFreeValue {
			continue
		}
		if i+1 >= len(types) {
			return fmt.Errorf("%w: trailing FreeValue at %d", ErrFreeOrdering, i)
		}
		switch next := types[i+1]; next {
		case protocol.MsgInvoke, protocol.MsgInvokeSpecial, protocol.MsgLoadModule, protocol.MsgReturn:
		default:
			return fmt.Errorf("%w: FreeValue at %d followed by %s", ErrFreeOrdering, i, next)
		}
	}
	return nil
}
