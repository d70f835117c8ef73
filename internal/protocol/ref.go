package protocol

// ObjectRef identifies an object in one side's reference table. ID is the
// table index; Exception marks a reference to a thrown exception object.
type ObjectRef interface {
	ID() int32
	Exception() bool
}

// Handle is the plain ObjectRef used for the local side's own objects and
// wherever no liveness tracking is needed.
type Handle struct {
	id        int32
	exception bool
}

func NewHandle(id int32) Handle {
	return Handle{id: id}
}

func NewExceptionHandle(id int32) Handle {
	return Handle{id: id, exception: true}
}

// HandleFromWire splits a wire handle into its index and exception bit.
func HandleFromWire(wire int32) Handle {
	if wire < 0 {
		return Handle{id: -wire, exception: true}
	}
	return Handle{id: wire}
}

func (h Handle) ID() int32 { return h.id }

func (h Handle) Exception() bool { return h.exception }

// WireHandle encodes ref the way it travels: negative when it denotes an
// exception object.
func WireHandle(ref ObjectRef) int32 {
	if ref.Exception() {
		return -ref.ID()
	}
	return ref.ID()
}

// RefFactory turns incoming handles into refs. Each endpoint supplies its
// own, so the same decoder parses messages on either side.
type RefFactory interface {
	ServerObjectRef(wire int32) ObjectRef
	ScriptObjectRef(wire int32) ObjectRef
}

// PlainRefs is a RefFactory that never tracks liveness.
type PlainRefs struct{}

func (PlainRefs) ServerObjectRef(wire int32) ObjectRef { return HandleFromWire(wire) }

func (PlainRefs) ScriptObjectRef(wire int32) ObjectRef { return HandleFromWire(wire) }
