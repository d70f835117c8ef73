package refs

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
)

var (
	ErrNilObject      = errors.New("refs: nil object")
	ErrNotComparable  = errors.New("refs: object is not comparable")
	ErrUnknownHandle  = errors.New("refs: unknown handle")
	ErrFreedHandle    = errors.New("refs: handle already freed")
	ErrReservedHandle = errors.New("refs: handle is reserved")
	ErrTableExhausted = errors.New("refs: handle space exhausted")
)

// ReservedHandle is the permanent slot of the table's dispatch object.
const ReservedHandle int32 = 0

type slot struct {
	obj  any
	live bool
}

// ExposedTable maps handles to the objects this side exposes to its peer.
// Handles come from a slot arena: freed slots are tombstoned and recycled
// through a free-list, and an identity map keeps one handle per object.
type ExposedTable struct {
	mu    sync.Mutex
	slots []slot
	free  []int32
	ids   map[any]int32
}

// NewExposedTable returns a table whose slot 0 holds dispatch. A nil
// dispatch leaves slot 0 empty; it is never handed out by Add.
func NewExposedTable(dispatch any) *ExposedTable {
	t := &ExposedTable{
		slots: make([]slot, 1, 16),
		ids:   make(map[any]int32),
	}
	if dispatch != nil {
		t.slots[ReservedHandle] = slot{obj: dispatch, live: true}
		if isComparable(dispatch) {
			t.ids[dispatch] = ReservedHandle
		}
	}
	return t
}

// Add interns obj and returns its handle. Adding the same object again
// returns the same handle until it is freed.
func (t *ExposedTable) Add(obj any) (int32, error) {
	if obj == nil {
		return 0, ErrNilObject
	}
	if !isComparable(obj) {
		return 0, fmt.Errorf("%w: %T", ErrNotComparable, obj)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.ids[obj]; ok {
		return h, nil
	}
	var h int32
	if n := len(t.free); n > 0 {
		h = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		if len(t.slots) >= math.MaxInt32 {
			return 0, ErrTableExhausted
		}
		h = int32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}
	t.slots[h] = slot{obj: obj, live: true}
	t.ids[obj] = h
	return h, nil
}

func (t *ExposedTable) Get(h int32) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h < 0 || int(h) >= len(t.slots) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	s := t.slots[h]
	if !s.live {
		if h == ReservedHandle {
			return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
		}
		return nil, fmt.Errorf("%w: %d", ErrFreedHandle, h)
	}
	return s.obj, nil
}

// Lookup returns the handle of an already interned object.
func (t *ExposedTable) Lookup(obj any) (int32, bool) {
	if obj == nil || !isComparable(obj) {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.ids[obj]
	return h, ok
}

// Free tombstones h and makes its slot available for reuse.
func (t *ExposedTable) Free(h int32) error {
	if h == ReservedHandle {
		return ErrReservedHandle
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if h < 0 || int(h) >= len(t.slots) {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	s := t.slots[h]
	if !s.live {
		return fmt.Errorf("%w: %d", ErrFreedHandle, h)
	}
	delete(t.ids, s.obj)
	t.slots[h] = slot{}
	t.free = append(t.free, h)
	return nil
}

func (t *ExposedTable) Live(h int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return h >= 0 && int(h) < len(t.slots) && t.slots[h].live
}

// Len counts live handles, the reserved slot included when populated.
func (t *ExposedTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.slots) - len(t.free)
	if !t.slots[ReservedHandle].live {
		n--
	}
	return n
}

func isComparable(obj any) bool {
	return reflect.TypeOf(obj).Comparable()
}
