package refs

import (
	"runtime"
	"slices"
	"sync"
	"weak"

	"github.com/danmuck/devchannel/internal/protocol"
)

// Proxy stands in for an object owned by the peer. A RemoteTable hands out
// one Proxy per live handle; once the Proxy is released or collected, the
// handle is queued for the next FreeValue.
type Proxy struct {
	id    int32
	table *RemoteTable
}

func (p *Proxy) ID() int32 { return p.id }

func (p *Proxy) Exception() bool { return false }

// Release queues the handle for freeing. The proxy must not be used after.
func (p *Proxy) Release() {
	p.table.Release(p)
}

// thrown is a proxy seen as a thrown exception object. It keeps the Proxy
// reachable for as long as the caller holds the ref.
type thrown struct {
	*Proxy
}

func (thrown) Exception() bool { return true }

// RemoteTable tracks proxies for peer-owned handles. It never allocates
// handles and keeps no object-to-handle map; proxies are held weakly.
type RemoteTable struct {
	mu      sync.Mutex
	proxies map[int32]weak.Pointer[Proxy]
	pending map[int32]struct{}
}

func NewRemoteTable() *RemoteTable {
	return &RemoteTable{
		proxies: make(map[int32]weak.Pointer[Proxy]),
		pending: make(map[int32]struct{}),
	}
}

// Ref returns the tracked ref for a wire handle, creating its Proxy on first
// sight.
func (t *RemoteTable) Ref(wire int32) protocol.ObjectRef {
	h := protocol.HandleFromWire(wire)
	p := t.Proxy(h.ID())
	if h.Exception() {
		return thrown{p}
	}
	return p
}

// Proxy returns the identity-stable Proxy for id. A handle that is pending
// free is revived, since the peer has not been told to drop it yet.
func (t *RemoteTable) Proxy(id int32) *Proxy {
	t.mu.Lock()
	defer t.mu.Unlock()
	if wp, ok := t.proxies[id]; ok {
		if p := wp.Value(); p != nil {
			return p
		}
	}
	delete(t.pending, id)
	p := &Proxy{id: id, table: t}
	t.proxies[id] = weak.Make(p)
	runtime.AddCleanup(p, t.collected, id)
	return p
}

// Release queues p's handle for freeing.
func (t *RemoteTable) Release(p *Proxy) {
	if p == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	wp, ok := t.proxies[p.id]
	if !ok || wp.Value() != p {
		return
	}
	delete(t.proxies, p.id)
	t.pending[p.id] = struct{}{}
}

func (t *RemoteTable) collected(id int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wp, ok := t.proxies[id]
	if !ok || wp.Value() != nil {
		return
	}
	delete(t.proxies, id)
	t.pending[id] = struct{}{}
}

// DrainPendingFree returns and clears the handles waiting to be freed, in
// ascending order.
func (t *RemoteTable) DrainPendingFree() []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil
	}
	ids := make([]int32, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	clear(t.pending)
	slices.Sort(ids)
	return ids
}

// Pending counts handles waiting to be freed.
func (t *RemoteTable) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Len counts tracked proxies, including ones collected but not yet cleaned.
func (t *RemoteTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.proxies)
}
