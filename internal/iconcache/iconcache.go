// Package iconcache stores user-agent icons shared by every code server
// connection.
package iconcache

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("iconcache: closed")

// Cache maps a user-agent string to its icon. A stored empty icon is a
// valid entry: the client has none and should not be asked again.
type Cache interface {
	Lookup(ctx context.Context, userAgent string) (icon []byte, ok bool, err error)
	Store(ctx context.Context, userAgent string, icon []byte) error
}

// Memory is a process-local Cache behind one mutex.
type Memory struct {
	mu    sync.Mutex
	icons map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{icons: make(map[string][]byte)}
}

func (m *Memory) Lookup(_ context.Context, userAgent string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	icon, ok := m.icons[userAgent]
	if !ok {
		return nil, false, nil
	}
	return clone(icon), true, nil
}

func (m *Memory) Store(_ context.Context, userAgent string, icon []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.icons[userAgent] = clone(icon)
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.icons)
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
