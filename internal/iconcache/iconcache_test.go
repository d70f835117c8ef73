package iconcache

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/danmuck/devchannel/internal/testutil/testlog"
)

func exerciseCache(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()
	if _, ok, err := c.Lookup(ctx, "UA-1"); err != nil || ok {
		t.Fatalf("empty cache lookup ok=%v err=%v", ok, err)
	}
	icon := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 64)
	if err := c.Store(ctx, "UA-1", icon); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, ok, err := c.Lookup(ctx, "UA-1")
	if err != nil || !ok || !bytes.Equal(got, icon) {
		t.Fatalf("lookup got=%d bytes ok=%v err=%v", len(got), ok, err)
	}
	if err := c.Store(ctx, "UA-none", nil); err != nil {
		t.Fatalf("store empty: %v", err)
	}
	got, ok, err = c.Lookup(ctx, "UA-none")
	if err != nil || !ok || len(got) != 0 {
		t.Fatalf("empty icon must be cached as present: got=%v ok=%v err=%v", got, ok, err)
	}
}

func TestMemoryCache(t *testing.T) {
	testlog.Start(t)
	m := NewMemory()
	exerciseCache(t, m)
	if m.Len() != 2 {
		t.Fatalf("len got=%d", m.Len())
	}
}

func TestSQLiteCachePersists(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "icons", "icons.db")
	c, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exerciseCache(t, c)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, ok, err := reopened.Lookup(context.Background(), "UA-1"); err != nil || !ok {
		t.Fatalf("icon lost across reopen ok=%v err=%v", ok, err)
	}
}
