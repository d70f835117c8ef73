package iconcache

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andybalholm/brotli"
	_ "modernc.org/sqlite"
)

// SQLite persists icons across code server restarts. Blobs are stored
// brotli-compressed.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("iconcache: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("iconcache: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS user_agent_icons (
			user_agent TEXT PRIMARY KEY,
			icon BLOB NOT NULL,
			stored_at INTEGER NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("iconcache: init: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Lookup(ctx context.Context, userAgent string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT icon FROM user_agent_icons WHERE user_agent = ?", userAgent).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("iconcache: lookup: %w", err)
	}
	if len(blob) == 0 {
		return []byte{}, true, nil
	}
	icon, err := io.ReadAll(brotli.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return nil, false, fmt.Errorf("iconcache: decompress: %w", err)
	}
	return icon, true, nil
}

func (s *SQLite) Store(ctx context.Context, userAgent string, icon []byte) error {
	blob := []byte{}
	if len(icon) > 0 {
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.BestCompression)
		if _, err := w.Write(icon); err != nil {
			return fmt.Errorf("iconcache: compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("iconcache: compress: %w", err)
		}
		blob = buf.Bytes()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_agent_icons (user_agent, icon, stored_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_agent) DO UPDATE SET icon = excluded.icon, stored_at = excluded.stored_at`,
		userAgent, blob, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("iconcache: store: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
