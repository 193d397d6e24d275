package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultTrashTTL is how long a trashed recording is kept when no explicit
// expiry was given.
const DefaultTrashTTL = 7 * 24 * time.Hour

// timeFormat is fixed width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteStore struct {
	db       *sql.DB
	now      func() time.Time
	trashTTL time.Duration
}

type Option func(*SQLiteStore)

func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

func WithTrashTTL(ttl time.Duration) Option {
	return func(s *SQLiteStore) {
		if ttl > 0 {
			s.trashTTL = ttl
		}
	}
}

func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "ghost-recorder.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, now: time.Now, trashTTL: DefaultTrashTTL}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	tables := []struct {
		name string
		ddl  string
	}{
		{"categories", `
			CREATE TABLE IF NOT EXISTS categories (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				created_at TEXT NOT NULL,
				color INTEGER NOT NULL DEFAULT 0,
				type TEXT NOT NULL DEFAULT ''
			);`},
		{"recordings", `
			CREATE TABLE IF NOT EXISTS recordings (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				title TEXT NOT NULL DEFAULT '',
				display_name TEXT NOT NULL DEFAULT '',
				duration_ms INTEGER NOT NULL DEFAULT 0,
				size_bytes INTEGER NOT NULL DEFAULT 0,
				recorded_at TEXT NOT NULL,
				modified_at TEXT NOT NULL,
				file_uri TEXT NOT NULL DEFAULT '',
				is_favourite INTEGER NOT NULL DEFAULT 0,
				category_id INTEGER,
				owner TEXT NOT NULL DEFAULT '',
				FOREIGN KEY(category_id) REFERENCES categories(id) ON DELETE SET NULL
			);`},
		{"bookmarks", `
			CREATE TABLE IF NOT EXISTS bookmarks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				recording_id INTEGER NOT NULL,
				text TEXT NOT NULL DEFAULT '',
				at_ms INTEGER NOT NULL,
				FOREIGN KEY(recording_id) REFERENCES recordings(id) ON DELETE CASCADE
			);`},
		{"trash", `
			CREATE TABLE IF NOT EXISTS trash (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				recording_id INTEGER NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				display_name TEXT NOT NULL DEFAULT '',
				duration_ms INTEGER NOT NULL DEFAULT 0,
				size_bytes INTEGER NOT NULL DEFAULT 0,
				recorded_at TEXT NOT NULL,
				file_uri TEXT NOT NULL DEFAULT '',
				category_id INTEGER,
				created_at TEXT NOT NULL,
				expires_at TEXT
			);`},
	}
	for _, table := range tables {
		if _, err := s.db.Exec(table.ddl); err != nil {
			return fmt.Errorf("create %s table: %w", table.name, err)
		}
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_bookmarks_recording_id ON bookmarks(recording_id, at_ms)"); err != nil {
		return fmt.Errorf("create bookmarks index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_recordings_recorded_at ON recordings(recorded_at)"); err != nil {
		return fmt.Errorf("create recordings index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Transact runs fn inside a single SQL transaction. The transaction commits
// only if fn returns nil.
func (s *SQLiteStore) Transact(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin transaction", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqlTx{tx: tx, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit transaction", err)
	}
	committed = true
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	id := n.Int64
	return &id
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
