package safetodo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ============================================================================
// Watermark storage
// ============================================================================

// WatermarkStore is durable client storage for millisecond watermarks.
// Advance never moves a stored value backwards.
type WatermarkStore interface {
	Load(ctx context.Context, key string) (int64, bool, error)
	Advance(ctx context.Context, key string, ms int64) error
	Delete(ctx context.Context, key string) error
}

const menuClearedPrefix = "notifications:menuClearedAt"

// MenuClearedKey returns the storage key of the menu-cleared watermark for
// viewerID, or the unscoped key when the viewer is unknown.
func MenuClearedKey(viewerID string) string {
	if viewerID == "" {
		return menuClearedPrefix
	}
	return menuClearedPrefix + ":" + viewerID
}

// ── MemoryStorage ────────────────────────────────────────

// MemoryStorage is a goroutine-safe in-memory WatermarkStore.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]int64
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]int64)}
}

func (s *MemoryStorage) Load(_ context.Context, key string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStorage) Advance(_ context.Context, key string, ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.values[key]; ok && cur >= ms {
		return nil
	}
	s.values[key] = ms
	return nil
}

func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// ── SQLiteStorage ────────────────────────────────────────

// SQLiteStorage is a WatermarkStore backed by a local SQLite database.
type SQLiteStorage struct {
	db *sqlx.DB
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS watermarks (
	key        TEXT PRIMARY KEY,
	value      INTEGER NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// NewSQLiteStorage opens (or creates) the database at path and applies any
// pending migrations. ":memory:" gives a private in-memory database.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &SQLiteStorage{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLiteStorage) Load(ctx context.Context, key string) (int64, bool, error) {
	var v int64
	err := s.db.GetContext(ctx, &v, "SELECT value FROM watermarks WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("loading watermark %q: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLiteStorage) Advance(ctx context.Context, key string, ms int64) error {
	const query = `
		INSERT INTO watermarks (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value      = MAX(watermarks.value, excluded.value),
			updated_at = CURRENT_TIMESTAMP`
	if _, err := s.db.ExecContext(ctx, query, key, ms); err != nil {
		return fmt.Errorf("advancing watermark %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM watermarks WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting watermark %q: %w", key, err)
	}
	return nil
}

// Keys lists every stored watermark key.
func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.db.SelectContext(ctx, &keys, "SELECT key FROM watermarks ORDER BY key"); err != nil {
		return nil, fmt.Errorf("listing watermarks: %w", err)
	}
	return keys, nil
}
