// Package sqlite provides the SQLite-backed storage layer for the sync
// engine: syncable entity rows, the tombstone log, and per-session
// checkpoints.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/photofold/sync-engine/cursor"
	syncErrors "github.com/photofold/sync-engine/errors"
	"github.com/photofold/sync-engine/logging"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting.
const (
	opUpsert          = "sqlite.Upsert"
	opDelete          = "sqlite.Delete"
	opListChanged     = "sqlite.ListChanged"
	opListTombstones  = "sqlite.ListTombstones"
	opPurgeTombstones = "sqlite.PurgeTombstones"
)

const component = "storage/sqlite"

var (
	ErrStoreClosed = errors.New("store is closed")
	ErrNotFound    = errors.New("entity not found")
)

// Config holds configuration options for the Store.
//
// Production-ready defaults are applied by DefaultConfig() including WAL mode
// and a bounded connection pool.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, "?_journal_mode=WAL" is appended to DataSourceName.
	EnableWAL bool

	// TombstoneRetention bounds how long deletions stay replayable. Cursors
	// older than this horizon are rejected as invalid rather than silently
	// skipping deletes. Default: 30 days.
	TombstoneRetention time.Duration

	// Connection pool settings.
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

func (c *Config) setDefaults() {
	if c.TombstoneRetention == 0 {
		c.TombstoneRetention = 30 * 24 * time.Hour
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store is the SQLite storage layer. One Store serves all entity kinds, the
// tombstone log and the checkpoint table.
type Store struct {
	db        *sql.DB
	clock     *cursor.Clock
	retention time.Duration
	now       func() time.Time

	mu     stdSync.RWMutex
	closed bool
}

// New creates a Store from a Config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component(component))
	logger.InfoContext(context.Background(), "opening sqlite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:        db,
		clock:     cursor.NewClock(),
		retention: config.TombstoneRetention,
		now:       time.Now,
	}

	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.InfoContext(context.Background(), "sqlite store initialized",
		slog.Duration("tombstone_retention", config.TombstoneRetention),
	)
	return store, nil
}

// NewWithDataSource is a convenience constructor using DefaultConfig.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS entities (
        kind        TEXT NOT NULL,
        id          TEXT NOT NULL,
        owner_id    TEXT NOT NULL,
        update_id   TEXT NOT NULL,
        created_ms  INTEGER NOT NULL,
        payload     TEXT NOT NULL,
        PRIMARY KEY (kind, id)
    );
    CREATE INDEX IF NOT EXISTS idx_entities_update ON entities (kind, update_id);
    CREATE INDEX IF NOT EXISTS idx_entities_owner ON entities (kind, owner_id, update_id);

    CREATE TABLE IF NOT EXISTS tombstones (
        kind        TEXT NOT NULL,
        id          TEXT NOT NULL,
        owner_id    TEXT NOT NULL,
        token       TEXT NOT NULL,
        deleted_ms  INTEGER NOT NULL,
        PRIMARY KEY (kind, id)
    );
    CREATE INDEX IF NOT EXISTS idx_tombstones_token ON tombstones (kind, token);
    CREATE INDEX IF NOT EXISTS idx_tombstones_deleted ON tombstones (deleted_ms);

    CREATE TABLE IF NOT EXISTS sync_sessions (
        id          TEXT PRIMARY KEY,
        user_id     TEXT NOT NULL,
        created_ms  INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS sync_checkpoints (
        session_id  TEXT NOT NULL,
        entity_type TEXT NOT NULL,
        ack         TEXT NOT NULL,
        updated_ms  INTEGER NOT NULL,
        PRIMARY KEY (session_id, entity_type)
    );
    `
	_, err := s.db.Exec(query)
	return err
}

// TombstoneHorizon returns the oldest deletion time still replayable.
// Cursors whose timestamp precedes the horizon must be reset.
func (s *Store) TombstoneHorizon() time.Time {
	return s.now().Add(-s.retention)
}

// TombstoneRetention returns the configured retention window.
func (s *Store) TombstoneRetention() time.Duration { return s.retention }

// Clock exposes the version clock for callers that need to translate
// timestamps into the token order.
func (s *Store) Clock() *cursor.Clock { return s.clock }

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring.
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return syncErrors.E(syncErrors.Op(op), syncErrors.Component(component), syncErrors.KindStorageUnavailable, err)
}
