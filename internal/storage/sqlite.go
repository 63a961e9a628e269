// Package storage persists game records and application settings in a
// local SQLite database.
package storage

import (
	"database/sql"
	"log"
	"sync"

	// Pure-Go SQLite driver; registers "sqlite" without CGO.
	_ "modernc.org/sqlite"

	apperrors "github.com/lairsandllamas/host/internal/errors"
)

// ErrGameNotFound is returned when an operation targets an unknown game.
var ErrGameNotFound = apperrors.NotFound("game")

// SQLiteStore stores games and settings. It is safe for concurrent use.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens or creates the database at path and applies any
// pending migrations. Use ":memory:" in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	log.Printf("storage: opening database at %s", path)

	// busy_timeout covers `llamas games` running beside a live host.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "open database", err)
	}
	if path == ":memory:" {
		// Each new connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "ping database", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "init schema", err)
	}

	log.Printf("storage: database ready (schema version %d)", currentSchemaVersion)
	return store, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	log.Printf("storage: closing database")
	return s.db.Close()
}
