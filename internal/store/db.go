package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store wraps the SQLite connection behind the engine's durable layer.
//
// A Store may be degraded: if the database failed to open, db is nil, every
// read returns empty, and every write is a logged no-op. The UI must never
// crash because storage is unavailable.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Store{db: db, log: logger}, nil
}

// Degraded returns a store whose reads are empty and writes are no-ops.
// Used when Open fails so the rest of the engine keeps running.
func Degraded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{log: logger}
}

// Available reports whether the underlying database is usable.
func (s *Store) Available() bool {
	return s != nil && s.db != nil
}

// Close closes the underlying database. Safe on a degraded store.
func (s *Store) Close() error {
	if !s.Available() {
		return nil
	}
	return s.db.Close()
}

// unavailable logs and reports the degraded short-circuit for op.
func (s *Store) unavailable(op string) bool {
	if s.Available() {
		return false
	}
	s.log.Warn("store unavailable, skipping", zap.String("op", op))
	return true
}

// IsBusy reports whether err is a transient SQLite lock-contention error
// worth retrying.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
