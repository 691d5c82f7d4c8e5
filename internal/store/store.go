// Package store provides the persistent coordination store for parley.
//
// All cross-worker exclusivity (job ownership, channel lease ownership)
// runs through this package. Every claim/acquire operation executes as a
// single sqlite transaction opened with BEGIN IMMEDIATE, which takes the
// write lock up front and gives read-then-conditional-write atomicity
// across concurrent worker processes. WAL mode plus a busy timeout keeps
// readers from blocking behind claims.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database holding jobs, outbound messages,
// channel leases, tool approvals, and the inbound dedupe index.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	// Best-effort migrations for databases created before these columns existed.
	_, _ = db.Exec(`ALTER TABLE jobs ADD COLUMN locked_until DATETIME`)
	_, _ = db.Exec(`ALTER TABLE jobs ADD COLUMN last_heartbeat_at DATETIME`)
	_, _ = db.Exec(`ALTER TABLE jobs ADD COLUMN model_used TEXT DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE jobs ADD COLUMN payload TEXT DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE outbound_messages ADD COLUMN next_attempt_at DATETIME`)

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for status queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// beginImmediate opens a write transaction. The _txlock=immediate DSN
// option makes the transaction take the write lock up front, so the
// read-then-write body is atomic against other workers.
func (s *Store) beginImmediate() (*sql.Tx, error) {
	return s.db.Begin()
}

func newID(prefix string) string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err == nil {
		return prefix + "_" + hex.EncodeToString(b[:])
	}
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}
