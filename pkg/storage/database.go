package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "courier.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 6 * time.Hour
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrAlreadyExists is returned when a unique key is taken.
	ErrAlreadyExists = errors.New("storage: record already exists")
	// ErrUnverified guards the item tables against unauthenticated writes.
	ErrUnverified = errors.New("storage: refusing to apply unverified message")
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS users (
  uid      INTEGER PRIMARY KEY AUTOINCREMENT,
  guid     TEXT NOT NULL UNIQUE,
  nickname TEXT NOT NULL UNIQUE,
  prvkey   TEXT NOT NULL,
  pubkey   TEXT NOT NULL,
  blocked  INTEGER NOT NULL DEFAULT 0,
  created  INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS contacts (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  owner_uid  INTEGER NOT NULL DEFAULT 0,
  uri        TEXT NOT NULL,
  nurl       TEXT NOT NULL,
  addr       TEXT NOT NULL DEFAULT '',
  name       TEXT NOT NULL DEFAULT '',
  network    TEXT NOT NULL CHECK(network IN ('dfrn','dspr','stat','feed')),
  rel        INTEGER NOT NULL DEFAULT 0,
  blocked    INTEGER NOT NULL DEFAULT 0,
  pending    INTEGER NOT NULL DEFAULT 0,
  pubkey     TEXT NOT NULL DEFAULT '',
  poll       TEXT NOT NULL DEFAULT '',
  hub_verify TEXT NOT NULL DEFAULT '',
  subhub     INTEGER NOT NULL DEFAULT 0,
  guid       TEXT NOT NULL DEFAULT '',
  created    INTEGER NOT NULL,
  UNIQUE (owner_uid, nurl)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_contacts_nurl
ON contacts (nurl);
`,
	`
CREATE TABLE IF NOT EXISTS processed_guids (
  recipient_uid INTEGER NOT NULL,
  guid          TEXT NOT NULL,
  processed_at  INTEGER NOT NULL,
  PRIMARY KEY (recipient_uid, guid)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_processed_guids_time
ON processed_guids (processed_at);
`,
	`
CREATE TABLE IF NOT EXISTS subscription_leases (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  owner_uid     INTEGER NOT NULL,
  contact_id    INTEGER NOT NULL DEFAULT 0,
  nickname      TEXT NOT NULL DEFAULT '',
  callback_url  TEXT NOT NULL UNIQUE,
  topic         TEXT NOT NULL,
  secret        TEXT NOT NULL DEFAULT '',
  verify_token  TEXT NOT NULL DEFAULT '',
  mode          TEXT NOT NULL CHECK(mode IN ('subscribe','unsubscribe')),
  expires_at    INTEGER NOT NULL DEFAULT 0,
  last_update   INTEGER NOT NULL DEFAULT 0,
  renewed       INTEGER NOT NULL DEFAULT 0,
  push_failures INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_subscription_leases_owner
ON subscription_leases (owner_uid, contact_id);
`,
	`
CREATE TABLE IF NOT EXISTS items (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  uid         INTEGER NOT NULL,
  guid        TEXT NOT NULL,
  parent_guid TEXT NOT NULL DEFAULT '',
  author      TEXT NOT NULL,
  kind        TEXT NOT NULL,
  body        TEXT NOT NULL DEFAULT '',
  contact_id  INTEGER NOT NULL DEFAULT 0,
  deleted     INTEGER NOT NULL DEFAULT 0,
  received    INTEGER NOT NULL,
  UNIQUE (uid, guid)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_items_guid_author
ON items (guid, author);
`,
}

// Store is a thin wrapper around a SQLite connection. Uniqueness guarantees
// the receive pipeline relies on live in the schema, so several server
// processes may share one database file.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) courier.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

// Ping reports whether the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration count
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) applyMigrations() error {
	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toUnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

type scanner interface {
	Scan(dest ...any) error
}
