package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nomoos/prismq-queue/internal/common"

	_ "modernc.org/sqlite"
)

// connectionSetupTimeout bounds pragma application and schema bootstrap,
// grounded on autobrr-qui's internal/database/db.go connection hook pattern.
const connectionSetupTimeout = 5 * time.Second

// Store is the exclusive owner of the database file. It exposes
// transactional execute primitives to every other component (Claimer,
// Executor, Monitor, Metrics, Maintenance) — none of them open their own
// *sql.DB.
//
// One process-wide connection serializes every transaction in this process
// (writers additionally take a mutex); WAL mode lets readers in other
// processes proceed while a write is in progress.
type Store struct {
	conn   *sql.DB
	path   string
	logger *common.Logger

	writeMu sync.Mutex
}

// nowUTC is the single time source used by every write path so that
// created_at/run_after/finished_at comparisons are internally consistent.
func nowUTC() time.Time { return time.Now().UTC() }

// OpenStore opens (creating if necessary) the database file at path, applies
// the fixed pragma set from spec §4.1, and bootstraps the schema. Schema
// failure is fatal (ErrQueueSchemaError).
func OpenStore(path string, logger *common.Logger) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create queue db directory %s: %w", dir, err)
			}
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db %s: %w", path, err)
	}
	// One physical connection: writes are serialized by writeMu, and every
	// transaction in this process waits its turn for the connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancel()

	if err := applyPragmas(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	s := &Store{conn: conn, path: path, logger: logger}

	if err := s.bootstrapSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrQueueSchemaError, err)
	}

	logger.Info().Str("path", path).Msg("queue store opened")
	return s, nil
}

// applyPragmas sets the fixed pragma set from spec §4.1: WAL journaling,
// NORMAL synchronous, a 5s busy-timeout, ~128MiB mmap, ~20MiB cache, and
// foreign-key enforcement on.
func applyPragmas(ctx context.Context, conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA mmap_size = 134217728",
		"PRAGMA cache_size = -20000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	return nil
}

// Close checkpoints the WAL and closes the underlying connection, per the
// original source's database.py checkpoint-on-close behavior.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancel()
	if _, err := s.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		s.logger.Warn().Err(err).Msg("wal checkpoint on close failed")
	}
	return s.conn.Close()
}

// Path returns the database file path the Store was opened with.
func (s *Store) Path() string { return s.path }

// Conn exposes the raw connection. Statements run through it bypass
// writeMu; the Store's own maintenance methods use s.conn directly.
func (s *Store) Conn() *sql.DB { return s.conn }

// Tx wraps a *sql.Tx. Commit/Rollback are always called on every exit path
// by withWriteTx/withReadTx — callers never manage a bare *sql.Tx, per the
// "context-managed transactions" re-architecture note in spec §9.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// withWriteTx takes writeMu, begins a default (deferred) transaction, runs
// fn, and commits on clean return or rolls back on error/panic. The
// reserved lock is not taken at BEGIN but at the transaction's first write.
// Begin and commit errors go through dbError, which classifies "database is
// locked" as ErrQueueBusy; an error returned by fn is passed back unchanged.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return dbError("begin write tx", err)
	}
	if _, err := sqlTx.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		sqlTx.Rollback()
		return dbError("begin write tx", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return dbError("commit write tx", err)
	}
	committed = true
	return nil
}

// withReadTx yields a read-only transaction without taking writeMu. It
// still waits for the Store's single connection.
func (s *Store) withReadTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return dbError("begin read tx", err)
	}
	defer sqlTx.Rollback()
	return fn(&Tx{tx: sqlTx})
}

// isBusyErr reports whether err indicates SQLite lock contention rather
// than a structural failure.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
