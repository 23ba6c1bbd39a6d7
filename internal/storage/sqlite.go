package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "readbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const driverName = "sqlite"

var bindOnce sync.Once

// DB is the shared handle. Repositories call X() for single statements and
// WithTx() for multi-statement mutations.
type DB struct {
	x   *sqlx.DB
	log logx.Logger
}

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func Open(cfg Config, log logx.Logger) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	bindOnce.Do(func() { sqlx.BindDriver(driverName, sqlx.QUESTION) })

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	dsn := "file:" + path + "?" + q.Encode()

	x, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer and a transaction must exclude
	// concurrent record()/advance() calls.
	x.SetMaxOpenConns(1)
	x.SetMaxIdleConns(1)

	db := &DB{x: x, log: log}
	if err := db.migrate(context.Background()); err != nil {
		_ = x.Close()
		return nil, err
	}
	log.Debug("storage opened", logx.String("path", path))
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := db.x.ExecContext(ctx, string(b)); err != nil {
		return Wrap("migrate", err)
	}
	return nil
}

// X returns the pooled handle for single-statement operations.
func (db *DB) X() *sqlx.DB { return db.x }

func (db *DB) Close() error {
	if db == nil || db.x == nil {
		return nil
	}
	return db.x.Close()
}

// WithTx runs fn inside one transaction. Any error (or panic) rolls everything
// back; the returned error is a PersistenceError unless fn produced a
// different kind of error.
func (db *DB) WithTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) (err error) {
	if db == nil || db.x == nil {
		return Wrap(op, ErrClosed)
	}
	tx, err := db.x.BeginTxx(ctx, nil)
	if err != nil {
		return Wrap(op+": begin", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.log.Warn("rollback failed", logx.String("op", op), logx.Err(rbErr))
		}
		return Wrap(op, err)
	}
	if err := tx.Commit(); err != nil {
		return Wrap(op+": commit", err)
	}
	return nil
}

func NullString(v string) sql.NullString {
	v = strings.TrimSpace(v)
	return sql.NullString{String: v, Valid: v != ""}
}
