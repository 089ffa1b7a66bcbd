package ledger

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteLedger implements Ledger using modernc.org/sqlite.
type SQLiteLedger struct {
	mu sync.Mutex
	db *sql.DB
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS done_paths (
	path    TEXT PRIMARY KEY,
	session TEXT NOT NULL,
	done_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS failures (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	path      TEXT NOT NULL,
	session   TEXT NOT NULL,
	error     TEXT NOT NULL,
	failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failures_path ON failures(path);
`

func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps the pragmas below in effect and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return db, nil
}

// CreateSQLite creates an empty ledger at path. The file must not exist yet.
func CreateSQLite(ctx context.Context, path string) (*SQLiteLedger, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, eris.Errorf("sqlite: ledger already exists at %s", path)
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteMigration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: migrate")
	}
	return &SQLiteLedger{db: db}, nil
}

// OpenSQLite opens an existing ledger and checks its integrity.
func OpenSQLite(ctx context.Context, path string) (*SQLiteLedger, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(ErrCorrupt, "sqlite: ledger missing at %s", path)
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, eris.Wrapf(ErrCorrupt, "sqlite: open %s: %v", path, err)
	}

	var check string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&check); err != nil || check != "ok" {
		db.Close()
		return nil, eris.Wrapf(ErrCorrupt, "sqlite: quick_check on %s returned %q (%v)", path, check, err)
	}

	var tables int
	err = db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('done_paths', 'failures')`,
	).Scan(&tables)
	if err != nil || tables != 2 {
		db.Close()
		return nil, eris.Wrapf(ErrCorrupt, "sqlite: schema missing in %s", path)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) MarkDone(ctx context.Context, path, session string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO done_paths (path, session, done_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET session = excluded.session, done_at = excluded.done_at`,
		path, session, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: mark done %s", path)
}

func (l *SQLiteLedger) DonePaths(ctx context.Context) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT path, session FROM done_paths`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list done paths")
	}
	defer rows.Close()

	done := make(map[string]string)
	for rows.Next() {
		var path, session string
		if err := rows.Scan(&path, &session); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan done path")
		}
		done[path] = session
	}
	return done, eris.Wrap(rows.Err(), "sqlite: list done paths iterate")
}

func (l *SQLiteLedger) RecordFailure(ctx context.Context, path, session string, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO failures (path, session, error, failed_at) VALUES (?, ?, ?, ?)`,
		path, session, msg, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: record failure %s", path)
}

func (l *SQLiteLedger) Failures(ctx context.Context) ([]Failure, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT path, session, error, failed_at FROM failures ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.Path, &f.Session, &f.Error, &f.FailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

func (l *SQLiteLedger) Close() error {
	if err := l.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return eris.Wrap(err, "sqlite: close")
	}
	return nil
}
