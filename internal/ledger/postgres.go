package ledger

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/db"
)

// PostgresLedger implements Ledger on a shared Postgres database. Entries are
// scoped by run id so several output locations can share one table.
type PostgresLedger struct {
	mu    sync.Mutex
	pool  db.Pool
	runID string
}

// NewPostgres creates a ledger for runID backed by pool.
func NewPostgres(pool db.Pool, runID string) *PostgresLedger {
	return &PostgresLedger{pool: pool, runID: runID}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS corpus_ledger (
	run_id  TEXT NOT NULL,
	path    TEXT NOT NULL,
	session TEXT NOT NULL,
	done_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, path)
);

CREATE TABLE IF NOT EXISTS corpus_ledger_failures (
	id        BIGSERIAL PRIMARY KEY,
	run_id    TEXT NOT NULL,
	path      TEXT NOT NULL,
	session   TEXT NOT NULL,
	error     TEXT NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_corpus_ledger_failures_run ON corpus_ledger_failures(run_id);
`

// Migrate creates the ledger tables if they do not exist.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres ledger: migrate")
}

// Verify checks that the ledger tables exist and are readable for this run.
func (l *PostgresLedger) Verify(ctx context.Context) error {
	var n int64
	err := l.pool.QueryRow(ctx,
		`SELECT count(*) FROM corpus_ledger WHERE run_id = $1`, l.runID,
	).Scan(&n)
	if err != nil {
		return eris.Wrapf(ErrCorrupt, "postgres ledger: verify run %s: %v", l.runID, err)
	}
	return nil
}

func (l *PostgresLedger) MarkDone(ctx context.Context, path, session string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.pool.Exec(ctx,
		`INSERT INTO corpus_ledger (run_id, path, session, done_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (run_id, path) DO UPDATE SET session = EXCLUDED.session, done_at = EXCLUDED.done_at`,
		l.runID, path, session,
	)
	return eris.Wrapf(err, "postgres ledger: mark done %s", path)
}

func (l *PostgresLedger) DonePaths(ctx context.Context) (map[string]string, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT path, session FROM corpus_ledger WHERE run_id = $1`, l.runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres ledger: list done paths")
	}
	defer rows.Close()

	done := make(map[string]string)
	for rows.Next() {
		var path, session string
		if err := rows.Scan(&path, &session); err != nil {
			return nil, eris.Wrap(err, "postgres ledger: scan done path")
		}
		done[path] = session
	}
	return done, eris.Wrap(rows.Err(), "postgres ledger: list done paths iterate")
}

func (l *PostgresLedger) RecordFailure(ctx context.Context, path, session string, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO corpus_ledger_failures (run_id, path, session, error) VALUES ($1, $2, $3, $4)`,
		l.runID, path, session, msg,
	)
	return eris.Wrapf(err, "postgres ledger: record failure %s", path)
}

func (l *PostgresLedger) Failures(ctx context.Context) ([]Failure, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT path, session, error, failed_at FROM corpus_ledger_failures WHERE run_id = $1 ORDER BY id`,
		l.runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres ledger: list failures")
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.Path, &f.Session, &f.Error, &f.FailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres ledger: scan failure")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres ledger: list failures iterate")
}

func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}
