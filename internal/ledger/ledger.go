// Package ledger records which input files a run has fully processed. It is
// the single source of truth for resume state.
package ledger

import (
	"context"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/db"
)

// FileName is the SQLite ledger location under a run's output directory.
const FileName = "checkpoint.db"

// ErrCorrupt is returned when an existing ledger cannot be trusted.
var ErrCorrupt = eris.New("ledger: store is corrupt or unreadable")

// Failure is one failed attempt at processing a file.
type Failure struct {
	Path     string    `json:"path"`
	Session  string    `json:"session"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Ledger is a durable, append-only set of completed input paths. Each entry
// carries the session id of the attempt that completed it. Implementations
// serialize concurrent writers and persist an entry before MarkDone returns.
type Ledger interface {
	MarkDone(ctx context.Context, path, session string) error
	DonePaths(ctx context.Context) (map[string]string, error)
	RecordFailure(ctx context.Context, path, session string, cause error) error
	Failures(ctx context.Context) ([]Failure, error)
	Close() error
}

// Path returns the SQLite ledger path for an output directory.
func Path(outputDir string) string {
	return filepath.Join(outputDir, FileName)
}

// Create initializes an empty ledger for a fresh run.
func Create(ctx context.Context, cfg config.LedgerConfig, outputDir, runID string) (Ledger, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return CreateSQLite(ctx, Path(outputDir))
	case "postgres":
		pool, err := connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		l := NewPostgres(pool, runID)
		if err := l.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return l, nil
	default:
		return nil, eris.Errorf("ledger: unknown driver %q", cfg.Driver)
	}
}

// Open re-opens the ledger of an existing run. Any problem reading it is
// reported as ErrCorrupt.
func Open(ctx context.Context, cfg config.LedgerConfig, outputDir, runID string) (Ledger, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(ctx, Path(outputDir))
	case "postgres":
		pool, err := connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		l := NewPostgres(pool, runID)
		if err := l.Verify(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return l, nil
	default:
		return nil, eris.Errorf("ledger: unknown driver %q", cfg.Driver)
	}
}

func connect(ctx context.Context, cfg config.LedgerConfig) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, eris.New("ledger: database_url is required for the postgres ledger (set CORPUS_LEDGER_DATABASE_URL)")
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL, 4)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: connect postgres")
	}
	return pool, nil
}

// Pending reports which of paths are absent from done.
func Pending(paths []string, done map[string]string) []string {
	var out []string
	for _, p := range paths {
		if _, ok := done[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}
