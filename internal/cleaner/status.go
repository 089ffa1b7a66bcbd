package cleaner

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/checkpoint"
	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/ledger"
)

// Status describes an output directory without modifying it.
type Status struct {
	Config     *config.RunConfig
	OnlyReduce bool
	Done       bool
	DoneFiles  int
	// Failures lists the latest failure of every file still not done.
	Failures []ledger.Failure
}

// ReadStatus inspects the run stored at dir.
func ReadStatus(ctx context.Context, dir string, opts ...checkpoint.Option) (*Status, error) {
	if !checkpoint.Exists(dir) {
		return nil, eris.Errorf("cleaner: no run found at %s", dir)
	}

	snapPath := filepath.Join(dir, checkpoint.SnapshotFile)
	if _, err := os.Stat(filepath.Join(dir, checkpoint.ReduceSnapshotFile)); err == nil {
		snapPath = filepath.Join(dir, checkpoint.ReduceSnapshotFile)
	}
	cfg, err := checkpoint.LoadSnapshot(snapPath)
	if err != nil {
		return nil, eris.Wrapf(ErrIntegrity, "%v", err)
	}
	st := &Status{Config: cfg, OnlyReduce: cfg.OnlyReduce, Done: cfg.Done}

	l, err := ledger.Open(ctx, checkpoint.LedgerConfig(cfg, opts...), dir, cfg.RunID)
	if err != nil {
		return nil, eris.Wrapf(ErrIntegrity, "%v", err)
	}
	defer l.Close() //nolint:errcheck

	done, err := l.DonePaths(ctx)
	if err != nil {
		return nil, eris.Wrapf(ErrIntegrity, "%v", err)
	}
	st.DoneFiles = len(done)

	failures, err := l.Failures(ctx)
	if err != nil {
		return nil, eris.Wrapf(ErrIntegrity, "%v", err)
	}
	latest := make(map[string]int)
	for _, f := range failures {
		if _, ok := done[f.Path]; ok {
			continue
		}
		if i, seen := latest[f.Path]; seen {
			if f.FailedAt.After(st.Failures[i].FailedAt) {
				st.Failures[i] = f
			}
			continue
		}
		latest[f.Path] = len(st.Failures)
		st.Failures = append(st.Failures, f)
	}
	return st, nil
}
