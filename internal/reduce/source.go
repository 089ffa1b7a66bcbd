// Package reduce runs the single sequential pass over every surviving
// document once extraction has finished.
package reduce

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/artifact"
	"github.com/sells-group/corpus-cli/internal/checkpoint"
	"github.com/sells-group/corpus-cli/internal/ledger"
	"github.com/sells-group/corpus-cli/internal/model"
)

// Source is the complete intermediate output of an extraction: a directory of
// artifacts and the ledger's done map. A document is admitted only when the
// ledger credits its file to the session that wrote the artifact, so output
// of a killed attempt is ignored and a retried file counts once.
type Source struct {
	ArtifactDir string
	Done        map[string]string
}

// NewSource reads the done map from l.
func NewSource(ctx context.Context, artifactDir string, l ledger.Ledger) (*Source, error) {
	done, err := l.DonePaths(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "reduce: read ledger")
	}
	return &Source{ArtifactDir: artifactDir, Done: done}, nil
}

// OpenSource re-opens the artifacts and ledger of an earlier run's output
// directory for a reduce-only run. The earlier run is only read.
func OpenSource(ctx context.Context, previousOutputDir string) (*Source, error) {
	snap, err := checkpoint.LoadSnapshot(filepath.Join(previousOutputDir, checkpoint.SnapshotFile))
	if err != nil {
		return nil, eris.Wrapf(err, "reduce: open source %s", previousOutputDir)
	}
	l, err := ledger.Open(ctx, checkpoint.LedgerConfig(snap), previousOutputDir, snap.RunID)
	if err != nil {
		return nil, eris.Wrapf(err, "reduce: open source ledger %s", previousOutputDir)
	}
	defer l.Close() //nolint:errcheck

	return NewSource(ctx, filepath.Join(previousOutputDir, "tmp"), l)
}

// Each calls fn for every admitted document: artifacts in name order, lines
// in file order. It stops at the first error.
func (s *Source) Each(ctx context.Context, fn func(*model.Document) error) error {
	paths, err := artifact.List(s.ArtifactDir)
	if err != nil {
		return eris.Wrap(err, "reduce: list artifacts")
	}
	for _, p := range paths {
		session, _, err := artifact.ParseName(p)
		if err != nil {
			return err
		}
		if err := s.eachIn(ctx, p, session, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) eachIn(ctx context.Context, path, session string, fn func(*model.Document) error) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	docs, errs := artifact.ReadFile(cctx, path)
	var fnErr error
	for doc := range docs {
		if fnErr != nil || s.Done[doc.Filename] != session {
			continue
		}
		if err := fn(doc); err != nil {
			fnErr = err
			cancel()
		}
	}
	readErr := <-errs
	if fnErr != nil {
		return fnErr
	}
	return eris.Wrapf(readErr, "reduce: read %s", filepath.Base(path))
}

// Stream lazily yields documents. Each call starts a new pass.
type Stream func(ctx context.Context) (<-chan *model.Document, <-chan error)

// Stream returns the admitted documents of the source as a lazy stream.
func (s *Source) Stream() Stream {
	return func(ctx context.Context) (<-chan *model.Document, <-chan error) {
		outCh := make(chan *model.Document, 64)
		errCh := make(chan error, 1)
		go func() {
			defer close(outCh)
			defer close(errCh)
			err := s.Each(ctx, func(d *model.Document) error {
				select {
				case outCh <- d:
					return nil
				case <-ctx.Done():
					return eris.Wrap(ctx.Err(), "reduce: context cancelled")
				}
			})
			if err != nil {
				errCh <- err
			}
		}()
		return outCh, errCh
	}
}
