// Package worker fans input files out to concurrent workers, each running its
// own stage chain and writing its own intermediate artifact.
package worker

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/corpus-cli/internal/artifact"
	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/ledger"
	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/parser"
	"github.com/sells-group/corpus-cli/internal/stage"
)

// ErrLedger wraps ledger write failures. They end the run because completion
// state can no longer be trusted.
var ErrLedger = eris.New("worker: ledger write failed")

// ChainFactory builds a fresh stage chain for one worker.
type ChainFactory func() (*stage.Chain, error)

// Opener opens an input file for reading.
type Opener func(root string, file model.InputFile) (io.ReadCloser, error)

// Options configures an Executor.
type Options struct {
	InputRoot    string
	Parser       parser.Parser
	NewChain     ChainFactory
	Ledger       ledger.Ledger
	ArtifactDir  string
	Session      string
	Backend      Backend
	Workers      int
	LogEveryIter int
	Policy       string
	// Open defaults to parser.Open.
	Open Opener
}

// FileFailure is a file abandoned mid-extraction.
type FileFailure struct {
	Path string
	Err  error
}

// Stats summarizes one executor run.
type Stats struct {
	Files       int
	FailedFiles int
	DocsIn      int
	DocsKept    int
	DocsDropped int
	Bytes       int64
	// DroppedByStage counts documents each stage dropped, and StageErrors
	// the documents lost to a stage error or panic.
	DroppedByStage map[string]int
	StageErrors    int
	Failures       []FileFailure
	Artifacts   []string
}

// Executor processes input files with a backend of workers.
type Executor struct {
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	stats Stats

	completed atomic.Int64
	progress  rate.Sometimes
}

// New validates opts and returns an executor.
func New(opts Options) (*Executor, error) {
	if opts.Parser == nil || opts.NewChain == nil || opts.Ledger == nil {
		return nil, eris.New("worker: parser, chain factory and ledger are required")
	}
	if opts.ArtifactDir == "" || opts.Session == "" {
		return nil, eris.New("worker: artifact dir and session are required")
	}
	if opts.Backend == nil {
		opts.Backend = Pool{}
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Policy == "" {
		opts.Policy = config.PolicyRetry
	}
	if opts.Open == nil {
		opts.Open = parser.Open
	}
	e := &Executor{
		opts: opts,
		log:  zap.L().With(zap.String("component", "worker"), zap.String("session", opts.Session)),
	}
	if opts.LogEveryIter > 0 {
		e.progress = rate.Sometimes{Every: opts.LogEveryIter}
	}
	return e, nil
}

// Run processes every file received on files and returns once all workers
// have exited. A cancelled context leaves in-flight files unmarked.
func (e *Executor) Run(ctx context.Context, files <-chan model.InputFile) (Stats, error) {
	e.log.Info("extraction starting",
		zap.String("backend", e.opts.Backend.Name()), zap.Int("workers", e.opts.Workers))

	err := e.opts.Backend.Run(ctx, e.opts.Workers, func(ctx context.Context, id int) error {
		return e.work(ctx, id, files)
	})

	e.mu.Lock()
	stats := e.stats
	e.mu.Unlock()

	e.log.Info("extraction finished",
		zap.Int("files", stats.Files),
		zap.Int("failed_files", stats.FailedFiles),
		zap.Int("docs_kept", stats.DocsKept),
		zap.Int("docs_dropped", stats.DocsDropped),
		zap.String("bytes", humanize.Bytes(uint64(stats.Bytes))),
		zap.Any("dropped_by_stage", stats.DroppedByStage),
		zap.Int("stage_errors", stats.StageErrors),
		zap.Error(err),
	)
	return stats, err
}

// work is the body of one worker: it owns a chain and an artifact writer.
func (e *Executor) work(ctx context.Context, id int, files <-chan model.InputFile) error {
	chain, err := e.opts.NewChain()
	if err != nil {
		return eris.Wrapf(err, "worker %d: build chain", id)
	}
	w := &lazyWriter{path: filepath.Join(e.opts.ArtifactDir, artifact.Name(e.opts.Session, id))}
	defer func() {
		e.mergeChain(chain.Stats())
		if cerr := w.Close(); cerr != nil {
			e.log.Error("closing artifact", zap.Int("worker", id), zap.Error(cerr))
		}
		if w.w != nil {
			e.mu.Lock()
			e.stats.Artifacts = append(e.stats.Artifacts, w.path)
			e.mu.Unlock()
		}
	}()

	for {
		var file model.InputFile
		var ok bool
		select {
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "worker: cancelled")
		case file, ok = <-files:
			if !ok {
				return nil
			}
		}

		res := e.processFile(ctx, chain, w, file)
		if res.fatal != nil {
			return res.fatal
		}
		if ctx.Err() != nil {
			// Whatever the file produced is left unmarked and redone on resume.
			return eris.Wrap(ctx.Err(), "worker: cancelled")
		}
		if err := e.finishFile(ctx, w, file, res); err != nil {
			return err
		}
	}
}

type fileResult struct {
	docsIn, kept int
	bytes        int64
	err          error // per-file error, policy driven
	fatal        error // ends the run
}

func (e *Executor) processFile(ctx context.Context, chain *stage.Chain, w *lazyWriter, file model.InputFile) fileResult {
	var res fileResult

	rc, err := e.opts.Open(e.opts.InputRoot, file)
	if err != nil {
		res.err = err
		return res
	}
	defer rc.Close() //nolint:errcheck
	cr := &countingReader{r: rc}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	docs, errs := e.opts.Parser.Parse(fctx, cr, file)
	for doc := range docs {
		if res.fatal != nil {
			continue
		}
		res.docsIn++
		out := chain.Apply(doc)
		if out == nil {
			continue
		}
		if err := w.Write(out); err != nil {
			res.fatal = err
			cancel()
			continue
		}
		res.kept++
	}
	if perr := <-errs; perr != nil && res.fatal == nil {
		res.err = perr
	}
	res.bytes = cr.n
	return res
}

// finishFile makes the file's documents durable, then records the outcome.
func (e *Executor) finishFile(ctx context.Context, w *lazyWriter, file model.InputFile, res fileResult) error {
	log := e.log.With(zap.String("file", file.RelPath))

	if res.err != nil && e.opts.Policy != config.PolicySkip {
		log.Warn("file failed, will be retried on resume", zap.Error(res.err))
		if err := e.opts.Ledger.RecordFailure(ctx, file.RelPath, e.opts.Session, res.err); err != nil {
			return eris.Wrapf(ErrLedger, "record failure %s: %v", file.RelPath, err)
		}
		e.tally(res, file, false)
		return nil
	}
	if res.err != nil {
		log.Warn("file failed, keeping partial output", zap.Error(res.err))
	}

	if err := w.Sync(); err != nil {
		return err
	}
	if err := e.opts.Ledger.MarkDone(ctx, file.RelPath, e.opts.Session); err != nil {
		return eris.Wrapf(ErrLedger, "mark done %s: %v", file.RelPath, err)
	}
	e.tally(res, file, true)

	n := e.completed.Add(1)
	if e.opts.LogEveryIter > 0 {
		e.progress.Do(func() {
			e.mu.Lock()
			s := e.stats
			e.mu.Unlock()
			e.log.Info("progress",
				zap.Int64("files_done", n),
				zap.Int("docs_kept", s.DocsKept),
				zap.Int("docs_dropped", s.DocsDropped),
				zap.String("bytes", humanize.Bytes(uint64(s.Bytes))),
			)
		})
	}
	return nil
}

func (e *Executor) mergeChain(cs stage.ChainStats) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stats.DroppedByStage == nil {
		e.stats.DroppedByStage = make(map[string]int)
	}
	for name, n := range cs.Dropped {
		e.stats.DroppedByStage[name] += n
	}
	e.stats.StageErrors += cs.Failed
}

func (e *Executor) tally(res fileResult, file model.InputFile, done bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.DocsIn += res.docsIn
	e.stats.DocsKept += res.kept
	e.stats.DocsDropped += res.docsIn - res.kept
	e.stats.Bytes += res.bytes
	if done {
		e.stats.Files++
	}
	if res.err != nil {
		e.stats.FailedFiles++
		e.stats.Failures = append(e.stats.Failures, FileFailure{Path: file.RelPath, Err: res.err})
	}
}

// IsCancelled reports whether err comes from a cancelled run.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// lazyWriter creates the artifact on the first document so idle workers leave
// no empty files behind.
type lazyWriter struct {
	path string
	w    *artifact.Writer
}

func (l *lazyWriter) Write(doc *model.Document) error {
	if l.w == nil {
		w, err := artifact.Create(l.path)
		if err != nil {
			return err
		}
		l.w = w
	}
	return l.w.Write(doc)
}

func (l *lazyWriter) Sync() error {
	if l.w == nil {
		return nil
	}
	return l.w.Sync()
}

func (l *lazyWriter) Close() error {
	if l.w == nil {
		return nil
	}
	return l.w.Close()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
