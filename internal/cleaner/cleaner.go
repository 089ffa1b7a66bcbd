// Package cleaner wires enumeration, extraction, reduce and output into one
// resumable run over an output directory.
package cleaner

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/corpus-cli/internal/checkpoint"
	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/enumerate"
	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/output"
	"github.com/sells-group/corpus-cli/internal/parser"
	"github.com/sells-group/corpus-cli/internal/reduce"
	"github.com/sells-group/corpus-cli/internal/stage"
	"github.com/sells-group/corpus-cli/internal/worker"
)

var (
	// ErrIntegrity means the ledger or snapshot cannot be trusted.
	ErrIntegrity = eris.New("cleaner: resume state is unreadable or inconsistent; start a fresh run into a new output directory")
	// ErrReduce means reduce or output failed after extraction completed.
	ErrReduce = eris.New("cleaner: reduce failed; extraction work is salvageable, retry with `corpus-cli reduce --from <output>`")
	// ErrIncomplete means some files failed under the retry policy.
	ErrIncomplete = eris.New("cleaner: some files failed; completed work is kept and `corpus-cli resume` retries the failed files")
)

// Options configures a Cleaner.
type Options struct {
	// Registry resolves the stage names of the run. Defaults to stage.Builtin.
	Registry *stage.Registry
	// Log, when set, re-initializes the global logger to tee into the run log.
	Log *config.LogConfig
	// S3 carries the sink credentials.
	S3 config.S3Config
	// Sink overrides the sink built from the run configuration.
	Sink output.Sink
}

// Result summarizes a run.
type Result struct {
	RunID       string
	Output      string
	Resumed     bool
	AlreadyDone bool
	Pending     int
	Extraction  worker.Stats
	Reduce      reduce.Stats
	Duration    time.Duration
}

// Cleaner executes runs.
type Cleaner struct {
	opts Options
}

// New returns a Cleaner.
func New(opts Options) *Cleaner {
	if opts.Registry == nil {
		opts.Registry = stage.Builtin()
	}
	return &Cleaner{opts: opts}
}

// Run drives the run held by cp to completion. A finished run is a no-op.
// On cancellation in-flight files stay unmarked and the context error is
// returned.
func (c *Cleaner) Run(ctx context.Context, cp *checkpoint.Checkpoint) (*Result, error) {
	start := time.Now()
	cfg := cp.Config()
	res := &Result{RunID: cfg.RunID, Output: cp.Dir(), Resumed: cp.Resume()}

	if c.opts.Log != nil {
		if err := config.InitLogger(*c.opts.Log, cp.LogPath()); err != nil {
			return nil, err
		}
	}
	log := zap.L().With(zap.String("component", "cleaner"), zap.String("run_id", cfg.RunID))

	if cp.Done() {
		log.Info("run already done, nothing to do", zap.String("output", cp.Dir()))
		res.AlreadyDone = true
		return res, nil
	}
	log.Info("run starting",
		zap.String("input", cfg.InputPath),
		zap.String("output", cp.Dir()),
		zap.Bool("resume", cp.Resume()),
		zap.Bool("only_reduce", cfg.OnlyReduce),
		zap.Strings("stages", cfg.Stages),
		zap.String("reducer", cfg.Reducer),
	)

	var src *reduce.Source
	if cfg.OnlyReduce {
		s, err := reduce.OpenSource(ctx, cfg.InputPath)
		if err != nil {
			return nil, eris.Wrapf(ErrIntegrity, "open reduce source %s: %v", cfg.InputPath, err)
		}
		src = s
	} else {
		if err := c.extract(ctx, cp, res); err != nil {
			return res, err
		}
		s, err := reduce.NewSource(ctx, cp.TempDir(), cp.Ledger())
		if err != nil {
			return res, eris.Wrapf(ErrIntegrity, "%v", err)
		}
		src = s
	}

	if err := c.reduceAndWrite(ctx, cp, src, res); err != nil {
		return res, err
	}

	if err := cp.DeclareDone(); err != nil {
		return res, eris.Wrapf(ErrReduce, "declare done: %v", err)
	}
	res.Duration = time.Since(start)
	log.Info("run finished",
		zap.Int("files", res.Extraction.Files),
		zap.Int("docs_out", res.Reduce.Out),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (c *Cleaner) extract(ctx context.Context, cp *checkpoint.Checkpoint, res *Result) error {
	cfg := cp.Config()
	log := zap.L().With(zap.String("component", "cleaner"), zap.String("run_id", cfg.RunID))

	if err := c.opts.Registry.Validate(cfg.Stages); err != nil {
		return err
	}
	p, err := parser.New(cfg)
	if err != nil {
		return err
	}
	backend, err := worker.BackendFor(cfg.Backend)
	if err != nil {
		return err
	}

	files, err := enumerate.Enumerate(cfg.InputPath, cfg.DefaultExtensions(), cfg.BinaryInput())
	if err != nil {
		return err
	}
	done, err := cp.Ledger().DonePaths(ctx)
	if err != nil {
		return eris.Wrapf(ErrIntegrity, "read ledger: %v", err)
	}
	pending := enumerate.Pending(files, done)
	res.Pending = len(pending)
	log.Info("input enumerated",
		zap.Int("files", len(files)), zap.Int("done", len(files)-len(pending)), zap.Int("pending", len(pending)))

	exec, err := worker.New(worker.Options{
		InputRoot:    cfg.InputPath,
		Parser:       p,
		NewChain:     func() (*stage.Chain, error) { return c.opts.Registry.Build(cfg) },
		Ledger:       cp.Ledger(),
		ArtifactDir:  cp.TempDir(),
		Session:      cp.Session(),
		Backend:      backend,
		Workers:      cfg.Workers,
		LogEveryIter: cfg.LogEveryIter,
		Policy:       cfg.FailedFilePolicy,
	})
	if err != nil {
		return err
	}

	stats, err := runFiles(ctx, exec, pending)
	res.Extraction = stats
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrLedger):
		return eris.Wrapf(ErrIntegrity, "%v", err)
	case worker.IsCancelled(err) || ctx.Err() != nil:
		log.Warn("run interrupted, completed files are kept for resume", zap.Int("files_done", stats.Files))
		return eris.Wrap(err, "cleaner: interrupted")
	default:
		return eris.Wrap(err, "cleaner: extraction")
	}
	if ctx.Err() != nil {
		return eris.Wrap(ctx.Err(), "cleaner: interrupted")
	}

	if len(stats.Failures) > 0 && cfg.FailedFilePolicy != config.PolicySkip {
		paths := make([]string, len(stats.Failures))
		for i, f := range stats.Failures {
			paths[i] = f.Path
		}
		sort.Strings(paths)
		return eris.Wrapf(ErrIncomplete, "%d failed: %s", len(paths), strings.Join(paths, ", "))
	}
	return nil
}

// runFiles feeds pending to exec. The feed stops when the run ends, including
// when a worker error ends it early.
func runFiles(ctx context.Context, exec *worker.Executor, pending []model.InputFile) (worker.Stats, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return exec.Run(sctx, enumerate.Stream(sctx, pending))
}

func (c *Cleaner) reduceAndWrite(ctx context.Context, cp *checkpoint.Checkpoint, src *reduce.Source, res *Result) error {
	cfg := cp.Config()

	r, err := reduce.New(cfg.Reducer, cp.TempDir())
	if err != nil {
		return err
	}
	if err := r.Reduce(ctx, src); err != nil {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "cleaner: interrupted")
		}
		return eris.Wrapf(ErrReduce, "%v", err)
	}
	if d, ok := r.(*reduce.DedupReducer); ok {
		res.Reduce = d.Stats()
	}

	sink := c.opts.Sink
	if sink == nil {
		sink, err = output.New(cfg, c.opts.S3)
		if err != nil {
			return err
		}
	}

	n, err := pump(ctx, r.Documents(), sink)
	if err != nil {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "cleaner: interrupted")
		}
		return eris.Wrapf(ErrReduce, "%v", err)
	}
	if _, ok := r.(*reduce.DedupReducer); !ok {
		res.Reduce = reduce.Stats{In: n, Out: n}
	}
	return nil
}

// pump feeds every stream, in order, into the sink and returns the number of
// documents handed over.
func pump(ctx context.Context, streams []reduce.Stream, sink output.Sink) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	docs := make(chan *model.Document, 64)
	n := 0

	// docs is closed only after every stream succeeded, so a failed read can
	// never look like the end of the output to the sink.
	g.Go(func() error {
		for _, s := range streams {
			in, errs := s(gctx)
			for d := range in {
				select {
				case docs <- d:
					n++
				case <-gctx.Done():
				}
			}
			if err := <-errs; err != nil {
				return err
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
		}
		close(docs)
		return nil
	})
	g.Go(func() error {
		return sink.Write(gctx, docs)
	})

	err := g.Wait()
	return n, err
}
