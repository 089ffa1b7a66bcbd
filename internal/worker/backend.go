package worker

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// Backend names.
const (
	BackendSequential = "sequential"
	BackendPool       = "pool"
)

// WorkFunc is the body of one worker. id is unique within a run attempt.
type WorkFunc func(ctx context.Context, id int) error

// Backend runs worker bodies. Backends only change throughput and cross-file
// ordering, never which documents survive.
type Backend interface {
	Name() string
	Run(ctx context.Context, workers int, work WorkFunc) error
}

// BackendFor returns the backend registered under name.
func BackendFor(name string) (Backend, error) {
	switch name {
	case BackendSequential:
		return Sequential{}, nil
	case BackendPool, "":
		return Pool{}, nil
	default:
		return nil, eris.Errorf("worker: unknown backend %q", name)
	}
}

// Sequential runs a single worker on the calling goroutine.
type Sequential struct{}

func (Sequential) Name() string { return BackendSequential }

func (Sequential) Run(ctx context.Context, _ int, work WorkFunc) error {
	return work(ctx, 0)
}

// Pool runs workers goroutines. The first error cancels the others.
type Pool struct{}

func (Pool) Name() string { return BackendPool }

func (Pool) Run(ctx context.Context, workers int, work WorkFunc) error {
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			return work(gctx, id)
		})
	}
	return g.Wait()
}
