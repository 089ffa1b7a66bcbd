package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus-cli/internal/artifact"
	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/enumerate"
	"github.com/sells-group/corpus-cli/internal/ledger"
	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/stage"
)

// lineParser emits one document per line. A line "FAIL" aborts the file.
type lineParser struct{}

func (lineParser) Parse(ctx context.Context, r io.Reader, file model.InputFile) (<-chan *model.Document, <-chan error) {
	out := make(chan *model.Document)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		sc := bufio.NewScanner(r)
		seq := 0
		for sc.Scan() {
			if sc.Text() == "FAIL" {
				errs <- errors.New("parse: broken record")
				return
			}
			seq++
			select {
			case out <- model.NewDocument(file, seq, sc.Text(), false):
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return out, errs
}

// mockLedger is a testify mock of ledger.Ledger.
type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) MarkDone(ctx context.Context, path, session string) error {
	return m.Called(ctx, path, session).Error(0)
}

func (m *mockLedger) DonePaths(ctx context.Context) (map[string]string, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[string]string), args.Error(1)
}

func (m *mockLedger) RecordFailure(ctx context.Context, path, session string, cause error) error {
	return m.Called(ctx, path, session, cause).Error(0)
}

func (m *mockLedger) Failures(ctx context.Context) ([]ledger.Failure, error) {
	args := m.Called(ctx)
	return args.Get(0).([]ledger.Failure), args.Error(1)
}

func (m *mockLedger) Close() error { return m.Called().Error(0) }

func errorFilterChain() (*stage.Chain, error) {
	return stage.Builtin().Build(&config.RunConfig{
		Stages:       []string{stage.SubstringFilterName},
		ErrorMarkers: []string{"ERROR"},
	})
}

func writeInputs(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(body), 0o644))
	}
	return root
}

func newSQLiteLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	l, err := ledger.CreateSQLite(context.Background(), filepath.Join(t.TempDir(), ledger.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	return l
}

func readArtifacts(t *testing.T, dir string) []*model.Document {
	t.Helper()
	paths, err := artifact.List(dir)
	require.NoError(t, err)
	var docs []*model.Document
	for _, p := range paths {
		ch, errs := artifact.ReadFile(context.Background(), p)
		for d := range ch {
			docs = append(docs, d)
		}
		require.NoError(t, <-errs)
	}
	return docs
}

func run(t *testing.T, opts Options, root string) (Stats, error) {
	t.Helper()
	files, err := enumerate.Enumerate(root, []string{".txt"}, false)
	require.NoError(t, err)
	opts.InputRoot = root
	e, err := New(opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return e.Run(ctx, enumerate.Stream(ctx, files))
}

func TestExecutor_ThreeFilesDropError(t *testing.T) {
	for _, backend := range []Backend{Sequential{}, Pool{}} {
		t.Run(backend.Name(), func(t *testing.T) {
			root := writeInputs(t, map[string]string{
				"a.txt": "alpha one\nERROR alpha",
				"b.txt": "beta one\nbeta two",
				"c.txt": "ERROR gamma\ngamma two",
			})
			l := newSQLiteLedger(t)
			artifacts := t.TempDir()

			stats, err := run(t, Options{
				Parser: lineParser{}, NewChain: errorFilterChain, Ledger: l,
				ArtifactDir: artifacts, Session: "s1", Backend: backend, Workers: 3, LogEveryIter: 1,
			}, root)
			require.NoError(t, err)

			assert.Equal(t, 3, stats.Files)
			assert.Equal(t, 6, stats.DocsIn)
			assert.Equal(t, 4, stats.DocsKept)
			assert.Equal(t, 2, stats.DocsDropped)
			assert.Equal(t, map[string]int{stage.SubstringFilterName: 2}, stats.DroppedByStage)
			assert.Zero(t, stats.StageErrors)
			assert.Positive(t, stats.Bytes)

			done, err := l.DonePaths(context.Background())
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"a.txt": "s1", "b.txt": "s1", "c.txt": "s1"}, done)

			docs := readArtifacts(t, artifacts)
			byFile := map[string][]string{}
			for _, d := range docs {
				byFile[d.Filename] = append(byFile[d.Filename], d.ID+":"+d.Content)
			}
			assert.Equal(t, map[string][]string{
				"a.txt": {"0-1:alpha one"},
				"b.txt": {"1-1:beta one", "1-2:beta two"},
				"c.txt": {"2-2:gamma two"},
			}, byFile)
		})
	}
}

func TestExecutor_BackendsAgree(t *testing.T) {
	inputs := map[string]string{}
	for i := 0; i < 12; i++ {
		inputs[fmt.Sprintf("f%02d.txt", i)] = fmt.Sprintf("doc %d a\nERROR %d\ndoc %d b", i, i, i)
	}

	ids := func(backend Backend, workers int) []string {
		root := writeInputs(t, inputs)
		artifacts := t.TempDir()
		_, err := run(t, Options{
			Parser: lineParser{}, NewChain: errorFilterChain, Ledger: newSQLiteLedger(t),
			ArtifactDir: artifacts, Session: "s", Backend: backend, Workers: workers, LogEveryIter: -1,
		}, root)
		require.NoError(t, err)
		var out []string
		for _, d := range readArtifacts(t, artifacts) {
			out = append(out, d.ID)
		}
		sort.Strings(out)
		return out
	}

	seq := ids(Sequential{}, 1)
	assert.Len(t, seq, 24)
	assert.Equal(t, seq, ids(Pool{}, 4))
}

func TestExecutor_ArtifactPerWorker(t *testing.T) {
	root := writeInputs(t, map[string]string{"a.txt": "x", "b.txt": "y", "c.txt": "z", "d.txt": "w"})
	artifacts := t.TempDir()

	stats, err := run(t, Options{
		Parser: lineParser{}, NewChain: errorFilterChain, Ledger: newSQLiteLedger(t),
		ArtifactDir: artifacts, Session: "sess", Backend: Pool{}, Workers: 2,
	}, root)
	require.NoError(t, err)

	for _, p := range stats.Artifacts {
		session, worker, err := artifact.ParseName(p)
		require.NoError(t, err)
		assert.Equal(t, "sess", session)
		assert.Less(t, worker, 2)
	}
	assert.Len(t, readArtifacts(t, artifacts), 4)
}

func TestExecutor_RetryPolicyLeavesFileUnmarked(t *testing.T) {
	root := writeInputs(t, map[string]string{"a.txt": "good", "b.txt": "partial\nFAIL\nlost"})
	l := newSQLiteLedger(t)

	stats, err := run(t, Options{
		Parser: lineParser{}, NewChain: errorFilterChain, Ledger: l,
		ArtifactDir: t.TempDir(), Session: "s1", Backend: Sequential{}, Policy: config.PolicyRetry,
	}, root)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 1, stats.FailedFiles)
	require.Len(t, stats.Failures, 1)
	assert.Equal(t, "b.txt", stats.Failures[0].Path)

	done, err := l.DonePaths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "s1"}, done)

	failures, err := l.Failures(context.Background())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error, "broken record")
}

func TestExecutor_SkipPolicyMarksFileDone(t *testing.T) {
	root := writeInputs(t, map[string]string{"b.txt": "partial\nFAIL\nlost"})
	l := newSQLiteLedger(t)
	artifacts := t.TempDir()

	stats, err := run(t, Options{
		Parser: lineParser{}, NewChain: errorFilterChain, Ledger: l,
		ArtifactDir: artifacts, Session: "s1", Backend: Sequential{}, Policy: config.PolicySkip,
	}, root)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 1, stats.FailedFiles)

	done, err := l.DonePaths(context.Background())
	require.NoError(t, err)
	assert.Contains(t, done, "b.txt")

	docs := readArtifacts(t, artifacts)
	require.Len(t, docs, 1)
	assert.Equal(t, "partial", docs[0].Content)
}

func TestExecutor_OpenFailureIsPerFile(t *testing.T) {
	root := writeInputs(t, map[string]string{"a.txt": "ok"})
	l := newSQLiteLedger(t)

	e, err := New(Options{
		InputRoot: root, Parser: lineParser{}, NewChain: errorFilterChain, Ledger: l,
		ArtifactDir: t.TempDir(), Session: "s", Backend: Sequential{},
	})
	require.NoError(t, err)

	files := []model.InputFile{{Index: 0, RelPath: "a.txt"}, {Index: 1, RelPath: "gone.txt"}}
	stats, err := e.Run(context.Background(), enumerate.Stream(context.Background(), files))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 1, stats.FailedFiles)
}

func TestExecutor_LedgerWriteFailureIsFatal(t *testing.T) {
	root := writeInputs(t, map[string]string{"a.txt": "one", "b.txt": "two"})
	l := &mockLedger{}
	l.On("MarkDone", mock.Anything, "a.txt", "s").Return(errors.New("disk full"))

	_, err := run(t, Options{
		Parser: lineParser{}, NewChain: errorFilterChain, Ledger: l,
		ArtifactDir: t.TempDir(), Session: "s", Backend: Sequential{},
	}, root)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedger)
	assert.Contains(t, err.Error(), "disk full")
	l.AssertNotCalled(t, "MarkDone", mock.Anything, "b.txt", "s")
}

func TestExecutor_RecordFailureErrorIsFatal(t *testing.T) {
	root := writeInputs(t, map[string]string{"a.txt": "FAIL"})
	l := &mockLedger{}
	l.On("RecordFailure", mock.Anything, "a.txt", "s", mock.Anything).Return(errors.New("read-only"))

	_, err := run(t, Options{
		Parser: lineParser{}, NewChain: errorFilterChain, Ledger: l,
		ArtifactDir: t.TempDir(), Session: "s", Backend: Pool{}, Workers: 2,
	}, root)
	assert.ErrorIs(t, err, ErrLedger)
	l.AssertExpectations(t)
}

func TestExecutor_CancelLeavesFilesUnmarked(t *testing.T) {
	root := writeInputs(t, map[string]string{"a.txt": "one", "b.txt": "two", "c.txt": "three"})
	files, err := enumerate.Enumerate(root, []string{".txt"}, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := &mockLedger{}
	var marked atomic.Int32
	l.On("MarkDone", mock.Anything, mock.Anything, "s").Run(func(mock.Arguments) {
		if marked.Add(1) == 2 {
			cancel()
		}
	}).Return(nil)

	e, err := New(Options{
		InputRoot: root, Parser: lineParser{}, NewChain: errorFilterChain, Ledger: l,
		ArtifactDir: t.TempDir(), Session: "s", Backend: Sequential{},
	})
	require.NoError(t, err)

	stats, err := e.Run(ctx, enumerate.Stream(ctx, files))
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, 2, stats.Files)
	l.AssertNumberOfCalls(t, "MarkDone", 2)
}

func TestExecutor_ChainFactoryError(t *testing.T) {
	root := writeInputs(t, map[string]string{"a.txt": "x"})
	_, err := run(t, Options{
		Parser:      lineParser{},
		NewChain:    func() (*stage.Chain, error) { return nil, errors.New("bad stage") },
		Ledger:      newSQLiteLedger(t),
		ArtifactDir: t.TempDir(), Session: "s", Backend: Sequential{},
	}, root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build chain")
}

func TestExecutor_IdleWorkerLeavesNoArtifact(t *testing.T) {
	root := writeInputs(t, map[string]string{"a.txt": "ERROR only"})
	artifacts := t.TempDir()

	_, err := run(t, Options{
		Parser: lineParser{}, NewChain: errorFilterChain, Ledger: newSQLiteLedger(t),
		ArtifactDir: artifacts, Session: "s", Backend: Pool{}, Workers: 3,
	}, root)
	require.NoError(t, err)

	entries, err := os.ReadDir(artifacts)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Parser: lineParser{}, NewChain: errorFilterChain, Ledger: &mockLedger{}})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "artifact dir"))
}

func TestBackendFor(t *testing.T) {
	b, err := BackendFor("sequential")
	require.NoError(t, err)
	assert.Equal(t, BackendSequential, b.Name())

	b, err = BackendFor("pool")
	require.NoError(t, err)
	assert.Equal(t, BackendPool, b.Name())

	_, err = BackendFor("ray")
	assert.Error(t, err)
}

func TestPool_FirstErrorCancelsOthers(t *testing.T) {
	err := Pool{}.Run(context.Background(), 4, func(ctx context.Context, id int) error {
		if id == 0 {
			return errors.New("worker 0 failed")
		}
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker 0 failed")
}
