// Package checkpoint decides whether a run starts fresh or resumes, and owns
// the persisted run configuration snapshot.
package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/ledger"
)

// Snapshot and log file names under the output directory.
const (
	SnapshotFile       = "run.yaml"
	ReduceSnapshotFile = "run_reduce.yaml"
	LogFile            = "clean.log"
	ReduceLogFile      = "clean_reduce.log"
)

var (
	// ErrIntegrity means the resume state cannot be trusted; only a fresh run
	// into a new output directory can proceed.
	ErrIntegrity = eris.New("checkpoint: resume state is unreadable or inconsistent, a fresh run is required")
	// ErrReduceOnlyResume is returned when a reduce-only output is reopened.
	ErrReduceOnlyResume = eris.New("checkpoint: reduce-only runs cannot be resumed, start a fresh reduce run")
	// ErrConfigMismatch is returned when the supplied configuration differs
	// from the stored snapshot.
	ErrConfigMismatch = eris.New("checkpoint: configuration differs from the stored snapshot")
	// ErrNoConfig is returned when a fresh run is requested without one.
	ErrNoConfig = eris.New("checkpoint: no prior run found and no configuration supplied")
)

// Checkpoint is the resume controller for one output directory.
type Checkpoint struct {
	dir     string
	cfg     *config.RunConfig
	ledger  ledger.Ledger
	resume  bool
	session string
}

// Exists reports whether a prior run is present at dir.
func Exists(dir string) bool {
	for _, name := range []string{SnapshotFile, ReduceSnapshotFile, ledger.FileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// Option configures Open.
type Option func(*options)

type options struct {
	databaseURL string
}

// WithDatabaseURL supplies the Postgres ledger URL. It is not part of the
// snapshot and must be given on every open of a postgres-backed run.
func WithDatabaseURL(url string) Option {
	return func(o *options) { o.databaseURL = url }
}

// LedgerConfig combines the stored ledger driver with the supplied secrets.
func LedgerConfig(cfg *config.RunConfig, opts ...Option) config.LedgerConfig {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return config.LedgerConfig{Driver: cfg.Ledger.Driver, DatabaseURL: o.databaseURL}
}

// Open inspects dir and either starts a fresh run with fresh, or resumes the
// run stored there. A non-nil fresh on resume must equal the stored snapshot.
func Open(ctx context.Context, dir string, fresh *config.RunConfig, opts ...Option) (*Checkpoint, error) {
	if Exists(dir) {
		return resume(ctx, dir, fresh, opts)
	}
	if fresh == nil {
		return nil, ErrNoConfig
	}
	return create(ctx, dir, fresh, opts)
}

func create(ctx context.Context, dir string, fresh *config.RunConfig, opts []Option) (*Checkpoint, error) {
	cfg := *fresh
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	cfg.OutputPath = dir
	cfg.Done = false
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "checkpoint: create output directory")
	}

	l, err := ledger.Create(ctx, LedgerConfig(&cfg, opts...), dir, cfg.RunID)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: init ledger")
	}

	cp := &Checkpoint{dir: dir, cfg: &cfg, ledger: l, session: newSession()}
	if err := cp.save(); err != nil {
		l.Close() //nolint:errcheck
		return nil, err
	}
	return cp, nil
}

func resume(ctx context.Context, dir string, fresh *config.RunConfig, opts []Option) (*Checkpoint, error) {
	if _, err := os.Stat(filepath.Join(dir, ReduceSnapshotFile)); err == nil {
		return nil, ErrReduceOnlyResume
	}

	stored, err := LoadSnapshot(filepath.Join(dir, SnapshotFile))
	if err != nil {
		return nil, eris.Wrapf(ErrIntegrity, "checkpoint: %v", err)
	}

	if fresh != nil {
		if diff := Diff(stored, fresh); len(diff) > 0 {
			return nil, eris.Wrapf(ErrConfigMismatch, "checkpoint: fields differ: %s", strings.Join(diff, ", "))
		}
	}

	l, err := ledger.Open(ctx, LedgerConfig(stored, opts...), dir, stored.RunID)
	if err != nil {
		return nil, eris.Wrapf(ErrIntegrity, "checkpoint: %v", err)
	}

	return &Checkpoint{dir: dir, cfg: stored, ledger: l, resume: true, session: newSession()}, nil
}

// newSession returns a time-ordered id, so artifacts of later attempts sort
// after earlier ones.
func newSession() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Config returns the effective run configuration.
func (c *Checkpoint) Config() *config.RunConfig { return c.cfg }

// Ledger returns the run's completion ledger.
func (c *Checkpoint) Ledger() ledger.Ledger { return c.ledger }

// Resume reports whether this run continues a prior one.
func (c *Checkpoint) Resume() bool { return c.resume }

// Done reports whether the run already finished.
func (c *Checkpoint) Done() bool { return c.cfg.Done }

// Session returns the id of this process's attempt at the run.
func (c *Checkpoint) Session() string { return c.session }

// Dir returns the output directory.
func (c *Checkpoint) Dir() string { return c.dir }

// LogPath returns the run log destination implied by the configuration mode.
func (c *Checkpoint) LogPath() string {
	if c.cfg.OnlyReduce {
		return filepath.Join(c.dir, ReduceLogFile)
	}
	return filepath.Join(c.dir, LogFile)
}

// SnapshotPath returns where the configuration snapshot is stored.
func (c *Checkpoint) SnapshotPath() string {
	if c.cfg.OnlyReduce {
		return filepath.Join(c.dir, ReduceSnapshotFile)
	}
	return filepath.Join(c.dir, SnapshotFile)
}

// TempDir returns the directory holding intermediate artifacts.
func (c *Checkpoint) TempDir() string {
	return filepath.Join(c.dir, "tmp")
}

// DeclareDone marks the run complete and persists the snapshot. Calling it
// again is a no-op.
func (c *Checkpoint) DeclareDone() error {
	if c.cfg.Done {
		return nil
	}
	c.cfg.Done = true
	if err := c.save(); err != nil {
		c.cfg.Done = false
		return err
	}
	zap.L().Info("run declared done", zap.String("run_id", c.cfg.RunID), zap.String("output", c.dir))
	return nil
}

// Close releases the ledger.
func (c *Checkpoint) Close() error {
	return c.ledger.Close()
}

func (c *Checkpoint) save() error {
	return WriteSnapshot(c.SnapshotPath(), c.cfg)
}

// LoadSnapshot reads a YAML run configuration snapshot.
func LoadSnapshot(path string) (*config.RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: read snapshot")
	}
	var cfg config.RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, eris.Wrap(err, "checkpoint: parse snapshot")
	}
	if cfg.RunID == "" {
		return nil, eris.Errorf("checkpoint: snapshot %s has no run_id", path)
	}
	return &cfg, nil
}

// WriteSnapshot writes cfg atomically (temp file, fsync, rename).
func WriteSnapshot(path string, cfg *config.RunConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal snapshot")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp snapshot")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "checkpoint: write snapshot")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "checkpoint: sync snapshot")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "checkpoint: close snapshot")
	}
	return eris.Wrap(os.Rename(tmpName, path), "checkpoint: replace snapshot")
}

// Diff lists the snapshot fields (by YAML key) whose values differ between
// stored and supplied. Run metadata and the completion flag are ignored, as
// are fields the caller left unset (run id, creation time).
func Diff(stored, supplied *config.RunConfig) []string {
	a, b := *stored, *supplied
	for _, c := range []*config.RunConfig{&a, &b} {
		c.RunID = ""
		c.CreatedAt = time.Time{}
		c.Version = ""
		c.Done = false
	}
	if supplied.OutputPath == "" {
		b.OutputPath = a.OutputPath
	}

	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	t := av.Type()
	var diff []string
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(normalize(av.Field(i).Interface()), normalize(bv.Field(i).Interface())) {
			continue
		}
		name := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if name == "" {
			name = t.Field(i).Name
		}
		diff = append(diff, name)
	}
	sort.Strings(diff)
	return diff
}

// normalize makes nil and empty slices compare equal, matching how they
// round-trip through the YAML snapshot.
func normalize(v any) any {
	if s, ok := v.([]string); ok && len(s) == 0 {
		return []string(nil)
	}
	return v
}
