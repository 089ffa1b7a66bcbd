package reduce

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/artifact"
	"github.com/sells-group/corpus-cli/internal/model"
)

// Reducer names.
const (
	Dedup       = "dedup"
	Passthrough = "passthrough"
)

// PartName is the single output part written by the dedup reducer.
const PartName = "part-00000.jsonl"

// Reducer consumes the whole intermediate output in one sequential pass.
type Reducer interface {
	Reduce(ctx context.Context, src *Source) error
	Documents() []Stream
}

// Stats counts what a reducer saw.
type Stats struct {
	In         int
	Out        int
	Duplicates int
}

// New returns the reducer registered under name. workDir receives any files
// the reducer materializes.
func New(name, workDir string) (Reducer, error) {
	switch name {
	case Dedup:
		return &DedupReducer{dir: filepath.Join(workDir, "reduced")}, nil
	case Passthrough:
		return &PassthroughReducer{}, nil
	default:
		return nil, eris.Errorf("reduce: unknown reducer %q", name)
	}
}

// DedupReducer drops exact duplicates by a 64-bit fingerprint of the
// normalized sentence list. Memory is one uint64 per distinct document.
type DedupReducer struct {
	dir   string
	parts []string
	stats Stats
}

// Reduce streams the admitted documents of src into a single part file,
// skipping documents whose fingerprint was already seen.
func (r *DedupReducer) Reduce(ctx context.Context, src *Source) error {
	log := zap.L().With(zap.String("component", "reduce"), zap.String("reducer", Dedup))

	if err := os.RemoveAll(r.dir); err != nil {
		return eris.Wrap(err, "reduce: clear previous parts")
	}
	part := filepath.Join(r.dir, PartName)
	w, err := artifact.Create(part)
	if err != nil {
		return eris.Wrap(err, "reduce: create part")
	}

	seen := make(map[uint64]struct{})
	r.stats = Stats{}
	err = src.Each(ctx, func(doc *model.Document) error {
		r.stats.In++
		fp := Fingerprint(doc)
		if _, dup := seen[fp]; dup {
			r.stats.Duplicates++
			return nil
		}
		seen[fp] = struct{}{}
		r.stats.Out++
		return w.Write(doc)
	})
	if err != nil {
		w.Close() //nolint:errcheck
		return eris.Wrap(err, "reduce: dedup pass")
	}
	if err := w.Close(); err != nil {
		return eris.Wrap(err, "reduce: close part")
	}

	r.parts = []string{part}
	log.Info("dedup finished",
		zap.Int("in", r.stats.In), zap.Int("out", r.stats.Out), zap.Int("duplicates", r.stats.Duplicates))
	return nil
}

// Documents re-opens the written parts lazily.
func (r *DedupReducer) Documents() []Stream {
	streams := make([]Stream, len(r.parts))
	for i, p := range r.parts {
		path := p
		streams[i] = func(ctx context.Context) (<-chan *model.Document, <-chan error) {
			return artifact.ReadFile(ctx, path)
		}
	}
	return streams
}

// Stats returns the counters of the last Reduce.
func (r *DedupReducer) Stats() Stats { return r.stats }

// PassthroughReducer admits every document of the source unchanged.
type PassthroughReducer struct {
	src *Source
}

func (r *PassthroughReducer) Reduce(_ context.Context, src *Source) error {
	r.src = src
	return nil
}

func (r *PassthroughReducer) Documents() []Stream {
	if r.src == nil {
		return nil
	}
	return []Stream{r.src.Stream()}
}

// Fingerprint hashes the normalized sentences of doc, or its content lines
// when it was never split.
func Fingerprint(doc *model.Document) uint64 {
	sentences := doc.Sentences
	if len(sentences) == 0 {
		sentences = strings.Split(doc.Content, "\n")
	}
	h := xxhash.New()
	for _, s := range sentences {
		n := strings.ToLower(strings.Join(strings.Fields(s), " "))
		if n == "" {
			continue
		}
		_, _ = h.WriteString(n)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
