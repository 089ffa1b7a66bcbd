// Package parser turns one input file into a stream of raw documents.
package parser

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/model"
)

// Parser streams the documents of one input file in extraction order. The
// document channel and the error channel are both closed when parsing ends;
// at most one error is sent, and it abandons the rest of the file.
type Parser interface {
	Parse(ctx context.Context, r io.Reader, file model.InputFile) (<-chan *model.Document, <-chan error)
}

// New returns the parser for the run's input format.
func New(cfg *config.RunConfig) (Parser, error) {
	switch cfg.InputFormat {
	case config.InputWARC:
		var allow []string
		if cfg.URLFilterPath != "" {
			var err error
			if allow, err = LoadURLFilter(cfg.URLFilterPath); err != nil {
				return nil, err
			}
		}
		return &WARCParser{Debug: cfg.Debug, ErrorMarkers: cfg.ErrorMarkers, AllowURLs: allow}, nil
	case config.InputText:
		return &TextParser{Debug: cfg.Debug}, nil
	case config.InputArtifact:
		return &ArtifactParser{Debug: cfg.Debug}, nil
	default:
		return nil, eris.Errorf("parser: unknown input format %q", cfg.InputFormat)
	}
}

// Open opens an input file below root, transparently decompressing .gz files.
func Open(root string, file model.InputFile) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(file.RelPath)))
	if err != nil {
		return nil, eris.Wrapf(err, "parser: open %s", file.RelPath)
	}
	if !strings.HasSuffix(file.RelPath, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(bufio.NewReaderSize(f, 64<<10))
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "parser: open gzip %s", file.RelPath)
	}
	return &gzipFile{Reader: zr, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	zerr := g.Reader.Close()
	if err := g.f.Close(); err != nil {
		return eris.Wrap(err, "parser: close file")
	}
	return eris.Wrap(zerr, "parser: close gzip")
}

// LoadURLFilter reads a URL allow-list, one URL per line. Schemes are
// stripped so entries match both http and https.
func LoadURLFilter(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "parser: open url filter")
	}
	defer f.Close() //nolint:errcheck

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := stripScheme(strings.TrimSpace(sc.Text())); line != "" {
			out = append(out, line)
		}
	}
	return out, eris.Wrap(sc.Err(), "parser: read url filter")
}

func stripScheme(u string) string {
	u = strings.TrimPrefix(u, "https://")
	return strings.TrimPrefix(u, "http://")
}

// emit sends doc unless ctx is done.
func emit(ctx context.Context, out chan<- *model.Document, doc *model.Document) bool {
	select {
	case out <- doc:
		return true
	case <-ctx.Done():
		return false
	}
}
