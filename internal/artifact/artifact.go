// Package artifact reads and writes the per-worker intermediate files that
// hold surviving documents between extraction and reduce.
package artifact

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/model"
)

// Ext is the artifact file extension.
const Ext = ".jsonl"

// Name returns the artifact file name for a worker within a session.
func Name(session string, worker int) string {
	return fmt.Sprintf("%s-w%02d%s", session, worker, Ext)
}

// ParseName extracts the session and worker id from an artifact file name.
func ParseName(name string) (session string, worker int, err error) {
	base := strings.TrimSuffix(filepath.Base(name), Ext)
	i := strings.LastIndex(base, "-w")
	if i <= 0 || base == filepath.Base(name) {
		return "", 0, eris.Errorf("artifact: %q is not an artifact name", name)
	}
	if _, err := fmt.Sscanf(base[i+2:], "%d", &worker); err != nil {
		return "", 0, eris.Wrapf(err, "artifact: parse worker id of %q", name)
	}
	return base[:i], worker, nil
}

// List returns the artifact files in dir sorted by name. A missing dir yields
// no artifacts.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: list %s", dir)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), Ext) {
			if _, _, err := ParseName(e.Name()); err == nil {
				out = append(out, filepath.Join(dir, e.Name()))
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Writer appends documents to one artifact file. It is owned by a single
// worker and is not safe for concurrent use.
type Writer struct {
	path  string
	f     *os.File
	w     *bufio.Writer
	enc   *json.Encoder
}

// Create opens path for appending, creating parent directories as needed.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "artifact: create directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: open %s", path)
	}
	w := bufio.NewWriterSize(f, 256<<10)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Writer{path: path, f: f, w: w, enc: enc}, nil
}

// Write appends one document as a JSON line.
func (w *Writer) Write(doc *model.Document) error {
	if err := w.enc.Encode(doc); err != nil {
		return eris.Wrapf(err, "artifact: encode document %s", doc.ID)
	}
	return nil
}

// Sync flushes buffered documents and fsyncs the file. Everything written
// before Sync returns survives a crash.
func (w *Writer) Sync() error {
	if err := w.w.Flush(); err != nil {
		return eris.Wrapf(err, "artifact: flush %s", w.path)
	}
	return eris.Wrapf(w.f.Sync(), "artifact: sync %s", w.path)
}

// Close syncs and closes the file.
func (w *Writer) Close() error {
	if err := w.Sync(); err != nil {
		w.f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrapf(w.f.Close(), "artifact: close %s", w.path)
}

// Decode streams the documents of a JSONL reader in file order. A torn final
// line, left behind by a crash mid-write, ends the stream without error.
// Both channels are closed when processing completes.
func Decode(ctx context.Context, r io.Reader) (<-chan *model.Document, <-chan error) {
	outCh := make(chan *model.Document, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		br := bufio.NewReaderSize(r, 256<<10)

		var pending *model.Document
		var pendingErr error
		line := 0
		for {
			// ReadBytes has no line cap; a document is as large as the
			// parser that produced it allowed.
			raw, readErr := br.ReadBytes('\n')
			if readErr != nil && readErr != io.EOF {
				errCh <- eris.Wrap(readErr, "artifact: read")
				return
			}
			if len(raw) == 0 && readErr == io.EOF {
				break
			}
			line++
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "artifact: context cancelled")
				return
			}
			// A decode error is only fatal when another line follows it.
			if pendingErr != nil {
				errCh <- pendingErr
				return
			}
			if pending != nil {
				select {
				case outCh <- pending:
				case <-ctx.Done():
					errCh <- eris.Wrap(ctx.Err(), "artifact: context cancelled")
					return
				}
				pending = nil
			}

			if len(bytes.TrimSpace(raw)) > 0 {
				var doc model.Document
				if err := json.Unmarshal(raw, &doc); err != nil {
					pendingErr = eris.Wrapf(err, "artifact: decode line %d", line)
				} else {
					pending = &doc
				}
			}
			if readErr == io.EOF {
				break
			}
		}
		if pending != nil {
			select {
			case outCh <- pending:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "artifact: context cancelled")
			}
		}
	}()

	return outCh, errCh
}

// ReadFile streams the documents of the artifact at path.
func ReadFile(ctx context.Context, path string) (<-chan *model.Document, <-chan error) {
	f, err := os.Open(path)
	if err != nil {
		outCh := make(chan *model.Document)
		errCh := make(chan error, 1)
		close(outCh)
		errCh <- eris.Wrapf(err, "artifact: open %s", path)
		close(errCh)
		return outCh, errCh
	}

	docs, errs := Decode(ctx, f)
	outErr := make(chan error, 1)
	go func() {
		defer close(outErr)
		for err := range errs {
			outErr <- err
		}
		f.Close() //nolint:errcheck
	}()
	return docs, outErr
}
