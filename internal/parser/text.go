package parser

import (
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/artifact"
	"github.com/sells-group/corpus-cli/internal/model"
)

// MaxTextBytes bounds the size of a single plain-text input file.
const MaxTextBytes = 256 << 20

// TextParser treats each input file as a single document.
type TextParser struct {
	Debug bool
}

// Parse reads the whole file, detects its charset and emits one document
// unless the file is blank.
func (p *TextParser) Parse(ctx context.Context, r io.Reader, file model.InputFile) (<-chan *model.Document, <-chan error) {
	outCh := make(chan *model.Document, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		raw, err := io.ReadAll(io.LimitReader(r, MaxTextBytes+1))
		if err != nil {
			errCh <- eris.Wrapf(err, "text: read %s", file.RelPath)
			return
		}
		if len(raw) > MaxTextBytes {
			errCh <- eris.Errorf("text: %s exceeds %d bytes", file.RelPath, MaxTextBytes)
			return
		}
		content, err := decodeText(raw, "")
		if err != nil {
			errCh <- eris.Wrapf(err, "text: decode %s", file.RelPath)
			return
		}
		if strings.TrimSpace(content) == "" {
			return
		}
		if !emit(ctx, outCh, model.NewDocument(file, 1, content, p.Debug)) {
			errCh <- eris.Wrap(ctx.Err(), "text: context cancelled")
		}
	}()

	return outCh, errCh
}

// ArtifactParser reads JSONL documents written by an earlier run so they can
// be cleaned again. Documents are re-identified against the current file.
type ArtifactParser struct {
	Debug bool
}

// Parse streams the documents of a JSONL artifact.
func (p *ArtifactParser) Parse(ctx context.Context, r io.Reader, file model.InputFile) (<-chan *model.Document, <-chan error) {
	outCh := make(chan *model.Document, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		docs, errs := artifact.Decode(ctx, r)
		seq := 0
		for prev := range docs {
			seq++
			doc := model.NewDocument(file, seq, prev.Text(), p.Debug)
			doc.Title = prev.Title
			doc.Heads = prev.Heads
			doc.Keywords = prev.Keywords
			doc.URL = prev.URL
			if !emit(ctx, outCh, doc) {
				errCh <- eris.Wrap(ctx.Err(), "artifact parser: context cancelled")
				for range docs {
				}
				return
			}
		}
		if err := <-errs; err != nil {
			errCh <- eris.Wrapf(err, "artifact parser: %s", file.RelPath)
		}
	}()

	return outCh, errCh
}
