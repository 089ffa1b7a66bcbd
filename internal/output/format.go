// Package output formats the reduced documents and writes them to their
// final destination.
package output

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/model"
)

// Format names.
const (
	FormatJSONL     = "jsonl"
	FormatOnion     = "onion"
	FormatFairseqLM = "fairseq-lm"
)

// Formatter renders documents into one output stream.
type Formatter interface {
	// Ext is the output file extension, including the dot.
	Ext() string
	Write(w io.Writer, doc *model.Document) error
}

// NewFormatter returns the formatter registered under name.
func NewFormatter(name string) (Formatter, error) {
	switch name {
	case FormatJSONL:
		return JSONL{}, nil
	case FormatOnion:
		return Onion{}, nil
	case FormatFairseqLM:
		return FairseqLM{}, nil
	default:
		return nil, eris.Errorf("output: unknown format %q", name)
	}
}

// JSONL writes one JSON document per line.
type JSONL struct{}

func (JSONL) Ext() string { return ".jsonl" }

func (JSONL) Write(w io.Writer, doc *model.Document) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return eris.Wrapf(enc.Encode(doc), "output: encode %s", doc.ID)
}

// Onion writes each document as a <doc> block holding one <p> block of
// sentences, one per line.
type Onion struct{}

func (Onion) Ext() string { return ".onion" }

func (Onion) Write(w io.Writer, doc *model.Document) error {
	var b strings.Builder
	b.WriteString("<doc>\n<p>\n")
	for _, s := range sentences(doc) {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	b.WriteString("</p>\n</doc>\n")
	_, err := io.WriteString(w, b.String())
	return eris.Wrapf(err, "output: write %s", doc.ID)
}

// FairseqLM writes one sentence per line with a blank line after each
// document.
type FairseqLM struct{}

func (FairseqLM) Ext() string { return ".txt" }

func (FairseqLM) Write(w io.Writer, doc *model.Document) error {
	var b strings.Builder
	for _, s := range sentences(doc) {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return eris.Wrapf(err, "output: write %s", doc.ID)
}

// sentences returns the document sentences, falling back to content lines,
// with embedded newlines flattened.
func sentences(doc *model.Document) []string {
	src := doc.Sentences
	if len(src) == 0 {
		src = strings.Split(doc.Content, "\n")
	}
	out := make([]string, 0, len(src))
	for _, s := range src {
		if s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " ")); s != "" {
			out = append(out, s)
		}
	}
	return out
}
