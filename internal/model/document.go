package model

import (
	"fmt"
	"strings"
)

// Document is the unit of work flowing through the pipeline. Every field a
// stage may set is declared here; the *Orig fields and Operations are only
// populated when Debug is true.
type Document struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Content  string `json:"content"`

	Title    string `json:"title,omitempty"`
	Heads    string `json:"heads,omitempty"`
	Keywords string `json:"keywords,omitempty"`
	URL      string `json:"url,omitempty"`

	Language  string   `json:"language,omitempty"`
	Sentences []string `json:"sentences,omitempty"`

	Debug         bool     `json:"debug,omitempty"`
	ContentOrig   string   `json:"content_orig,omitempty"`
	SentencesOrig []string `json:"sentences_orig,omitempty"`
	Operations    []string `json:"operations,omitempty"`
}

// DocumentID builds the identifier of the seq-th (1-based) document extracted
// from the file with the given enumeration index.
func DocumentID(fileIndex, seq int) string {
	return fmt.Sprintf("%d-%d", fileIndex, seq)
}

// NewDocument creates a document extracted from file.
func NewDocument(file InputFile, seq int, content string, debug bool) *Document {
	return &Document{
		ID:       DocumentID(file.Index, seq),
		Filename: file.RelPath,
		Content:  content,
		Debug:    debug,
	}
}

// Record notes that the named operation mutated the document. No-op outside
// debug mode.
func (d *Document) Record(op string) {
	if !d.Debug {
		return
	}
	d.Operations = append(d.Operations, op)
}

// SnapshotOriginal fills the debug shadow fields the first time it is called.
func (d *Document) SnapshotOriginal() {
	if !d.Debug || d.ContentOrig != "" {
		return
	}
	d.ContentOrig = d.Content
	if len(d.Sentences) > 0 {
		d.SentencesOrig = append([]string(nil), d.Sentences...)
	}
}

// Text returns the sentences joined by newlines, or the raw content when the
// document has not been split yet.
func (d *Document) Text() string {
	if len(d.Sentences) > 0 {
		return strings.Join(d.Sentences, "\n")
	}
	return d.Content
}
