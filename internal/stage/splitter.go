package stage

import (
	"strings"
	"sync"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
	"github.com/rotisserie/eris"
)

// abbreviations lists, per language, lowercase words that end with a period
// without ending a sentence. They seed the Punkt model of languages that ship
// no trained data and extend the English one.
var abbreviations = map[string][]string{
	"en": {"mr", "mrs", "ms", "dr", "prof", "sr", "jr", "st", "vs", "etc", "e.g", "i.e", "inc", "ltd", "co", "no", "jan", "feb", "mar", "apr", "jun", "jul", "aug", "sep", "sept", "oct", "nov", "dec"},
	"es": {"sr", "sra", "srta", "dr", "dra", "d", "dña", "ud", "uds", "etc", "pág", "núm", "av", "avda", "ej", "p.ej", "aprox", "tel", "ca", "art"},
	"ca": {"sr", "sra", "srta", "dr", "dra", "etc", "pàg", "núm", "av", "ex", "aprox", "tel", "art", "c"},
	"pt": {"sr", "sra", "dr", "dra", "etc", "pág", "av", "ex", "aprox", "tel", "art"},
	"fr": {"m", "mme", "mlle", "dr", "pr", "etc", "p", "av", "env", "cf", "art"},
	"it": {"sig", "sigg", "dott", "prof", "ing", "avv", "ecc", "pag", "art"},
	"de": {"hr", "fr", "dr", "prof", "bzw", "ca", "evtl", "ggf", "usw", "vgl", "z.b", "u.a", "nr", "str"},
}

// englishTokenizer loads the trained English model once. Tokenizing only
// reads the model, so the tokenizer is shared by every chain.
var englishTokenizer = sync.OnceValues(func() (*sentences.DefaultSentenceTokenizer, error) {
	tok, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, eris.Wrap(err, "stage: load english sentence model")
	}
	for _, a := range abbreviations["en"] {
		tok.AbbrevTypes.Add(a)
	}
	return tok, nil
})

// HasSplitter reports whether lang has language-specific splitting data.
func HasSplitter(lang string) bool {
	_, ok := abbreviations[strings.ToLower(lang)]
	return ok
}

// Splitter is a Punkt sentence splitter for one language.
type Splitter struct {
	tok sentences.SentenceTokenizer
}

// NewSplitter builds a splitter for lang. English uses the trained model;
// other languages get an untrained model seeded with their abbreviations,
// and unknown languages an empty one.
func NewSplitter(lang string) (*Splitter, error) {
	lang = strings.ToLower(lang)
	if lang == "en" {
		tok, err := englishTokenizer()
		if err != nil {
			return nil, err
		}
		return &Splitter{tok: tok}, nil
	}

	storage := sentences.NewStorage()
	for _, a := range abbreviations[lang] {
		storage.AbbrevTypes.Add(a)
	}
	return &Splitter{tok: sentences.NewSentenceTokenizer(storage)}, nil
}

// Split breaks text into trimmed sentences. Line breaks always end a
// sentence.
func (sp *Splitter) Split(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, s := range sp.tok.Tokenize(line) {
			if t := strings.TrimSpace(s.Text); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}
