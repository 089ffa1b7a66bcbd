package stage

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/model"
)

// Built-in stage names.
const (
	EncodingFixerName    = "encoding_fixer"
	PreFiltererName      = "pre_filterer"
	LanguageFilterName   = "language_filter"
	SentenceSplitterName = "sentence_splitter"
	SentenceFilterName   = "sentence_filter"
	NormalizerName       = "normalizer"
	SubstringFilterName  = "substring_filter"
)

// EncodingFixer repairs UTF-8 text that was decoded as Windows-1252 and strips
// replacement and control characters.
type EncodingFixer struct {
	strip transform.Transformer
}

// NewEncodingFixer is the encoding_fixer factory.
func NewEncodingFixer(_ *config.RunConfig) (Stage, error) {
	return &EncodingFixer{
		strip: runes.Remove(runes.Predicate(func(r rune) bool {
			if r == '\n' || r == '\t' {
				return false
			}
			return r == utf8.RuneError || unicode.IsControl(r) || unicode.Is(unicode.Cf, r)
		})),
	}, nil
}

func (s *EncodingFixer) Name() string { return EncodingFixerName }

func (s *EncodingFixer) Apply(doc *model.Document) (*model.Document, error) {
	fixed := fixMojibake(doc.Content)
	fixed, _, err := transform.String(s.strip, fixed)
	if err != nil {
		return nil, err
	}
	if fixed != doc.Content {
		doc.Content = fixed
		doc.Record(EncodingFixerName)
	}
	return doc, nil
}

// mojibakeMarkers are the leading characters of UTF-8 multi-byte sequences as
// they appear when read as Windows-1252.
var mojibakeMarkers = []string{"Ã", "Â", "â€", "Ð", "Ñ"}

// fixMojibake reverses a single round of UTF-8 read as Windows-1252. Text that
// does not survive the round trip is returned unchanged.
func fixMojibake(s string) string {
	suspicious := false
	for _, m := range mojibakeMarkers {
		if strings.Contains(s, m) {
			suspicious = true
			break
		}
	}
	if !suspicious {
		return s
	}
	raw, err := charmap.Windows1252.NewEncoder().String(s)
	if err != nil || !utf8.ValidString(raw) || raw == s {
		return s
	}
	return raw
}

// PreFilterer drops error pages, documents outside the length bounds and
// documents without any letter.
type PreFilterer struct {
	markers  []string
	minChars int
	maxChars int
}

// NewPreFilterer is the pre_filterer factory.
func NewPreFilterer(cfg *config.RunConfig) (Stage, error) {
	return &PreFilterer{markers: cfg.ErrorMarkers, minChars: cfg.MinChars, maxChars: cfg.MaxChars}, nil
}

func (s *PreFilterer) Name() string { return PreFiltererName }

func (s *PreFilterer) Apply(doc *model.Document) (*model.Document, error) {
	n := utf8.RuneCountInString(strings.TrimSpace(doc.Content))
	if n < s.minChars || (s.maxChars > 0 && n > s.maxChars) {
		return nil, nil
	}
	if strings.IndexFunc(doc.Content, unicode.IsLetter) < 0 {
		return nil, nil
	}
	if containsAny(doc.Content, s.markers) {
		return nil, nil
	}
	return doc, nil
}

// SentenceFilter drops sentences that are too short, too long or profane,
// and drops the document when nothing survives.
type SentenceFilter struct {
	minWords  int
	maxChars  int
	profanity map[string]struct{}
}

// NewSentenceFilter is the sentence_filter factory.
func NewSentenceFilter(cfg *config.RunConfig) (Stage, error) {
	p := make(map[string]struct{}, len(cfg.ProfanityWords))
	for _, w := range cfg.ProfanityWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			p[w] = struct{}{}
		}
	}
	return &SentenceFilter{minWords: cfg.MinSentenceWords, maxChars: cfg.MaxSentenceChars, profanity: p}, nil
}

func (s *SentenceFilter) Name() string { return SentenceFilterName }

func (s *SentenceFilter) Apply(doc *model.Document) (*model.Document, error) {
	sentences := doc.Sentences
	if len(sentences) == 0 {
		sentences = nonEmptyLines(doc.Content)
	}

	kept := make([]string, 0, len(sentences))
	for _, sent := range sentences {
		if s.keep(sent) {
			kept = append(kept, sent)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	if len(kept) != len(doc.Sentences) {
		doc.Record(SentenceFilterName)
	}
	doc.Sentences = kept
	return doc, nil
}

func (s *SentenceFilter) keep(sent string) bool {
	words := strings.Fields(sent)
	if len(words) < s.minWords {
		return false
	}
	if s.maxChars > 0 && utf8.RuneCountInString(sent) > s.maxChars {
		return false
	}
	if len(s.profanity) > 0 {
		for _, w := range words {
			w = strings.ToLower(strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsNumber(r) }))
			if _, bad := s.profanity[w]; bad {
				return false
			}
		}
	}
	return true
}

// Normalizer applies NFKC and collapses whitespace in content and sentences.
type Normalizer struct{}

// NewNormalizer is the normalizer factory.
func NewNormalizer(_ *config.RunConfig) (Stage, error) { return Normalizer{}, nil }

func (Normalizer) Name() string { return NormalizerName }

func (Normalizer) Apply(doc *model.Document) (*model.Document, error) {
	changed := false

	content := normalizeLines(doc.Content)
	if content != doc.Content {
		doc.Content = content
		changed = true
	}

	if len(doc.Sentences) > 0 {
		out := make([]string, 0, len(doc.Sentences))
		for _, sent := range doc.Sentences {
			n := normalizeSpace(sent)
			if n != sent {
				changed = true
			}
			if n != "" {
				out = append(out, n)
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		doc.Sentences = out
	}

	if changed {
		doc.Record(NormalizerName)
	}
	return doc, nil
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

func normalizeLines(s string) string {
	lines := nonEmptyLines(norm.NFKC.String(s))
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.Join(lines, "\n")
}

// SubstringFilter drops documents containing any configured marker.
type SubstringFilter struct {
	markers []string
}

// NewSubstringFilter is the substring_filter factory.
func NewSubstringFilter(cfg *config.RunConfig) (Stage, error) {
	return &SubstringFilter{markers: cfg.ErrorMarkers}, nil
}

func (s *SubstringFilter) Name() string { return SubstringFilterName }

func (s *SubstringFilter) Apply(doc *model.Document) (*model.Document, error) {
	if containsAny(doc.Content, s.markers) {
		return nil, nil
	}
	for _, sent := range doc.Sentences {
		if containsAny(sent, s.markers) {
			return nil, nil
		}
	}
	return doc, nil
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}
