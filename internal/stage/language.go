package stage

import (
	"strings"

	"github.com/RadhiFadlillah/whatlanggo"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/model"
)

// LanguageFilter detects the document language and, when a filter list is
// configured, drops documents in any other language.
type LanguageFilter struct {
	allow map[string]struct{}
}

// NewLanguageFilter is the language_filter factory.
func NewLanguageFilter(cfg *config.RunConfig) (Stage, error) {
	s := &LanguageFilter{}
	if len(cfg.LangFilter) > 0 {
		s.allow = make(map[string]struct{}, len(cfg.LangFilter))
		for _, l := range cfg.LangFilter {
			s.allow[strings.ToLower(l)] = struct{}{}
		}
	}
	return s, nil
}

func (s *LanguageFilter) Name() string { return LanguageFilterName }

func (s *LanguageFilter) Apply(doc *model.Document) (*model.Document, error) {
	lang := DetectLanguage(doc.Content)
	if lang != doc.Language {
		doc.Language = lang
		doc.Record(LanguageFilterName)
	}
	if s.allow == nil {
		return doc, nil
	}
	if _, ok := s.allow[lang]; !ok {
		return nil, nil
	}
	return doc, nil
}

// DetectLanguage returns the ISO 639-1 code of text, or "" when unknown.
func DetectLanguage(text string) string {
	info := whatlanggo.Detect(text)
	return info.Lang.Iso6391()
}

// splitterCacheSize bounds the per-chain cache of language splitters.
const splitterCacheSize = 16

// SentenceSplitter splits content into sentences with a splitter for the
// document language. Splitters are built lazily and cached per chain.
type SentenceSplitter struct {
	fallback string
	cache    *lru.Cache[string, *Splitter]
}

// NewSentenceSplitter is the sentence_splitter factory.
func NewSentenceSplitter(cfg *config.RunConfig) (Stage, error) {
	cache, err := lru.New[string, *Splitter](splitterCacheSize)
	if err != nil {
		return nil, eris.Wrap(err, "stage: splitter cache")
	}
	fallback := "en"
	if len(cfg.LangFilter) > 0 && HasSplitter(cfg.LangFilter[0]) {
		fallback = strings.ToLower(cfg.LangFilter[0])
	}
	return &SentenceSplitter{fallback: fallback, cache: cache}, nil
}

func (s *SentenceSplitter) Name() string { return SentenceSplitterName }

func (s *SentenceSplitter) Apply(doc *model.Document) (*model.Document, error) {
	sp, err := s.splitter(doc.Language)
	if err != nil {
		return nil, err
	}
	doc.Sentences = sp.Split(doc.Content)
	if doc.Debug {
		doc.SentencesOrig = sp.Split(doc.ContentOrig)
	}
	if len(doc.Sentences) > 1 {
		doc.Record(SentenceSplitterName)
	}
	return doc, nil
}

func (s *SentenceSplitter) splitter(lang string) (*Splitter, error) {
	if lang == "" {
		lang = s.fallback
	}
	if sp, ok := s.cache.Get(lang); ok {
		return sp, nil
	}
	sp, err := NewSplitter(lang)
	if err != nil {
		return nil, err
	}
	s.cache.Add(lang, sp)
	return sp, nil
}

// cached reports whether a splitter for lang is in the cache.
func (s *SentenceSplitter) cached(lang string) bool {
	return s.cache.Contains(lang)
}
