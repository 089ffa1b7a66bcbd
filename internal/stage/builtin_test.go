package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/model"
)

func build(t *testing.T, f Factory, cfg *config.RunConfig) Stage {
	t.Helper()
	if cfg == nil {
		cfg = &config.RunConfig{}
	}
	s, err := f(cfg)
	require.NoError(t, err)
	return s
}

func TestEncodingFixer(t *testing.T) {
	s := build(t, NewEncodingFixer, nil)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"mojibake", "CafÃ© con leÃ±a", "Café con leña"},
		{"control chars", "a\x00b\x07c\r\nd\te", "abc\nd\te"},
		{"replacement char", "bro�ken", "broken"},
		{"legit spanish", "ESPAÑA y Ñandú", "ESPAÑA y Ñandú"},
		{"clean", "nothing to do", "nothing to do"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.Apply(&model.Document{Content: tt.in})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Content)
		})
	}
}

func TestEncodingFixer_RecordsOnlyOnChange(t *testing.T) {
	s := build(t, NewEncodingFixer, nil)

	d, _ := s.Apply(&model.Document{Debug: true, Content: "clean"})
	assert.Empty(t, d.Operations)

	d, _ = s.Apply(&model.Document{Debug: true, Content: "dirty\x00"})
	assert.Equal(t, []string{EncodingFixerName}, d.Operations)
}

func TestPreFilterer(t *testing.T) {
	s := build(t, NewPreFilterer, &config.RunConfig{
		MinChars:     5,
		MaxChars:     40,
		ErrorMarkers: []string{"404. That’s an error."},
	})

	tests := []struct {
		name    string
		content string
		keep    bool
	}{
		{"ok", "A perfectly fine text.", true},
		{"too short", "tiny", false},
		{"too long", "This sentence is definitely longer than forty characters.", false},
		{"no letters", "12345 67890 !!!", false},
		{"error page", "404. That’s an error.", false},
		{"non latin letters", "Привет мир", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.Apply(&model.Document{Content: tt.content})
			require.NoError(t, err)
			assert.Equal(t, tt.keep, out != nil)
		})
	}
}

func TestLanguageFilter(t *testing.T) {
	en := "The quick brown fox jumps over the lazy dog while the children watch from the garden."
	es := "El rápido zorro marrón salta sobre el perro perezoso mientras los niños miran desde el jardín."

	open := build(t, NewLanguageFilter, nil)
	d, err := open.Apply(&model.Document{Content: en})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "en", d.Language)

	onlyES := build(t, NewLanguageFilter, &config.RunConfig{LangFilter: []string{"es"}})
	d, err = onlyES.Apply(&model.Document{Content: es})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "es", d.Language)

	d, err = onlyES.Apply(&model.Document{Content: en})
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestSentenceSplitter(t *testing.T) {
	s := build(t, NewSentenceSplitter, nil)

	d, err := s.Apply(&model.Document{
		Language: "en",
		Content:  "Mr. Smith went to Washington. He arrived on Monday!\nNew line here? Yes.",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Mr. Smith went to Washington.",
		"He arrived on Monday!",
		"New line here?",
		"Yes.",
	}, d.Sentences)
}

func TestSentenceSplitter_FallbackAndCache(t *testing.T) {
	st := build(t, NewSentenceSplitter, &config.RunConfig{LangFilter: []string{"es"}})
	s := st.(*SentenceSplitter)

	d, err := s.Apply(&model.Document{Content: "La Sra. García llegó. Después se fue."})
	require.NoError(t, err)
	assert.Equal(t, []string{"La Sra. García llegó.", "Después se fue."}, d.Sentences)
	assert.True(t, s.cached("es"))
	assert.False(t, s.cached("en"))

	_, err = s.Apply(&model.Document{Language: "de", Content: "Hallo. Welt."})
	require.NoError(t, err)
	assert.True(t, s.cached("de"))

	plain := build(t, NewSentenceSplitter, &config.RunConfig{LangFilter: []string{"xx"}}).(*SentenceSplitter)
	assert.Equal(t, "en", plain.fallback)
}

func TestSentenceSplitter_Debug(t *testing.T) {
	s := build(t, NewSentenceSplitter, nil)
	d, err := s.Apply(&model.Document{Debug: true, Content: "One here. Two here.", ContentOrig: "One here. Two here."})
	require.NoError(t, err)
	assert.Equal(t, d.Sentences, d.SentencesOrig)
	assert.Equal(t, []string{SentenceSplitterName}, d.Operations)
}

func TestSplitter_Edges(t *testing.T) {
	sp, err := NewSplitter("en")
	require.NoError(t, err)

	assert.Empty(t, sp.Split(""))
	assert.Empty(t, sp.Split(" \n \n"))
	assert.Equal(t, []string{"no terminator at all"}, sp.Split("no terminator at all"))
	assert.Equal(t, []string{`He said "stop."`, "Then left."}, sp.Split(`He said "stop." Then left.`))
	assert.Equal(t, []string{"Version 2.5 is out."}, sp.Split("Version 2.5 is out."))
	assert.True(t, HasSplitter("ES"))
	assert.False(t, HasSplitter("xx"))
}

func TestSplitter_SeededAbbreviations(t *testing.T) {
	de, err := NewSplitter("de")
	require.NoError(t, err)
	assert.Equal(t, []string{"Das kostet ca. zehn Euro.", "Danach gehen wir."},
		de.Split("Das kostet ca. zehn Euro. Danach gehen wir."))

	unknown, err := NewSplitter("xx")
	require.NoError(t, err)
	assert.Equal(t, []string{"Eins zwei.", "Drei vier."}, unknown.Split("Eins zwei. Drei vier."))
}

func TestSentenceFilter(t *testing.T) {
	s := build(t, NewSentenceFilter, &config.RunConfig{
		MinSentenceWords: 3,
		MaxSentenceChars: 30,
		ProfanityWords:   []string{"Darn"},
	})

	d, err := s.Apply(&model.Document{Debug: true, Sentences: []string{
		"This one stays here.",
		"Too short.",
		"This sentence is far too long to be kept by the filter.",
		"Well, darn it all!",
		"Another good sentence.",
	}})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, []string{"This one stays here.", "Another good sentence."}, d.Sentences)
	assert.Equal(t, []string{SentenceFilterName}, d.Operations)

	d, err = s.Apply(&model.Document{Sentences: []string{"Nope.", "Short one."}})
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestSentenceFilter_UsesLinesWithoutSplit(t *testing.T) {
	s := build(t, NewSentenceFilter, &config.RunConfig{MinSentenceWords: 2})

	d, err := s.Apply(&model.Document{Content: "first line ok\nx\n\nsecond line ok"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first line ok", "second line ok"}, d.Sentences)
}

func TestNormalizer(t *testing.T) {
	s := build(t, NewNormalizer, nil)

	d, err := s.Apply(&model.Document{
		Debug:     true,
		Content:   "  ﬁne   text \n\n second\tline ",
		Sentences: []string{"ﬁne   text", "   ", "Ｆｕｌｌ width"},
	})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "fine text\nsecond line", d.Content)
	assert.Equal(t, []string{"fine text", "Full width"}, d.Sentences)
	assert.Equal(t, []string{NormalizerName}, d.Operations)

	d, err = s.Apply(&model.Document{Content: "x", Sentences: []string{" ", "\t"}})
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestSubstringFilter(t *testing.T) {
	s := build(t, NewSubstringFilter, &config.RunConfig{ErrorMarkers: []string{"ERROR"}})

	d, err := s.Apply(&model.Document{Content: "all good"})
	require.NoError(t, err)
	assert.NotNil(t, d)

	d, err = s.Apply(&model.Document{Content: "an ERROR happened"})
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = s.Apply(&model.Document{Content: "fine", Sentences: []string{"ok", "ERROR here"}})
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestDefaultChain_EndToEnd(t *testing.T) {
	cfg := &config.RunConfig{
		Stages:           config.DefaultStages,
		MinChars:         20,
		MaxChars:         10_000,
		MinSentenceWords: 3,
		MaxSentenceChars: 500,
		LangFilter:       []string{"en"},
	}
	chain, err := Builtin().Build(cfg)
	require.NoError(t, err)

	out := chain.Apply(&model.Document{
		ID:      "0-1",
		Content: "The weather was lovely   today in the city.\nWe walked along the river for hours. Ok.",
	})
	require.NotNil(t, out)
	assert.Equal(t, "en", out.Language)
	assert.Equal(t, []string{
		"The weather was lovely today in the city.",
		"We walked along the river for hours.",
	}, out.Sentences)
	assert.Equal(t, 1, chain.Stats().Out)
}
