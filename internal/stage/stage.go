// Package stage holds the per-document cleaning stages and the chain that
// runs them in order.
package stage

import (
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/model"
)

// Stage transforms one document. Returning a nil document drops it.
type Stage interface {
	Name() string
	Apply(doc *model.Document) (*model.Document, error)
}

// Factory builds a stage from the run configuration.
type Factory func(cfg *config.RunConfig) (Stage, error)

// Registry maps stage names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Builtin returns a registry holding every built-in stage.
func Builtin() *Registry {
	r := NewRegistry()
	r.MustRegister(EncodingFixerName, NewEncodingFixer)
	r.MustRegister(PreFiltererName, NewPreFilterer)
	r.MustRegister(LanguageFilterName, NewLanguageFilter)
	r.MustRegister(SentenceSplitterName, NewSentenceSplitter)
	r.MustRegister(SentenceFilterName, NewSentenceFilter)
	r.MustRegister(NormalizerName, NewNormalizer)
	r.MustRegister(SubstringFilterName, NewSubstringFilter)
	return r
}

// Register adds a factory under name. Names are unique.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return eris.New("stage: register requires a name and a factory")
	}
	if _, ok := r.factories[name]; ok {
		return eris.Errorf("stage: %q is already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register that panics on error, for static setup.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Get returns the factory registered under name.
func (r *Registry) Get(name string) (Factory, bool) {
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every stage named by cfg is registered.
func (r *Registry) Validate(names []string) error {
	for _, n := range names {
		if _, ok := r.factories[n]; !ok {
			return eris.Errorf("stage: unknown stage %q (known: %v)", n, r.Names())
		}
	}
	return nil
}

// Build instantiates the configured stages into a new chain. Each call
// returns independent stage instances.
func (r *Registry) Build(cfg *config.RunConfig) (*Chain, error) {
	if err := r.Validate(cfg.Stages); err != nil {
		return nil, err
	}
	stages := make([]Stage, 0, len(cfg.Stages))
	for _, n := range cfg.Stages {
		s, err := r.factories[n](cfg)
		if err != nil {
			return nil, eris.Wrapf(err, "stage: build %s", n)
		}
		stages = append(stages, s)
	}
	return NewChain(stages...), nil
}

// ChainStats counts what a chain did to the documents it saw.
type ChainStats struct {
	In      int
	Out     int
	Dropped map[string]int // by stage name
	Failed  int            // documents dropped by a stage error or panic
}

// Chain runs stages in order. It is owned by one worker and is not safe for
// concurrent use.
type Chain struct {
	stages []Stage
	stats  ChainStats
	log    *zap.Logger
}

// NewChain returns a chain over stages.
func NewChain(stages ...Stage) *Chain {
	return &Chain{
		stages: stages,
		stats:  ChainStats{Dropped: make(map[string]int)},
		log:    zap.L().With(zap.String("component", "chain")),
	}
}

// Apply feeds doc through every stage and returns the survivor, or nil when
// some stage dropped it. Stage errors and panics drop the document and are
// never returned.
func (c *Chain) Apply(doc *model.Document) *model.Document {
	if doc == nil {
		return nil
	}
	c.stats.In++
	doc.SnapshotOriginal()
	for _, s := range c.stages {
		out, err := c.applyOne(s, doc)
		if err != nil {
			c.stats.Failed++
			c.log.Debug("document dropped by stage error",
				zap.String("stage", s.Name()), zap.String("doc", doc.ID), zap.Error(err))
			return nil
		}
		if out == nil {
			c.stats.Dropped[s.Name()]++
			return nil
		}
		doc = out
	}
	c.stats.Out++
	return doc
}

func (c *Chain) applyOne(s Stage, doc *model.Document) (out *model.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, eris.Errorf("stage: %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Apply(doc)
}

// Stats returns a copy of the chain counters.
func (c *Chain) Stats() ChainStats {
	out := c.stats
	out.Dropped = make(map[string]int, len(c.stats.Dropped))
	for k, v := range c.stats.Dropped {
		out.Dropped[k] = v
	}
	return out
}
