// Package stages holds the text-analysis capabilities run by the pipeline.
//
// Every stage takes plain text and returns a small JSON-serialisable value.
// Stages are pure and deterministic: the same text always yields the same
// result, and empty or whitespace-only text yields the stage's zero value
// instead of an error. A Registry is built once at startup and shared by
// every worker; stages keep no mutable state, so concurrent Analyze calls
// are safe.
package stages

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// Result keys, which are also the registered stage names.
const (
	NameReadability = "readability_analysis"
	NameComplexity  = "sentence_complexity"
	NameLexical     = "lexical_diversity"
	NameEntities    = "named_entity_recognition"
	NameKeywords    = "keyword_extraction"
	NameSentiment   = "sentiment_analysis"
	NameSummary     = "auto_summarization"
)

var (
	ErrDuplicate = errors.New("stages: duplicate stage name")
	ErrUnknown   = errors.New("stages: unknown stage")
)

// Stage is one analysis capability.
type Stage interface {
	Name() string
	Analyze(ctx context.Context, text string) (any, error)
}

// Func adapts a plain function to the Stage interface.
type Func struct {
	name string
	fn   func(ctx context.Context, text string) (any, error)
}

// NewFunc returns a Stage named name that delegates to fn.
func NewFunc(name string, fn func(ctx context.Context, text string) (any, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Analyze(ctx context.Context, text string) (any, error) {
	return f.fn(ctx, text)
}

// Registry holds stages by name in registration order.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage)}
}

// Register adds s. Names must be unique.
func (r *Registry) Register(s Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := s.Name()
	if _, ok := r.stages[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	r.stages[name] = s
	r.order = append(r.order, name)
	return nil
}

// Get returns the stage registered under name.
func (r *Registry) Get(name string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[name]
	return s, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Params tunes the default stages.
type Params struct {
	KeywordMax int
	SummaryMin int
	SummaryMax int
	// Lexicons defaults to the embedded English word lists.
	Lexicons *Lexicons
}

func (p *Params) defaults() error {
	if p.KeywordMax <= 0 {
		p.KeywordMax = 10
	}
	if p.SummaryMin <= 0 {
		p.SummaryMin = 30
	}
	if p.SummaryMax <= 0 {
		p.SummaryMax = 130
	}
	if p.SummaryMin > p.SummaryMax {
		return fmt.Errorf("stages: summary min %d exceeds max %d", p.SummaryMin, p.SummaryMax)
	}
	if p.Lexicons == nil {
		lex, err := DefaultLexicons()
		if err != nil {
			return err
		}
		p.Lexicons = lex
	}
	return nil
}

// Default builds a registry with the seven standard stages, in the order
// their results appear in a full analysis.
func Default(p Params) (*Registry, error) {
	if err := p.defaults(); err != nil {
		return nil, err
	}
	lex := p.Lexicons
	r := NewRegistry()
	for _, s := range []Stage{
		&ReadabilityStage{lex: lex},
		&ComplexityStage{},
		&LexicalStage{},
		&EntityStage{lex: lex},
		&KeywordStage{lex: lex, max: p.KeywordMax},
		&SentimentStage{lex: lex},
		&SummaryStage{lex: lex, min: p.SummaryMin, max: p.SummaryMax},
	} {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func round(x float64, places int) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
