package stages

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed lexicon.yaml
var defaultLexicon []byte

// Lexicons are the word lists shared by the stages. They are read-only after
// loading.
type Lexicons struct {
	stopwords   map[string]struct{}
	valence     map[string]float64
	boosters    map[string]float64
	negations   map[string]struct{}
	easyWords   map[string]struct{}
	gpe         map[string]struct{}
	orgSuffixes map[string]struct{}
	titles      map[string]struct{}
}

type lexiconFile struct {
	Stopwords   []string           `yaml:"stopwords"`
	Sentiment   map[string]float64 `yaml:"sentiment"`
	Boosters    map[string]float64 `yaml:"boosters"`
	Negations   []string           `yaml:"negations"`
	EasyWords   []string           `yaml:"easy_words"`
	GPE         []string           `yaml:"gpe"`
	OrgSuffixes []string           `yaml:"org_suffixes"`
	Titles      []string           `yaml:"person_titles"`
}

// DefaultLexicons parses the embedded English lexicon.
func DefaultLexicons() (*Lexicons, error) {
	return ParseLexicons(defaultLexicon)
}

// LoadLexicons reads a lexicon YAML file from disk.
func LoadLexicons(path string) (*Lexicons, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseLexicons(data)
}

// ParseLexicons builds Lexicons from YAML. All entries are lowercased.
func ParseLexicons(data []byte) (*Lexicons, error) {
	var f lexiconFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("stages: parse lexicon: %w", err)
	}
	if len(f.Stopwords) == 0 || len(f.Sentiment) == 0 {
		return nil, fmt.Errorf("stages: lexicon needs stopwords and sentiment entries")
	}
	lex := &Lexicons{
		stopwords:   set(f.Stopwords),
		valence:     make(map[string]float64, len(f.Sentiment)),
		boosters:    make(map[string]float64, len(f.Boosters)),
		negations:   set(f.Negations),
		easyWords:   set(f.EasyWords),
		gpe:         set(f.GPE),
		orgSuffixes: set(f.OrgSuffixes),
		titles:      set(f.Titles),
	}
	for w, v := range f.Sentiment {
		lex.valence[strings.ToLower(w)] = v
	}
	for w, v := range f.Boosters {
		lex.boosters[strings.ToLower(w)] = v
	}
	return lex, nil
}

func set(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}

// IsStopword reports whether the lowercased word is a stopword.
func (l *Lexicons) IsStopword(word string) bool {
	_, ok := l.stopwords[word]
	return ok
}

func (l *Lexicons) isEasy(word string) bool {
	_, ok := l.easyWords[word]
	return ok
}

func (l *Lexicons) isNegation(word string) bool {
	if _, ok := l.negations[word]; ok {
		return true
	}
	return strings.HasSuffix(word, "n't")
}
