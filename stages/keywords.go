package stages

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// Keywords is the keyword_extraction result, best phrase first.
type Keywords struct {
	Keywords []string `json:"keywords"`
}

// KeywordStage ranks candidate phrases with RAKE. Phrases are maximal runs
// of non-stopwords between punctuation; each word scores degree/frequency
// and a phrase scores the sum of its words. Ties keep first-appearance order.
type KeywordStage struct {
	lex *Lexicons
	max int
}

func (s *KeywordStage) Name() string { return NameKeywords }

func (s *KeywordStage) Analyze(ctx context.Context, text string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	phrases := s.candidates(text)
	if len(phrases) == 0 {
		return Keywords{Keywords: []string{}}, nil
	}

	freq := make(map[string]int)
	degree := make(map[string]int)
	for _, p := range phrases {
		for _, w := range p {
			freq[w]++
			degree[w] += len(p)
		}
	}

	type ranked struct {
		phrase string
		score  float64
		first  int
	}
	var list []ranked
	seen := make(map[string]struct{})
	for i, p := range phrases {
		key := strings.Join(p, " ")
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		var score float64
		for _, w := range p {
			score += float64(degree[w]) / float64(freq[w])
		}
		list = append(list, ranked{phrase: key, score: score, first: i})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].first < list[j].first
	})

	n := min(s.max, len(list))
	out := make([]string, n)
	for i := range out {
		out[i] = list[i].phrase
	}
	return Keywords{Keywords: out}, nil
}

// candidates splits text into lowercased phrases at stopwords and
// punctuation.
func (s *KeywordStage) candidates(text string) [][]string {
	var phrases [][]string
	var phrase []string
	var word strings.Builder

	endWord := func() {
		if word.Len() == 0 {
			return
		}
		w := strings.Trim(word.String(), "'-")
		word.Reset()
		if w == "" || s.lex.IsStopword(w) {
			endPhrase(&phrases, &phrase)
			return
		}
		phrase = append(phrase, w)
	}

	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r) || r == '\'' || r == '-':
			word.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			endWord()
		default:
			endWord()
			endPhrase(&phrases, &phrase)
		}
	}
	endWord()
	endPhrase(&phrases, &phrase)
	return phrases
}

func endPhrase(phrases *[][]string, phrase *[]string) {
	if len(*phrase) > 0 {
		*phrases = append(*phrases, *phrase)
	}
	*phrase = nil
}
