package stages

import (
	"context"
	"regexp"
	"strings"
)

// Entities is the named_entity_recognition result: surface strings grouped
// by label, de-duplicated, in order of first appearance.
type Entities struct {
	Entities map[string][]string `json:"entities"`
}

// Entity labels.
const (
	LabelPerson  = "PERSON"
	LabelOrg     = "ORG"
	LabelGPE     = "GPE"
	LabelDate    = "DATE"
	LabelMoney   = "MONEY"
	LabelPercent = "PERCENT"
)

const monthPattern = `(?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|June?|July?|Aug(?:ust)?|Sep(?:t(?:ember)?)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)`

var entityPatterns = []struct {
	label string
	re    *regexp.Regexp
}{
	{LabelMoney, regexp.MustCompile(`[$€£¥]\s?\d[\d,]*(?:\.\d+)?(?:\s(?:million|billion|trillion|thousand))?|\b\d[\d,]*(?:\.\d+)?\s(?:dollars|euros|pounds|yen)\b`)},
	{LabelPercent, regexp.MustCompile(`\b\d+(?:\.\d+)?\s?(?:%|percent\b)`)},
	{LabelDate, regexp.MustCompile(`\b` + monthPattern + `\b\.?(?:\s+\d{1,2}(?:st|nd|rd|th)?\b)?(?:,?\s+\d{4}\b)?` +
		`|\b(?:Monday|Tuesday|Wednesday|Thursday|Friday|Saturday|Sunday)\b` +
		`|\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b` +
		`|\b(?:1[5-9]|20)\d{2}\b`)},
}

// EntityStage finds entities with patterns (dates, money, percentages) and
// capitalisation runs classified against gazetteers: organisation
// suffixes, place names and personal titles. Runs of two or more capitalised
// words that match nothing else are taken as person names; unmatched single
// words are ignored.
type EntityStage struct {
	lex *Lexicons
}

func (s *EntityStage) Name() string { return NameEntities }

func (s *EntityStage) Analyze(ctx context.Context, text string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	found := &entitySet{groups: make(map[string][]string), seen: make(map[string]struct{})}

	// Pattern matches are blanked out so the capitalisation pass does not
	// see them again.
	masked := []byte(text)
	for _, p := range entityPatterns {
		for _, loc := range p.re.FindAllIndex(masked, -1) {
			found.add(p.label, string(masked[loc[0]:loc[1]]))
			for i := loc[0]; i < loc[1]; i++ {
				masked[i] = ' '
			}
		}
	}

	for _, run := range s.capitalRuns(string(masked)) {
		if label, surface := s.classify(run); label != "" {
			found.add(label, surface)
		}
	}
	return Entities{Entities: found.groups}, nil
}

type entitySet struct {
	groups map[string][]string
	seen   map[string]struct{}
}

func (e *entitySet) add(label, surface string) {
	surface = strings.Join(strings.Fields(surface), " ")
	if surface == "" {
		return
	}
	key := label + "\x00" + surface
	if _, ok := e.seen[key]; ok {
		return
	}
	e.seen[key] = struct{}{}
	e.groups[label] = append(e.groups[label], surface)
}

var connectors = map[string]struct{}{"of": {}, "de": {}, "van": {}, "von": {}, "and": {}, "&": {}}

// capitalRuns returns sequences of capitalised tokens. Punctuation ends a
// run, except the period of a title ("Dr."); "of", "and" and similar
// connectors join two capitalised words.
func (s *EntityStage) capitalRuns(text string) [][]string {
	var runs [][]string
	var cur []string
	var pending []string // connectors waiting for a capitalised follower

	flush := func() {
		if len(cur) > 0 {
			runs = append(runs, cur)
		}
		cur = nil
		pending = nil
	}

	for _, field := range strings.Fields(text) {
		token := strings.Trim(field, `"'()[]{}“”‘’`)
		token = strings.TrimSuffix(strings.TrimSuffix(token, "'s"), "’s")
		trailing := ""
		if t := strings.TrimRight(token, ".,;:!?"); t != token {
			trailing = token[len(t):]
			token = t
		}

		switch {
		case token != "" && isCapitalized(token):
			cur = append(cur, pending...)
			pending = nil
			cur = append(cur, token)
		case len(cur) > 0 && trailing == "":
			if _, ok := connectors[strings.ToLower(token)]; ok {
				pending = append(pending, token)
			} else {
				flush()
			}
		default:
			flush()
		}

		if trailing != "" && !(trailing == "." && s.isTitle(token)) {
			flush()
		}
	}
	flush()
	return runs
}

func (s *EntityStage) classify(tokens []string) (string, string) {
	// A leading function word ("The", "In") is not part of a name.
	for len(tokens) > 0 && s.lex.IsStopword(strings.ToLower(tokens[0])) {
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return "", ""
	}

	titled := false
	if s.isTitle(tokens[0]) && len(tokens) > 1 {
		tokens = tokens[1:]
		titled = true
	}
	surface := strings.Join(tokens, " ")
	lower := strings.ToLower(surface)

	switch {
	case titled:
		return LabelPerson, surface
	case hasKey(s.lex.gpe, lower):
		return LabelGPE, surface
	case len(tokens) > 1 && s.hasOrgWord(tokens):
		return LabelOrg, surface
	case len(tokens) == 1 && isAllUpper(surface) && len(surface) >= 2 && len(surface) <= 6:
		return LabelOrg, surface
	case len(tokens) > 1:
		return LabelPerson, surface
	}
	return "", ""
}

func (s *EntityStage) isTitle(token string) bool {
	return hasKey(s.lex.titles, strings.ToLower(token))
}

// hasOrgWord matches "Apple Inc" as well as "University of Oxford".
func (s *EntityStage) hasOrgWord(tokens []string) bool {
	for _, t := range tokens {
		if hasKey(s.lex.orgSuffixes, strings.ToLower(strings.TrimSuffix(t, "."))) {
			return true
		}
	}
	return false
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}
