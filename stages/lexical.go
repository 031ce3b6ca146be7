package stages

import "context"

// Lexical is the lexical_diversity result.
type Lexical struct {
	TokenCount     int     `json:"token_count"`
	TypeCount      int     `json:"type_count"`
	TypeTokenRatio float64 `json:"type_token_ratio"`
	HapaxCount     int     `json:"hapax_legomena_count"`
}

// LexicalStage counts alphabetic tokens, distinct types and hapax legomena
// (types seen exactly once). Comparison is case-insensitive.
type LexicalStage struct{}

func (LexicalStage) Name() string { return NameLexical }

func (LexicalStage) Analyze(ctx context.Context, text string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := alphaTokens(text)
	if len(tokens) == 0 {
		return Lexical{}, nil
	}

	freq := make(map[string]int, len(tokens))
	for _, t := range tokens {
		freq[t]++
	}
	hapax := 0
	for _, n := range freq {
		if n == 1 {
			hapax++
		}
	}
	return Lexical{
		TokenCount:     len(tokens),
		TypeCount:      len(freq),
		TypeTokenRatio: round(float64(len(freq))/float64(len(tokens)), 3),
		HapaxCount:     hapax,
	}, nil
}
