package stages

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// SentimentScores are the polarity components of a text.
type SentimentScores struct {
	Compound       float64 `json:"compound"`
	Positive       float64 `json:"positive"`
	Negative       float64 `json:"negative"`
	Neutral        float64 `json:"neutral"`
	Classification string  `json:"classification"`
}

// Sentiment is the sentiment_analysis result.
type Sentiment struct {
	Scores          SentimentScores `json:"sentiment_scores"`
	ConfidenceLevel string          `json:"confidence_level"`
	ConfidenceScore float64         `json:"confidence_score"`
}

const (
	negationScalar = -0.74
	exclaimBoost   = 0.292
	normalizeAlpha = 15
)

// SentimentStage scores text against a valence lexicon. Boosters and
// dampeners up to three words before a sentiment word shift its intensity,
// a negation in the same window flips and weakens it, and words after "but"
// outweigh words before it. The summed valence is squashed into [-1, 1].
type SentimentStage struct {
	lex *Lexicons
}

func (s *SentimentStage) Name() string { return NameSentiment }

func (s *SentimentStage) Analyze(ctx context.Context, text string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scores := s.polarity(text)
	confidence := math.Abs(scores.Compound)
	return Sentiment{
		Scores:          scores,
		ConfidenceLevel: confidenceLevel(confidence),
		ConfidenceScore: round(confidence, 3),
	}, nil
}

func (s *SentimentStage) polarity(text string) SentimentScores {
	tokens := sentimentTokens(text)
	if len(tokens) == 0 {
		return SentimentScores{Classification: classify(0)}
	}

	valences := make([]float64, len(tokens))
	for i, t := range tokens {
		v, ok := s.lex.valence[t]
		if !ok {
			continue
		}
		for k := 1; k <= 3 && i-k >= 0; k++ {
			if b, ok := s.lex.boosters[tokens[i-k]]; ok {
				scalar := b * (1 - 0.05*float64(k-1))
				if v < 0 {
					scalar = -scalar
				}
				v += scalar
			}
		}
		for k := 1; k <= 3 && i-k >= 0; k++ {
			if s.lex.isNegation(tokens[i-k]) {
				v *= negationScalar
				break
			}
		}
		valences[i] = v
	}

	for i, t := range tokens {
		if t != "but" {
			continue
		}
		for j := range valences {
			switch {
			case j < i:
				valences[j] *= 0.5
			case j > i:
				valences[j] *= 1.5
			}
		}
		break
	}

	var sum, pos, neg float64
	var neu int
	for _, v := range valences {
		sum += v
		switch {
		case v > 0:
			pos += v + 1
		case v < 0:
			neg += v - 1
		default:
			neu++
		}
	}

	emphasis := punctuationEmphasis(text)
	switch {
	case sum > 0:
		sum += emphasis
	case sum < 0:
		sum -= emphasis
	}
	switch {
	case pos > math.Abs(neg):
		pos += emphasis
	case pos < math.Abs(neg):
		neg -= emphasis
	}

	compound := sum / math.Sqrt(sum*sum+normalizeAlpha)
	compound = math.Max(-1, math.Min(1, compound))

	total := pos + math.Abs(neg) + float64(neu)
	return SentimentScores{
		Compound:       round(compound, 3),
		Positive:       round(pos/total, 3),
		Negative:       round(math.Abs(neg)/total, 3),
		Neutral:        round(float64(neu)/total, 3),
		Classification: classify(compound),
	}
}

// sentimentTokens lowercases words and trims surrounding punctuation,
// keeping inner apostrophes so "don't" stays one token.
func sentimentTokens(text string) []string {
	var out []string
	for _, f := range strings.Fields(text) {
		t := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if t != "" {
			out = append(out, strings.ToLower(strings.ReplaceAll(t, "’", "'")))
		}
	}
	return out
}

func punctuationEmphasis(text string) float64 {
	exclaims := min(strings.Count(text, "!"), 4)
	emphasis := float64(exclaims) * exclaimBoost
	switch q := strings.Count(text, "?"); {
	case q > 3:
		emphasis += 0.96
	case q > 1:
		emphasis += float64(q) * 0.18
	}
	return emphasis
}

// classify applies the fixed polarity thresholds.
func classify(compound float64) string {
	switch {
	case compound >= 0.05:
		return "positive"
	case compound <= -0.05:
		return "negative"
	default:
		return "neutral"
	}
}

func confidenceLevel(magnitude float64) string {
	switch {
	case magnitude >= 0.5:
		return "high"
	case magnitude >= 0.1:
		return "medium"
	default:
		return "low"
	}
}
