package stages

import "context"

// Complexity is the sentence_complexity result.
type Complexity struct {
	SentenceCount          int     `json:"sentence_count"`
	WordCount              int     `json:"word_count"`
	AverageSentenceLength  float64 `json:"average_sentence_length"`
	SentenceLengthVariance float64 `json:"sentence_length_variance"`
}

// ComplexityStage measures sentence lengths in words. The variance is the
// sample variance, zero for a single sentence.
type ComplexityStage struct{}

func (ComplexityStage) Name() string { return NameComplexity }

func (ComplexityStage) Analyze(ctx context.Context, text string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var lengths []int
	for _, s := range splitSentences(text) {
		if n := len(words(s)); n > 0 {
			lengths = append(lengths, n)
		}
	}
	if len(lengths) == 0 {
		return Complexity{}, nil
	}

	total := 0
	for _, n := range lengths {
		total += n
	}
	mean := float64(total) / float64(len(lengths))

	var variance float64
	if len(lengths) > 1 {
		for _, n := range lengths {
			d := float64(n) - mean
			variance += d * d
		}
		variance /= float64(len(lengths) - 1)
	}

	return Complexity{
		SentenceCount:          len(lengths),
		WordCount:              total,
		AverageSentenceLength:  round(mean, 2),
		SentenceLengthVariance: round(variance, 2),
	}, nil
}
