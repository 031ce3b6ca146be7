package stages

import (
	"context"
	"sort"
	"strings"
)

// Summary is the auto_summarization result.
type Summary struct {
	Summary string `json:"summary"`
}

// SummaryStage builds an extractive summary. Sentences are scored by the
// normalised frequency of their content words; the best ones are taken until
// the summary reaches the minimum word count, never exceeding the maximum,
// and are emitted in their original order. Text shorter than the minimum is
// returned whole.
type SummaryStage struct {
	lex *Lexicons
	min int
	max int
}

func (s *SummaryStage) Name() string { return NameSummary }

func (s *SummaryStage) Analyze(ctx context.Context, text string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Summary{Summary: s.summarize(text)}, nil
}

func (s *SummaryStage) summarize(text string) string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}

	freq := make(map[string]int)
	maxFreq := 0
	for _, t := range alphaTokens(text) {
		if s.lex.IsStopword(t) {
			continue
		}
		freq[t]++
		maxFreq = max(maxFreq, freq[t])
	}

	type scored struct {
		index int
		words []string
		score float64
	}
	candidates := make([]scored, 0, len(sentences))
	for i, sent := range sentences {
		ws := strings.Fields(sent)
		if len(ws) == 0 {
			continue
		}
		var score float64
		content := 0
		for _, t := range alphaTokens(sent) {
			if n, ok := freq[t]; ok {
				score += float64(n) / float64(maxFreq)
				content++
			}
		}
		if content > 0 {
			score /= float64(content)
		}
		candidates = append(candidates, scored{index: i, words: ws, score: score})
	}

	ranked := make([]scored, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var picked []scored
	total := 0
	for _, c := range ranked {
		if total >= s.min {
			break
		}
		if total+len(c.words) > s.max {
			if total > 0 {
				continue
			}
			c.words = c.words[:s.max]
		}
		picked = append(picked, c)
		total += len(c.words)
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].index < picked[j].index })

	parts := make([]string, len(picked))
	for i, c := range picked {
		parts[i] = strings.Join(c.words, " ")
	}
	return strings.Join(parts, " ")
}
