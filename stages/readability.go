package stages

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Readability is the readability_analysis result. Scores are rounded to two
// decimals.
type Readability struct {
	WordCount           int     `json:"word_count"`
	SentenceCount       int     `json:"sentence_count"`
	CharacterCount      int     `json:"character_count"`
	AvgWordsPerSentence float64 `json:"avg_words_per_sentence"`
	FleschReadingEase   float64 `json:"flesch_reading_ease"`
	FleschKincaidGrade  float64 `json:"flesch_kincaid_grade"`
	GunningFog          float64 `json:"gunning_fog"`
	ARI                 float64 `json:"automated_readability_index"`
	ColemanLiau         float64 `json:"coleman_liau_index"`
	LinsearWrite        float64 `json:"linsear_write_formula"`
	DaleChall           float64 `json:"dale_chall_readability_score"`
	ReadingLevel        string  `json:"reading_level"`
}

// ReadabilityStage computes counts, the usual grade-level formulas and a
// reading-level band derived from Flesch reading ease.
type ReadabilityStage struct {
	lex *Lexicons
}

func (s *ReadabilityStage) Name() string { return NameReadability }

func (s *ReadabilityStage) Analyze(ctx context.Context, text string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.measure(text), nil
}

func (s *ReadabilityStage) measure(text string) Readability {
	ws := words(text)
	if len(ws) == 0 {
		return Readability{}
	}
	sentences := splitSentences(text)
	sentenceCount := len(sentences)
	if sentenceCount < 1 {
		sentenceCount = 1
	}

	w := float64(len(ws))
	sc := float64(sentenceCount)
	var syl, complexWords, letters, difficult int
	for _, word := range ws {
		n := syllables(word)
		syl += n
		if n >= 3 {
			complexWords++
		}
		for _, r := range word {
			if unicode.IsLetter(r) || unicode.IsNumber(r) {
				letters++
			}
		}
		if n >= 2 && !s.lex.isEasy(strings.ToLower(word)) {
			difficult++
		}
	}

	wps := w / sc
	spw := float64(syl) / w
	fre := 206.835 - 1.015*wps - 84.6*spw

	daleChallPct := float64(difficult) / w * 100
	daleChall := 0.1579*daleChallPct + 0.0496*wps
	if daleChallPct > 5 {
		daleChall += 3.6365
	}

	r := Readability{
		WordCount:           len(ws),
		SentenceCount:       sentenceCount,
		CharacterCount:      utf8.RuneCountInString(text),
		AvgWordsPerSentence: round(wps, 2),
		FleschReadingEase:   round(fre, 2),
		FleschKincaidGrade:  round(0.39*wps+11.8*spw-15.59, 2),
		GunningFog:          round(0.4*(wps+100*float64(complexWords)/w), 2),
		ARI:                 round(4.71*float64(letters)/w+0.5*wps-21.43, 2),
		ColemanLiau:         round(0.0588*(float64(letters)/w*100)-0.296*(sc/w*100)-15.8, 2),
		LinsearWrite:        round(linsearWrite(sentences), 2),
		DaleChall:           round(daleChall, 2),
	}
	r.ReadingLevel = readingLevel(r.FleschReadingEase)
	return r
}

// linsearWrite scores a sample of about 100 words: one point per easy word,
// three per word of three or more syllables, divided by the number of
// sentences in the sample.
func linsearWrite(sentences []string) float64 {
	var points float64
	sampled, sampleSentences := 0, 0
	for _, sent := range sentences {
		if sampled >= 100 {
			break
		}
		sampleSentences++
		for _, w := range words(sent) {
			if sampled >= 100 {
				break
			}
			sampled++
			if syllables(w) >= 3 {
				points += 3
			} else {
				points++
			}
		}
	}
	if sampleSentences == 0 {
		return 0
	}
	score := points / float64(sampleSentences)
	if score > 20 {
		return score / 2
	}
	return (score - 2) / 2
}

// readingLevel maps Flesch reading ease to a named band.
func readingLevel(fre float64) string {
	switch {
	case fre >= 90:
		return "Very Easy"
	case fre >= 80:
		return "Easy"
	case fre >= 70:
		return "Fairly Easy"
	case fre >= 60:
		return "Standard"
	case fre >= 50:
		return "Fairly Difficult"
	case fre >= 30:
		return "Difficult"
	default:
		return "Very Difficult"
	}
}
