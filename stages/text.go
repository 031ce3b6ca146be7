package stages

import (
	"strings"
	"unicode"
)

// abbreviations that do not end a sentence when followed by a period.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {},
	"st": {}, "vs": {}, "etc": {}, "e.g": {}, "i.e": {}, "inc": {}, "ltd": {},
	"co": {}, "corp": {}, "no": {}, "fig": {}, "approx": {}, "dept": {},
}

// splitSentences breaks text on ., ! and ? followed by whitespace, and on
// blank lines. Trailing closing quotes and brackets stay with their
// sentence. Abbreviations and single-letter initials do not end a sentence.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0

	emit := func(end int) {
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\n' && i+1 < len(runes) && runes[i+1] == '\n' {
			emit(i)
			continue
		}
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		j := i + 1
		for j < len(runes) && (runes[j] == '.' || runes[j] == '!' || runes[j] == '?') {
			j++
		}
		for j < len(runes) && strings.ContainsRune(`"')]”’`, runes[j]) {
			j++
		}
		if j < len(runes) && !unicode.IsSpace(runes[j]) {
			i = j - 1
			continue
		}
		if r == '.' && j == i+1 && isAbbreviation(runes[start:i]) {
			continue
		}
		emit(j)
		i = j - 1
	}
	emit(len(runes))
	return out
}

func isAbbreviation(before []rune) bool {
	k := len(before)
	for k > 0 && !unicode.IsSpace(before[k-1]) {
		k--
	}
	word := strings.ToLower(strings.TrimLeft(string(before[k:]), `"'(`))
	if _, ok := abbreviations[word]; ok {
		return true
	}
	w := []rune(word)
	return len(w) == 1 && unicode.IsLetter(w[0])
}

// words splits on whitespace and trims surrounding punctuation. Tokens made
// only of punctuation are dropped.
func words(text string) []string {
	fields := strings.Fields(text)
	out := fields[:0]
	for _, f := range fields {
		w := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// alphaTokens returns lowercased runs of letters. Apostrophes split words,
// so "don't" yields "don" and "t".
func alphaTokens(text string) []string {
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if unicode.IsLetter(r) {
			current.WriteRune(unicode.ToLower(r))
			continue
		}
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func isVowel(r rune) bool {
	switch r {
	case 'a', 'e', 'i', 'o', 'u', 'y':
		return true
	}
	return false
}

// syllables estimates the syllable count of an English word from its vowel
// groups. Every word with a letter has at least one syllable.
func syllables(word string) int {
	var letters []rune
	for _, r := range strings.ToLower(word) {
		if unicode.IsLetter(r) {
			letters = append(letters, r)
		}
	}
	n := len(letters)
	if n == 0 {
		return 0
	}
	if n <= 3 {
		return 1
	}

	count := 0
	prevVowel := false
	for _, r := range letters {
		v := isVowel(r)
		if v && !prevVowel {
			count++
		}
		prevVowel = v
	}

	last, prev := letters[n-1], letters[n-2]
	switch {
	case last == 'e' && prev != 'l' && !isVowel(prev):
		count-- // silent e: "make", but not "table"
	case last == 's' && prev == 'e' && !strings.ContainsRune("cgszx", letters[n-3]):
		count-- // "makes", but not "boxes"
	case last == 'd' && prev == 'e' && letters[n-3] != 't' && letters[n-3] != 'd':
		count-- // "jumped", but not "wanted"
	}
	if count < 1 {
		count = 1
	}
	return count
}

func isCapitalized(word string) bool {
	for _, r := range word {
		return unicode.IsUpper(r)
	}
	return false
}

func isAllUpper(word string) bool {
	letters := 0
	for _, r := range word {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters > 0
}
