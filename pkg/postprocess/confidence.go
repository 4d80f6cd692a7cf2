package postprocess

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// wordsForFullLength is the word count at which text length stops adding confidence.
const wordsForFullLength = 40

// EstimateConfidence scores cleaned OCR text in [0, 1].
//
// The score rises with the share of ordinary characters (letters, digits,
// common punctuation), the share of plausible words, and the amount of text.
// Replacement characters, stray symbols and one-letter fragments lower it.
func EstimateConfidence(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0.0
	}

	var total, good int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if r == utf8.RuneError {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(".,;:!?()-/\"'§%„”«»–", r) {
			good++
		}
	}
	if total == 0 {
		return 0.0
	}
	charScore := float64(good) / float64(total)

	words := strings.Fields(text)
	plausible := 0
	for _, w := range words {
		if plausibleWord(w) {
			plausible++
		}
	}
	wordScore := float64(plausible) / float64(len(words))

	lengthScore := float64(len(words)) / wordsForFullLength
	if lengthScore > 1 {
		lengthScore = 1
	}

	score := 0.05 + 0.5*charScore + 0.3*wordScore + 0.15*lengthScore
	return clamp(score)
}

// plausibleWord accepts tokens of 2 to 30 runes that are mostly letters or
// digits once surrounding punctuation is removed. Single letters common in
// Polish (a, i, o, u, w, z) also count.
func plausibleWord(w string) bool {
	w = strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	n := utf8.RuneCountInString(w)
	if n == 0 || n > 30 {
		return false
	}
	if n == 1 {
		return strings.ContainsAny(strings.ToLower(w), "aiouwz0123456789")
	}
	alnum := 0
	for _, r := range w {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	return float64(alnum)/float64(n) >= 0.7
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
