package model

import (
	"strings"
	"unicode"
)

// SplitSentences breaks text on sentence-ending punctuation and newlines.
// The terminating punctuation stays with its sentence; blanks are dropped.
func SplitSentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' || r == '\r' {
			flush()
			continue
		}
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			// Keep decimals and abbreviations like "3.5" together.
			if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
				continue
			}
			flush()
		}
	}
	flush()
	return out
}

// Words returns the lowercase words of text. Apostrophes inside words are kept
// so contractions such as "don't" survive.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '’'
	})
}
