package markup

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// abbreviations end with a period that does not close a sentence.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "st": {}, "co": {}, "ltd": {},
	"corp": {}, "inc": {}, "prof": {}, "sr": {}, "jr": {}, "vs": {}, "etc": {},
	"e.g": {}, "i.e": {}, "no": {}, "vol": {}, "fig": {}, "approx": {},
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	default:
		return false
	}
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '»':
		return true
	default:
		return false
	}
}

// SplitSentences cuts text after each sentence terminator that is followed by
// whitespace or the end of the text. Trailing whitespace stays with the sentence it
// follows so that concatenating the pieces yields the input.
func SplitSentences(text string) []string {
	var pieces []string

	start := 0
	index := 0

	for index < len(text) {
		current, size := utf8.DecodeRuneInString(text[index:])
		if !isTerminator(current) {
			index += size

			continue
		}

		end := skipWhile(text, index+size, isTerminator)
		end = skipWhile(text, end, isCloser)

		if end < len(text) {
			next, _ := utf8.DecodeRuneInString(text[end:])
			if !unicode.IsSpace(next) {
				index = end

				continue
			}
		}

		if current == '.' && endsWithAbbreviation(text[start:index]) {
			index = end

			continue
		}

		end = skipWhile(text, end, unicode.IsSpace)
		pieces = append(pieces, text[start:end])
		start = end
		index = end
	}

	if start < len(text) {
		pieces = append(pieces, text[start:])
	}

	return pieces
}

// EndsSentence reports whether text, ignoring trailing whitespace and closing
// quotes, ends with a sentence terminator.
func EndsSentence(text string) bool {
	trimmed := strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || isCloser(r)
	})
	if trimmed == "" {
		return false
	}

	last, _ := utf8.DecodeLastRuneInString(trimmed)

	return isTerminator(last)
}

func skipWhile(text string, index int, match func(rune) bool) int {
	for index < len(text) {
		r, size := utf8.DecodeRuneInString(text[index:])
		if !match(r) {
			break
		}

		index += size
	}

	return index
}

func endsWithAbbreviation(text string) bool {
	word := text
	if cut := strings.LastIndexFunc(text, unicode.IsSpace); cut >= 0 {
		_, size := utf8.DecodeRuneInString(text[cut:])
		word = text[cut+size:]
	}

	word = strings.TrimLeft(word, "\"'([“‘«")
	if word == "" {
		return false
	}

	_, found := abbreviations[strings.ToLower(word)]

	return found
}
