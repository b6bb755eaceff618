// Package text provides sentence-aware segmentation of narration input.
//
// Long input is split on sentence-terminal punctuation and greedily packed
// into bounded-length chunks; any chunk still over the bound (a single very
// long sentence) is re-split on word boundaries. Splitting is a pure
// function: output order equals input order and no text is dropped.
package text

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultTargetLength is the chunk bound used when the caller passes a
// non-positive target. It mirrors the bound the synthesis backends are
// comfortable with for a single request.
const DefaultTargetLength = 500

// Sentence-terminal punctuation, covering both Latin and CJK scripts.
const sentenceTerminators = "。！？.!?"

// Split divides text into ordered chunks of at most target runes each,
// except for a single word longer than the target, which is emitted as its
// own oversized chunk. Text shorter than the target is returned as-is in a
// single-element slice.
func Split(text string, target int) []string {
	if target <= 0 {
		target = DefaultTargetLength
	}

	if utf8.RuneCountInString(text) < target {
		return []string{text}
	}

	chunks := packSentences(splitSentences(text), target)

	final := make([]string, 0, len(chunks))

	for _, chunk := range chunks {
		if utf8.RuneCountInString(chunk) <= target {
			final = append(final, chunk)

			continue
		}

		final = append(final, packTokens(tokenize(chunk), target)...)
	}

	return final
}

// splitSentences cuts text after every sentence terminator, keeping the
// terminator attached to its sentence.
func splitSentences(text string) []string {
	var sentences []string

	var current strings.Builder

	for _, char := range text {
		current.WriteRune(char)

		if strings.ContainsRune(sentenceTerminators, char) {
			sentences = append(sentences, current.String())
			current.Reset()
		}
	}

	if current.Len() > 0 {
		sentences = append(sentences, current.String())
	}

	return sentences
}

// packSentences greedily accumulates sentences into a running buffer,
// flushing whenever adding the next sentence would exceed the target.
func packSentences(sentences []string, target int) []string {
	var chunks []string

	var current string

	for _, sentence := range sentences {
		if strings.TrimSpace(sentence) == "" {
			continue
		}

		if utf8.RuneCountInString(current)+utf8.RuneCountInString(sentence) <= target {
			current += sentence

			continue
		}

		if current != "" {
			chunks = append(chunks, strings.TrimSpace(current))
		}

		current = sentence
	}

	if current != "" {
		chunks = append(chunks, strings.TrimSpace(current))
	}

	return chunks
}

// packTokens repacks an oversized chunk at word granularity. A single token
// longer than the target becomes its own oversized chunk; splitting inside a
// word would corrupt pronunciation more than an oversized request would.
func packTokens(tokens []string, target int) []string {
	var chunks []string

	var current string

	for _, token := range tokens {
		tokenLen := utf8.RuneCountInString(token)

		if utf8.RuneCountInString(current)+tokenLen <= target {
			current += token

			continue
		}

		if current != "" {
			chunks = append(chunks, strings.TrimSpace(current))
			current = ""
		}

		if tokenLen > target {
			chunks = append(chunks, strings.TrimSpace(token))

			continue
		}

		current = token
	}

	if current != "" {
		chunks = append(chunks, strings.TrimSpace(current))
	}

	return chunks
}

// tokenize splits a chunk into tokens whose concatenation reproduces the
// chunk exactly. Whitespace stays attached to the preceding token. Runs of
// CJK characters are cut one rune at a time, since they carry no whitespace
// word boundaries to break on.
func tokenize(chunk string) []string {
	var tokens []string

	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, char := range chunk {
		switch {
		case unicode.IsSpace(char):
			current.WriteRune(char)
		case isCJK(char):
			flush()
			current.WriteRune(char)
		default:
			// A new word starts only after trailing whitespace.
			if endsWithSpace(current.String()) || isCJKString(current.String()) {
				flush()
			}

			current.WriteRune(char)
		}
	}

	flush()

	return tokens
}

func endsWithSpace(s string) bool {
	if s == "" {
		return false
	}

	last, _ := utf8.DecodeLastRuneInString(s)

	return unicode.IsSpace(last)
}

// ContainsCJK reports whether the text contains any Chinese, Japanese, or
// Korean characters. Callers use it to reject a text/voice language
// mismatch before any synthesis work is scheduled.
func ContainsCJK(s string) bool {
	for _, char := range s {
		if isCJK(char) {
			return true
		}
	}

	return false
}

func isCJKString(s string) bool {
	if s == "" {
		return false
	}

	first, _ := utf8.DecodeRuneInString(s)

	return isCJK(first)
}

func isCJK(char rune) bool {
	return unicode.Is(unicode.Han, char) ||
		unicode.Is(unicode.Hiragana, char) ||
		unicode.Is(unicode.Katakana, char) ||
		unicode.Is(unicode.Hangul, char)
}
