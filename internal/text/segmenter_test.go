// Package text_test tests narration input segmentation.
package text_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/book-expert/narration-service/internal/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stripWhitespace removes every whitespace rune, so chunk joins can be
// compared against the input while ignoring boundary trimming.
func stripWhitespace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func TestSplit_ShortTextIsReturnedUnchanged(t *testing.T) {
	t.Parallel()

	input := "A short sentence."
	chunks := text.Split(input, 500)

	require.Len(t, chunks, 1)
	assert.Equal(t, input, chunks[0])
}

func TestSplit_TwelveHundredCharsAtTargetFiveHundredYieldsThreeChunks(t *testing.T) {
	t.Parallel()

	// 24 sentences of exactly 50 runes each, 1200 runes total.
	sentence := strings.Repeat("abcde", 9) + "abcd."
	require.Equal(t, 50, utf8.RuneCountInString(sentence))

	input := strings.Repeat(sentence, 24)
	chunks := text.Split(input, 500)

	require.Len(t, chunks, 3)

	for _, chunk := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 500)
	}
}

func TestSplit_NoTextIsDroppedOrReordered(t *testing.T) {
	t.Parallel()

	input := strings.Repeat(
		"The lantern glowed in the woods. Nobody dared to follow her! Why not? ",
		20,
	)
	chunks := text.Split(input, 120)

	require.Greater(t, len(chunks), 1)
	assert.Equal(t, stripWhitespace(input), stripWhitespace(strings.Join(chunks, "")))
}

func TestSplit_ChineseSentenceTerminators(t *testing.T) {
	t.Parallel()

	input := strings.Repeat("风很大。雨也很大！走不走？", 30)
	chunks := text.Split(input, 50)

	require.Greater(t, len(chunks), 1)
	assert.Equal(t, stripWhitespace(input), stripWhitespace(strings.Join(chunks, "")))

	for _, chunk := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 50)
	}
}

func TestSplit_OversizedSentenceFallsBackToWordBoundaries(t *testing.T) {
	t.Parallel()

	// One "sentence" with no terminator until the very end, longer than
	// the target, made of small words.
	input := strings.Repeat("tiny word ", 40) + "end."
	chunks := text.Split(input, 60)

	require.Greater(t, len(chunks), 1)
	assert.Equal(t, stripWhitespace(input), stripWhitespace(strings.Join(chunks, "")))

	for _, chunk := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 60)
	}
}

func TestSplit_SingleWordLongerThanTargetIsItsOwnChunk(t *testing.T) {
	t.Parallel()

	monster := strings.Repeat("x", 90)
	input := "start " + monster + " finish. " + strings.Repeat("filler words here. ", 5)
	chunks := text.Split(input, 40)

	found := false

	for _, chunk := range chunks {
		if chunk == monster {
			found = true
		}
	}

	assert.True(t, found, "oversized word should be emitted as its own chunk")
	assert.Equal(t, stripWhitespace(input), stripWhitespace(strings.Join(chunks, "")))
}

func TestSplit_UnspacedCJKRunIsCutInsideTheRun(t *testing.T) {
	t.Parallel()

	input := strings.Repeat("长句子没有标点", 30) + "。"
	chunks := text.Split(input, 50)

	require.Greater(t, len(chunks), 1)

	for _, chunk := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 50)
	}

	assert.Equal(t, stripWhitespace(input), stripWhitespace(strings.Join(chunks, "")))
}

func TestSplit_NonPositiveTargetUsesDefault(t *testing.T) {
	t.Parallel()

	input := "Short enough for the default target."
	chunks := text.Split(input, 0)

	require.Len(t, chunks, 1)
	assert.Equal(t, input, chunks[0])
}
