// Package subtitle_test tests cue merging and SRT rendering.
package subtitle_test

import (
	"path/filepath"
	"testing"

	"github.com/book-expert/narration-service/internal/subtitle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_OffsetsFollowPreviousFileEnd(t *testing.T) {
	t.Parallel()

	files := [][]subtitle.Cue{
		{{Part: "a", Start: 0, End: 100}},
		{{Part: "b", Start: 0, End: 50}},
	}

	merged, err := subtitle.Merge(files, 0)
	require.NoError(t, err)

	expected := []subtitle.Cue{
		{Part: "a", Start: 0, End: 100},
		{Part: "b", Start: 100, End: 150},
	}
	assert.Equal(t, expected, merged)
}

func TestMerge_GapIsAddedBetweenFiles(t *testing.T) {
	t.Parallel()

	files := [][]subtitle.Cue{
		{{Part: "a", Start: 0, End: 100}},
		{{Part: "b", Start: 0, End: 50}},
	}

	merged, err := subtitle.Merge(files, 250)
	require.NoError(t, err)

	assert.Equal(t, int64(350), merged[1].Start)
	assert.Equal(t, int64(400), merged[1].End)
}

func TestMerge_IsMonotonicAcrossManyFiles(t *testing.T) {
	t.Parallel()

	files := [][]subtitle.Cue{
		{{Part: "one", Start: 0, End: 400}, {Part: "two", Start: 400, End: 900}},
		{{Part: "three", Start: 0, End: 300}},
		{},
		{{Part: "four", Start: 100, End: 200}},
	}

	merged, err := subtitle.Merge(files, 0)
	require.NoError(t, err)
	require.Len(t, merged, 4)

	for i := 1; i < len(merged); i++ {
		assert.GreaterOrEqual(t, merged[i].Start, merged[i-1].Start)
		assert.GreaterOrEqual(t, merged[i].End, merged[i].Start)
	}
}

func TestMerge_EmptyInputYieldsEmptyTrack(t *testing.T) {
	t.Parallel()

	merged, err := subtitle.Merge(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, merged)
}

func TestMerge_RejectsMalformedCues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cue  subtitle.Cue
	}{
		{name: "negative start", cue: subtitle.Cue{Part: "x", Start: -1, End: 10}},
		{name: "end before start", cue: subtitle.Cue{Part: "x", Start: 20, End: 10}},
		{name: "empty text", cue: subtitle.Cue{Part: "", Start: 0, End: 10}},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			files := [][]subtitle.Cue{
				{{Part: "ok", Start: 0, End: 5}},
				{testCase.cue},
			}

			_, err := subtitle.Merge(files, 0)
			require.ErrorIs(t, err, subtitle.ErrInvalidCue)
			assert.Contains(t, err.Error(), "file 1")
		})
	}
}

func TestMerge_RejectsNegativeGap(t *testing.T) {
	t.Parallel()

	_, err := subtitle.Merge([][]subtitle.Cue{}, -1)
	require.ErrorIs(t, err, subtitle.ErrNegativeGap)
}

func TestToSRT_RendersTimestampsAndIndexes(t *testing.T) {
	t.Parallel()

	cues := []subtitle.Cue{
		{Part: "hello", Start: 0, End: 1500},
		{Part: "world", Start: 3661001, End: 3662500},
	}

	srt := subtitle.ToSRT(cues)

	assert.Contains(t, srt, "1\n00:00:00,000 --> 00:00:01,500\nhello\n\n")
	assert.Contains(t, srt, "2\n01:01:01,001 --> 01:01:02,500\nworld\n\n")
}

func TestCueFile_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "segment.mp3.json")
	cues := []subtitle.Cue{{Part: "a", Start: 10, End: 90}}

	require.NoError(t, subtitle.WriteCueFile(path, cues))

	loaded, err := subtitle.ReadCueFile(path)
	require.NoError(t, err)
	assert.Equal(t, cues, loaded)
}

func TestReadCueFile_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := subtitle.ReadCueFile(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}
