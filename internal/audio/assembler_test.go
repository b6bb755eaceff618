// Package audio_test tests segment assembly ordering and artifact merging.
package audio_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/subtitle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteJoiner is a Transcoder that concatenates input files byte-for-byte,
// standing in for ffmpeg's stream-copy concat in tests.
type byteJoiner struct {
	concatCalls [][]string
}

func (b *byteJoiner) Concat(_ context.Context, inputs []string, output string) error {
	b.concatCalls = append(b.concatCalls, inputs)

	var joined []byte

	for _, input := range inputs {
		data, err := os.ReadFile(input)
		if err != nil {
			return err
		}

		joined = append(joined, data...)
	}

	return os.WriteFile(output, joined, 0o600)
}

func (b *byteJoiner) Transcode(_ context.Context, input, output string) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	return os.WriteFile(output, data, 0o600)
}

func writeSegmentFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestSortByNumericPrefix(t *testing.T) {
	t.Parallel()

	files := []string{
		"/scratch/10_task.mp3",
		"/scratch/2_task.mp3",
		"/scratch/0_task.mp3",
		"/scratch/readme.txt",
	}

	ordered := audio.SortByNumericPrefix(files)

	assert.Equal(t, []string{
		"/scratch/0_task.mp3",
		"/scratch/2_task.mp3",
		"/scratch/10_task.mp3",
		"/scratch/readme.txt",
	}, ordered)

	// Input order is untouched.
	assert.Equal(t, "/scratch/10_task.mp3", files[0])
}

func TestAssembler_ConcatAudioOrdersByPrefix(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	first := writeSegmentFile(t, dir, "0_task.mp3", "AAA")
	second := writeSegmentFile(t, dir, "1_task.mp3", "BBB")
	third := writeSegmentFile(t, dir, "2_task.mp3", "CCC")

	joiner := &byteJoiner{}
	assembler := audio.NewAssembler(joiner)

	output := filepath.Join(dir, "final.mp3")

	// Deliberately out of order.
	ordered, err := assembler.ConcatAudio(context.Background(), []string{third, first, second}, output)
	require.NoError(t, err)
	assert.Equal(t, []string{first, second, third}, ordered)

	joined, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "AAABBBCCC", string(joined))
}

func TestAssembler_ConcatAudioRejectsEmptyList(t *testing.T) {
	t.Parallel()

	assembler := audio.NewAssembler(&byteJoiner{})

	_, err := assembler.ConcatAudio(context.Background(), nil, "/tmp/out.mp3")
	require.ErrorIs(t, err, audio.ErrNoInputFiles)
}

func TestAssembler_ConcatCues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	firstPath := filepath.Join(dir, "0_task.mp3.json")
	require.NoError(t, subtitle.WriteCueFile(firstPath, []subtitle.Cue{
		{Part: "a", Start: 0, End: 100},
	}))

	secondPath := filepath.Join(dir, "1_task.mp3.json")
	require.NoError(t, subtitle.WriteCueFile(secondPath, []subtitle.Cue{
		{Part: "b", Start: 0, End: 50},
	}))

	assembler := audio.NewAssembler(&byteJoiner{})

	jsonOut := filepath.Join(dir, "final.json")
	srtOut := filepath.Join(dir, "final.srt")

	err := assembler.ConcatCues([]string{firstPath, secondPath}, 0, jsonOut, srtOut)
	require.NoError(t, err)

	merged, err := subtitle.ReadCueFile(jsonOut)
	require.NoError(t, err)
	assert.Equal(t, []subtitle.Cue{
		{Part: "a", Start: 0, End: 100},
		{Part: "b", Start: 100, End: 150},
	}, merged)

	srt, err := os.ReadFile(srtOut)
	require.NoError(t, err)
	assert.Contains(t, string(srt), "00:00:00,100 --> 00:00:00,150")
}

func TestAssembler_ConcatCuesRejectsEmptyList(t *testing.T) {
	t.Parallel()

	assembler := audio.NewAssembler(&byteJoiner{})

	err := assembler.ConcatCues(nil, 0, "/tmp/out.json", "/tmp/out.srt")
	require.ErrorIs(t, err, audio.ErrNoInputFiles)
}
