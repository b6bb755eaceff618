// Package subtitle provides time-aligned cue handling for narration
// artifacts: structural validation, cumulative-offset merging of per-segment
// cue lists, and SRT rendering.
package subtitle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// File permissions for written cue and SRT files.
const filePermissions = 0o600

// Time conversion constants for SRT timestamps.
const (
	millisPerSecond = 1000
	millisPerMinute = 60 * millisPerSecond
	millisPerHour   = 60 * millisPerMinute
)

// Static errors.
var (
	// ErrInvalidCue indicates a cue with a negative start, an end before
	// its start, or empty text.
	ErrInvalidCue = errors.New("invalid subtitle cue")
	// ErrNegativeGap indicates a negative inter-file gap was requested.
	ErrNegativeGap = errors.New("gap must be non-negative")
)

// Cue is a single subtitle entry. Start and End are milliseconds from the
// beginning of the audio the cue belongs to.
type Cue struct {
	Part  string `json:"part"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

// valid reports whether the cue satisfies the structural invariants:
// non-empty text, start >= 0 and end >= start.
func (c Cue) valid() bool {
	return c.Part != "" && c.Start >= 0 && c.End >= c.Start
}

// Merge concatenates per-segment cue lists into one continuous track.
//
// Files are processed in order. Every cue in file i is shifted by the
// cumulative offset; after finishing a non-empty file the offset advances to
// that file's last cue end plus the previous offset plus gap. As long as each
// input file is itself ordered, the merged track is monotonic non-decreasing
// in time.
//
// Malformed cues are a structural error naming the file and cue index, never
// a silent drop.
func Merge(files [][]Cue, gap int64) ([]Cue, error) {
	if gap < 0 {
		return nil, ErrNegativeGap
	}

	if len(files) == 0 {
		return []Cue{}, nil
	}

	merged := make([]Cue, 0, totalCues(files))

	var offset int64

	for fileIndex, file := range files {
		for cueIndex, cue := range file {
			if !cue.valid() {
				return nil, fmt.Errorf(
					"%w: file %d, cue %d",
					ErrInvalidCue, fileIndex, cueIndex,
				)
			}

			merged = append(merged, Cue{
				Part:  cue.Part,
				Start: cue.Start + offset,
				End:   cue.End + offset,
			})
		}

		if len(file) > 0 {
			offset = file[len(file)-1].End + offset + gap
		}
	}

	return merged, nil
}

func totalCues(files [][]Cue) int {
	total := 0
	for _, file := range files {
		total += len(file)
	}

	return total
}

// ToSRT renders cues as an SRT document: 1-based index, a
// "HH:MM:SS,mmm --> HH:MM:SS,mmm" time line, the cue text, and a blank line.
func ToSRT(cues []Cue) string {
	var builder strings.Builder

	for index, cue := range cues {
		fmt.Fprintf(&builder, "%d\n", index+1)
		fmt.Fprintf(
			&builder,
			"%s --> %s\n",
			formatTimestamp(cue.Start),
			formatTimestamp(cue.End),
		)
		builder.WriteString(cue.Part)
		builder.WriteString("\n\n")
	}

	return builder.String()
}

// formatTimestamp converts milliseconds to the SRT HH:MM:SS,mmm form.
func formatTimestamp(milliseconds int64) string {
	hours := milliseconds / millisPerHour
	minutes := (milliseconds % millisPerHour) / millisPerMinute
	seconds := (milliseconds % millisPerMinute) / millisPerSecond
	millis := milliseconds % millisPerSecond

	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, seconds, millis)
}

// ReadCueFile loads a JSON cue sidecar written by WriteCueFile or a synthesis
// backend.
func ReadCueFile(path string) ([]Cue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cue file %q: %w", path, err)
	}

	var cues []Cue

	err = json.Unmarshal(data, &cues)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cue file %q: %w", path, err)
	}

	return cues, nil
}

// WriteCueFile writes cues as a JSON sidecar next to a segment's audio file.
func WriteCueFile(path string, cues []Cue) error {
	data, err := json.MarshalIndent(cues, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cues for %q: %w", path, err)
	}

	err = os.WriteFile(path, data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write cue file %q: %w", path, err)
	}

	return nil
}

// WriteSRT renders cues to an SRT file.
func WriteSRT(path string, cues []Cue) error {
	err := os.WriteFile(path, []byte(ToSRT(cues)), filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write srt file %q: %w", path, err)
	}

	return nil
}
