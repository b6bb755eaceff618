package audio

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/book-expert/narration-service/internal/subtitle"
)

// Static errors.
var (
	// ErrNoInputFiles rejects a concatenation request with nothing to join.
	ErrNoInputFiles = errors.New("no input files to concatenate")
)

// Assembler produces the final artifacts of a multi-segment synthesis run:
// one concatenated audio file and one merged subtitle track, assembled in
// segment order regardless of completion order.
type Assembler struct {
	transcoder Transcoder
}

// NewAssembler creates an Assembler over the given transcoder.
func NewAssembler(transcoder Transcoder) *Assembler {
	return &Assembler{transcoder: transcoder}
}

// ConcatAudio joins the segment files, ordered by their numeric filename
// prefix, into output. It returns the ordered list actually used so callers
// can assemble sidecar artifacts in the same order. An empty list is an
// error, never a silent no-op.
func (a *Assembler) ConcatAudio(ctx context.Context, files []string, output string) ([]string, error) {
	if len(files) == 0 {
		return nil, ErrNoInputFiles
	}

	ordered := SortByNumericPrefix(files)

	err := a.transcoder.Concat(ctx, ordered, output)
	if err != nil {
		return nil, fmt.Errorf("failed to concatenate %d segment files: %w", len(ordered), err)
	}

	return ordered, nil
}

// ConcatCues reads the per-segment cue files in the given order, merges
// them with the given inter-segment gap, and writes both the merged cue
// file and its SRT rendering.
func (a *Assembler) ConcatCues(cueFiles []string, gap int64, jsonOut, srtOut string) error {
	if len(cueFiles) == 0 {
		return ErrNoInputFiles
	}

	perSegment := make([][]subtitle.Cue, 0, len(cueFiles))

	for _, path := range cueFiles {
		cues, err := subtitle.ReadCueFile(path)
		if err != nil {
			return fmt.Errorf("failed to read cue file %q: %w", path, err)
		}

		perSegment = append(perSegment, cues)
	}

	merged, err := subtitle.Merge(perSegment, gap)
	if err != nil {
		return fmt.Errorf("failed to merge %d cue files: %w", len(cueFiles), err)
	}

	err = subtitle.WriteCueFile(jsonOut, merged)
	if err != nil {
		return fmt.Errorf("failed to write merged cue file %q: %w", jsonOut, err)
	}

	err = subtitle.WriteSRT(srtOut, merged)
	if err != nil {
		return fmt.Errorf("failed to write subtitle file %q: %w", srtOut, err)
	}

	return nil
}

// Transcode re-encodes input into the format implied by the output
// extension.
func (a *Assembler) Transcode(ctx context.Context, input, output string) error {
	err := a.transcoder.Transcode(ctx, input, output)
	if err != nil {
		return fmt.Errorf("failed to transcode %q: %w", input, err)
	}

	return nil
}

// SortByNumericPrefix orders file paths by the integer prefix of their base
// name (the digits before the first underscore). Files without a numeric
// prefix sort after all prefixed files, lexically. The input slice is not
// modified.
func SortByNumericPrefix(files []string) []string {
	ordered := make([]string, len(files))
	copy(ordered, files)

	sort.SliceStable(ordered, func(i, j int) bool {
		leftIndex, leftOK := numericPrefix(ordered[i])
		rightIndex, rightOK := numericPrefix(ordered[j])

		switch {
		case leftOK && rightOK:
			return leftIndex < rightIndex
		case leftOK:
			return true
		case rightOK:
			return false
		default:
			return ordered[i] < ordered[j]
		}
	})

	return ordered
}

func numericPrefix(path string) (int, bool) {
	base := filepath.Base(path)

	underscore := strings.IndexByte(base, '_')
	if underscore <= 0 {
		return 0, false
	}

	index, err := strconv.Atoi(base[:underscore])
	if err != nil {
		return 0, false
	}

	return index, true
}
