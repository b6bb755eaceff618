// Package audio assembles per-segment synthesis outputs into final
// artifacts: ordered lossless audio concatenation and merged subtitle
// tracks, with transcoding delegated to an external ffmpeg process.
package audio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Transcoding parameters for the wav output path.
const (
	wavSampleRate = 22050
	wavChannels   = 1

	listFilePermissions = 0o600
)

// Transcoder is the external audio-processing boundary. Concat joins an
// ordered list of same-codec files losslessly; Transcode re-encodes a
// single file into the format implied by the output extension.
type Transcoder interface {
	Concat(ctx context.Context, inputs []string, output string) error
	Transcode(ctx context.Context, input, output string) error
}

// FFmpeg runs a local ffmpeg binary as the Transcoder implementation.
type FFmpeg struct {
	binary string
}

// NewFFmpeg creates a Transcoder that shells out to the given ffmpeg
// binary. An empty path defaults to "ffmpeg" on PATH.
func NewFFmpeg(binary string) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}

	return &FFmpeg{binary: binary}
}

// Concat joins the inputs with the concat demuxer and stream copy, so
// same-codec segments are concatenated without re-encoding.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, output string) error {
	listPath, err := writeConcatList(inputs, output)
	if err != nil {
		return err
	}

	defer func() { _ = os.Remove(listPath) }()

	cmd := exec.CommandContext(ctx, f.binary,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		output,
	)

	combined, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg concat failed: %w: %s", err, string(combined))
	}

	return nil
}

// Transcode re-encodes input into the format implied by the output
// extension. Wav output is downmixed for speech playback.
func (f *FFmpeg) Transcode(ctx context.Context, input, output string) error {
	args := []string{"-y", "-i", input}

	if strings.EqualFold(filepath.Ext(output), ".wav") {
		args = append(args,
			"-ar", fmt.Sprintf("%d", wavSampleRate),
			"-ac", fmt.Sprintf("%d", wavChannels),
		)
	}

	args = append(args, output)

	cmd := exec.CommandContext(ctx, f.binary, args...)

	combined, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg transcode failed: %w: %s", err, string(combined))
	}

	return nil
}

// writeConcatList writes the concat demuxer input list next to the output
// file. Single quotes in paths are escaped per the demuxer's quoting rules.
func writeConcatList(inputs []string, output string) (string, error) {
	var builder strings.Builder

	for _, input := range inputs {
		escaped := strings.ReplaceAll(input, "'", `'\''`)
		builder.WriteString(fmt.Sprintf("file '%s'\n", escaped))
	}

	listPath := output + ".concat.txt"

	err := os.WriteFile(listPath, []byte(builder.String()), listFilePermissions)
	if err != nil {
		return "", fmt.Errorf("failed to write concat list %q: %w", listPath, err)
	}

	return listPath, nil
}
