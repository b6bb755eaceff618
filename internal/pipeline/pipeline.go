// Package pipeline implements the narration orchestrator: it segments the
// input text, deduplicates work through the result cache, fans segment
// synthesis out through the bounded runner (batch) or splices segments
// sequentially into a live byte stream (stream), and assembles the final
// audio and subtitle artifacts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/cache"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/engine"
	"github.com/book-expert/narration-service/internal/runner"
	"github.com/book-expert/narration-service/internal/subtitle"
	"github.com/book-expert/narration-service/internal/text"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultConcurrency    = 3
	DefaultStreamAttempts = 3
	DefaultRetryBackoff   = 500 * time.Millisecond

	segmentKeyPrefix = "seg"
	fullProgress     = 100.0

	filePermissions = 0o600
	dirPermissions  = 0o750
)

// Static errors.
var (
	// ErrEmptyText rejects a request whose text is empty after trimming.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrLanguageMismatch rejects text the routed voice cannot speak.
	ErrLanguageMismatch = errors.New("text language does not match the requested voice")
	// ErrAllSegmentsFailed signals that no segment produced usable audio.
	ErrAllSegmentsFailed = errors.New("all segments failed to synthesize")
)

// SegmentError reports a stream-mode segment that failed every retry
// attempt, carrying the originating segment index and attempt count for
// diagnostics.
type SegmentError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf(
		"segment %d failed after %d attempts: %v", e.Index, e.Attempts, e.Err,
	)
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}

// Progress is the observer callback for request progress, called with a
// percentage in [0, 100]. A nil Progress is ignored.
type Progress func(percent float64)

// Config carries the orchestrator's tuning knobs.
type Config struct {
	// ScratchDir holds per-segment intermediate files. Partially written
	// scratch files are left in place after failures for diagnostics.
	ScratchDir string
	// OutputDir holds the final audio and subtitle artifacts.
	OutputDir string
	// TargetLength is the segmenter's chunk size in runes.
	TargetLength int
	// Concurrency caps in-flight segment synthesis in batch mode.
	Concurrency int
	// SubtitleGap is the inter-segment gap, in milliseconds, inserted
	// when merging cue tracks.
	SubtitleGap int64
	// StreamAttempts bounds per-segment retries in stream mode.
	StreamAttempts int
	// RetryBackoff is the base delay between stream retry attempts; the
	// delay grows linearly with the attempt number.
	RetryBackoff time.Duration
	// CacheTTL is the lifetime of cached results.
	CacheTTL time.Duration
}

// Orchestrator coordinates a narration request end to end. All
// collaborators are injected at construction and shared across requests.
type Orchestrator struct {
	engines   *engine.Registry
	cache     *cache.Cache
	assembler *audio.Assembler
	log       *logger.Logger
	cfg       Config
}

// New creates an Orchestrator, applying defaults for zero Config fields.
func New(
	engines *engine.Registry,
	resultCache *cache.Cache,
	assembler *audio.Assembler,
	log *logger.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.TargetLength <= 0 {
		cfg.TargetLength = text.DefaultTargetLength
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	if cfg.StreamAttempts <= 0 {
		cfg.StreamAttempts = DefaultStreamAttempts
	}

	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	return &Orchestrator{
		engines:   engines,
		cache:     resultCache,
		assembler: assembler,
		log:       log,
		cfg:       cfg,
	}
}

// Generate runs a batch-mode narration: all segments are synthesized to
// scratch files, then concatenated into one audio artifact and one merged
// subtitle track. Partial success is tolerated; a partial result lists only
// the segments that produced audio and is never cached.
func (o *Orchestrator) Generate(
	ctx context.Context,
	params core.SynthesisParams,
	progress Progress,
) (*core.SynthesisResult, error) {
	params = params.Normalized()
	if params.Text == "" {
		return nil, ErrEmptyText
	}

	key := params.Key(core.DefaultKeyPrefix)

	// A whole-request cache hit short-circuits everything, including
	// voice validation.
	cached := o.cachedResult(key)
	if cached != nil {
		report(progress, fullProgress)

		return cached, nil
	}

	eng, err := o.routeAndValidate(params)
	if err != nil {
		return nil, err
	}

	chunks := text.Split(params.Text, o.cfg.TargetLength)

	if len(chunks) == 1 {
		return o.generateSingle(ctx, eng, params, key, progress)
	}

	return o.generateBatch(ctx, eng, params, key, chunks, progress)
}

// GenerateStream runs a stream-mode narration: segments are synthesized
// strictly sequentially, each retried up to the configured attempt bound,
// and the audio bytes are spliced into writer as they complete. The same
// bytes are written to the final artifact file for subtitle
// post-processing and download. A segment failing every attempt aborts the
// stream with a SegmentError.
func (o *Orchestrator) GenerateStream(
	ctx context.Context,
	params core.SynthesisParams,
	writer io.Writer,
	progress Progress,
) (*core.SynthesisResult, error) {
	params = params.Normalized()
	if params.Text == "" {
		return nil, ErrEmptyText
	}

	key := params.Key(core.DefaultKeyPrefix)

	cached := o.cachedResult(key)
	if cached != nil {
		err := o.replayCached(cached, writer)
		if err != nil {
			return nil, err
		}

		report(progress, fullProgress)

		return cached, nil
	}

	eng, err := o.routeAndValidate(params)
	if err != nil {
		return nil, err
	}

	chunks := text.Split(params.Text, o.cfg.TargetLength)

	return o.streamChunks(ctx, eng, params, key, chunks, writer, progress)
}

// routeAndValidate picks the backend for the requested voice and rejects a
// text/voice language mismatch before any synthesis work is scheduled.
func (o *Orchestrator) routeAndValidate(params core.SynthesisParams) (core.Engine, error) {
	eng, err := o.engines.Route(params.Voice)
	if err != nil {
		return nil, fmt.Errorf("failed to route voice %q: %w", params.Voice, err)
	}

	if engine.VoiceLanguage(params.Voice) == "en" && text.ContainsCJK(params.Text) {
		return nil, fmt.Errorf("%w: voice %q", ErrLanguageMismatch, params.Voice)
	}

	return eng, nil
}

// cachedResult returns a cached result whose audio artifact still exists
// on disk. A stale entry referencing a missing file is dropped so the
// request falls through to regeneration.
func (o *Orchestrator) cachedResult(key string) *core.SynthesisResult {
	value, err := o.cache.Get(key)
	if err != nil {
		o.log.Warn("Cache read for %s failed: %v", key, err)

		return nil
	}

	if value == nil {
		return nil
	}

	if !fileExists(value.Audio) {
		o.log.Warn("Cache entry %s references missing file %s, regenerating", key, value.Audio)
		_ = o.cache.Delete(key)

		return nil
	}

	return value
}

// replayCached copies a cached artifact's bytes into the live stream.
func (o *Orchestrator) replayCached(cached *core.SynthesisResult, writer io.Writer) error {
	file, err := os.Open(cached.Audio)
	if err != nil {
		return fmt.Errorf("failed to open cached artifact %q: %w", cached.Audio, err)
	}

	defer func() { _ = file.Close() }()

	_, err = io.Copy(writer, file)
	if err != nil {
		return fmt.Errorf("failed to replay cached artifact %q: %w", cached.Audio, err)
	}

	return nil
}

// generateSingle handles the one-segment fast path: the engine output is
// written directly as the final artifact, bypassing the assembler.
func (o *Orchestrator) generateSingle(
	ctx context.Context,
	eng core.Engine,
	params core.SynthesisParams,
	key string,
	progress Progress,
) (*core.SynthesisResult, error) {
	output, err := eng.Synthesize(ctx, params.Text, params.Options())
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize text: %w", err)
	}

	audioPath := o.artifactPath(key, params.Format)

	err = o.writeArtifact(audioPath, output.Audio)
	if err != nil {
		return nil, err
	}

	srtPath := ""

	if len(output.Cues) > 0 {
		srtPath = o.artifactPath(key, "srt")

		err = subtitle.WriteSRT(srtPath, output.Cues)
		if err != nil {
			return nil, fmt.Errorf("failed to write subtitle artifact: %w", err)
		}
	}

	result := &core.SynthesisResult{
		Audio:    audioPath,
		Subtitle: srtPath,
		Partial:  false,
	}

	o.cacheResult(key, result)
	report(progress, fullProgress)

	return result, nil
}

// segmentArtifact is what one batch segment task produces.
type segmentArtifact struct {
	audioPath string
	cuePath   string
}

// generateBatch fans the segments out through the bounded runner, then
// concatenates whatever succeeded. Progress advances proportionally to
// completed segments.
func (o *Orchestrator) generateBatch(
	ctx context.Context,
	eng core.Engine,
	params core.SynthesisParams,
	key string,
	chunks []string,
	progress Progress,
) (*core.SynthesisResult, error) {
	scratchDir := filepath.Join(o.cfg.ScratchDir, key)

	err := os.MkdirAll(scratchDir, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory %q: %w", scratchDir, err)
	}

	err = os.MkdirAll(o.cfg.OutputDir, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	total := len(chunks)

	var completed atomic.Int64

	tasks := make([]runner.Task, total)
	for index, chunk := range chunks {
		tasks[index] = o.segmentTask(eng, params, scratchDir, index, chunk, func() {
			done := completed.Add(1)
			report(progress, float64(done)/float64(total)*fullProgress)
		})
	}

	results, cancelled := runner.New(tasks, o.cfg.Concurrency).Run(ctx)
	if cancelled {
		return nil, fmt.Errorf("narration cancelled: %w", ctx.Err())
	}

	artifacts, failures := collectArtifacts(results)
	if len(artifacts) == 0 {
		return nil, ErrAllSegmentsFailed
	}

	for _, failure := range failures {
		o.log.Error("Segment %d failed: %v", failure.Index, failure.Err)
	}

	result, err := o.assemble(ctx, params, key, artifacts, len(failures) > 0)
	if err != nil {
		return nil, err
	}

	report(progress, fullProgress)

	return result, nil
}

// segmentTask builds one runner task: check the per-segment cache, fall
// back to synthesis, write the numbered scratch artifact and cue sidecar.
func (o *Orchestrator) segmentTask(
	eng core.Engine,
	params core.SynthesisParams,
	scratchDir string,
	index int,
	chunk string,
	onDone func(),
) runner.Task {
	return func(ctx context.Context) (any, error) {
		segParams := params
		segParams.Text = chunk

		segKey := segParams.Key(segmentKeyPrefix)
		audioPath := filepath.Join(
			scratchDir, fmt.Sprintf("%d_%s.%s", index, segKey, params.Format),
		)
		cuePath := audioPath + ".json"

		cachedAudio, cachedCues, hit := o.cachedSegment(segKey)
		if hit {
			err := copyFile(cachedAudio, audioPath)
			if err == nil {
				err = copyOrEmptyCues(cachedCues, cuePath)
			}

			if err == nil {
				onDone()

				return segmentArtifact{audioPath: audioPath, cuePath: cuePath}, nil
			}

			// The cached files went away under us; synthesize instead.
			_ = o.cache.Delete(segKey)
		}

		output, err := eng.Synthesize(ctx, chunk, segParams.Options())
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", index, err)
		}

		err = o.writeSegmentFiles(audioPath, cuePath, output)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", index, err)
		}

		o.cacheResult(segKey, &core.SynthesisResult{
			Audio:    audioPath,
			Subtitle: cuePath,
			Partial:  false,
		})
		onDone()

		return segmentArtifact{audioPath: audioPath, cuePath: cuePath}, nil
	}
}

// cachedSegment returns the artifact paths of a cached segment whose audio
// file still exists.
func (o *Orchestrator) cachedSegment(segKey string) (string, string, bool) {
	value, err := o.cache.Get(segKey)
	if err != nil || value == nil {
		return "", "", false
	}

	if !fileExists(value.Audio) {
		_ = o.cache.Delete(segKey)

		return "", "", false
	}

	return value.Audio, value.Subtitle, true
}

func (o *Orchestrator) writeSegmentFiles(
	audioPath, cuePath string, output *core.SynthesisOutput,
) error {
	err := os.WriteFile(audioPath, output.Audio, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write segment audio %q: %w", audioPath, err)
	}

	cues := output.Cues
	if cues == nil {
		cues = []subtitle.Cue{}
	}

	err = subtitle.WriteCueFile(cuePath, cues)
	if err != nil {
		return fmt.Errorf("failed to write segment cues %q: %w", cuePath, err)
	}

	return nil
}

// assemble concatenates the segment artifacts into the final audio and
// subtitle files. Partial results are never cached.
func (o *Orchestrator) assemble(
	ctx context.Context,
	params core.SynthesisParams,
	key string,
	artifacts []segmentArtifact,
	partial bool,
) (*core.SynthesisResult, error) {
	audioFiles := make([]string, 0, len(artifacts))
	for _, artifact := range artifacts {
		audioFiles = append(audioFiles, artifact.audioPath)
	}

	finalAudio := o.artifactPath(key, params.Format)

	ordered, err := o.assembler.ConcatAudio(ctx, audioFiles, finalAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble audio artifact: %w", err)
	}

	cueFiles := make([]string, 0, len(ordered))
	for _, audioFile := range ordered {
		cueFiles = append(cueFiles, audioFile+".json")
	}

	srtPath := o.artifactPath(key, "srt")

	err = o.assembler.ConcatCues(cueFiles, o.cfg.SubtitleGap, o.artifactPath(key, "json"), srtPath)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble subtitle artifact: %w", err)
	}

	result := &core.SynthesisResult{
		Audio:    finalAudio,
		Subtitle: srtPath,
		Partial:  partial,
	}

	if !partial {
		o.cacheResult(key, result)
	}

	return result, nil
}

// streamChunks is the sequential stream splice loop.
func (o *Orchestrator) streamChunks(
	ctx context.Context,
	eng core.Engine,
	params core.SynthesisParams,
	key string,
	chunks []string,
	writer io.Writer,
	progress Progress,
) (*core.SynthesisResult, error) {
	scratchDir := filepath.Join(o.cfg.ScratchDir, key)

	err := os.MkdirAll(scratchDir, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory %q: %w", scratchDir, err)
	}

	err = os.MkdirAll(o.cfg.OutputDir, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	finalAudio := o.artifactPath(key, params.Format)

	artifactFile, err := os.OpenFile(
		finalAudio, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePermissions,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact file %q: %w", finalAudio, err)
	}

	defer func() { _ = artifactFile.Close() }()

	cueFiles := make([]string, 0, len(chunks))

	for index, chunk := range chunks {
		output, segErr := o.synthesizeWithRetry(ctx, eng, params, index, chunk)
		if segErr != nil {
			return nil, segErr
		}

		_, err = writer.Write(output.Audio)
		if err != nil {
			return nil, fmt.Errorf("failed to write to stream: %w", err)
		}

		_, err = artifactFile.Write(output.Audio)
		if err != nil {
			return nil, fmt.Errorf("failed to write artifact file: %w", err)
		}

		cuePath := filepath.Join(scratchDir, fmt.Sprintf("%d_stream.json", index))

		cues := output.Cues
		if cues == nil {
			cues = []subtitle.Cue{}
		}

		err = subtitle.WriteCueFile(cuePath, cues)
		if err != nil {
			return nil, fmt.Errorf("failed to write segment cues %q: %w", cuePath, err)
		}

		cueFiles = append(cueFiles, cuePath)

		report(progress, float64(index+1)/float64(len(chunks))*fullProgress)
	}

	srtPath := o.artifactPath(key, "srt")

	err = o.assembler.ConcatCues(cueFiles, o.cfg.SubtitleGap, o.artifactPath(key, "json"), srtPath)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble subtitle artifact: %w", err)
	}

	result := &core.SynthesisResult{
		Audio:    finalAudio,
		Subtitle: srtPath,
		Partial:  false,
	}

	o.cacheResult(key, result)

	return result, nil
}

// synthesizeWithRetry runs one stream segment with a bounded retry loop
// and linear backoff. Exhausting every attempt returns a SegmentError.
func (o *Orchestrator) synthesizeWithRetry(
	ctx context.Context,
	eng core.Engine,
	params core.SynthesisParams,
	index int,
	chunk string,
) (*core.SynthesisOutput, error) {
	var lastErr error

	for attempt := 1; attempt <= o.cfg.StreamAttempts; attempt++ {
		output, err := eng.Synthesize(ctx, chunk, params.Options())
		if err == nil {
			return output, nil
		}

		lastErr = err
		o.log.Warn("Segment %d attempt %d/%d failed: %v",
			index, attempt, o.cfg.StreamAttempts, err)

		if attempt == o.cfg.StreamAttempts {
			break
		}

		backoff := time.Duration(attempt) * o.cfg.RetryBackoff

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("narration cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return nil, &SegmentError{
		Index:    index,
		Attempts: o.cfg.StreamAttempts,
		Err:      lastErr,
	}
}

func (o *Orchestrator) artifactPath(key, extension string) string {
	return filepath.Join(o.cfg.OutputDir, key+"."+extension)
}

func (o *Orchestrator) writeArtifact(path string, data []byte) error {
	err := os.MkdirAll(filepath.Dir(path), dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	err = os.WriteFile(path, data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write artifact %q: %w", path, err)
	}

	return nil
}

func (o *Orchestrator) cacheResult(key string, result *core.SynthesisResult) {
	err := o.cache.Set(key, result, o.cfg.CacheTTL)
	if err != nil {
		o.log.Warn("Failed to cache result %s: %v", key, err)
	}
}

// segmentFailure pairs a failed slot with its index for logging.
type segmentFailure struct {
	Index int
	Err   error
}

// collectArtifacts splits runner results into produced artifacts and
// failures, preserving submission order.
func collectArtifacts(results []runner.Result) ([]segmentArtifact, []segmentFailure) {
	artifacts := make([]segmentArtifact, 0, len(results))
	failures := make([]segmentFailure, 0)

	for _, result := range results {
		if !result.Succeeded() {
			failures = append(failures, segmentFailure{Index: result.Index, Err: result.Err})

			continue
		}

		artifact, ok := result.Value.(segmentArtifact)
		if !ok {
			failures = append(failures, segmentFailure{
				Index: result.Index,
				Err:   fmt.Errorf("unexpected result type %T", result.Value),
			})

			continue
		}

		artifacts = append(artifacts, artifact)
	}

	return artifacts, failures
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", src, err)
	}

	err = os.WriteFile(dst, data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", dst, err)
	}

	return nil
}

// copyOrEmptyCues copies a cached cue sidecar, or writes an empty one when
// the cached segment had no cues.
func copyOrEmptyCues(src, dst string) error {
	if src == "" || !fileExists(src) {
		return subtitle.WriteCueFile(dst, []subtitle.Cue{})
	}

	return copyFile(src, dst)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}

func report(progress Progress, percent float64) {
	if progress != nil {
		progress(percent)
	}
}
