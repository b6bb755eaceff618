// Command narrate is a command-line client for the narration-service HTTP
// API: it submits a narration job, waits for completion, and downloads the
// finished artifacts, or splices a live stream straight into a file.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// Flag names.
const (
	flagText   = "text"
	flagVoice  = "voice"
	flagRate   = "rate"
	flagPitch  = "pitch"
	flagVolume = "volume"
	flagFormat = "format"
	flagServer = "server"
	flagOutput = "output"
	flagStream = "stream"
	flagHealth = "health"
)

// Flag descriptions.
const (
	flagTextDesc   = "Text to narrate"
	flagVoiceDesc  = "Voice name (e.g. en-US-AriaNeural)"
	flagRateDesc   = "Speech rate adjustment (e.g. +10%)"
	flagPitchDesc  = "Pitch adjustment (e.g. +2Hz)"
	flagVolumeDesc = "Volume adjustment (e.g. -5%)"
	flagFormatDesc = "Audio format (mp3, wav, ogg, flac)"
	flagServerDesc = "Base URL of the narration service"
	flagOutputDesc = "Output audio file path"
	flagStreamDesc = "Stream audio bytes as segments complete"
	flagHealthDesc = "Check service health and exit"
)

// Defaults.
const (
	defaultServer     = "http://localhost:8080"
	defaultOutputFile = "narration.mp3"
	pollInterval      = 500 * time.Millisecond
	pollTimeout       = 10 * time.Minute
	requestTimeout    = 30 * time.Second
)

// Static errors.
var (
	errTextRequired     = errors.New("--text must be provided")
	errTaskFailed       = errors.New("narration task failed")
	errTaskTimeout      = errors.New("timed out waiting for narration task")
	errServiceUnhealthy = errors.New("service is not healthy")
	errNoResult         = errors.New("completed task carries no result")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text   string
	voice  string
	rate   string
	pitch  string
	volume string
	format string
	server string
	output string
	stream bool
	health bool
}

// taskView is the subset of the task payload the client reads.
type taskView struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
	Result   *struct {
		Audio    string `json:"audio"`
		Subtitle string `json:"srt"`
		Partial  bool   `json:"partial"`
	} `json:"result"`
}

type apiEnvelope struct {
	Code    int             `json:"code"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()

	if flags.health {
		return checkHealth(flags.server)
	}

	if flags.text == "" {
		flag.Usage()

		return errTextRequired
	}

	if flags.stream {
		return streamNarration(flags)
	}

	return batchNarration(flags)
}

func parseFlags() appFlags {
	var flags appFlags

	flag.StringVar(&flags.text, flagText, "", flagTextDesc)
	flag.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flag.StringVar(&flags.rate, flagRate, "", flagRateDesc)
	flag.StringVar(&flags.pitch, flagPitch, "", flagPitchDesc)
	flag.StringVar(&flags.volume, flagVolume, "", flagVolumeDesc)
	flag.StringVar(&flags.format, flagFormat, "", flagFormatDesc)
	flag.StringVar(&flags.server, flagServer, defaultServer, flagServerDesc)
	flag.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flag.BoolVar(&flags.stream, flagStream, false, flagStreamDesc)
	flag.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flag.Parse()

	return flags
}

func checkHealth(serverURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, serverURL+"/health", http.NoBody,
	)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("service is not reachable: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", errServiceUnhealthy, resp.Status)
	}

	fmt.Println("Narration service is healthy")

	return nil
}

// batchNarration submits a job, polls it to completion, and downloads the
// audio artifact.
func batchNarration(flags appFlags) error {
	taskID, err := submitJob(flags)
	if err != nil {
		return err
	}

	fmt.Printf("Submitted narration task %s\n", taskID)

	finished, err := waitForTask(flags.server, taskID)
	if err != nil {
		return err
	}

	if finished.Result == nil {
		return errNoResult
	}

	if finished.Result.Partial {
		fmt.Println("Warning: some segments failed; the artifact is partial")
	}

	outputPath := flags.output
	if outputPath == "" {
		outputPath = defaultOutputFile
	}

	err = downloadArtifact(flags.server, finished.Result.Audio, outputPath)
	if err != nil {
		return err
	}

	fmt.Printf("Saved narration to %s\n", outputPath)

	if finished.Result.Subtitle != "" {
		subtitlePath := outputPath + ".srt"

		err = downloadArtifact(flags.server, finished.Result.Subtitle, subtitlePath)
		if err != nil {
			return err
		}

		fmt.Printf("Saved subtitles to %s\n", subtitlePath)
	}

	return nil
}

// streamNarration splices the live audio stream into the output file as the
// server produces it.
func streamNarration(flags appFlags) error {
	body, err := json.Marshal(requestPayload(flags))
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		flags.server+"/api/v1/narrations/stream",
		bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("failed to create stream request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("stream request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	outputPath := flags.output
	if outputPath == "" {
		outputPath = defaultOutputFile
	}

	outputFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	defer func() { _ = outputFile.Close() }()

	written, err := io.Copy(outputFile, resp.Body)
	if err != nil {
		return fmt.Errorf("stream interrupted after %d bytes: %w", written, err)
	}

	fmt.Printf("Streamed %d bytes to %s\n", written, outputPath)

	return nil
}

func requestPayload(flags appFlags) map[string]string {
	return map[string]string{
		"text":   flags.text,
		"voice":  flags.voice,
		"rate":   flags.rate,
		"pitch":  flags.pitch,
		"volume": flags.volume,
		"format": flags.format,
	}
}

func submitJob(flags appFlags) (string, error) {
	body, err := json.Marshal(requestPayload(flags))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		flags.server+"/api/v1/narrations",
		bytes.NewReader(body),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit narration: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		return "", decodeAPIError(resp)
	}

	var envelope apiEnvelope

	err = json.NewDecoder(resp.Body).Decode(&envelope)
	if err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	var data struct {
		TaskID string `json:"taskId"`
	}

	err = json.Unmarshal(envelope.Data, &data)
	if err != nil {
		return "", fmt.Errorf("failed to decode task id: %w", err)
	}

	return data.TaskID, nil
}

func waitForTask(serverURL, taskID string) (*taskView, error) {
	deadline := time.Now().Add(pollTimeout)

	for time.Now().Before(deadline) {
		view, err := fetchTask(serverURL, taskID)
		if err != nil {
			return nil, err
		}

		switch view.Status {
		case "completed":
			return view, nil
		case "failed":
			return nil, fmt.Errorf("%w: %s", errTaskFailed, view.Message)
		default:
			fmt.Printf("\rProgress: %.1f%%", view.Progress)
			time.Sleep(pollInterval)
		}
	}

	return nil, errTaskTimeout
}

func fetchTask(serverURL, taskID string) (*taskView, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, serverURL+"/api/v1/tasks/"+taskID, http.NoBody,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch task: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var envelope apiEnvelope

	err = json.NewDecoder(resp.Body).Decode(&envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to decode task response: %w", err)
	}

	var view taskView

	err = json.Unmarshal(envelope.Data, &view)
	if err != nil {
		return nil, fmt.Errorf("failed to decode task payload: %w", err)
	}

	return &view, nil
}

func downloadArtifact(serverURL, artifactPath, outputPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, serverURL+artifactPath, http.NoBody,
	)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download artifact: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	outputFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	defer func() { _ = outputFile.Close() }()

	_, err = io.Copy(outputFile, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}

	return nil
}

func decodeAPIError(resp *http.Response) error {
	var envelope apiEnvelope

	err := json.NewDecoder(resp.Body).Decode(&envelope)
	if err == nil && envelope.Message != "" {
		return fmt.Errorf("%w: %s (%s)", errTaskFailed, envelope.Message, resp.Status)
	}

	return fmt.Errorf("%w: %s", errTaskFailed, resp.Status)
}
