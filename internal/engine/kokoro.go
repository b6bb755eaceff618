package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/narration-service/internal/core"
)

// OpenAI-compatible API paths.
const (
	kokoroSpeechPath = "/v1/audio/speech"
	kokoroHealthPath = "/health"
)

// kokoroRequest is the OpenAI-compatible speech request body.
type kokoroRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Kokoro is a core.Engine backed by a Kokoro server exposing the
// OpenAI-compatible audio speech API. The server returns raw audio bytes
// and produces no word-boundary cues.
type Kokoro struct {
	name       string
	baseURL    string
	model      string
	languages  []string
	httpClient *http.Client
}

// NewKokoro creates a Kokoro backend for the given server and model.
func NewKokoro(name, baseURL, model string, timeout time.Duration, languages []string) *Kokoro {
	return &Kokoro{
		name:      name,
		baseURL:   baseURL,
		model:     model,
		languages: languages,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the registry name of this backend.
func (k *Kokoro) Name() string {
	return k.name
}

// SupportedLanguages lists the language codes this backend can speak.
func (k *Kokoro) SupportedLanguages() []string {
	return k.languages
}

// Initialize verifies the server is reachable before the backend is used.
func (k *Kokoro) Initialize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, k.baseURL+kokoroHealthPath, http.NoBody,
	)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for server at %s: %w", k.baseURL, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// Synthesize converts one text segment into audio via the speech endpoint.
func (k *Kokoro) Synthesize(
	ctx context.Context,
	text string,
	opts core.SynthesisOptions,
) (*core.SynthesisOutput, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	requestBody, err := json.Marshal(kokoroRequest{
		Model:          k.model,
		Input:          text,
		Voice:          opts.Voice,
		ResponseFormat: opts.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		k.baseURL+kokoroSpeechPath,
		bytes.NewBuffer(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)

	resp, err := k.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to send request to kokoro server at %s: %w",
			k.baseURL,
			err,
		)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return &core.SynthesisOutput{
		Audio: audioData,
		Cues:  nil,
	}, nil
}
