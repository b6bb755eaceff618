package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/subtitle"
)

// API endpoints and headers for the neural synthesis service.
const (
	neuralGeneratePath = "/v1/generate/speech"
	neuralHealthPath   = "/health"

	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
)

// Static errors.
var (
	ErrEmptyText  = errors.New("text cannot be empty")
	ErrEmptyAudio = errors.New("received empty audio data")
)

// neuralRequest is the JSON payload for a synthesis call.
type neuralRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Rate   string `json:"rate,omitempty"`
	Pitch  string `json:"pitch,omitempty"`
	Volume string `json:"volume,omitempty"`
	Format string `json:"format"`
}

// neuralResponse is the JSON envelope the service returns when it produces
// word-boundary cues alongside the audio. Without cues the service sends
// the raw audio bytes instead.
type neuralResponse struct {
	Audio []byte         `json:"audio"`
	Cues  []subtitle.Cue `json:"cues,omitempty"`
}

// neuralErrorResponse is the structured error body on non-OK statuses.
type neuralErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Neural is a core.Engine backed by a standalone neural synthesis HTTP
// service. It speaks the service's JSON API and surfaces the service's
// structured errors for diagnostics.
type Neural struct {
	name       string
	baseURL    string
	languages  []string
	httpClient *http.Client
}

// NewNeural creates a neural backend. The baseURL includes protocol and
// port (e.g. "http://localhost:8000"); languages lists the language codes
// the deployed model can speak.
func NewNeural(name, baseURL string, timeout time.Duration, languages []string) *Neural {
	return &Neural{
		name:      name,
		baseURL:   baseURL,
		languages: languages,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the registry name of this backend.
func (n *Neural) Name() string {
	return n.name
}

// SupportedLanguages lists the language codes this backend can speak.
func (n *Neural) SupportedLanguages() []string {
	return n.languages
}

// Initialize verifies the service is up before the backend is used. A
// failing check removes the backend from the active registry.
func (n *Neural) Initialize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, n.baseURL+neuralHealthPath, http.NoBody,
	)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", n.baseURL, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// Synthesize converts one text segment into audio, with sidecar cues when
// the service reports word boundaries.
func (n *Neural) Synthesize(
	ctx context.Context,
	text string,
	opts core.SynthesisOptions,
) (*core.SynthesisOutput, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	requestBody, err := json.Marshal(neuralRequest{
		Text:   text,
		Voice:  opts.Voice,
		Rate:   opts.Rate,
		Pitch:  opts.Pitch,
		Volume: opts.Volume,
		Format: opts.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		n.baseURL+neuralGeneratePath,
		bytes.NewBuffer(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, "application/json, audio/*")

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to send request to synthesis service at %s: %w",
			n.baseURL,
			err,
		)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	return decodeSynthesisResponse(resp)
}

// decodeSynthesisResponse handles both response shapes: a JSON envelope
// with audio plus cues, or raw audio bytes.
func decodeSynthesisResponse(resp *http.Response) (*core.SynthesisOutput, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if resp.Header.Get(headerContentType) == contentTypeJSON {
		var envelope neuralResponse

		err = json.Unmarshal(body, &envelope)
		if err != nil {
			return nil, fmt.Errorf("failed to decode synthesis response: %w", err)
		}

		if len(envelope.Audio) == 0 {
			return nil, ErrEmptyAudio
		}

		return &core.SynthesisOutput{
			Audio: envelope.Audio,
			Cues:  envelope.Cues,
		}, nil
	}

	if len(body) == 0 {
		return nil, ErrEmptyAudio
	}

	return &core.SynthesisOutput{
		Audio: body,
		Cues:  nil,
	}, nil
}

// parseErrorResponse attempts to decode a structured JSON error from the
// service, falling back to the raw body so diagnostics are preserved.
func parseErrorResponse(resp *http.Response) error {
	var errorResp neuralErrorResponse

	err := json.NewDecoder(resp.Body).Decode(&errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf("synthesis service error (%s): %s (code: %s)",
			resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	body, _ := io.ReadAll(resp.Body)

	return fmt.Errorf(
		"synthesis service returned non-OK status: %s, body: %s",
		resp.Status,
		string(body),
	)
}
