// Package worker provides a NATS worker that runs narration jobs arriving
// as events: it downloads the source text from the object store, runs the
// pipeline, uploads the finished artifacts, and replies with a completion
// or failure event.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/engine"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// handleMessageTimeout bounds one narration job end to end, including
// synthesis of every segment.
const handleMessageTimeout = 10 * time.Minute

// ErrTextKeyEmpty indicates the request event named no text object.
var ErrTextKeyEmpty = errors.New("text key cannot be empty")

// NarrationRequestedEvent asks the worker to narrate the text stored under
// TextKey in the shared object store.
type NarrationRequestedEvent struct {
	Header  events.EventHeader `json:"header"`
	TextKey string             `json:"text_key"`
	Voice   string             `json:"voice,omitempty"`
	Rate    string             `json:"rate,omitempty"`
	Pitch   string             `json:"pitch,omitempty"`
	Volume  string             `json:"volume,omitempty"`
	Format  string             `json:"format,omitempty"`
}

// NarrationCompletedEvent is the reply for a finished job. AudioKey and
// SubtitleKey locate the artifacts in the object store; Partial mirrors the
// pipeline's partial-success flag.
type NarrationCompletedEvent struct {
	Header      events.EventHeader `json:"header"`
	AudioKey    string             `json:"audio_key"`
	SubtitleKey string             `json:"subtitle_key,omitempty"`
	Partial     bool               `json:"partial,omitempty"`
}

// NarrationFailedEvent is the reply for a job that produced no artifact.
// Code distinguishes rejected input from service faults, using HTTP status
// semantics.
type NarrationFailedEvent struct {
	Header  events.EventHeader `json:"header"`
	Code    int                `json:"code"`
	Message string             `json:"message"`
}

// NatsWorker listens for narration jobs on a NATS subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	store          core.BlobStore
	orchestrator   *pipeline.Orchestrator
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	store core.BlobStore,
	orchestrator *pipeline.Orchestrator,
	log *logger.Logger,
) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		store:          store,
		orchestrator:   orchestrator,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages. It blocks until
// ctx is cancelled, then drains the subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := parseEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse narration event: %v", err)

		return
	}

	audioKey, subtitleKey, partial, processErr := w.processNarrationJob(ctx, event)
	if processErr != nil {
		w.log.Error("Failed to process narration job for workflow %s: %v",
			event.Header.WorkflowID, processErr)
		w.replyFailure(msg, event, processErr)

		return
	}

	replyEvent := &NarrationCompletedEvent{
		Header:      event.Header,
		AudioKey:    audioKey,
		SubtitleKey: subtitleKey,
		Partial:     partial,
	}

	err = w.publishReply(msg, replyEvent)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v",
			event.Header.WorkflowID, err)
	}
}

// processNarrationJob downloads the text, runs the pipeline, and uploads
// the resulting artifacts.
func (w *NatsWorker) processNarrationJob(
	ctx context.Context, event *NarrationRequestedEvent,
) (string, string, bool, error) {
	if event.TextKey == "" {
		return "", "", false, ErrTextKeyEmpty
	}

	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return "", "", false, fmt.Errorf(
			"failed to download text for key '%s': %w", event.TextKey, err,
		)
	}

	params := core.SynthesisParams{
		Text:   string(textData),
		Voice:  event.Voice,
		Rate:   event.Rate,
		Pitch:  event.Pitch,
		Volume: event.Volume,
		Format: event.Format,
	}

	result, err := w.orchestrator.Generate(ctx, params, func(percent float64) {
		w.log.Info("Workflow %s progress: %.1f%%", event.Header.WorkflowID, percent)
	})
	if err != nil {
		return "", "", false, fmt.Errorf("failed to narrate text: %w", err)
	}

	audioKey, err := w.uploadArtifact(ctx, result.Audio, uuid.NewString()+"."+params.Normalized().Format)
	if err != nil {
		return "", "", false, err
	}

	subtitleKey := ""

	if result.Subtitle != "" {
		subtitleKey, err = w.uploadArtifact(ctx, result.Subtitle, uuid.NewString()+".srt")
		if err != nil {
			return "", "", false, err
		}
	}

	return audioKey, subtitleKey, result.Partial, nil
}

func (w *NatsWorker) uploadArtifact(ctx context.Context, path, key string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read artifact %q: %w", path, err)
	}

	err = w.store.Upload(ctx, key, data)
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact for key '%s': %w", key, err)
	}

	return key, nil
}

// publishReply marshals and responds with the completion event.
func (w *NatsWorker) publishReply(msg *nats.Msg, replyEvent *NarrationCompletedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

// replyFailure tells the requester the job produced no artifact. A reply is
// only attempted for request/reply messages.
func (w *NatsWorker) replyFailure(msg *nats.Msg, event *NarrationRequestedEvent, jobErr error) {
	if msg.Reply == "" {
		return
	}

	failure := &NarrationFailedEvent{
		Header:  event.Header,
		Code:    failureCode(jobErr),
		Message: jobErr.Error(),
	}

	data, err := json.Marshal(failure)
	if err != nil {
		w.log.Error("Failed to marshal failure event: %v", err)

		return
	}

	err = msg.Respond(data)
	if err != nil {
		w.log.Error("Failed to publish failure event for workflow %s: %v",
			event.Header.WorkflowID, err)
	}
}

// failureCode maps a job error to an HTTP-style status code.
func failureCode(err error) int {
	if errors.Is(err, ErrTextKeyEmpty) ||
		errors.Is(err, pipeline.ErrEmptyText) ||
		errors.Is(err, pipeline.ErrLanguageMismatch) ||
		errors.Is(err, engine.ErrNoEngineForVoice) {
		return http.StatusBadRequest
	}

	return http.StatusInternalServerError
}

func parseEvent(msg *nats.Msg) (*NarrationRequestedEvent, error) {
	var event NarrationRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}
