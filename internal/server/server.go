// Package server exposes the narration pipeline over HTTP: job submission
// in batch and stream modes, task polling, aggregate statistics, engine
// listing, and artifact download with extension filtering.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/engine"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/book-expert/narration-service/internal/task"
)

// Route paths.
const (
	routeNarrations  = "POST /api/v1/narrations"
	routeStream      = "POST /api/v1/narrations/stream"
	routeTask        = "GET /api/v1/tasks/{id}"
	routeStats       = "GET /api/v1/tasks/stats"
	routeEngines     = "GET /api/v1/engines"
	routeDownload    = "GET /api/v1/download/{file}"
	routeHealth      = "GET /health"
	downloadBasePath = "/api/v1/download/"
)

// Server timeouts.
const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Request text length bounds. The minimum is fixed; the maximum is
// configured per deployment and defaults to DefaultMaxTextLength.
const (
	minTextLength        = 5
	DefaultMaxTextLength = 100000
)

// taskIDHeader carries the task id on the stream endpoint, whose body is
// raw audio bytes rather than the JSON envelope.
const taskIDHeader = "X-Task-ID"

// allowedDownloadExtensions is the download allow-list. Anything else is
// rejected regardless of what sits in the output directory.
var allowedDownloadExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".ogg":  true,
	".flac": true,
	".srt":  true,
}

// envelope is the uniform JSON response shape.
type envelope struct {
	Code    int    `json:"code"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Server wires the HTTP surface to the orchestrator and registries.
type Server struct {
	orchestrator  *pipeline.Orchestrator
	tasks         *task.Registry
	engines       *engine.Registry
	log           *logger.Logger
	outputDir     string
	maxTextLength int
	httpServer    *http.Server
}

// New creates the server listening on addr, serving artifacts from
// outputDir. Request texts longer than maxTextLength runes are rejected; a
// non-positive value uses DefaultMaxTextLength.
func New(
	orchestrator *pipeline.Orchestrator,
	tasks *task.Registry,
	engines *engine.Registry,
	log *logger.Logger,
	addr string,
	outputDir string,
	maxTextLength int,
) *Server {
	if maxTextLength <= 0 {
		maxTextLength = DefaultMaxTextLength
	}

	srv := &Server{
		orchestrator:  orchestrator,
		tasks:         tasks,
		engines:       engines,
		log:           log,
		outputDir:     outputDir,
		maxTextLength: maxTextLength,
		httpServer:    nil,
	}

	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return srv
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(routeNarrations, s.handleNarrate)
	mux.HandleFunc(routeStream, s.handleStream)
	mux.HandleFunc(routeStats, s.handleStats)
	mux.HandleFunc(routeTask, s.handleTask)
	mux.HandleFunc(routeEngines, s.handleEngines)
	mux.HandleFunc(routeDownload, s.handleDownload)
	mux.HandleFunc(routeHealth, s.handleHealth)

	return mux
}

// ListenAndServe blocks serving requests until ctx is cancelled, then
// drains with a bounded shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}

		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := s.httpServer.Shutdown(shutdownCtx)
		if err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}

		return nil
	}
}

// handleNarrate accepts a batch narration job. The job runs in the
// background; callers poll the returned task id for progress and the final
// artifact URLs. A duplicate of an in-flight job is rejected with 409.
func (s *Server) handleNarrate(writer http.ResponseWriter, request *http.Request) {
	params, ok := s.decodeParams(writer, request)
	if !ok {
		return
	}

	normalized := params.Normalized()

	created, err := s.tasks.Create(normalized.Fields())
	if err != nil {
		s.writeTaskCreateError(writer, err)

		return
	}

	go s.runNarration(created.ID, normalized)

	writeJSON(writer, http.StatusAccepted, envelope{
		Code:    http.StatusAccepted,
		Success: true,
		Data:    map[string]string{"taskId": created.ID},
		Message: "",
	})
}

// runNarration executes a batch job in the background, feeding progress
// into the task registry.
func (s *Server) runNarration(taskID string, params core.SynthesisParams) {
	result, err := s.orchestrator.Generate(
		context.Background(),
		params,
		func(percent float64) { s.tasks.UpdateProgress(taskID, percent) },
	)
	if err != nil {
		s.log.Error("Narration task %s failed: %v", taskID, err)

		code := http.StatusInternalServerError
		if isInputError(err) {
			code = http.StatusBadRequest
		}

		_ = s.tasks.Fail(taskID, code, err.Error())

		return
	}

	_ = s.tasks.Finish(taskID, s.withDownloadURLs(result))
}

// handleStream runs a stream narration synchronously, splicing audio bytes
// into the response as segments complete. The task id travels in a response
// header, since the body is the audio itself. Errors after the first byte
// can only truncate the stream; the task registry still records the
// failure.
func (s *Server) handleStream(writer http.ResponseWriter, request *http.Request) {
	params, ok := s.decodeParams(writer, request)
	if !ok {
		return
	}

	normalized := params.Normalized()

	created, err := s.tasks.Create(normalized.Fields())
	if err != nil {
		s.writeTaskCreateError(writer, err)

		return
	}

	writer.Header().Set(taskIDHeader, created.ID)
	writer.Header().Set("Content-Type", contentTypeForFormat(normalized.Format))

	result, err := s.orchestrator.GenerateStream(
		request.Context(),
		normalized,
		&flushingWriter{writer: writer},
		func(percent float64) { s.tasks.UpdateProgress(created.ID, percent) },
	)
	if err != nil {
		s.log.Error("Stream task %s aborted: %v", created.ID, err)
		_ = s.tasks.Fail(created.ID, http.StatusInternalServerError, err.Error())

		// Headers are already sent; closing the connection is the only
		// error signal left for the consumer.
		return
	}

	_ = s.tasks.Finish(created.ID, s.withDownloadURLs(result))
}

func (s *Server) handleTask(writer http.ResponseWriter, request *http.Request) {
	found, err := s.tasks.Get(request.PathValue("id"))
	if err != nil {
		writeError(writer, http.StatusNotFound, "task not found")

		return
	}

	writeJSON(writer, http.StatusOK, envelope{
		Code:    http.StatusOK,
		Success: true,
		Data:    found,
		Message: "",
	})
}

func (s *Server) handleStats(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, envelope{
		Code:    http.StatusOK,
		Success: true,
		Data:    s.tasks.Stats(),
		Message: "",
	})
}

func (s *Server) handleEngines(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, envelope{
		Code:    http.StatusOK,
		Success: true,
		Data:    map[string][]string{"engines": s.engines.Names()},
		Message: "",
	})
}

// handleDownload serves a finished artifact by base filename. Only
// allow-listed extensions are served, and the name is reduced to its base
// so a crafted path cannot escape the output directory.
func (s *Server) handleDownload(writer http.ResponseWriter, request *http.Request) {
	name := filepath.Base(request.PathValue("file"))

	if !allowedDownloadExtensions[strings.ToLower(filepath.Ext(name))] {
		writeError(writer, http.StatusForbidden, "file type not allowed")

		return
	}

	http.ServeFile(writer, request, filepath.Join(s.outputDir, name))
}

func (s *Server) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, envelope{
		Code:    http.StatusOK,
		Success: true,
		Data:    map[string]string{"status": "ok"},
		Message: "",
	})
}

func (s *Server) decodeParams(
	writer http.ResponseWriter, request *http.Request,
) (core.SynthesisParams, bool) {
	var params core.SynthesisParams

	err := json.NewDecoder(request.Body).Decode(&params)
	if err != nil {
		writeError(writer, http.StatusBadRequest, "invalid request body")

		return core.SynthesisParams{}, false
	}

	length := utf8.RuneCountInString(strings.TrimSpace(params.Text))

	if length < minTextLength {
		writeError(writer, http.StatusBadRequest,
			fmt.Sprintf("text must be at least %d characters", minTextLength))

		return core.SynthesisParams{}, false
	}

	if length > s.maxTextLength {
		writeError(writer, http.StatusBadRequest,
			fmt.Sprintf("text must be at most %d characters", s.maxTextLength))

		return core.SynthesisParams{}, false
	}

	return params, true
}

func (s *Server) writeTaskCreateError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrTaskExists):
		writeError(writer, http.StatusConflict, "an identical narration is already in progress")
	case errors.Is(err, task.ErrTooManyTasks):
		writeError(writer, http.StatusTooManyRequests, "too many narrations in progress")
	default:
		writeError(writer, http.StatusInternalServerError, err.Error())
	}
}

// withDownloadURLs rewrites artifact file paths into download URLs.
func (s *Server) withDownloadURLs(result *core.SynthesisResult) *core.SynthesisResult {
	rewritten := *result

	if rewritten.Audio != "" {
		rewritten.Audio = downloadBasePath + filepath.Base(rewritten.Audio)
	}

	if rewritten.Subtitle != "" {
		rewritten.Subtitle = downloadBasePath + filepath.Base(rewritten.Subtitle)
	}

	return &rewritten
}

func isInputError(err error) bool {
	return errors.Is(err, pipeline.ErrEmptyText) ||
		errors.Is(err, pipeline.ErrLanguageMismatch) ||
		errors.Is(err, engine.ErrNoEngineForVoice)
}

func contentTypeForFormat(format string) string {
	switch strings.ToLower(format) {
	case "wav":
		return "audio/wav"
	case "ogg":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	default:
		return "audio/mpeg"
	}
}

// flushingWriter pushes each audio chunk to the client immediately so
// stream consumers hear audio as segments complete.
type flushingWriter struct {
	writer http.ResponseWriter
}

func (f *flushingWriter) Write(data []byte) (int, error) {
	n, err := f.writer.Write(data)

	if flusher, ok := f.writer.(http.Flusher); ok {
		flusher.Flush()
	}

	if err != nil {
		return n, fmt.Errorf("failed to write stream chunk: %w", err)
	}

	return n, nil
}

func writeJSON(writer http.ResponseWriter, status int, payload envelope) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

func writeError(writer http.ResponseWriter, status int, message string) {
	writeJSON(writer, status, envelope{
		Code:    status,
		Success: false,
		Data:    nil,
		Message: message,
	})
}
