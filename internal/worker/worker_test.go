// Package worker_test tests the NATS narration worker against an embedded
// server with a mock blob store and a stub synthesis engine.
package worker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/cache"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/engine"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/book-expert/narration-service/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBlobStore records uploads and serves a fixed text blob.
type mockBlobStore struct {
	mu            sync.Mutex
	textByKey     map[string][]byte
	uploadedKeys  []string
	uploadedData  map[string][]byte
	downloadedKey string
}

func newMockBlobStore() *mockBlobStore {
	return &mockBlobStore{
		textByKey:     make(map[string][]byte),
		uploadedKeys:  nil,
		uploadedData:  make(map[string][]byte),
		downloadedKey: "",
	}
}

func (m *mockBlobStore) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.downloadedKey = key

	data, found := m.textByKey[key]
	if !found {
		return nil, nats.ErrObjectNotFound
	}

	return data, nil
}

func (m *mockBlobStore) Upload(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.uploadedKeys = append(m.uploadedKeys, key)
	m.uploadedData[key] = data

	return nil
}

func (m *mockBlobStore) Delete(_ context.Context, _ string) error { return nil }

func (m *mockBlobStore) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string{}, m.uploadedKeys...), nil
}

// stubEngine emits fixed audio bytes.
type stubEngine struct{}

func (stubEngine) Name() string { return "stub" }

func (stubEngine) SupportedLanguages() []string { return []string{"en"} }

func (stubEngine) Synthesize(
	_ context.Context, _ string, _ core.SynthesisOptions,
) (*core.SynthesisOutput, error) {
	return &core.SynthesisOutput{Audio: []byte("narrated"), Cues: nil}, nil
}

type passthroughJoiner struct{}

func (passthroughJoiner) Concat(_ context.Context, inputs []string, output string) error {
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

func (passthroughJoiner) Transcode(_ context.Context, input, output string) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	return os.WriteFile(output, data, 0o600)
}

func setupWorker(t *testing.T) (*mockBlobStore, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	natsServer := test.RunServer(&opts)
	t.Cleanup(natsServer.Shutdown)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)
	t.Cleanup(natsConnection.Close)

	testLogger, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	registry := engine.NewRegistry(testLogger)
	require.NoError(t, registry.Register(stubEngine{}))

	orchestrator := pipeline.New(
		registry,
		cache.New(cache.NewMemoryStorage(), time.Hour),
		audio.NewAssembler(passthroughJoiner{}),
		testLogger,
		pipeline.Config{
			ScratchDir:     t.TempDir(),
			OutputDir:      t.TempDir(),
			TargetLength:   0,
			Concurrency:    2,
			SubtitleGap:    0,
			StreamAttempts: 2,
			RetryBackoff:   time.Millisecond,
			CacheTTL:       0,
		},
	)

	store := newMockBlobStore()
	store.textByKey["source-text"] = []byte("hello narration world.")

	workerInstance, err := worker.NewNatsWorker(
		natsConnection, "narration.jobs", store, orchestrator, testLogger,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()

		select {
		case runErr := <-errChan:
			assert.NoError(t, runErr)
		case <-time.After(5 * time.Second):
			t.Error("worker did not shut down")
		}
	})

	return store, natsConnection
}

func newHeader() events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: uuid.NewString(),
		EventID:    uuid.NewString(),
		UserID:     "",
		TenantID:   "",
	}
}

func TestWorker_NarrationSuccess(t *testing.T) {
	t.Parallel()

	store, natsConnection := setupWorker(t)

	request := worker.NarrationRequestedEvent{
		Header:  newHeader(),
		TextKey: "source-text",
		Voice:   "en-US-AriaNeural",
		Rate:    "",
		Pitch:   "",
		Volume:  "",
		Format:  "mp3",
	}

	requestData, err := json.Marshal(request)
	require.NoError(t, err)

	replyMsg, err := natsConnection.Request("narration.jobs", requestData, 10*time.Second)
	require.NoError(t, err)

	var reply worker.NarrationCompletedEvent

	require.NoError(t, json.Unmarshal(replyMsg.Data, &reply))
	assert.Equal(t, request.Header.WorkflowID, reply.Header.WorkflowID)
	assert.NotEmpty(t, reply.AudioKey)
	assert.False(t, reply.Partial)

	assert.Equal(t, "source-text", store.downloadedKey)
	assert.Equal(t, []byte("narrated"), store.uploadedData[reply.AudioKey])
}

func TestWorker_FailureReply(t *testing.T) {
	t.Parallel()

	_, natsConnection := setupWorker(t)

	request := worker.NarrationRequestedEvent{
		Header:  newHeader(),
		TextKey: "missing-text",
		Voice:   "",
		Rate:    "",
		Pitch:   "",
		Volume:  "",
		Format:  "",
	}

	requestData, err := json.Marshal(request)
	require.NoError(t, err)

	replyMsg, err := natsConnection.Request("narration.jobs", requestData, 10*time.Second)
	require.NoError(t, err)

	var failure worker.NarrationFailedEvent

	require.NoError(t, json.Unmarshal(replyMsg.Data, &failure))
	assert.Equal(t, request.Header.WorkflowID, failure.Header.WorkflowID)
	assert.Equal(t, http.StatusInternalServerError, failure.Code)
	assert.Contains(t, failure.Message, "missing-text")
}

func TestWorker_FailureReplyFlagsBadInput(t *testing.T) {
	t.Parallel()

	_, natsConnection := setupWorker(t)

	request := worker.NarrationRequestedEvent{
		Header:  newHeader(),
		TextKey: "",
		Voice:   "",
		Rate:    "",
		Pitch:   "",
		Volume:  "",
		Format:  "",
	}

	requestData, err := json.Marshal(request)
	require.NoError(t, err)

	replyMsg, err := natsConnection.Request("narration.jobs", requestData, 10*time.Second)
	require.NoError(t, err)

	var failure worker.NarrationFailedEvent

	require.NoError(t, json.Unmarshal(replyMsg.Data, &failure))
	assert.Equal(t, http.StatusBadRequest, failure.Code)
	assert.Contains(t, failure.Message, "text key")
}
