// Package task_test tests the deduplicating task registry.
package task_test

import (
	"strconv"
	"sync"
	"testing"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fieldsForText(text string) map[string]string {
	params := core.SynthesisParams{Text: text}

	return params.Normalized().Fields()
}

func TestCreate_IdenticalNormalizedFieldsYieldSameID(t *testing.T) {
	t.Parallel()

	withNeutral := core.SynthesisParams{Text: "hello", Rate: "+0%"}
	withEmpty := core.SynthesisParams{Text: "hello"}

	assert.Equal(
		t,
		task.DeriveID(withNeutral.Normalized().Fields()),
		task.DeriveID(withEmpty.Normalized().Fields()),
	)
}

func TestCreate_SecondIdenticalPendingRequestIsRejected(t *testing.T) {
	t.Parallel()

	registry := task.NewRegistry(10)

	first, err := registry.Create(fieldsForText("duplicate me"))
	require.NoError(t, err)

	_, err = registry.Create(fieldsForText("duplicate me"))
	require.ErrorIs(t, err, task.ErrTaskExists)

	// Once finished, the same parameters may be registered again.
	require.NoError(t, registry.Finish(first.ID, &core.SynthesisResult{
		Audio:    "a.mp3",
		Subtitle: "a.srt",
		Partial:  false,
	}))

	replacement, err := registry.Create(fieldsForText("duplicate me"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, replacement.ID)
}

func TestCreate_ConcurrentIdenticalRequestsAdmitExactlyOne(t *testing.T) {
	t.Parallel()

	registry := task.NewRegistry(10)
	fields := fieldsForText("contended text")

	const attempts = 16

	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
	)

	admitted := 0

	for range attempts {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			_, err := registry.Create(fields)
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}

	waitGroup.Wait()
	assert.Equal(t, 1, admitted)
}

func TestCreate_PendingCapIsARejectionNotAQueue(t *testing.T) {
	t.Parallel()

	registry := task.NewRegistry(2)

	_, err := registry.Create(fieldsForText("one"))
	require.NoError(t, err)
	_, err = registry.Create(fieldsForText("two"))
	require.NoError(t, err)

	_, err = registry.Create(fieldsForText("three"))
	require.ErrorIs(t, err, task.ErrTooManyTasks)
}

func TestLifecycle_FinishAndFail(t *testing.T) {
	t.Parallel()

	registry := task.NewRegistry(10)

	created, err := registry.Create(fieldsForText("lifecycle"))
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)

	registry.UpdateProgress(created.ID, 42.5)

	current, err := registry.Get(created.ID)
	require.NoError(t, err)
	assert.InEpsilon(t, 42.5, current.Progress, 0.001)

	result := &core.SynthesisResult{Audio: "x.mp3", Subtitle: "x.srt", Partial: false}
	require.NoError(t, registry.Finish(created.ID, result))

	// Finish is idempotent.
	require.NoError(t, registry.Finish(created.ID, result))

	finished, err := registry.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, finished.Status)
	assert.InEpsilon(t, 100.0, finished.Progress, 0.001)
	assert.Equal(t, result, finished.Result)

	failedTask, err := registry.Create(fieldsForText("doomed"))
	require.NoError(t, err)
	require.NoError(t, registry.Fail(failedTask.ID, 500, "backend exploded"))

	failed, err := registry.Get(failedTask.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, failed.Status)
	assert.Equal(t, 500, failed.Code)
	assert.Equal(t, "backend exploded", failed.Message)
}

func TestStats_CountsByStatus(t *testing.T) {
	t.Parallel()

	registry := task.NewRegistry(20)

	for index := range 3 {
		created, err := registry.Create(fieldsForText("pending " + strconv.Itoa(index)))
		require.NoError(t, err)

		if index == 0 {
			require.NoError(t, registry.Finish(created.ID, nil))
		}

		if index == 1 {
			require.NoError(t, registry.Fail(created.ID, 1, "nope"))
		}
	}

	stats := registry.Stats()
	assert.Equal(t, 3, stats.TotalTasks)
	assert.Equal(t, 1, stats.CompletedTasks)
	assert.Equal(t, 1, stats.FailedTasks)
	assert.Equal(t, 1, stats.PendingTasks)
}

func TestStats_ReportsMemoryUsage(t *testing.T) {
	t.Parallel()

	registry := task.NewRegistry(task.DefaultMaxPending)

	stats := registry.Stats()
	assert.Positive(t, stats.Memory.HeapAllocBytes)
	assert.Positive(t, stats.Memory.HeapSysBytes)
	assert.GreaterOrEqual(t, stats.Memory.SysBytes, stats.Memory.HeapSysBytes)
}

func TestGet_UnknownTask(t *testing.T) {
	t.Parallel()

	registry := task.NewRegistry(10)

	_, err := registry.Get("taskdeadbeef")
	require.ErrorIs(t, err, task.ErrTaskNotFound)
}
