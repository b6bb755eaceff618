// Package task tracks narration jobs by a deterministic id derived from
// their normalized parameters. Identical in-flight requests collapse to one
// task; a bound on simultaneously pending tasks rejects overload instead of
// queueing it.
package task

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/book-expert/narration-service/internal/core"
)

// DefaultMaxPending is the default cap on simultaneously pending tasks.
const DefaultMaxPending = 10

// Progress bounds.
const (
	progressMin = 0.0
	progressMax = 100.0
)

// Task status values.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Static errors.
var (
	// ErrTaskExists indicates a task with the same derived id is already
	// pending; the caller should treat the work as already in progress.
	ErrTaskExists = errors.New("task already in progress")
	// ErrTooManyTasks indicates the pending-task cap was reached.
	ErrTooManyTasks = errors.New("too many pending tasks")
	// ErrTaskNotFound indicates no task with the given id is registered.
	ErrTaskNotFound = errors.New("task not found")
)

// Task is one tracked narration job. Fields are the normalized parameters
// the id was derived from. Result is set on completion.
type Task struct {
	ID        string                `json:"id"`
	Fields    map[string]string     `json:"fields"`
	Status    string                `json:"status"`
	Progress  float64               `json:"progress"`
	Message   string                `json:"message,omitempty"`
	Code      int                   `json:"code,omitempty"`
	Result    *core.SynthesisResult `json:"result,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// Stats are aggregate counts over every task the registry has seen since
// process start, plus a snapshot of the process's memory accounting.
type Stats struct {
	TotalTasks     int         `json:"totalTasks"`
	CompletedTasks int         `json:"completedTasks"`
	FailedTasks    int         `json:"failedTasks"`
	PendingTasks   int         `json:"pendingTasks"`
	Memory         MemoryStats `json:"memory"`
}

// MemoryStats reports the Go runtime's memory counters: live heap bytes,
// heap obtained from the OS, and total bytes obtained from the OS.
type MemoryStats struct {
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	HeapSysBytes   uint64 `json:"heapSysBytes"`
	SysBytes       uint64 `json:"sysBytes"`
}

// Registry is a process-wide task store. Tasks are retained for the process
// lifetime; the only bound is the pending cap. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	maxPending int
	now        func() time.Time
}

// NewRegistry creates a registry with the given pending cap. A non-positive
// cap uses DefaultMaxPending.
func NewRegistry(maxPending int) *Registry {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}

	return &Registry{
		tasks:      make(map[string]*Task),
		maxPending: maxPending,
		now:        time.Now,
	}
}

// DeriveID computes the task id for a normalized field map. Two requests
// with identical normalized parameters always collapse to the same id.
func DeriveID(fields map[string]string) string {
	return core.DeriveKey(fields, core.DefaultKeyPrefix)
}

// Create registers a new pending task for the given normalized fields.
// It fails with ErrTaskExists if a task with the same derived id is pending,
// and with ErrTooManyTasks at the pending cap. A previously failed or
// completed task with the same id is replaced.
func (r *Registry) Create(fields map[string]string) (*Task, error) {
	id := DeriveID(fields)

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, found := r.tasks[id]
	if found && existing.Status == StatusPending {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, id)
	}

	if r.pendingLocked() >= r.maxPending {
		return nil, fmt.Errorf("%w: cap is %d", ErrTooManyTasks, r.maxPending)
	}

	now := r.now()
	created := &Task{
		ID:        id,
		Fields:    fields,
		Status:    StatusPending,
		Progress:  progressMin,
		Message:   "",
		Code:      0,
		Result:    nil,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.tasks[id] = created

	return snapshot(created), nil
}

// Get returns a copy of the task, or ErrTaskNotFound.
func (r *Registry) Get(id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	return snapshot(found), nil
}

// UpdateProgress sets the task's progress, clamped to [0, 100]. Unknown ids
// are ignored: progress callbacks can outlive a replaced task.
func (r *Registry) UpdateProgress(id string, progress float64) {
	if progress < progressMin {
		progress = progressMin
	}

	if progress > progressMax {
		progress = progressMax
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	found, ok := r.tasks[id]
	if !ok {
		return
	}

	found.Progress = progress
	found.UpdatedAt = r.now()
}

// Finish idempotently transitions the task to completed with full progress
// and the given result.
func (r *Registry) Finish(id string, result *core.SynthesisResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	found, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	found.Status = StatusCompleted
	found.Progress = progressMax
	found.Result = result
	found.UpdatedAt = r.now()

	return nil
}

// Fail transitions the task to failed with an error code and message.
func (r *Registry) Fail(id string, code int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	found, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	found.Status = StatusFailed
	found.Code = code
	found.Message = message
	found.UpdatedAt = r.now()

	return nil
}

// Stats returns aggregate counts across all retained tasks together with
// current memory usage.
func (r *Registry) Stats() Stats {
	var mem runtime.MemStats

	runtime.ReadMemStats(&mem)

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalTasks:     len(r.tasks),
		CompletedTasks: 0,
		FailedTasks:    0,
		PendingTasks:   0,
		Memory: MemoryStats{
			HeapAllocBytes: mem.HeapAlloc,
			HeapSysBytes:   mem.HeapSys,
			SysBytes:       mem.Sys,
		},
	}

	for _, tracked := range r.tasks {
		switch tracked.Status {
		case StatusCompleted:
			stats.CompletedTasks++
		case StatusFailed:
			stats.FailedTasks++
		case StatusPending:
			stats.PendingTasks++
		}
	}

	return stats
}

func (r *Registry) pendingLocked() int {
	pending := 0

	for _, tracked := range r.tasks {
		if tracked.Status == StatusPending {
			pending++
		}
	}

	return pending
}

// snapshot copies a task so callers never share registry-owned memory.
func snapshot(t *Task) *Task {
	copied := *t

	return &copied
}
